package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/aide/internal/observability"
	"github.com/harun/aide/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	indexFileName = "index.json"
	archiveDir    = "archive"
	idAlphabet    = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength      = 16
)

// Config configures a Manager.
type Config struct {
	Dir string
	// CompactionThreshold is the input-token count above which MaybeCompact acts.
	CompactionThreshold int
	Logger              *zerolog.Logger
	Now                 func() time.Time
}

// Manager owns every session under Dir.
type Manager struct {
	dir       string
	threshold int
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	index    map[string]string
	sessions map[string]*Session
	leases   map[string]*Lease
}

// New opens (or creates) the session store in cfg.Dir.
func New(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.Dir = filepath.Join(home, ".aide", "sessions")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, archiveDir), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = 100000
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	m := &Manager{
		dir:       cfg.Dir,
		threshold: cfg.CompactionThreshold,
		logger:    logger.With().Str("component", "session").Logger(),
		now:       cfg.Now,
		sessions:  make(map[string]*Session),
		leases:    make(map[string]*Lease),
	}

	index, err := readIndex(m.indexPath())
	if err != nil {
		m.logger.Warn().Err(err).Msg("Session index unreadable, rebuilding from session directories")
		index = m.rebuildIndex()
		if err := writeIndex(m.indexPath(), index); err != nil {
			return nil, err
		}
	}
	m.index = index
	observability.SetActiveSessions(len(index))

	m.logger.Info().Str("dir", cfg.Dir).Int("sessions", len(index)).Msg("Session manager initialized")
	return m, nil
}

func (m *Manager) indexPath() string { return filepath.Join(m.dir, indexFileName) }

func (m *Manager) sessionDir(id string) string { return filepath.Join(m.dir, id) }

func validateSenderKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("sender key cannot be empty")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("sender key cannot contain null bytes")
	}
	return nil
}

// rebuildIndex scans session directories. When two directories claim the
// same sender the most recently updated one wins.
func (m *Manager) rebuildIndex() map[string]string {
	index := map[string]string{}
	updated := map[string]time.Time{}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return index
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == archiveDir {
			continue
		}
		s, _, err := m.load(e.Name())
		if err != nil || s.SenderKey == "" {
			continue
		}
		if prev, ok := updated[s.SenderKey]; !ok || s.UpdatedAt.After(prev) {
			index[s.SenderKey] = s.ID
			updated[s.SenderKey] = s.UpdatedAt
		}
	}
	return index
}

// load reads a session from its snapshot, rolling forward any log records
// written after it. Without a usable snapshot the logs are replayed in full.
func (m *Manager) load(id string) (*Session, string, error) {
	dir := m.sessionDir(id)
	records, err := readRecords(dir, m.logger.With().Str("session_id", id).Logger())
	if err != nil {
		return nil, "", err
	}

	origin := "snapshot"
	s, err := readSnapshot(dir)
	if err != nil {
		if len(records) == 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("Snapshot unusable, replaying session log")
		}
		origin = "replay"
		s = &Session{ID: id}
	}

	before := s.seq
	for _, rec := range records {
		apply(s, rec)
	}
	if origin == "snapshot" && s.seq > before {
		origin = "replay"
		m.logger.Info().Str("session_id", id).Uint64("from_seq", before).Uint64("to_seq", s.seq).Msg("Rolled session forward from log")
	}
	if s.ID == "" {
		s.ID = id
	}
	return s, origin, nil
}

// GetOrCreate returns a copy of the sender's session, loading or creating it.
func (m *Manager) GetOrCreate(ctx context.Context, senderKey string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getOrCreateLocked(ctx, senderKey)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (m *Manager) getOrCreateLocked(ctx context.Context, senderKey string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSenderKey(ctx, senderKey)
	ctx, span := tracing.StartSpan(ctx, "aide.session", "session.get_or_create",
		attribute.String("sender_key", senderKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if err := validateSenderKey(senderKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if id, ok := m.index[senderKey]; ok {
		if s, ok := m.sessions[id]; ok {
			return s, nil
		}
		s, origin, err := m.load(id)
		if err == nil {
			m.sessions[id] = s
			observability.RecordSessionLoad(origin)
			logger.Debug().Str("session_id", id).Str("origin", origin).Int("messages", len(s.Messages)).Msg("Session loaded")
			return s, nil
		}
		logger.Warn().Err(err).Str("session_id", id).Msg("Indexed session could not be loaded, starting a new one")
	}

	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	now := m.now().UTC()
	s := &Session{ID: id, SenderKey: senderKey, CreatedAt: now, UpdatedAt: now}

	if err := os.MkdirAll(m.sessionDir(id), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := m.persist(s, logRecord{Type: recordCreate, SenderKey: senderKey}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	next := copyIndex(m.index)
	next[senderKey] = id
	if err := writeIndex(m.indexPath(), next); err != nil {
		return nil, err
	}
	m.index = next
	m.sessions[id] = s

	observability.RecordSessionLoad("new")
	observability.SetActiveSessions(len(m.index))
	logger.Info().Str("session_id", id).Msg("Session created")
	return s, nil
}

func copyIndex(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// persist logs rec and, once the record is durable, applies commit to s and
// rewrites the snapshot. s is left untouched when the log write fails.
func (m *Manager) persist(s *Session, rec logRecord, commit func()) error {
	start := time.Now()
	defer func() { observability.RecordSessionPersist(time.Since(start)) }()

	rec.Seq = s.seq + 1
	rec.SessionID = s.ID
	if rec.TS.IsZero() {
		rec.TS = m.now().UTC()
	}

	dir := m.sessionDir(s.ID)
	if err := appendRecord(dir, rec); err != nil {
		return err
	}
	s.seq = rec.Seq
	s.UpdatedAt = rec.TS
	if commit != nil {
		commit()
	}
	// A snapshot behind the log is rolled forward on load.
	return writeSnapshot(dir, s)
}

// Checkout leases the sender's session to one run.
func (m *Manager) Checkout(ctx context.Context, senderKey string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getOrCreateLocked(ctx, senderKey)
	if err != nil {
		return nil, err
	}
	if _, busy := m.leases[s.ID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, s.ID)
	}
	l := &Lease{m: m, s: s}
	m.leases[s.ID] = l
	return l, nil
}

// Append adds entry to s and persists it. s must be the leased session.
func (m *Manager) Append(ctx context.Context, s *Session, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(ctx, s, entry)
}

func (m *Manager) appendLocked(ctx context.Context, s *Session, entry Entry) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := tracing.StartSpan(ctx, "aide.session", "session.append",
		attribute.String("session_id", s.ID),
		attribute.String("role", string(entry.Role)),
	)
	defer span.End()

	if entry.At.IsZero() {
		entry.At = m.now().UTC()
	}
	e := entry
	commit := func() { s.Messages = append(s.Messages, entry) }
	if err := m.persist(s, logRecord{Type: recordEntry, Entry: &e}, commit); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to persist entry: %w", err)
	}
	return nil
}

func (m *Manager) recordUsage(s *Session, u Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persist(s, logRecord{Type: recordUsage, Usage: &u}, func() { s.LastTurnUsage = u })
}

func (m *Manager) setModel(s *Session, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Model == model {
		return nil
	}
	return m.persist(s, logRecord{Type: recordModel, Model: model}, func() { s.Model = model })
}

func (m *Manager) setWarning(s *Session, warning string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.PendingWarning == warning {
		return nil
	}
	w := warning
	return m.persist(s, logRecord{Type: recordWarning, Warning: &w}, func() { s.PendingWarning = warning })
}

// Close archives the sender's session and forgets the mapping. The next
// item from the sender starts a fresh session.
func (m *Manager) Close(ctx context.Context, senderKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "aide.session", "session.close",
		attribute.String("sender_key", senderKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	id, ok := m.index[senderKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, senderKey)
	}
	if _, busy := m.leases[id]; busy {
		return fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}

	dest := filepath.Join(m.dir, archiveDir, fmt.Sprintf("%s-%d", id, m.now().Unix()))
	if err := os.Rename(m.sessionDir(id), dest); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to archive session: %w", err)
	}

	next := copyIndex(m.index)
	delete(next, senderKey)
	if err := writeIndex(m.indexPath(), next); err != nil {
		return err
	}
	m.index = next
	delete(m.sessions, id)

	observability.SetActiveSessions(len(m.index))
	logger.Info().Str("session_id", id).Str("archive", filepath.Base(dest)).Msg("Session archived")
	return nil
}

// ListSessions returns one row per indexed sender, sorted by sender key.
func (m *Manager) ListSessions() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Summary, 0, len(m.index))
	for sender, id := range m.index {
		row := Summary{SenderKey: sender, SessionID: id}
		s, ok := m.sessions[id]
		if !ok {
			if loaded, _, err := m.load(id); err == nil {
				s = loaded
			}
		}
		if s != nil {
			row.Messages = len(s.Messages)
			row.UpdatedAt = s.UpdatedAt
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderKey < out[j].SenderKey })
	return out
}

// ArchiveIdle closes every unleased session not updated within ttl and
// returns how many were archived.
func (m *Manager) ArchiveIdle(ctx context.Context, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-ttl)
	archived := 0
	for _, row := range m.ListSessions() {
		if row.UpdatedAt.IsZero() || row.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.Close(ctx, row.SenderKey); err != nil {
			m.logger.Debug().Err(err).Str("sender_key", row.SenderKey).Msg("Idle session not archived")
			continue
		}
		archived++
	}
	return archived
}

// Threshold returns the compaction threshold in input tokens.
func (m *Manager) Threshold() int { return m.threshold }

// Lease is exclusive access to one session for the duration of a run.
type Lease struct {
	m        *Manager
	s        *Session
	released bool
}

func (l *Lease) check() error {
	if l.released {
		return ErrLeaseReleased
	}
	return nil
}

// Session returns the leased session. Callers must not modify it directly.
func (l *Lease) Session() *Session { return l.s }

// ID returns the session id.
func (l *Lease) ID() string { return l.s.ID }

// Messages returns the current message list.
func (l *Lease) Messages() []Entry { return l.s.Messages }

// Append persists one entry.
func (l *Lease) Append(ctx context.Context, entry Entry) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.m.Append(ctx, l.s, entry)
}

// RecordUsage stores the token usage of the latest provider call.
func (l *Lease) RecordUsage(u Usage) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.m.recordUsage(l.s, u)
}

// SetModel records the model the session was last routed to.
func (l *Lease) SetModel(model string) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.m.setModel(l.s, model)
}

// PendingWarning returns the queued one-time warning.
func (l *Lease) PendingWarning() string { return l.s.PendingWarning }

// SetPendingWarning queues (or with "" clears) the one-time warning.
func (l *Lease) SetPendingWarning(w string) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.m.setWarning(l.s, w)
}

// MaybeCompact compacts the session if its last call crossed the threshold.
func (l *Lease) MaybeCompact(ctx context.Context, sum Summarizer) (bool, error) {
	if err := l.check(); err != nil {
		return false, err
	}
	return l.m.MaybeCompact(ctx, l.s, sum)
}

// Release returns the session to the manager. Extra calls are no-ops.
func (l *Lease) Release() {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	if l.m.leases[l.s.ID] == l {
		delete(l.m.leases, l.s.ID)
	}
}
