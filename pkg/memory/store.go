package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/aide/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Tier orders context blocks from most to least stable.
type Tier string

const (
	TierIdentity Tier = "identity"
	TierProfile  Tier = "profile"
	TierNotes    Tier = "notes"
)

// Block is one piece of workspace context handed to the model.
type Block struct {
	Tier      Tier
	Name      string
	Text      string
	Cacheable bool
}

// Config configures a Store.
type Config struct {
	WorkspacePath string
	// BudgetTokens bounds the total size of all blocks, estimated at four
	// characters per token.
	BudgetTokens int
	// IndexPath is the SQLite search index. Empty keeps it in memory.
	IndexPath string
	// Watch enables the fsnotify watcher. Without it blocks are rebuilt and
	// the index resynced on every call.
	Watch  bool
	Logger *zerolog.Logger
	Now    func() time.Time
}

// Store serves context blocks and the memory tools from one workspace.
type Store struct {
	workspace string
	notesDir  string
	budget    int
	logger    zerolog.Logger
	now       func() time.Time
	watcher   *FileWatcher

	mu         sync.Mutex
	blocks     []Block
	dirty      bool
	indexStale bool

	index *index
	// idxMu serialises index syncs and queries.
	idxMu sync.Mutex
	// writeMu serialises appends so concurrent tool calls do not interleave.
	writeMu sync.Mutex
}

// NewStore prepares the workspace layout and, when asked, starts watching it.
func NewStore(cfg Config) (*Store, error) {
	if cfg.WorkspacePath == "" {
		return nil, errors.New("workspace path is required")
	}
	if err := os.MkdirAll(cfg.WorkspacePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	notesDir, err := EnsureMemoryDirectory(cfg.WorkspacePath)
	if err != nil {
		return nil, err
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = 4000
	}

	s := &Store{
		workspace:  cfg.WorkspacePath,
		notesDir:   notesDir,
		budget:     cfg.BudgetTokens,
		logger:     logger.With().Str("component", "memory").Logger(),
		now:        cfg.Now,
		dirty:      true,
		indexStale: true,
	}

	s.index, err = openIndex(cfg.IndexPath, s.logger)
	if err != nil {
		return nil, err
	}

	if cfg.Watch {
		fw, err := NewFileWatcher(s.logger, 0, s.MarkDirty)
		if err != nil {
			s.index.close()
			return nil, fmt.Errorf("failed to start memory watcher: %w", err)
		}
		for _, dir := range []string{cfg.WorkspacePath, notesDir} {
			if err := fw.Watch(dir); err != nil {
				fw.Stop()
				s.index.close()
				return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
			}
		}
		s.watcher = fw
	}
	return s, nil
}

// MarkDirty forces the next ContextBlocks call to re-read the files and the
// next Search to resync the index.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.indexStale = true
	s.mu.Unlock()
}

// ContextBlocks returns identity, profile and notes blocks within budget.
func (s *Store) ContextBlocks(ctx context.Context) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty && s.watcher != nil {
		return append([]Block(nil), s.blocks...), nil
	}

	blocks, err := s.build()
	if err != nil {
		return nil, err
	}
	s.blocks = blocks
	s.dirty = false

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Int("blocks", len(blocks)).
		Msg("Memory context rebuilt")
	return append([]Block(nil), blocks...), nil
}

func (s *Store) build() ([]Block, error) {
	var candidates []Block

	for _, f := range []struct {
		name string
		tier Tier
	}{{IdentityFile, TierIdentity}, {ProfileFile, TierProfile}, {NotesFile, TierNotes}} {
		text, err := readOptional(filepath.Join(s.workspace, f.name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.name, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		candidates = append(candidates, Block{
			Tier:      f.tier,
			Name:      f.name,
			Text:      strings.TrimSpace(text),
			Cacheable: f.tier != TierNotes,
		})
	}

	notes, err := s.noteFiles()
	if err != nil {
		return nil, err
	}
	for _, name := range notes {
		text, err := readOptional(filepath.Join(s.notesDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		candidates = append(candidates, Block{
			Tier: TierNotes,
			Name: filepath.Join(NotesDir, name),
			Text: strings.TrimSpace(text),
		})
	}

	return fitBudget(candidates, s.budget*4), nil
}

// noteFiles lists memory/*.md newest name first. Dated files sort by date.
func (s *Store) noteFiles() ([]string, error) {
	entries, err := os.ReadDir(s.notesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list memory directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// fitBudget keeps blocks in order until the character budget runs out. The
// block that crosses the limit is cut; everything after it is dropped.
func fitBudget(blocks []Block, budgetChars int) []Block {
	out := make([]Block, 0, len(blocks))
	remaining := budgetChars
	for _, b := range blocks {
		n := utf8.RuneCountInString(b.Text)
		if n <= remaining {
			out = append(out, b)
			remaining -= n
			continue
		}
		if remaining > 0 {
			b.Text = string([]rune(b.Text)[:remaining]) + "\n...[trimmed]"
			b.Cacheable = false
			out = append(out, b)
		}
		break
	}
	return out
}

// Append adds a timestamped line to a notes file. An empty file name means
// today's dated file under memory/.
func (s *Store) Append(ctx context.Context, file, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("text is required")
	}

	now := s.now()
	rel := file
	if rel == "" {
		rel = filepath.Join(NotesDir, now.Format("2006-01-02")+".md")
	}
	full, err := GetMemoryFilePath(s.workspace, rel)
	if err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "- [%s] %s\n", now.Format("15:04"), text); err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", rel, err)
	}

	s.MarkDirty()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("file", rel).Msg("Memory note appended")
	return rel, nil
}

// Close stops the watcher and closes the index.
func (s *Store) Close() error {
	var err error
	if s.watcher != nil {
		err = s.watcher.Stop()
	}
	if cerr := s.index.close(); err == nil {
		err = cerr
	}
	return err
}
