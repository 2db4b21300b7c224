package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/aide/internal/observability"
	"github.com/harun/aide/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultCapacity = 1000
	DefaultDebounce = 500 * time.Millisecond
	DefaultDrain    = 10 * time.Second
)

// Config configures a Pipeline.
type Config struct {
	Capacity        int
	Debounce        time.Duration
	DebounceSources []Source
	// DedupTTL bounds how long item IDs are remembered. Zero uses five minutes.
	DedupTTL time.Duration
	Logger   *zerolog.Logger
	Now      func() time.Time

	// DrainTimeout bounds how long Close waits for the consumer to take the
	// items still held. Zero uses DefaultDrain.
	DrainTimeout time.Duration
}

// Pipeline is the bounded queue plus the debounce stage in front of the
// single consumer.
type Pipeline struct {
	cfg      Config
	logger   zerolog.Logger
	eligible map[Source]bool
	dedup    *dedupCache

	in      chan InboundItem
	out     chan InboundItem
	expired chan windowKey

	// mu keeps senders out while the queue is drained on shutdown.
	mu        sync.RWMutex
	closed    bool
	quit      chan struct{}
	sealed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type windowKey struct {
	key string
	gen uint64
}

type window struct {
	items []InboundItem
	first uint64
	gen   uint64
	timer *time.Timer
}

// New starts a pipeline. Zero values in cfg take the package defaults; a
// nil DebounceSources means telegram and control.
func New(cfg Config) *Pipeline {
	observability.EnsureRegistered()

	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.DebounceSources == nil {
		cfg.DebounceSources = []Source{SourceTelegram, SourceControl}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrain
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	p := &Pipeline{
		cfg:      cfg,
		logger:   logger.With().Str("component", "ingest").Logger(),
		eligible: make(map[Source]bool, len(cfg.DebounceSources)),
		dedup:    newDedupCache(cfg.DedupTTL, cfg.Now),
		in:       make(chan InboundItem, cfg.Capacity),
		out:      make(chan InboundItem),
		expired:  make(chan windowKey),
		quit:     make(chan struct{}),
		sealed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, s := range cfg.DebounceSources {
		if s != SourceHTTP && s != SourceSystem {
			p.eligible[s] = true
		}
	}

	go p.run()

	p.logger.Info().
		Int("capacity", cfg.Capacity).
		Dur("debounce", cfg.Debounce).
		Msg("Ingest pipeline started")

	return p
}

// Enqueue validates item and places it on the queue, blocking while the
// queue is full.
func (p *Pipeline) Enqueue(ctx context.Context, item InboundItem) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := tracing.StartSpan(ctx, "aide.ingest", "ingest.enqueue",
		attribute.String("source", string(item.Source)),
		attribute.String("sender_key", item.SenderKey),
	)
	defer span.End()

	if err := item.Validate(); err != nil {
		span.RecordError(err)
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	if item.ID != "" && p.dedup.Seen(string(item.Source)+"|"+item.ID) {
		p.logger.Debug().Str("id", item.ID).Str("source", string(item.Source)).Msg("Duplicate item rejected")
		return ErrDuplicate
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = p.cfg.Now()
	}

	select {
	case p.in <- item:
		observability.RecordEnqueue(string(item.Source), len(p.in))
		p.logger.Debug().
			Str("source", string(item.Source)).
			Str("sender_key", item.SenderKey).
			Int("depth", len(p.in)).
			Msg("Item enqueued")
		return nil
	case <-ctx.Done():
		p.forget(item)
		return ctx.Err()
	case <-p.quit:
		p.forget(item)
		return ErrClosed
	}
}

func (p *Pipeline) forget(item InboundItem) {
	if item.ID != "" {
		p.dedup.Forget(string(item.Source) + "|" + item.ID)
	}
}

// Items is the consumer's feed. It is closed after Close.
func (p *Pipeline) Items() <-chan InboundItem {
	return p.out
}

// Depth returns the number of items waiting in the bounded queue.
func (p *Pipeline) Depth() int {
	return len(p.in)
}

// Close stops accepting items and drains the pipeline: open windows are
// flushed and queued items handed to the consumer until DrainTimeout passes.
// Whatever is left after that has its reply handles resolved with ErrClosed.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.sealed)
	})
	<-p.done
}

// stage is the debounce state owned by the run goroutine.
type stage struct {
	p       *Pipeline
	pending map[string]*window
	ready   []InboundItem
	held    int
	gen     uint64
}

// busy reports whether the stage already holds a queue's worth of items, in
// which case producers are left to block on the bounded queue.
func (st *stage) busy() bool {
	return len(st.ready)+st.held >= st.p.cfg.Capacity
}

func (st *stage) accept(item InboundItem) {
	p := st.p
	// Windows are keyed by sender so a reset from any source flushes the
	// sender's open window.
	key := item.SenderKey
	if item.Kind == KindReset {
		// Text sent before the reset belongs to the old session.
		st.flushKey(key)
		st.ready = append(st.ready, item)
		return
	}
	if p.cfg.Debounce == 0 || !p.eligible[item.Source] {
		st.ready = append(st.ready, item)
		return
	}
	st.gen++
	w := st.pending[key]
	if w == nil {
		w = &window{first: st.gen}
		st.pending[key] = w
	} else {
		w.timer.Stop()
	}
	w.items = append(w.items, item)
	w.gen = st.gen
	st.held++
	k := windowKey{key: key, gen: st.gen}
	w.timer = time.AfterFunc(p.cfg.Debounce, func() {
		select {
		case p.expired <- k:
		case <-p.done:
		}
	})
}

func (st *stage) expire(k windowKey) {
	w := st.pending[k.key]
	if w == nil || w.gen != k.gen {
		return
	}
	st.flushKey(k.key)
}

func (st *stage) flushKey(key string) {
	w := st.pending[key]
	if w == nil {
		return
	}
	w.timer.Stop()
	delete(st.pending, key)
	st.held -= len(w.items)
	st.ready = append(st.ready, st.p.flush(w))
}

// flushAll flushes every open window in the order the windows were opened.
func (st *stage) flushAll() {
	keys := make([]string, 0, len(st.pending))
	for k := range st.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return st.pending[keys[i]].first < st.pending[keys[j]].first
	})
	for _, k := range keys {
		st.flushKey(k)
	}
}

func (p *Pipeline) run() {
	defer close(p.done)

	st := &stage{p: p, pending: make(map[string]*window)}

	for {
		var inCh <-chan InboundItem
		var outCh chan<- InboundItem
		var next InboundItem
		if !st.busy() {
			inCh = p.in
		}
		if len(st.ready) > 0 {
			outCh = p.out
			next = st.ready[0]
		}

		select {
		case item := <-inCh:
			observability.SetQueueDepth(len(p.in))
			st.accept(item)

		case k := <-p.expired:
			st.expire(k)

		case outCh <- next:
			st.ready = st.ready[1:]

		case <-p.quit:
			p.shutdown(st)
			return
		}
	}
}

func (p *Pipeline) flush(w *window) InboundItem {
	merged := Merge(w.items)
	if merged.Folded > 0 {
		observability.RecordCoalesced(string(merged.Source), len(w.items)-1)
		p.logger.Debug().
			Str("sender_key", merged.SenderKey).
			Int("items", len(w.items)).
			Msg("Debounce window coalesced")
	}
	return merged
}

func (p *Pipeline) shutdown(st *stage) {
	<-p.sealed
	for drained := false; !drained; {
		select {
		case it := <-p.in:
			st.accept(it)
		default:
			drained = true
		}
	}
	st.flushAll()

	handed := 0
	deadline := time.NewTimer(p.cfg.DrainTimeout)
	defer deadline.Stop()
drain:
	for len(st.ready) > 0 {
		select {
		case p.out <- st.ready[0]:
			st.ready = st.ready[1:]
			handed++
		case <-deadline.C:
			break drain
		}
	}

	closed := Reply{Err: ErrClosed}
	for _, it := range st.ready {
		it.Resolve(closed)
	}
	close(p.out)

	if len(st.ready) > 0 {
		p.logger.Warn().
			Int("drained", handed).
			Int("dropped", len(st.ready)).
			Msg("Ingest pipeline closed with unprocessed items")
	} else {
		p.logger.Info().Int("drained", handed).Msg("Ingest pipeline closed")
	}
}
