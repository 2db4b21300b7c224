package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/aide/pkg/ingest"
)

// Registry stores channels, starts them against one enqueue function and
// routes deliveries by source.
type Registry struct {
	enqueue EnqueueFunc

	mu       sync.RWMutex
	channels map[ingest.Source]Channel
	started  map[ingest.Source]bool
}

// NewRegistry constructs a channel registry.
func NewRegistry(enqueue EnqueueFunc) *Registry {
	return &Registry{
		enqueue:  enqueue,
		channels: make(map[ingest.Source]Channel),
		started:  make(map[ingest.Source]bool),
	}
}

// Register adds a channel to the registry.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}
	name := ch.Name()
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.channels[name] = ch
	return nil
}

// IsRegistered returns true when a channel exists for source.
func (r *Registry) IsRegistered(source ingest.Source) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[source]
	return ok
}

// Names returns sorted registered sources.
func (r *Registry) Names() []ingest.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]ingest.Source, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Deliver routes a reply to the channel of d.Source. System items are never
// delivered.
func (r *Registry) Deliver(ctx context.Context, d Delivery) error {
	if d.Source == ingest.SourceSystem {
		return nil
	}

	r.mu.RLock()
	ch, ok := r.channels[d.Source]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %q is not registered", d.Source)
	}
	if err := ch.Deliver(ctx, d); err != nil {
		return fmt.Errorf("failed to deliver via %q: %w", d.Source, err)
	}
	return nil
}

// StartAll starts all registered channels.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.Names() {
		if err := r.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered channels in reverse order.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a registered channel.
func (r *Registry) Start(ctx context.Context, name ingest.Source) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Start(ctx, r.enqueue); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", name, err)
	}

	r.mu.Lock()
	r.started[name] = true
	r.mu.Unlock()
	return nil
}

// Stop stops a registered channel.
func (r *Registry) Stop(ctx context.Context, name ingest.Source) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if !r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}

	r.mu.Lock()
	delete(r.started, name)
	r.mu.Unlock()
	return nil
}
