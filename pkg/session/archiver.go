package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Archiver periodically archives sessions that have been idle too long.
type Archiver struct {
	manager     *Manager
	idleTimeout time.Duration
	interval    time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewArchiver creates an archiver; interval defaults to five minutes.
func NewArchiver(manager *Manager, idleTimeout, interval time.Duration) *Archiver {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Archiver{
		manager:     manager,
		idleTimeout: idleTimeout,
		interval:    interval,
	}
}

// Start starts the archiver
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("archiver is already running")
	}
	if a.idleTimeout <= 0 {
		return nil
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.running = true
	go a.run(ctx)

	a.manager.logger.Info().Dur("idle_timeout", a.idleTimeout).Msg("Session archiver started")
	return nil
}

// Stop stops the archiver and waits for the loop to exit.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	done := a.done
	a.mu.Unlock()
	<-done
}

func (a *Archiver) run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := a.manager.ArchiveIdle(ctx, a.idleTimeout); n > 0 {
				a.manager.logger.Info().Int("archived", n).Msg("Archived idle sessions")
			}
		case <-ctx.Done():
			return
		}
	}
}
