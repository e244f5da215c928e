package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultRetention keeps processed event IDs well past any gateway's
// redelivery horizon.
const DefaultRetention = 30 * 24 * time.Hour

// Pruner periodically forgets old processed events.
type Pruner struct {
	store     EventStore
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	stop      chan struct{}
	running   atomic.Bool
}

// NewPruner creates a pruner running hourly with DefaultRetention.
func NewPruner(store EventStore, logger *slog.Logger) *Pruner {
	return &Pruner{
		store:     store,
		interval:  time.Hour,
		retention: DefaultRetention,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// WithRetention overrides DefaultRetention.
func (p *Pruner) WithRetention(d time.Duration) *Pruner {
	if d > 0 {
		p.retention = d
	}
	return p
}

// Running reports whether the loop is active.
func (p *Pruner) Running() bool {
	return p.running.Load()
}

// Start runs until ctx is done or Stop is called. Call in a goroutine.
func (p *Pruner) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (p *Pruner) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

// Prune runs one pass and returns how many events were removed.
func (p *Pruner) Prune(ctx context.Context) (n int64) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in webhook event pruner", "panic", fmt.Sprint(r))
		}
	}()
	n, err := p.store.PruneCompleted(ctx, p.now().Add(-p.retention))
	if err != nil {
		p.logger.Warn("failed to prune gateway events", "error", err)
		return 0
	}
	if n > 0 {
		p.logger.Info("pruned gateway events", "count", n)
	}
	return n
}
