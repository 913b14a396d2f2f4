package subst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval is used when the scheduler is built without one.
const DefaultRefreshInterval = 5 * time.Minute

// Refresher periodically re-runs the manifest refresh for a context.
type Refresher struct {
	subst    *Context
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	once     sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher builds a scheduler over c. The context must have a manifest
// source and policy configured.
func NewRefresher(c *Context, interval, timeout time.Duration) (*Refresher, error) {
	if c == nil {
		return nil, fmt.Errorf("subst: refresher requires a context")
	}
	if err := c.refreshReady(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Refresher{
		subst:    c,
		interval: interval,
		timeout:  timeout,
		logger:   c.logger.With("task", "manifest_refresh"),
	}, nil
}

// StartRefresher starts a scheduler owned by c; Close stops it.
func (c *Context) StartRefresher(ctx context.Context, interval, timeout time.Duration) (*Refresher, error) {
	r, err := NewRefresher(c, interval, timeout)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	prev := c.refresher
	c.refresher = r
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	r.Start(ctx)
	return r, nil
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.once.Do(func() {
		r.logger.Info("manifest refresh scheduled", "interval", r.interval, "timeout", r.timeout)
	})
	for {
		if err := r.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("manifest refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one refresh unless another is still in flight.
func (r *Refresher) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ran, err := r.subst.TryFetchManifest(ctx, r.timeout)
	if !ran && err == nil {
		r.logger.Debug("refresh still running, skipping tick")
	}
	return err
}

// Start runs the scheduler in its own goroutine.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("manifest refresh stopped", "error", err)
		}
	}()
}

// Stop cancels the scheduler and waits for an in-flight refresh to unwind.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
