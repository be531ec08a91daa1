// Package connwatch tracks whether a backend, such as the Ollama
// server, is reachable.
//
// A [Watcher] probes in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... up to 60s) until the
//     first success or until the delay reaches its ceiling
//  2. Background: polling at a fixed interval
//
// Transitions between ready and down are logged and published on the
// event bus. [Watcher.Check] answers from the last probe without
// blocking, so it can back a health endpoint.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SnowindMe/MaiBot/internal/events"
)

// ErrNotChecked is returned by [Watcher.Check] before the first probe
// has finished.
var ErrNotChecked = errors.New("not checked yet")

// Probe checks whether a service is reachable. It returns nil if
// healthy and must be safe for concurrent use.
type Probe func(ctx context.Context) error

// Backoff controls the probe schedule.
type Backoff struct {
	// Initial is the delay after the first failed startup probe.
	Initial time.Duration
	// Max caps startup delay growth. Once reached, the watcher
	// switches to background polling.
	Max        time.Duration
	Multiplier float64
	// Poll is the background probe interval.
	Poll time.Duration
	// Timeout bounds each probe call.
	Timeout time.Duration
}

// DefaultBackoff returns a 2s..60s doubling startup schedule with 30s
// background polling.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2,
		Poll:       30 * time.Second,
		Timeout:    5 * time.Second,
	}
}

// Config configures a [Watcher]. Zero Backoff fields take their
// [DefaultBackoff] values.
type Config struct {
	Name    string
	Probe   Probe
	Backoff Backoff
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Status is the health of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	ready  atomic.Bool

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// New creates a watcher. It panics if Name is empty or Probe is nil.
func New(cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	d := DefaultBackoff()
	b := &cfg.Backoff
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{cfg: cfg, logger: logger.With("service", cfg.Name)}
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.ready.Load()
}

// Check returns the last probe error, or [ErrNotChecked] before the
// first probe.
func (w *Watcher) Check(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastCheck.IsZero() {
		return ErrNotChecked
	}
	return w.lastErr
}

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.cfg.Name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Run probes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	b := w.cfg.Backoff

	delay := b.Initial
	for attempt := 1; ; attempt++ {
		if w.probe(ctx) == nil {
			break
		}
		if delay >= b.Max {
			w.logger.Info("startup probes failed, entering background polling", "attempts", attempt)
			break
		}
		w.logger.Debug("startup probe failed, retrying", "attempt", attempt, "next_delay", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.Max)
	}

	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probe(ctx)
		}
	}
}

// probe runs one bounded probe and records the transition it causes.
func (w *Watcher) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.Timeout)
	err := w.cfg.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		// Shutdown, not an outage.
		return ctx.Err()
	}

	w.mu.Lock()
	first := w.lastCheck.IsZero()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	wasReady := w.ready.Swap(err == nil)
	switch {
	case err == nil && !wasReady:
		if first {
			w.logger.Info("service connected")
		} else {
			w.logger.Info("service recovered")
		}
		w.cfg.Bus.Emit(events.SourceConnwatch, events.KindServiceReady, map[string]any{
			"service": w.cfg.Name,
		})
	case err != nil && wasReady:
		w.logger.Warn("service became unreachable", "error", err)
		w.cfg.Bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": w.cfg.Name,
			"error":   err.Error(),
		})
	case err != nil:
		w.logger.Debug("service still unreachable", "error", err)
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. It returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
