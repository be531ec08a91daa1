// Package willing decides whether the bot answers a message. A
// per-stream willingness value rises with interest and mentions, falls
// after every reply and decays over time; the [Gate] turns it into a
// reply probability and draws against it.
package willing

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Defaults for [StoreConfig].
const (
	DefaultDecayFactor   = 0.9
	DefaultDecayInterval = time.Second
)

// Persister saves and restores willingness across restarts.
type Persister interface {
	SaveWillingness(ctx context.Context, values map[string]float64) error
	LoadWillingness(ctx context.Context) (map[string]float64, error)
}

// StoreConfig configures a [Store].
type StoreConfig struct {
	// DecayFactor multiplies every value once per DecayInterval.
	DecayFactor   float64
	DecayInterval time.Duration
	// Persister is optional. When set, Load restores saved values and
	// Run saves them on shutdown.
	Persister Persister
	Logger    *slog.Logger
}

// Store holds the willingness of every stream. Unknown streams read as
// zero. All methods are safe for concurrent use.
type Store struct {
	decayFactor   float64
	decayInterval time.Duration
	persister     Persister
	logger        *slog.Logger

	mu     sync.Mutex
	values map[string]float64
}

// NewStore creates an empty willingness store.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factor := cfg.DecayFactor
	if factor <= 0 || factor > 1 {
		factor = DefaultDecayFactor
	}
	interval := cfg.DecayInterval
	if interval <= 0 {
		interval = DefaultDecayInterval
	}
	return &Store{
		decayFactor:   factor,
		decayInterval: interval,
		persister:     cfg.Persister,
		logger:        logger,
		values:        make(map[string]float64),
	}
}

// Get returns the willingness of a stream.
func (s *Store) Get(streamID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[streamID]
}

// Set stores the willingness of a stream.
func (s *Store) Set(streamID string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[streamID] = v
}

// update applies fn to a stream's value atomically and returns the
// stored result.
func (s *Store) update(streamID string, fn func(float64) float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := fn(s.values[streamID])
	s.values[streamID] = v
	return v
}

// Snapshot returns a copy of every stored value.
func (s *Store) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// Decay applies one decay step to every stream.
func (s *Store) Decay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.values {
		s.values[id] = v * s.decayFactor
	}
}

// Load restores persisted values. It is a no-op without a persister.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	saved, err := s.persister.LoadWillingness(ctx)
	if err != nil {
		return fmt.Errorf("load willingness: %w", err)
	}
	s.mu.Lock()
	maps.Copy(s.values, saved)
	s.mu.Unlock()
	s.logger.Debug("willingness restored", "streams", len(saved))
	return nil
}

// Run decays values every interval until ctx is cancelled, then saves
// them if a persister is configured.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.decayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.save()
			return
		case <-ticker.C:
			s.Decay()
		}
	}
}

func (s *Store) save() {
	if s.persister == nil {
		return
	}
	// The run context is already cancelled; give the final write its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.persister.SaveWillingness(ctx, s.Snapshot()); err != nil {
		s.logger.Warn("failed to save willingness", "error", err)
	}
}
