package willing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type memPersister struct {
	mu      sync.Mutex
	saved   map[string]float64
	loadErr error
}

func (p *memPersister) SaveWillingness(_ context.Context, values map[string]float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = values
	return nil
}

func (p *memPersister) LoadWillingness(context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	return p.saved, nil
}

func (p *memPersister) values() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved
}

func TestStore_GetSet(t *testing.T) {
	s := NewStore(StoreConfig{Logger: discardLogger()})
	if got := s.Get("missing"); got != 0 {
		t.Errorf("Get(missing) = %v, want 0", got)
	}
	s.Set("a", 1.5)
	if got := s.Get("a"); got != 1.5 {
		t.Errorf("Get(a) = %v, want 1.5", got)
	}

	snap := s.Snapshot()
	snap["a"] = 9
	if got := s.Get("a"); got != 1.5 {
		t.Errorf("Snapshot() aliases store: Get(a) = %v", got)
	}
}

func TestStore_Decay(t *testing.T) {
	s := NewStore(StoreConfig{DecayFactor: 0.5, Logger: discardLogger()})
	s.Set("a", 2)
	s.Set("b", 1)
	s.Decay()
	s.Decay()

	if got := s.Get("a"); got != 0.5 {
		t.Errorf("Get(a) = %v, want 0.5", got)
	}
	if got := s.Get("b"); got != 0.25 {
		t.Errorf("Get(b) = %v, want 0.25", got)
	}
}

func TestStore_LoadAndSaveOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &memPersister{saved: map[string]float64{"restored": 1.25}}
	s := NewStore(StoreConfig{
		DecayInterval: time.Hour,
		Persister:     p,
		Logger:        discardLogger(),
	})
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := s.Get("restored"); got != 1.25 {
		t.Errorf("Get(restored) = %v, want 1.25", got)
	}

	s.Set("new", 0.5)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	saved := p.values()
	if saved["restored"] != 1.25 || saved["new"] != 0.5 {
		t.Errorf("saved = %v", saved)
	}
}

func TestStore_LoadError(t *testing.T) {
	p := &memPersister{loadErr: errors.New("disk gone")}
	s := NewStore(StoreConfig{Persister: p, Logger: discardLogger()})
	if err := s.Load(context.Background()); err == nil {
		t.Fatal("Load() error = nil, want error")
	}
}

func TestStore_RunDecays(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStore(StoreConfig{DecayInterval: 5 * time.Millisecond, Logger: discardLogger()})
	s.Set("a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for s.Get("a") >= 1 {
		select {
		case <-deadline:
			t.Fatal("value never decayed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
