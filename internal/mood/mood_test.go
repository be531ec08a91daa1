package mood

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func newTestManager(cfg Config) *Manager {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg)
}

func TestUpdateFromEmotion(t *testing.T) {
	m := newTestManager(Config{})
	m.UpdateFromEmotion(Happy, 0.5)

	st := m.Current()
	if math.Abs(st.Valence-0.4) > 1e-9 || math.Abs(st.Arousal-0.3) > 1e-9 {
		t.Errorf("state = %+v, want {0.4 0.3}", st)
	}
	if st.Label() != "excited" {
		t.Errorf("Label() = %q, want %q", st.Label(), "excited")
	}
}

func TestUpdateFromEmotion_Clamped(t *testing.T) {
	m := newTestManager(Config{})
	for range 10 {
		m.UpdateFromEmotion(Angry, 1)
	}
	st := m.Current()
	if st.Valence != -1 || st.Arousal != 1 {
		t.Errorf("state = %+v, want {-1 1}", st)
	}
}

func TestUpdateFromEmotion_Unknown(t *testing.T) {
	m := newTestManager(Config{})
	m.UpdateFromEmotion("ecstatic", 1)
	if st := m.Current(); st != (State{}) {
		t.Errorf("state = %+v, want neutral", st)
	}
}

func TestDecay(t *testing.T) {
	m := newTestManager(Config{DecayRate: 0.5})
	m.UpdateFromEmotion(Sad, 1)
	m.Decay()
	st := m.Current()
	if math.Abs(st.Valence+0.3) > 1e-9 || math.Abs(st.Arousal+0.15) > 1e-9 {
		t.Errorf("state = %+v, want {-0.3 -0.15}", st)
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{State{0, 0}, "calm"},
		{State{0.5, 0.5}, "excited"},
		{State{0.5, -0.5}, "content"},
		{State{-0.5, 0.5}, "irritated"},
		{State{-0.5, -0.5}, "down"},
	}
	for _, tt := range tests {
		if got := tt.s.Label(); got != tt.want {
			t.Errorf("%+v.Label() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestLabelsKnown(t *testing.T) {
	for _, e := range Emotions() {
		if !IsEmotion(e) {
			t.Errorf("IsEmotion(%q) = false", e)
		}
	}
	for _, s := range Stances() {
		if !IsStance(s) {
			t.Errorf("IsStance(%q) = false", s)
		}
	}
	if IsStance("hostile") || IsEmotion("hostile") {
		t.Error("unknown label reported as known")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(Config{DecayInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
}
