// Package mood tracks the bot's global mood as a point in
// valence/arousal space. Emotions detected in conversation push the
// point around; it drifts back towards neutral over time.
package mood

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Emotion labels understood by the affect classifier.
const (
	Happy     = "happy"
	Angry     = "angry"
	Sad       = "sad"
	Surprised = "surprised"
	Shy       = "shy"
	Calm      = "calm"
	Fearful   = "fearful"
	Disgusted = "disgusted"
	Confused  = "confused"
	Neutral   = "neutral"
)

// Stance labels: how the speaker relates to the bot.
const (
	Supportive = "supportive"
	Opposed    = "opposed"
	// Neutral doubles as the neutral stance.
)

type shift struct{ valence, arousal float64 }

var emotions = map[string]shift{
	Happy:     {0.8, 0.6},
	Angry:     {-0.7, 0.7},
	Sad:       {-0.6, -0.3},
	Surprised: {0.4, 0.8},
	Shy:       {0.5, -0.3},
	Calm:      {0.2, -0.5},
	Fearful:   {-0.7, 0.6},
	Disgusted: {-0.8, 0.3},
	Confused:  {-0.1, 0.2},
	Neutral:   {0, 0},
}

// Emotions returns every emotion label.
func Emotions() []string {
	return []string{Happy, Angry, Sad, Surprised, Shy, Calm, Fearful, Disgusted, Confused, Neutral}
}

// Stances returns every stance label.
func Stances() []string {
	return []string{Supportive, Neutral, Opposed}
}

// IsEmotion reports whether label is a known emotion.
func IsEmotion(label string) bool {
	_, ok := emotions[label]
	return ok
}

// IsStance reports whether label is a known stance.
func IsStance(label string) bool {
	return label == Supportive || label == Neutral || label == Opposed
}

// State is a snapshot of the mood.
type State struct {
	Valence float64 `json:"valence"`
	Arousal float64 `json:"arousal"`
}

// Label names the quadrant the state sits in.
func (s State) Label() string {
	const dead = 0.2
	switch {
	case math.Abs(s.Valence) < dead && math.Abs(s.Arousal) < dead:
		return "calm"
	case s.Valence >= 0 && s.Arousal >= 0:
		return "excited"
	case s.Valence >= 0:
		return "content"
	case s.Arousal >= 0:
		return "irritated"
	default:
		return "down"
	}
}

// Defaults for [Config].
const (
	DefaultDecayRate     = 0.05
	DefaultDecayInterval = time.Second
)

// Config configures a [Manager].
type Config struct {
	// DecayRate is the fraction of the distance to neutral removed per
	// interval.
	DecayRate     float64
	DecayInterval time.Duration
	Logger        *slog.Logger
}

// Manager owns the mood state. Safe for concurrent use.
type Manager struct {
	decayRate     float64
	decayInterval time.Duration
	logger        *slog.Logger

	mu    sync.Mutex
	state State
}

// NewManager creates a manager in the neutral state.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rate := cfg.DecayRate
	if rate <= 0 || rate >= 1 {
		rate = DefaultDecayRate
	}
	interval := cfg.DecayInterval
	if interval <= 0 {
		interval = DefaultDecayInterval
	}
	return &Manager{decayRate: rate, decayInterval: interval, logger: logger}
}

// Current returns the mood state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UpdateFromEmotion moves the mood by the emotion's shift scaled by
// intensity. Unknown emotions are ignored.
func (m *Manager) UpdateFromEmotion(emotion string, intensity float64) {
	sh, ok := emotions[emotion]
	if !ok {
		m.logger.Debug("unknown emotion ignored", "emotion", emotion)
		return
	}
	m.mu.Lock()
	m.state.Valence = clamp(m.state.Valence + sh.valence*intensity)
	m.state.Arousal = clamp(m.state.Arousal + sh.arousal*intensity)
	st := m.state
	m.mu.Unlock()

	m.logger.Debug("mood updated",
		"emotion", emotion,
		"valence", st.Valence,
		"arousal", st.Arousal,
		"mood", st.Label(),
	)
}

// Decay applies one decay step.
func (m *Manager) Decay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Valence *= 1 - m.decayRate
	m.state.Arousal *= 1 - m.decayRate
}

// Run decays the mood until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.decayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Decay()
		}
	}
}

func clamp(v float64) float64 {
	return max(-1, min(1, v))
}
