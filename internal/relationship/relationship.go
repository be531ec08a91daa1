// Package relationship keeps a per-person affinity score that moves
// with the emotions and stances detected in their messages.
package relationship

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/mood"
)

// Score bounds.
const (
	MinValue = -1000.0
	MaxValue = 1000.0
)

var emotionValues = map[string]float64{
	mood.Happy:     1.5,
	mood.Angry:     -2.0,
	mood.Sad:       -0.5,
	mood.Surprised: 0.6,
	mood.Shy:       2.0,
	mood.Calm:      0.3,
	mood.Fearful:   -1.5,
	mood.Disgusted: -1.0,
	mood.Confused:  0.5,
	mood.Neutral:   0,
}

// Relationship is the bot's standing with one person.
type Relationship struct {
	Platform  string
	UserID    string
	Nickname  string
	Value     float64
	UpdatedAt time.Time
}

// Store persists relationships.
type Store interface {
	SaveRelationship(ctx context.Context, r Relationship) error
	LoadRelationships(ctx context.Context) ([]Relationship, error)
}

// Manager owns every relationship. Safe for concurrent use.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	people map[string]Relationship
}

// NewManager creates a relationship manager. store may be nil, in
// which case relationships live only in memory.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
		people: make(map[string]Relationship),
	}
}

func key(platform, userID string) string { return platform + ":" + userID }

// Load hydrates the manager from its store.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rels, err := m.store.LoadRelationships(ctx)
	if err != nil {
		return fmt.Errorf("load relationships: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rels {
		m.people[key(r.Platform, r.UserID)] = r
	}
	return nil
}

// Get returns the relationship with a person.
func (m *Manager) Get(platform, userID string) (Relationship, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.people[key(platform, userID)]
	return r, ok
}

// Update moves the score of the stream's most recent speaker by the
// value of emotion, weighted by stance. Positive moves shrink as the
// score approaches the ceiling.
func (m *Manager) Update(ctx context.Context, stream *chat.Stream, emotion, stance string) error {
	if stream == nil {
		return fmt.Errorf("update relationship: nil stream")
	}
	user := stream.UserInfo
	platform := user.Platform
	if platform == "" {
		platform = stream.Platform
	}

	m.mu.Lock()
	k := key(platform, user.UserID)
	r, ok := m.people[k]
	if !ok {
		r = Relationship{Platform: platform, UserID: user.UserID}
	}
	if n := user.DisplayName(); n != "" {
		r.Nickname = n
	}
	old := r.Value
	r.Value = Adjust(old, emotion, stance)
	r.UpdatedAt = m.now()
	m.people[k] = r
	m.mu.Unlock()

	m.logger.Debug("relationship updated",
		"user_id", r.UserID,
		"emotion", emotion,
		"stance", stance,
		"from", old,
		"to", r.Value,
	)

	if m.store == nil {
		return nil
	}
	if err := m.store.SaveRelationship(ctx, r); err != nil {
		return fmt.Errorf("save relationship: %w", err)
	}
	return nil
}

// Adjust returns the score after applying one emotion/stance pair to
// old. Unknown emotions leave the score unchanged.
func Adjust(old float64, emotion, stance string) float64 {
	delta := emotionValues[emotion]
	switch stance {
	case mood.Supportive:
		if delta > 0 {
			delta *= 1.5
		} else {
			delta *= 0.5
		}
	case mood.Opposed:
		if delta > 0 {
			delta *= 0.5
		} else {
			delta *= 1.5
		}
	}
	if delta > 0 && old > 0 {
		delta *= math.Cos(math.Pi * old / (2 * MaxValue))
	}
	return max(MinValue, min(MaxValue, old+delta))
}
