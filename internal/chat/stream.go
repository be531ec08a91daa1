package chat

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Stream is a conversation: one platform user in private chat, or one
// group. Streams are created lazily on first message and live for the
// lifetime of the process (and, with a [StreamStore], across restarts).
type Stream struct {
	ID        string     `json:"stream_id"`
	Platform  string     `json:"platform"`
	UserInfo  UserInfo   `json:"user_info"`
	GroupInfo *GroupInfo `json:"group_info,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Label names the stream for log lines: the group name, or "private"
// for direct conversations.
func (s *Stream) Label() string {
	if s.GroupInfo == nil {
		return "private"
	}
	if s.GroupInfo.GroupName != "" {
		return s.GroupInfo.GroupName
	}
	return s.GroupInfo.GroupID
}

// IsGroup reports whether the stream is a group chat.
func (s *Stream) IsGroup() bool {
	return s.GroupInfo != nil
}

// StreamID derives the stable conversation key. Group streams are
// keyed by group alone so every member shares one stream; private
// streams are keyed by user.
func StreamID(platform string, user UserInfo, group *GroupInfo) string {
	var key string
	if group != nil {
		key = platform + "_" + group.GroupID
	} else {
		key = platform + "_" + user.UserID + "_private"
	}
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// StreamStore persists streams. The concrete implementation is
// *storage.Store.
type StreamStore interface {
	SaveStream(ctx context.Context, s *Stream) error
	LoadStreams(ctx context.Context) ([]*Stream, error)
}

// Manager resolves (platform, user, group) triples to streams. All
// methods are safe for concurrent use.
type Manager struct {
	store  StreamStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewManager creates a stream registry. store may be nil, in which case
// streams live only in memory.
func NewManager(store StreamStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger,
		now:     time.Now,
		streams: make(map[string]*Stream),
	}
}

// Load hydrates the registry from the backing store.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	streams, err := m.store.LoadStreams(ctx)
	if err != nil {
		return fmt.Errorf("load streams: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range streams {
		m.streams[s.ID] = s
	}
	m.logger.Info("chat streams loaded", "count", len(streams))
	return nil
}

// GetOrCreate returns the stream for the given participants, creating
// it on first use. The stream's user and group info are refreshed from
// the latest message so renamed groups and nicknames propagate. The
// returned value is a snapshot; turns never share a mutable *Stream.
func (m *Manager) GetOrCreate(ctx context.Context, platform string, user UserInfo, group *GroupInfo) (*Stream, error) {
	id := StreamID(platform, user, group)
	now := m.now()

	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok {
		s = &Stream{
			ID:        id,
			Platform:  platform,
			CreatedAt: now,
		}
		m.streams[id] = s
	}
	s.UserInfo = user
	if group != nil {
		g := *group
		s.GroupInfo = &g
	}
	s.LastActive = now
	snapshot := *s
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("chat stream created",
			"stream_id", id,
			"platform", platform,
			"label", snapshot.Label(),
		)
	}

	if m.store != nil {
		if err := m.store.SaveStream(ctx, &snapshot); err != nil {
			return nil, fmt.Errorf("save stream %s: %w", id, err)
		}
	}
	return &snapshot, nil
}

// Get returns a copy of the stream with the given ID.
func (m *Manager) Get(id string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return nil, false
	}
	c := *s
	return &c, true
}

// Count returns the number of known streams.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
