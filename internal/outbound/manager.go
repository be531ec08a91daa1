package outbound

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/events"
	"github.com/SnowindMe/MaiBot/internal/metrics"
)

// Transport delivers one outbound segment to the messaging platform.
// The MQTT bridge is the production implementation.
type Transport interface {
	Deliver(ctx context.Context, msg *Sending) error
}

// TransportFunc adapts a function to [Transport].
type TransportFunc func(ctx context.Context, msg *Sending) error

// Deliver calls f.
func (f TransportFunc) Deliver(ctx context.Context, msg *Sending) error { return f(ctx, msg) }

// Defaults for [ManagerConfig].
const (
	DefaultThinkingTimeout = 2 * time.Minute
	DefaultTickInterval    = 250 * time.Millisecond
)

// ManagerConfig holds the dependencies for a Manager.
type ManagerConfig struct {
	Transport Transport
	// ThinkingTimeout is how long a placeholder may wait for its reply
	// before the delivery loop evicts it.
	ThinkingTimeout time.Duration
	// TickInterval is the delivery loop period.
	TickInterval time.Duration
	Bus          *events.Bus
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Manager owns one [Container] per stream and the loop that drains
// them. Containers are created on first use and never deleted.
type Manager struct {
	transport       Transport
	thinkingTimeout time.Duration
	tickInterval    time.Duration
	bus             *events.Bus
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time

	mu         sync.Mutex
	containers map[string]*Container
	lastID     float64 // last issued placeholder timestamp, centiseconds precision
}

// NewManager creates an outbound manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ThinkingTimeout
	if timeout <= 0 {
		timeout = DefaultThinkingTimeout
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Manager{
		transport:       cfg.Transport,
		thinkingTimeout: timeout,
		tickInterval:    tick,
		bus:             cfg.Bus,
		metrics:         cfg.Metrics,
		logger:          logger,
		now:             time.Now,
		containers:      make(map[string]*Container),
	}
}

// NewThinkingID returns a placeholder ID for t that this manager has
// never issued before. An ID that would repeat or precede the last
// issued one is advanced by one hundredth of a second; only the ID
// moves, never the placeholder's creation time.
func (m *Manager) NewThinkingID(t time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := roundCenti(unixSeconds(t))
	if ts <= m.lastID {
		ts = roundCenti(m.lastID + 0.01)
	}
	m.lastID = ts
	return formatThinkingID(ts)
}

// NewThinking builds and inserts a placeholder for reply in stream.
func (m *Manager) NewThinking(streamID string, bot chat.UserInfo, reply *chat.Message) *Thinking {
	now := m.now()
	t := &Thinking{
		ID:        m.NewThinkingID(now),
		Stream:    streamID,
		Bot:       bot,
		Reply:     reply,
		StartedAt: now,
	}
	m.Insert(t)
	return t
}

// Container returns the stream's container, creating it on first use.
func (m *Manager) Container(streamID string) *Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[streamID]
	if !ok {
		c = newContainer(streamID)
		m.containers[streamID] = c
		m.metrics.Streams(len(m.containers))
	}
	return c
}

// Insert appends an item to its stream's container.
func (m *Manager) Insert(it Item) {
	m.Container(it.StreamID()).add(it)
}

// FindAndRemove removes the placeholder with the given ID. A false
// result means the placeholder is gone, typically evicted by the
// thinking timeout; callers treat that as a normal outcome.
func (m *Manager) FindAndRemove(streamID, thinkingID string) (*Thinking, bool) {
	return m.Container(streamID).takeThinking(thinkingID)
}

// ReplaceWithSet atomically swaps the placeholder for set. It returns
// false, leaving the container untouched, if the placeholder is gone.
func (m *Manager) ReplaceWithSet(streamID, thinkingID string, set *MessageSet) bool {
	return m.Container(streamID).replace(thinkingID, set)
}

// Run drives the delivery loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("outbound manager started",
		"tick", m.tickInterval,
		"thinking_timeout", m.thinkingTimeout,
	)
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("outbound manager stopping")
			return
		case <-ticker.C:
			m.Flush(ctx)
		}
	}
}

// Flush runs one delivery pass: stale placeholders are evicted and every
// finalized item is delivered in container order. Streams are visited in
// ID order so passes are deterministic.
func (m *Manager) Flush(ctx context.Context) int {
	m.mu.Lock()
	containers := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		containers = append(containers, c)
	}
	m.mu.Unlock()
	sort.Slice(containers, func(i, j int) bool { return containers[i].stream < containers[j].stream })

	now := m.now()
	cutoff := now.Add(-m.thinkingTimeout)
	delivered := 0
	for _, c := range containers {
		for _, t := range c.expire(cutoff) {
			age := now.Sub(t.StartedAt)
			m.logger.Warn("thinking message timed out",
				"stream_id", t.Stream,
				"thinking_id", t.ID,
				"age", age.Round(time.Millisecond),
			)
			m.metrics.Expired(1)
			m.bus.Emit(events.SourceOutbound, events.KindThinkingExpired, map[string]any{
				"stream_id":   t.Stream,
				"thinking_id": t.ID,
				"age_ms":      age.Milliseconds(),
			})
		}

		for _, it := range c.popReady() {
			switch v := it.(type) {
			case *MessageSet:
				for _, s := range v.Messages {
					m.deliver(ctx, s)
					delivered++
				}
			case *Sending:
				m.deliver(ctx, v)
				delivered++
			}
		}
	}
	return delivered
}

func (m *Manager) deliver(ctx context.Context, s *Sending) {
	var err error
	if m.transport != nil {
		err = m.transport.Deliver(ctx, s)
	}
	ok := err == nil
	m.metrics.Delivery(ok)
	m.bus.Emit(events.SourceOutbound, events.KindMessageDelivered, map[string]any{
		"stream_id":  s.Stream,
		"message_id": s.MessageID,
		"head":       s.IsHead,
		"emoji":      s.IsEmoji,
		"ok":         ok,
	})
	if err != nil {
		m.logger.Error("outbound delivery failed",
			"stream_id", s.Stream,
			"message_id", s.MessageID,
			"error", err,
		)
		return
	}
	if m.transport == nil {
		attrs := []any{
			"stream_id", s.Stream,
			"message_id", s.MessageID,
			"type", s.Segment.Type,
		}
		if s.Segment.Type == chat.SegText {
			attrs = append(attrs, "text", s.Segment.Data)
		}
		m.logger.Info("outbound message (no transport)", attrs...)
	}
}
