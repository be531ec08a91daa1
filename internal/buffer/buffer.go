// Package buffer debounces bursts of messages from one sender. While a
// message waits out the window, a newer message from the same sender in
// the same stream absorbs it: the older turn is dropped and its text is
// carried into the newer one.
package buffer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/SnowindMe/MaiBot/internal/chat"
)

type entry struct {
	msg      *chat.Message
	key      string
	merged   []string
	absorbed bool
	// done is closed when the entry is absorbed.
	done chan struct{}
}

// Buffer holds messages for a debounce window. A zero window disables
// buffering. Safe for concurrent use.
type Buffer struct {
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]*entry
	byMsg   map[*chat.Message]*entry
}

// New creates a buffer with the given window.
func New(window time.Duration, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		window:  window,
		logger:  logger,
		pending: make(map[string][]*entry),
		byMsg:   make(map[*chat.Message]*entry),
	}
}

func keyOf(msg *chat.Message) string {
	stream := msg.Info.Platform
	if msg.Stream != nil {
		stream = msg.Stream.ID
	}
	return stream + "/" + msg.Info.UserInfo.UserID
}

// StartCaching registers msg. Earlier messages from the same sender
// that are still waiting are absorbed into it.
func (b *Buffer) StartCaching(msg *chat.Message) {
	if b.window <= 0 {
		return
	}
	e := &entry{msg: msg, key: keyOf(msg), done: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, prev := range b.pending[e.key] {
		prev.absorbed = true
		close(prev.done)
		e.merged = append(e.merged, prev.merged...)
		e.merged = append(e.merged, prev.msg.ProcessedText)
	}
	if n := len(b.pending[e.key]); n > 0 {
		b.logger.Debug("buffered messages absorbed", "key", e.key, "count", n)
	}
	b.pending[e.key] = []*entry{e}
	b.byMsg[msg] = e
}

// QueryResult waits out the window for msg. It returns nil if a newer
// message absorbed msg; otherwise msg itself, with the text of every
// absorbed predecessor prepended to ProcessedText. Messages that were
// never registered pass through unchanged.
func (b *Buffer) QueryResult(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	if b.window <= 0 {
		return msg, nil
	}
	b.mu.Lock()
	e, ok := b.byMsg[msg]
	b.mu.Unlock()
	if !ok {
		return msg, nil
	}

	timer := time.NewTimer(b.window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		b.remove(e)
		return nil, ctx.Err()
	case <-e.done:
	case <-timer.C:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byMsg, msg)
	if e.absorbed {
		return nil, nil
	}
	b.removeLocked(e)
	if len(e.merged) > 0 {
		parts := append(e.merged, msg.ProcessedText)
		msg.ProcessedText = strings.Join(parts, " ")
	}
	return msg, nil
}

// Pending returns the number of messages waiting out their window.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, list := range b.pending {
		n += len(list)
	}
	return n
}

func (b *Buffer) remove(e *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byMsg, e.msg)
	b.removeLocked(e)
}

func (b *Buffer) removeLocked(e *entry) {
	list := b.pending[e.key]
	for i, x := range list {
		if x == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.pending, e.key)
		return
	}
	b.pending[e.key] = list
}
