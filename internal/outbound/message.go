// Package outbound holds everything the bot is about to say: thinking
// placeholders that reserve a reply slot while a response is generated,
// the finalized message sets that replace them, and standalone emoji
// reactions. Items live in a per-stream [Container] until the delivery
// loop hands them to a [Transport].
package outbound

import (
	"fmt"
	"math"
	"time"

	"github.com/SnowindMe/MaiBot/internal/chat"
)

// Item is anything that can sit in a stream's outbound container.
type Item interface {
	// ItemID is the placeholder-derived message ID.
	ItemID() string
	// StreamID is the conversation the item belongs to.
	StreamID() string
}

// FormatThinkingID renders the canonical placeholder ID for a moment in
// time: "mt" followed by unix seconds with two decimals.
func FormatThinkingID(t time.Time) string {
	return formatThinkingID(roundCenti(unixSeconds(t)))
}

func formatThinkingID(seconds float64) string {
	return fmt.Sprintf("mt%.2f", seconds)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func roundCenti(f float64) float64 {
	return math.Round(f*100) / 100
}

// Thinking is a reply-in-progress marker.
type Thinking struct {
	ID     string
	Stream string
	Bot    chat.UserInfo
	// Reply is the inbound message being answered.
	Reply     *chat.Message
	StartedAt time.Time
}

func (t *Thinking) ItemID() string   { return t.ID }
func (t *Thinking) StreamID() string { return t.Stream }

// Sending is one outbound segment ready for delivery.
type Sending struct {
	MessageID string        `json:"message_id"`
	Stream    string        `json:"stream_id"`
	Platform  string        `json:"platform"`
	Bot       chat.UserInfo `json:"bot_info"`
	// Sender is the participant whose message is being answered.
	Sender  chat.UserInfo   `json:"sender_info"`
	Group   *chat.GroupInfo `json:"group_info,omitempty"`
	Segment chat.Seg        `json:"message_segment"`

	// ReplyTo is the platform ID of the inbound message.
	ReplyTo string `json:"reply_to,omitempty"`
	IsHead  bool   `json:"is_head"`
	IsEmoji bool   `json:"is_emoji"`

	// ThinkingStartedAt is the placeholder creation time, kept for
	// latency accounting. Zero for reactions.
	ThinkingStartedAt time.Time `json:"thinking_start_time,omitzero"`
}

func (s *Sending) ItemID() string   { return s.MessageID }
func (s *Sending) StreamID() string { return s.Stream }

// MessageSet is an ordered multi-segment reply sharing one placeholder
// ID. Exactly one segment, the first, has IsHead set.
type MessageSet struct {
	ThinkingID string
	Stream     string
	Messages   []*Sending
}

func (m *MessageSet) ItemID() string   { return m.ThinkingID }
func (m *MessageSet) StreamID() string { return m.Stream }

// Texts returns the text payload of every segment in order.
func (m *MessageSet) Texts() []string {
	out := make([]string, 0, len(m.Messages))
	for _, s := range m.Messages {
		out = append(out, s.Segment.Data)
	}
	return out
}

// NewReaction builds a standalone emoji segment answering reply. The
// ID is derived from the inbound message time so reactions never
// collide with a placeholder issued for the same turn.
func NewReaction(stream *chat.Stream, bot chat.UserInfo, reply *chat.Message, encoded string) *Sending {
	return &Sending{
		MessageID: FormatThinkingID(reply.Time()),
		Stream:    stream.ID,
		Platform:  reply.Info.Platform,
		Bot:       bot,
		Sender:    reply.Info.UserInfo,
		Group:     stream.GroupInfo,
		Segment:   chat.Seg{Type: chat.SegEmoji, Data: encoded},
		ReplyTo:   reply.Info.MessageID,
		IsEmoji:   true,
	}
}
