// Package chat models inbound chat traffic: the wire message format
// delivered by platform adapters, the processed message that flows
// through a turn, and the long-lived chat stream (conversation) each
// message belongs to.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidMessage is returned by [ParseMessage] when the payload is
// well-formed JSON but lacks the fields every turn depends on.
var ErrInvalidMessage = errors.New("invalid message")

// SegType identifies the kind of content carried by a [Seg].
type SegType string

const (
	SegText    SegType = "text"
	SegImage   SegType = "image"
	SegEmoji   SegType = "emoji"
	SegAt      SegType = "at"
	SegReply   SegType = "reply"
	SegSeglist SegType = "seglist"
)

// UserInfo identifies a participant on a platform.
type UserInfo struct {
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
	Nickname string `json:"user_nickname,omitempty"`
	Cardname string `json:"user_cardname,omitempty"`
}

// DisplayName returns the group card name when set, else the nickname,
// else the raw user ID.
func (u UserInfo) DisplayName() string {
	switch {
	case u.Cardname != "":
		return u.Cardname
	case u.Nickname != "":
		return u.Nickname
	default:
		return u.UserID
	}
}

// GroupInfo identifies a group chat on a platform.
type GroupInfo struct {
	Platform  string `json:"platform"`
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name,omitempty"`
}

// AdditionalConfig carries per-message overrides supplied by the
// platform adapter. Absent fields mean "no adjustment".
type AdditionalConfig struct {
	// ReplyProbabilityGain is added to the computed reply probability
	// after the willingness calculation.
	ReplyProbabilityGain *float64 `json:"maimcore_reply_probability_gain,omitempty"`
}

// MessageInfo is the envelope metadata of a wire message.
type MessageInfo struct {
	Platform         string            `json:"platform"`
	MessageID        string            `json:"message_id"`
	Time             float64           `json:"time"` // unix seconds, fractional
	GroupInfo        *GroupInfo        `json:"group_info,omitempty"`
	UserInfo         UserInfo          `json:"user_info"`
	AdditionalConfig *AdditionalConfig `json:"additional_config,omitempty"`
}

// Seg is one unit of message content. Text, image and emoji segments
// carry their payload in Data; seglist segments carry children instead.
type Seg struct {
	Type     SegType
	Data     string
	Children []Seg
}

type wireSeg struct {
	Type SegType         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes seglist children as a JSON array in the data
// field and every other segment type as a JSON string.
func (s Seg) MarshalJSON() ([]byte, error) {
	var data any = s.Data
	if s.Type == SegSeglist {
		children := s.Children
		if children == nil {
			children = []Seg{}
		}
		data = children
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireSeg{Type: s.Type, Data: raw})
}

// UnmarshalJSON is the inverse of [Seg.MarshalJSON].
func (s *Seg) UnmarshalJSON(b []byte) error {
	var w wireSeg
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	s.Type = w.Type
	s.Data = ""
	s.Children = nil
	if len(w.Data) == 0 || string(w.Data) == "null" {
		return nil
	}
	if w.Type == SegSeglist {
		return json.Unmarshal(w.Data, &s.Children)
	}
	if err := json.Unmarshal(w.Data, &s.Data); err != nil {
		// Some adapters send numeric ids for at/reply segments.
		var n json.Number
		if numErr := json.Unmarshal(w.Data, &n); numErr != nil {
			return fmt.Errorf("segment %s data: %w", w.Type, err)
		}
		s.Data = n.String()
	}
	return nil
}

type wireMessage struct {
	MessageInfo    MessageInfo `json:"message_info"`
	MessageSegment Seg         `json:"message_segment"`
	RawMessage     string      `json:"raw_message,omitempty"`
}

// Message is an inbound message being processed by a turn. Everything
// except ProcessedText is fixed once [Message.Process] has run; the
// debounce buffer may rewrite ProcessedText before the reply decision.
type Message struct {
	Info       MessageInfo
	Segment    Seg
	RawMessage string

	// ProcessedText is the plain-text rendering of Segment.
	ProcessedText string
	// IsEmoji reports whether the message consists only of a sticker.
	IsEmoji bool

	// Stream is the resolved conversation; nil until the turn resolves it.
	Stream *Stream
}

// ParseMessage decodes a wire message.
func ParseMessage(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if w.MessageInfo.Platform == "" || w.MessageInfo.UserInfo.UserID == "" {
		return nil, fmt.Errorf("%w: platform and user_info.user_id are required", ErrInvalidMessage)
	}
	if w.MessageInfo.UserInfo.Platform == "" {
		w.MessageInfo.UserInfo.Platform = w.MessageInfo.Platform
	}
	if g := w.MessageInfo.GroupInfo; g != nil {
		if g.GroupID == "" {
			w.MessageInfo.GroupInfo = nil
		} else if g.Platform == "" {
			g.Platform = w.MessageInfo.Platform
		}
	}
	if w.MessageInfo.Time == 0 {
		w.MessageInfo.Time = float64(time.Now().UnixMilli()) / 1000
	}
	return &Message{
		Info:       w.MessageInfo,
		Segment:    w.MessageSegment,
		RawMessage: w.RawMessage,
	}, nil
}

// MarshalJSON renders the message back into wire format.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		MessageInfo:    m.Info,
		MessageSegment: m.Segment,
		RawMessage:     m.RawMessage,
	})
}

// Time returns the platform timestamp of the message.
func (m *Message) Time() time.Time {
	sec, frac := math.Modf(m.Info.Time)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// ProbabilityGain returns the per-message reply probability adjustment,
// or zero when the adapter did not supply one.
func (m *Message) ProbabilityGain() float64 {
	if m.Info.AdditionalConfig == nil || m.Info.AdditionalConfig.ReplyProbabilityGain == nil {
		return 0
	}
	return *m.Info.AdditionalConfig.ReplyProbabilityGain
}

// SetStream attaches the resolved conversation to the message.
func (m *Message) SetStream(s *Stream) {
	m.Stream = s
}

// Process renders the segment tree into ProcessedText and derives
// IsEmoji. It is idempotent.
func (m *Message) Process() {
	m.ProcessedText = strings.TrimSpace(renderSeg(m.Segment))
	m.IsEmoji = isEmojiOnly(m.Segment)
}

func renderSeg(s Seg) string {
	switch s.Type {
	case SegText:
		return s.Data
	case SegImage:
		return "[image]"
	case SegEmoji:
		return "[sticker]"
	case SegAt:
		return "@" + s.Data + " "
	case SegReply:
		return "[reply] "
	case SegSeglist:
		var sb strings.Builder
		for _, c := range s.Children {
			sb.WriteString(renderSeg(c))
		}
		return sb.String()
	default:
		return ""
	}
}

func isEmojiOnly(s Seg) bool {
	switch s.Type {
	case SegEmoji:
		return true
	case SegSeglist:
		return len(s.Children) == 1 && isEmojiOnly(s.Children[0])
	default:
		return false
	}
}

// Walk calls fn for every leaf segment in document order.
func (s Seg) Walk(fn func(Seg)) {
	if s.Type == SegSeglist {
		for _, c := range s.Children {
			c.Walk(fn)
		}
		return
	}
	fn(s)
}
