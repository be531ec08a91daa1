// Package turn runs the per-message pipeline: resolve the stream,
// filter, persist, score interest, debounce, decide whether to reply,
// reserve a thinking placeholder, generate, dispatch, react and update
// affect. Stages run strictly in that order within a turn; turns for
// different messages run concurrently.
package turn

import (
	"context"
	"time"

	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/emoji"
	"github.com/SnowindMe/MaiBot/internal/storage"
)

// StreamResolver maps a message's sender and group to its stream.
type StreamResolver interface {
	GetOrCreate(ctx context.Context, platform string, user chat.UserInfo, group *chat.GroupInfo) (*chat.Stream, error)
}

// MessageStore persists inbound messages.
type MessageStore interface {
	StoreMessage(ctx context.Context, msg *chat.Message) error
}

// ReplyRecorder persists what the bot said.
type ReplyRecorder interface {
	StoreReply(ctx context.Context, m storage.StoredMessage) error
}

// InterestScorer rates how engaging a text is, in [0,1].
type InterestScorer interface {
	Activation(ctx context.Context, text string, fast bool) (float64, error)
}

// Buffer debounces bursts from one sender. QueryResult returns nil
// when msg was absorbed into a later message.
type Buffer interface {
	StartCaching(msg *chat.Message)
	QueryResult(ctx context.Context, msg *chat.Message) (*chat.Message, error)
}

// Generator writes replies and classifies their affect.
type Generator interface {
	Generate(ctx context.Context, msg *chat.Message) ([]string, error)
	ClassifyAffect(ctx context.Context, reply, trigger string) (stance, emotion string, err error)
}

// ReactionProvider finds a sticker to go with a reply.
type ReactionProvider interface {
	Lookup(ctx context.Context, text string) (*emoji.Emoji, error)
	Encode(e *emoji.Emoji) (string, error)
}

// RelationshipUpdater applies an affect label to the stream's speaker.
type RelationshipUpdater interface {
	Update(ctx context.Context, stream *chat.Stream, emotion, stance string) error
}

// MoodUpdater applies an emotion to the bot's mood.
type MoodUpdater interface {
	UpdateFromEmotion(emotion string, intensity float64)
}

// Outcome is how a turn ended.
type Outcome string

const (
	// OutcomeBanned means the ban filter matched.
	OutcomeBanned Outcome = "banned"
	// OutcomeBuffered means a later message absorbed this one.
	OutcomeBuffered Outcome = "buffered"
	// OutcomeDeclined means the reply draw failed.
	OutcomeDeclined Outcome = "declined"
	// OutcomeReplied means a reply replaced its placeholder.
	OutcomeReplied Outcome = "replied"
	// OutcomeEmptyResponse means generation produced nothing. The
	// placeholder is left for the eviction loop.
	OutcomeEmptyResponse Outcome = "empty_response"
	// OutcomeThinkingMissing means the placeholder was evicted before
	// the reply was ready; the reply was dropped.
	OutcomeThinkingMissing Outcome = "thinking_missing"
	// OutcomeError means a required collaborator failed.
	OutcomeError Outcome = "error"
)

// Suppressed reports whether the turn ended before a placeholder was
// created.
func (o Outcome) Suppressed() bool {
	return o == OutcomeBanned || o == OutcomeBuffered || o == OutcomeDeclined
}

// Stage names used for timings and metrics.
const (
	StageInterest = "interest"
	StageBuffer   = "buffer"
	StageWilling  = "willing"
	StageThinking = "thinking"
	StageGenerate = "generate"
	StageDispatch = "dispatch"
	StageReaction = "reaction"
	StageAffect   = "affect"
)

var stageOrder = []string{
	StageInterest, StageBuffer, StageWilling, StageThinking,
	StageGenerate, StageDispatch, StageReaction, StageAffect,
}

// Timing is one stage duration.
type Timing struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// Result describes a finished turn.
type Result struct {
	TurnID      string  `json:"turn_id"`
	StreamID    string  `json:"stream_id,omitempty"`
	Outcome     Outcome `json:"outcome"`
	Mentioned   bool    `json:"mentioned"`
	Interest    float64 `json:"interest"`
	Willingness float64 `json:"willingness"`
	Probability float64 `json:"probability"`
	ThinkingID  string  `json:"thinking_id,omitempty"`
	// Replies are the dispatched segments, in order.
	Replies []string `json:"replies,omitempty"`
	// Reaction describes the sticker queued with the reply, if any.
	Reaction string   `json:"reaction,omitempty"`
	Stance   string   `json:"stance,omitempty"`
	Emotion  string   `json:"emotion,omitempty"`
	Timings  []Timing `json:"timings,omitempty"`
}

// Timing returns the duration recorded for stage.
func (r *Result) Timing(stage string) (time.Duration, bool) {
	for _, t := range r.Timings {
		if t.Stage == stage {
			return t.Duration, true
		}
	}
	return 0, false
}
