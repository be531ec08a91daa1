package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SnowindMe/MaiBot/internal/banfilter"
	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/events"
	"github.com/SnowindMe/MaiBot/internal/metrics"
	"github.com/SnowindMe/MaiBot/internal/outbound"
	"github.com/SnowindMe/MaiBot/internal/storage"
	"github.com/SnowindMe/MaiBot/internal/willing"
)

// Config tunes a [Processor].
type Config struct {
	// Bot is the identity replies are sent as.
	Bot chat.UserInfo
	// EmojiChance is the probability of attaching a sticker to a reply.
	EmojiChance float64
	// MoodIntensity scales how strongly a reply's emotion moves the mood.
	// Zero leaves the mood untouched.
	MoodIntensity float64
	// Seed fixes the reaction draw. Zero seeds from the clock.
	Seed uint64
}

// Deps are the collaborators a [Processor] drives. Streams, Interest,
// Buffer, Gate, Outbound and Generator are required.
type Deps struct {
	Streams   StreamResolver
	Filter    *banfilter.Filter
	Messages  MessageStore
	Replies   ReplyRecorder
	Interest  InterestScorer
	Buffer    Buffer
	Mentions  chat.MentionDetector
	Gate      *willing.Gate
	Outbound  *outbound.Manager
	Generator Generator
	Reactions ReactionProvider
	Relations RelationshipUpdater
	Mood      MoodUpdater

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Processor runs turns. It holds no per-turn state and is safe for
// concurrent use.
type Processor struct {
	cfg Config
	d   Deps

	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a processor.
func New(cfg Config, d Deps) (*Processor, error) {
	var missing []string
	if d.Streams == nil {
		missing = append(missing, "streams")
	}
	if d.Interest == nil {
		missing = append(missing, "interest")
	}
	if d.Buffer == nil {
		missing = append(missing, "buffer")
	}
	if d.Gate == nil {
		missing = append(missing, "gate")
	}
	if d.Outbound == nil {
		missing = append(missing, "outbound")
	}
	if d.Generator == nil {
		missing = append(missing, "generator")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("turn processor: missing %s", strings.Join(missing, ", "))
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Processor{
		cfg:    cfg,
		d:      d,
		logger: logger,
		now:    time.Now,
		rng:    rand.New(rand.NewPCG(seed, ^seed)),
	}, nil
}

// Process decodes a wire message and runs a turn for it.
func (p *Processor) Process(ctx context.Context, raw []byte) (*Result, error) {
	msg, err := chat.ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	return p.Handle(ctx, msg)
}

// turnState carries one turn through its stages.
type turnState struct {
	res    *Result
	msg    *chat.Message
	stream *chat.Stream
	logger *slog.Logger
}

// Handle runs one turn for msg. Suppressed and aborted turns are
// reported through Result.Outcome; an error means a required
// collaborator failed.
func (p *Processor) Handle(ctx context.Context, msg *chat.Message) (*Result, error) {
	turnID := newTurnID()
	t := &turnState{
		res:    &Result{TurnID: turnID},
		msg:    msg,
		logger: p.logger.With("turn_id", turnID),
	}
	if err := p.run(ctx, t); err != nil {
		t.res.Outcome = OutcomeError
		p.d.Metrics.Turn(string(OutcomeError))
		return nil, err
	}
	p.d.Metrics.Turn(string(t.res.Outcome))
	return t.res, nil
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (p *Processor) run(ctx context.Context, t *turnState) error {
	msg := t.msg

	stream, err := p.d.Streams.GetOrCreate(ctx, msg.Info.Platform, msg.Info.UserInfo, msg.Info.GroupInfo)
	if err != nil {
		return fmt.Errorf("resolve stream: %w", err)
	}
	t.stream = stream
	t.res.StreamID = stream.ID
	t.logger = t.logger.With("stream_id", stream.ID)
	msg.SetStream(stream)
	msg.Process()

	p.d.Bus.Emit(events.SourceTurn, events.KindMessageReceived, map[string]any{
		"turn_id":   t.res.TurnID,
		"stream_id": stream.ID,
		"sender":    msg.Info.UserInfo.UserID,
		"text_len":  len(msg.ProcessedText),
	})

	if p.d.Filter.IsBanned(msg.ProcessedText, msg.RawMessage) {
		t.logger.Info("message banned",
			"stream", stream.Label(),
			"sender", msg.Info.UserInfo.DisplayName(),
			"text", msg.ProcessedText,
		)
		p.suppress(t, OutcomeBanned)
		return nil
	}

	if p.d.Messages != nil {
		if err := p.d.Messages.StoreMessage(ctx, msg); err != nil {
			t.logger.Warn("failed to store message", "error", err)
		}
	}

	start := p.now()
	rate, err := p.d.Interest.Activation(ctx, msg.ProcessedText, true)
	p.stage(t, StageInterest, start)
	if err != nil {
		return fmt.Errorf("interest activation: %w", err)
	}
	t.res.Interest = rate

	start = p.now()
	p.d.Buffer.StartCaching(msg)
	merged, err := p.d.Buffer.QueryResult(ctx, msg)
	p.stage(t, StageBuffer, start)
	if err != nil {
		return fmt.Errorf("query buffer: %w", err)
	}
	if merged == nil {
		p.logBuffered(t)
		p.suppress(t, OutcomeBuffered)
		return nil
	}
	msg = merged
	t.msg = merged

	if !p.decide(t) {
		p.suppress(t, OutcomeDeclined)
		return nil
	}

	start = p.now()
	thinking := p.d.Outbound.NewThinking(stream.ID, p.bot(msg), msg)
	p.d.Gate.RecordSent(stream.ID)
	p.stage(t, StageThinking, start)
	t.res.ThinkingID = thinking.ID
	p.d.Bus.Emit(events.SourceTurn, events.KindThinkingCreated, map[string]any{
		"turn_id":     t.res.TurnID,
		"stream_id":   stream.ID,
		"thinking_id": thinking.ID,
	})

	start = p.now()
	segments, err := p.d.Generator.Generate(ctx, msg)
	p.stage(t, StageGenerate, start)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	start = p.now()
	set, err := outbound.Assemble(segments, thinking, stream.GroupInfo)
	if errors.Is(err, outbound.ErrEmptyResponse) {
		p.stage(t, StageDispatch, start)
		t.logger.Info("generator returned no reply", "thinking_id", thinking.ID)
		p.abort(t, OutcomeEmptyResponse)
		return nil
	}
	if err != nil {
		return fmt.Errorf("assemble reply: %w", err)
	}
	texts := set.Texts()
	if p.d.Outbound.ReplaceWithSet(stream.ID, thinking.ID, set) {
		t.res.Outcome = OutcomeReplied
		t.res.Replies = texts
		p.d.Bus.Emit(events.SourceTurn, events.KindReplyDispatched, map[string]any{
			"turn_id":     t.res.TurnID,
			"stream_id":   stream.ID,
			"thinking_id": thinking.ID,
			"segments":    len(texts),
		})
		p.recordReply(ctx, t, thinking, texts)
	} else {
		t.logger.Warn("thinking message not found, reply dropped", "thinking_id", thinking.ID)
		p.abort(t, OutcomeThinkingMissing)
	}
	p.stage(t, StageDispatch, start)

	start = p.now()
	p.react(ctx, t, texts)
	p.stage(t, StageReaction, start)

	start = p.now()
	p.updateAffect(ctx, t, texts)
	p.stage(t, StageAffect, start)

	if t.res.Outcome == OutcomeReplied {
		p.logPerformance(t)
	}
	return nil
}

// decide gathers the gate signals and draws. It reports whether to reply.
func (p *Processor) decide(t *turnState) bool {
	msg, stream := t.msg, t.stream
	mentioned := p.d.Mentions.IsMentioned(msg)

	store := p.d.Gate.Store()
	current := store.Get(stream.ID)
	store.Set(stream.ID, current)

	start := p.now()
	d := p.d.Gate.Decide(stream, willingSignals(msg, mentioned, t.res.Interest, current))
	p.stage(t, StageWilling, start)

	t.res.Mentioned = mentioned
	t.res.Willingness = current
	t.res.Probability = d.Probability
	p.d.Metrics.Probability(d.Probability)

	t.logger.Info("reply decision",
		"time", msg.Time().Format("15:04:05"),
		"stream", stream.Label(),
		"sender", msg.Info.UserInfo.DisplayName(),
		"text", msg.ProcessedText,
		"willingness", fmt.Sprintf("%.2f", current),
		"probability", fmt.Sprintf("%.1f%%", d.Probability*100),
		"reply", d.ShouldReply,
	)
	return d.ShouldReply
}

func willingSignals(msg *chat.Message, mentioned bool, interest, current float64) willing.Signals {
	return willing.Signals{
		IsMentioned:     mentioned,
		InterestRate:    interest,
		IsEmoji:         msg.IsEmoji,
		SenderID:        msg.Info.UserInfo.UserID,
		BaseWillingness: current,
		ProbabilityGain: msg.ProbabilityGain(),
	}
}

// bot returns the reply identity on the message's platform.
func (p *Processor) bot(msg *chat.Message) chat.UserInfo {
	b := p.cfg.Bot
	b.Platform = msg.Info.Platform
	return b
}

func (p *Processor) recordReply(ctx context.Context, t *turnState, thinking *outbound.Thinking, texts []string) {
	if p.d.Replies == nil {
		return
	}
	err := p.d.Replies.StoreReply(ctx, storage.StoredMessage{
		MessageID:     thinking.ID,
		StreamID:      thinking.Stream,
		Time:          thinking.StartedAt,
		UserID:        p.cfg.Bot.UserID,
		Nickname:      p.cfg.Bot.Nickname,
		ProcessedText: strings.Join(texts, " "),
	})
	if err != nil {
		t.logger.Warn("failed to store reply", "error", err)
	}
}

func (p *Processor) react(ctx context.Context, t *turnState, texts []string) {
	if p.d.Reactions == nil || p.cfg.EmojiChance <= 0 {
		return
	}
	p.mu.Lock()
	roll := p.rng.Float64()
	p.mu.Unlock()
	if roll >= p.cfg.EmojiChance {
		return
	}

	e, err := p.d.Reactions.Lookup(ctx, strings.Join(texts, " "))
	if err != nil {
		t.logger.Warn("emoji lookup failed", "error", err)
		return
	}
	if e == nil {
		return
	}
	encoded, err := p.d.Reactions.Encode(e)
	if err != nil {
		t.logger.Warn("failed to encode emoji", "path", e.Path, "error", err)
		return
	}
	p.d.Outbound.Insert(outbound.NewReaction(t.stream, p.bot(t.msg), t.msg, encoded))
	t.res.Reaction = e.Description
	p.d.Bus.Emit(events.SourceTurn, events.KindReactionQueued, map[string]any{
		"turn_id":     t.res.TurnID,
		"stream_id":   t.stream.ID,
		"description": e.Description,
	})
}

func (p *Processor) updateAffect(ctx context.Context, t *turnState, texts []string) {
	stance, emotion, err := p.d.Generator.ClassifyAffect(ctx, strings.Join(texts, ","), t.msg.ProcessedText)
	if err != nil {
		t.logger.Warn("affect classification failed", "error", err)
		return
	}
	t.res.Stance, t.res.Emotion = stance, emotion

	if p.d.Relations != nil {
		if err := p.d.Relations.Update(ctx, t.stream, emotion, stance); err != nil {
			t.logger.Warn("failed to update relationship", "error", err)
		}
	}
	if p.d.Mood != nil && p.cfg.MoodIntensity > 0 {
		p.d.Mood.UpdateFromEmotion(emotion, p.cfg.MoodIntensity)
	}
}

func (p *Processor) stage(t *turnState, name string, start time.Time) {
	d := p.now().Sub(start)
	t.res.Timings = append(t.res.Timings, Timing{Stage: name, Duration: d})
	p.d.Metrics.Stage(name, d)
}

func (p *Processor) suppress(t *turnState, o Outcome) {
	t.res.Outcome = o
	data := map[string]any{
		"turn_id":   t.res.TurnID,
		"stream_id": t.res.StreamID,
		"outcome":   string(o),
	}
	if o == OutcomeDeclined {
		data["probability"] = t.res.Probability
	}
	p.d.Bus.Emit(events.SourceTurn, events.KindTurnSuppressed, data)
}

func (p *Processor) abort(t *turnState, o Outcome) {
	t.res.Outcome = o
	p.d.Bus.Emit(events.SourceTurn, events.KindTurnAborted, map[string]any{
		"turn_id":     t.res.TurnID,
		"stream_id":   t.res.StreamID,
		"thinking_id": t.res.ThinkingID,
		"outcome":     string(o),
	})
}

func (p *Processor) logBuffered(t *turnState) {
	switch t.msg.Segment.Type {
	case chat.SegText:
		t.logger.Info("message absorbed by buffer", "text", t.msg.ProcessedText)
	case chat.SegImage, chat.SegEmoji:
		t.logger.Info("image absorbed by buffer")
	case chat.SegSeglist:
		t.logger.Info("message list absorbed by buffer")
	default:
		t.logger.Info("message absorbed by buffer", "type", t.msg.Segment.Type)
	}
}

func (p *Processor) logPerformance(t *turnState) {
	attrs := make([]any, 0, len(t.res.Timings))
	for _, name := range stageOrder {
		if d, ok := t.res.Timing(name); ok {
			attrs = append(attrs, slog.Duration(name, d.Round(time.Millisecond)))
		}
	}
	reply := "(none)"
	if len(t.res.Replies) > 0 {
		reply = truncate(strings.Join(t.res.Replies, " "), 20)
	}
	t.logger.Info("turn complete",
		"trigger", truncate(t.msg.ProcessedText, 20),
		"reply", reply,
		slog.Group("timings", attrs...),
	)
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
