package turn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/SnowindMe/MaiBot/internal/banfilter"
	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/emoji"
	"github.com/SnowindMe/MaiBot/internal/events"
	"github.com/SnowindMe/MaiBot/internal/metrics"
	"github.com/SnowindMe/MaiBot/internal/outbound"
	"github.com/SnowindMe/MaiBot/internal/storage"
	"github.com/SnowindMe/MaiBot/internal/willing"
)

const botID = "10000"

type fakeMessages struct {
	mu     sync.Mutex
	stored []*chat.Message
	err    error
}

func (f *fakeMessages) StoreMessage(_ context.Context, msg *chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, msg)
	return f.err
}

type fakeReplies struct {
	mu     sync.Mutex
	stored []storage.StoredMessage
}

func (f *fakeReplies) StoreReply(_ context.Context, m storage.StoredMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, m)
	return nil
}

type fakeInterest struct {
	mu    sync.Mutex
	rate  float64
	err   error
	calls int
	fast  bool
}

func (f *fakeInterest) Activation(_ context.Context, _ string, fast bool) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.fast = fast
	return f.rate, f.err
}

// fakeBuffer passes messages through, optionally rewriting the text or
// absorbing them.
type fakeBuffer struct {
	mu      sync.Mutex
	absorb  bool
	prepend string
	err     error
	started int
}

func (f *fakeBuffer) StartCaching(*chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeBuffer) QueryResult(_ context.Context, msg *chat.Message) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.absorb {
		return nil, nil
	}
	if f.prepend != "" {
		msg.ProcessedText = f.prepend + " " + msg.ProcessedText
	}
	return msg, nil
}

type fakeGenerator struct {
	mu        sync.Mutex
	segments  []string
	err       error
	stance    string
	emotion   string
	affectErr error

	// onGenerate runs before Generate returns.
	onGenerate func(msg *chat.Message)

	gotText     string
	affectReply string
	affectCalls int
}

func (f *fakeGenerator) Generate(_ context.Context, msg *chat.Message) ([]string, error) {
	f.mu.Lock()
	f.gotText = msg.ProcessedText
	hook, segments, err := f.onGenerate, f.segments, f.err
	f.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return segments, err
}

func (f *fakeGenerator) ClassifyAffect(_ context.Context, reply, _ string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.affectCalls++
	f.affectReply = reply
	return f.stance, f.emotion, f.affectErr
}

type fakeReactions struct {
	mu      sync.Mutex
	hit     *emoji.Emoji
	encoded string
	lookups []string
}

func (f *fakeReactions) Lookup(_ context.Context, text string) (*emoji.Emoji, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, text)
	return f.hit, nil
}

func (f *fakeReactions) Encode(*emoji.Emoji) (string, error) { return f.encoded, nil }

type fakeRelations struct {
	mu      sync.Mutex
	err     error
	updates []string
}

func (f *fakeRelations) Update(_ context.Context, _ *chat.Stream, emotion, stance string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, stance+"/"+emotion)
	return f.err
}

type fakeMood struct {
	mu        sync.Mutex
	emotions  []string
	intensity float64
}

func (f *fakeMood) UpdateFromEmotion(emotion string, intensity float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emotions = append(f.emotions, emotion)
	f.intensity = intensity
}

type harness struct {
	p         *Processor
	streams   *chat.Manager
	messages  *fakeMessages
	replies   *fakeReplies
	interest  *fakeInterest
	buffer    *fakeBuffer
	gate      *willing.Gate
	outbound  *outbound.Manager
	gen       *fakeGenerator
	reactions *fakeReactions
	relations *fakeRelations
	mood      *fakeMood
	bus       *events.Bus
	metrics   *metrics.Metrics
	logs      *bytes.Buffer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	filter, err := banfilter.New([]string{"spam"}, []string{"^/cmd"}, quiet)
	if err != nil {
		t.Fatalf("banfilter.New() error: %v", err)
	}

	h := &harness{
		streams:   chat.NewManager(nil, quiet),
		messages:  &fakeMessages{},
		replies:   &fakeReplies{},
		interest:  &fakeInterest{},
		buffer:    &fakeBuffer{},
		gate:      willing.NewGate(willing.Config{Seed: 1}, willing.NewStore(willing.StoreConfig{Logger: quiet}), quiet),
		outbound:  outbound.NewManager(outbound.ManagerConfig{Logger: quiet}),
		gen:       &fakeGenerator{segments: []string{"hi there", "how are you"}, stance: "supportive", emotion: "happy"},
		reactions: &fakeReactions{},
		relations: &fakeRelations{},
		mood:      &fakeMood{},
		bus:       events.New(),
		metrics:   metrics.New(prometheus.NewRegistry()),
		logs:      logs,
	}
	if cfg.Bot.UserID == "" {
		cfg.Bot = chat.UserInfo{UserID: botID, Nickname: "Mai"}
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}

	h.p, err = New(cfg, Deps{
		Streams:   h.streams,
		Filter:    filter,
		Messages:  h.messages,
		Replies:   h.replies,
		Interest:  h.interest,
		Buffer:    h.buffer,
		Mentions:  chat.MentionDetector{BotID: botID, Names: []string{"mai"}},
		Gate:      h.gate,
		Outbound:  h.outbound,
		Generator: h.gen,
		Reactions: h.reactions,
		Relations: h.relations,
		Mood:      h.mood,
		Bus:       h.bus,
		Metrics:   h.metrics,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return h
}

// mentionMessage addresses the bot, which always passes the gate from
// zero willingness.
func mentionMessage(text string) *chat.Message {
	return &chat.Message{
		Info: chat.MessageInfo{
			Platform:  "qq",
			MessageID: "m-1",
			Time:      1000,
			GroupInfo: &chat.GroupInfo{Platform: "qq", GroupID: "42", GroupName: "Tea House"},
			UserInfo:  chat.UserInfo{Platform: "qq", UserID: "7", Nickname: "Alice"},
		},
		Segment: chat.Seg{Type: chat.SegSeglist, Children: []chat.Seg{
			{Type: chat.SegAt, Data: botID},
			{Type: chat.SegText, Data: text},
		}},
		RawMessage: text,
	}
}

// quietMessage never passes the gate.
func quietMessage(text string) *chat.Message {
	gain := -5.0
	return &chat.Message{
		Info: chat.MessageInfo{
			Platform:         "qq",
			MessageID:        "m-2",
			Time:             1000,
			UserInfo:         chat.UserInfo{Platform: "qq", UserID: "7", Nickname: "Alice"},
			AdditionalConfig: &chat.AdditionalConfig{ReplyProbabilityGain: &gain},
		},
		Segment:    chat.Seg{Type: chat.SegText, Data: text},
		RawMessage: text,
	}
}

func turnCount(h *harness, o Outcome) float64 {
	return testutil.ToFloat64(h.metrics.TurnsTotal.WithLabelValues(string(o)))
}

func TestHandle_Replied(t *testing.T) {
	h := newHarness(t, Config{MoodIntensity: 1})
	ch := h.bus.Subscribe(32)
	defer h.bus.Unsubscribe(ch)

	res, err := h.p.Handle(context.Background(), mentionMessage("hello bot"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Outcome != OutcomeReplied {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeReplied)
	}
	if !res.Mentioned || res.Probability != 1 {
		t.Errorf("Mentioned/Probability = %v/%v, want true/1", res.Mentioned, res.Probability)
	}
	if diff := cmp.Diff([]string{"hi there", "how are you"}, res.Replies); diff != "" {
		t.Errorf("Replies mismatch (-want +got):\n%s", diff)
	}
	if res.TurnID == "" || res.ThinkingID == "" {
		t.Errorf("TurnID/ThinkingID = %q/%q, want both set", res.TurnID, res.ThinkingID)
	}

	// The placeholder was replaced by the set, head first.
	c := h.outbound.Container(res.StreamID)
	if n := c.CountThinking(res.ThinkingID); n != 0 {
		t.Errorf("CountThinking() = %d, want 0", n)
	}
	items := c.Snapshot()
	if len(items) != 1 {
		t.Fatalf("container items = %d, want 1", len(items))
	}
	set, ok := items[0].(*outbound.MessageSet)
	if !ok {
		t.Fatalf("item = %T, want *outbound.MessageSet", items[0])
	}
	if !set.Messages[0].IsHead || set.Messages[1].IsHead {
		t.Error("head flag not on first segment only")
	}
	if set.Messages[0].Bot.UserID != botID || set.Messages[0].Bot.Platform != "qq" {
		t.Errorf("bot identity = %+v", set.Messages[0].Bot)
	}
	if set.Messages[0].ReplyTo != "m-1" {
		t.Errorf("ReplyTo = %q, want m-1", set.Messages[0].ReplyTo)
	}

	// Willingness: the mention raised it to 1, the reply took 1.8 off.
	if w := h.gate.Store().Get(res.StreamID); w != 0 {
		t.Errorf("willingness = %v, want 0", w)
	}

	if len(h.messages.stored) != 1 {
		t.Errorf("stored messages = %d, want 1", len(h.messages.stored))
	}
	if len(h.replies.stored) != 1 || h.replies.stored[0].ProcessedText != "hi there how are you" {
		t.Errorf("stored replies = %+v", h.replies.stored)
	}
	if !h.interest.fast {
		t.Error("interest scorer not called in fast mode")
	}

	if h.gen.affectReply != "hi there,how are you" {
		t.Errorf("affect reply = %q, want comma joined segments", h.gen.affectReply)
	}
	if diff := cmp.Diff([]string{"supportive/happy"}, h.relations.updates); diff != "" {
		t.Errorf("relationship updates mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"happy"}, h.mood.emotions); diff != "" {
		t.Errorf("mood updates mismatch (-want +got):\n%s", diff)
	}
	if h.mood.intensity != 1 {
		t.Errorf("mood intensity = %v, want 1", h.mood.intensity)
	}

	for _, stage := range []string{StageInterest, StageBuffer, StageWilling, StageThinking, StageGenerate, StageDispatch, StageReaction, StageAffect} {
		if _, ok := res.Timing(stage); !ok {
			t.Errorf("no timing for stage %q", stage)
		}
	}

	logs := h.logs.String()
	if !strings.Contains(logs, "turn complete") {
		t.Errorf("performance line missing from logs:\n%s", logs)
	}
	if got := turnCount(h, OutcomeReplied); got != 1 {
		t.Errorf("replied counter = %v, want 1", got)
	}

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{events.KindMessageReceived, events.KindThinkingCreated, events.KindReplyDispatched}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("event kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestHandle_Banned(t *testing.T) {
	h := newHarness(t, Config{})

	for _, text := range []string{"this is spam", "/cmd help"} {
		res, err := h.p.Handle(context.Background(), quietMessage(text))
		if err != nil {
			t.Fatalf("Handle(%q) error: %v", text, err)
		}
		if res.Outcome != OutcomeBanned {
			t.Errorf("Handle(%q) Outcome = %q, want %q", text, res.Outcome, OutcomeBanned)
		}
	}
	if len(h.messages.stored) != 0 || h.interest.calls != 0 || h.buffer.started != 0 {
		t.Errorf("banned turn reached later stages: stored=%d interest=%d buffer=%d",
			len(h.messages.stored), h.interest.calls, h.buffer.started)
	}
}

func TestHandle_Buffered(t *testing.T) {
	h := newHarness(t, Config{})
	h.buffer.absorb = true

	res, err := h.p.Handle(context.Background(), mentionMessage("hello"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Outcome != OutcomeBuffered {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeBuffered)
	}
	// Persistence and interest run before the buffer.
	if len(h.messages.stored) != 1 || h.interest.calls != 1 {
		t.Errorf("stored=%d interest=%d, want 1 and 1", len(h.messages.stored), h.interest.calls)
	}
	if h.outbound.Container(res.StreamID).Len() != 0 {
		t.Error("buffered turn created outbound items")
	}
	if !strings.Contains(h.logs.String(), "message list absorbed by buffer") {
		t.Errorf("buffer log missing:\n%s", h.logs.String())
	}
}

func TestHandle_BufferRewritesText(t *testing.T) {
	h := newHarness(t, Config{})
	h.buffer.prepend = "earlier words"

	if _, err := h.p.Handle(context.Background(), mentionMessage("later")); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if !strings.HasPrefix(h.gen.gotText, "earlier words") {
		t.Errorf("generator saw %q, want merged text", h.gen.gotText)
	}
}

func TestHandle_Declined(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.p.Handle(context.Background(), quietMessage("just chatting"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Outcome != OutcomeDeclined {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeDeclined)
	}
	if res.Probability >= 0 {
		t.Errorf("Probability = %v, want negative after gain", res.Probability)
	}
	if h.outbound.Container(res.StreamID).Len() != 0 {
		t.Error("declined turn created outbound items")
	}
	if h.gen.affectCalls != 0 {
		t.Error("declined turn classified affect")
	}
	if strings.Contains(h.logs.String(), "turn complete") {
		t.Error("performance line logged for a declined turn")
	}
	if !strings.Contains(h.logs.String(), "reply decision") {
		t.Error("decision context not logged")
	}
}

func TestHandle_EmptyResponseLeavesPlaceholder(t *testing.T) {
	h := newHarness(t, Config{})
	h.gen.segments = []string{"", "  "}

	res, err := h.p.Handle(context.Background(), mentionMessage("hello"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Outcome != OutcomeEmptyResponse {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeEmptyResponse)
	}
	if n := h.outbound.Container(res.StreamID).CountThinking(res.ThinkingID); n != 1 {
		t.Errorf("CountThinking() = %d, want placeholder left in place", n)
	}
	// RecordSent still ran.
	if w := h.gate.Store().Get(res.StreamID); w != 0 {
		t.Errorf("willingness = %v, want 0", w)
	}
	if h.gen.affectCalls != 0 {
		t.Error("affect classified after empty response")
	}
}

func TestHandle_ThinkingMissing(t *testing.T) {
	h := newHarness(t, Config{})
	// Evict the placeholder while the reply is being generated.
	h.gen.onGenerate = func(msg *chat.Message) {
		for _, it := range h.outbound.Container(msg.Stream.ID).Snapshot() {
			if th, ok := it.(*outbound.Thinking); ok {
				h.outbound.FindAndRemove(msg.Stream.ID, th.ID)
			}
		}
	}

	res, err := h.p.Handle(context.Background(), mentionMessage("hello"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Outcome != OutcomeThinkingMissing {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeThinkingMissing)
	}
	if n := h.outbound.Container(res.StreamID).Len(); n != 0 {
		t.Errorf("container items = %d, want 0 (reply dropped)", n)
	}
	if len(res.Replies) != 0 || len(h.replies.stored) != 0 {
		t.Error("dropped reply was recorded")
	}
	if !strings.Contains(h.logs.String(), "thinking message not found") {
		t.Error("missing placeholder not logged")
	}
	if got := turnCount(h, OutcomeThinkingMissing); got != 1 {
		t.Errorf("thinking_missing counter = %v, want 1", got)
	}
}

func TestHandle_Reaction(t *testing.T) {
	h := newHarness(t, Config{EmojiChance: 1})
	h.reactions.hit = &emoji.Emoji{Path: "/stickers/smile.png", Description: "a smile"}
	h.reactions.encoded = "c21pbGU="

	res, err := h.p.Handle(context.Background(), mentionMessage("hello"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Reaction != "a smile" {
		t.Errorf("Reaction = %q, want %q", res.Reaction, "a smile")
	}
	if diff := cmp.Diff([]string{"hi there how are you"}, h.reactions.lookups); diff != "" {
		t.Errorf("lookups mismatch (-want +got):\n%s", diff)
	}

	items := h.outbound.Container(res.StreamID).Snapshot()
	if len(items) != 2 {
		t.Fatalf("container items = %d, want set + reaction", len(items))
	}
	r, ok := items[1].(*outbound.Sending)
	if !ok || !r.IsEmoji || r.IsHead {
		t.Fatalf("reaction item = %#v", items[1])
	}
	if r.MessageID != "mt1000.00" || r.Segment.Data != "c21pbGU=" {
		t.Errorf("reaction = %q %q", r.MessageID, r.Segment.Data)
	}
}

func TestHandle_NoReactionWhenChanceZero(t *testing.T) {
	h := newHarness(t, Config{})
	h.reactions.hit = &emoji.Emoji{Description: "never"}

	if _, err := h.p.Handle(context.Background(), mentionMessage("hello")); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if len(h.reactions.lookups) != 0 {
		t.Errorf("lookups = %v, want none", h.reactions.lookups)
	}
}

func TestHandle_AffectFailuresAreIndependent(t *testing.T) {
	h := newHarness(t, Config{MoodIntensity: 0.5})
	h.relations.err = errors.New("db locked")

	res, err := h.p.Handle(context.Background(), mentionMessage("hello"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Outcome != OutcomeReplied {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeReplied)
	}
	if len(h.mood.emotions) != 1 || h.mood.intensity != 0.5 {
		t.Errorf("mood = %v @ %v, want one update at 0.5", h.mood.emotions, h.mood.intensity)
	}

	h2 := newHarness(t, Config{MoodIntensity: 1})
	h2.gen.affectErr = errors.New("model down")
	if _, err := h2.p.Handle(context.Background(), mentionMessage("hello")); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if len(h2.mood.emotions) != 0 || len(h2.relations.updates) != 0 {
		t.Error("affect updates ran without a classification")
	}
}

func TestHandle_ZeroMoodIntensity(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.p.Handle(context.Background(), mentionMessage("hello"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Emotion != "happy" {
		t.Errorf("Emotion = %q, want classification kept", res.Emotion)
	}
	if len(h.relations.updates) != 1 {
		t.Errorf("relationship updates = %d, want 1", len(h.relations.updates))
	}
	if len(h.mood.emotions) != 0 {
		t.Errorf("mood updates = %v, want none at intensity 0", h.mood.emotions)
	}
}

// Turns for one group run concurrently on the same outbound container.
func TestHandle_ConcurrentSameStream(t *testing.T) {
	h := newHarness(t, Config{})

	const n = 32
	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := mentionMessage("hello " + strconv.Itoa(i))
			msg.Info.MessageID = "m-" + strconv.Itoa(i)
			gain := 5.0
			msg.Info.AdditionalConfig = &chat.AdditionalConfig{ReplyProbabilityGain: &gain}
			results[i], errs[i] = h.p.Handle(context.Background(), msg)
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("Handle(#%d) error: %v", i, errs[i])
		}
		if res.Outcome != OutcomeReplied {
			t.Fatalf("Handle(#%d) Outcome = %q, want %q", i, res.Outcome, OutcomeReplied)
		}
		if ids[res.ThinkingID] {
			t.Fatalf("thinking ID %q issued twice", res.ThinkingID)
		}
		ids[res.ThinkingID] = true
	}

	c := h.outbound.Container(results[0].StreamID)
	items := c.Snapshot()
	if len(items) != n {
		t.Fatalf("container items = %d, want %d", len(items), n)
	}
	for _, it := range items {
		set, ok := it.(*outbound.MessageSet)
		if !ok {
			t.Fatalf("item %q = %T, want *outbound.MessageSet", it.ItemID(), it)
		}
		if !ids[set.ThinkingID] {
			t.Errorf("set %q has no matching turn", set.ThinkingID)
		}
		delete(ids, set.ThinkingID)
		if got := c.CountThinking(set.ThinkingID); got != 0 {
			t.Errorf("CountThinking(%q) = %d, want 0", set.ThinkingID, got)
		}
	}
	if len(ids) != 0 {
		t.Errorf("turns without a message set: %v", ids)
	}

	if got := h.outbound.Flush(context.Background()); got != 2*n {
		t.Errorf("Flush() = %d, want %d", got, 2*n)
	}
	if got := turnCount(h, OutcomeReplied); got != n {
		t.Errorf("replied turns = %v, want %d", got, n)
	}
}

func TestHandle_StoreErrorIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.messages.err = errors.New("disk full")

	res, err := h.p.Handle(context.Background(), mentionMessage("hello"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Outcome != OutcomeReplied {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeReplied)
	}
}

func TestHandle_RequiredCollaboratorErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"interest", func(h *harness) { h.interest.err = errors.New("boom") }},
		{"buffer", func(h *harness) { h.buffer.err = errors.New("boom") }},
		{"generate", func(h *harness) { h.gen.err = errors.New("boom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			tt.setup(h)
			if _, err := h.p.Handle(context.Background(), mentionMessage("hello")); err == nil {
				t.Fatal("Handle() error = nil, want error")
			}
			if got := turnCount(h, OutcomeError); got != 1 {
				t.Errorf("error counter = %v, want 1", got)
			}
		})
	}
}

func TestHandle_GenerateErrorKeepsPlaceholder(t *testing.T) {
	h := newHarness(t, Config{})
	h.gen.err = errors.New("timeout")

	msg := mentionMessage("hello")
	if _, err := h.p.Handle(context.Background(), msg); err == nil {
		t.Fatal("Handle() error = nil, want error")
	}
	items := h.outbound.Container(msg.Stream.ID).Snapshot()
	if len(items) != 1 {
		t.Fatalf("container items = %d, want the placeholder", len(items))
	}
	if _, ok := items[0].(*outbound.Thinking); !ok {
		t.Errorf("item = %T, want *outbound.Thinking", items[0])
	}
}

func TestProcess(t *testing.T) {
	h := newHarness(t, Config{})
	raw := `{
		"message_info": {
			"platform": "qq",
			"message_id": "9",
			"time": 1000,
			"user_info": {"user_id": "7", "user_nickname": "Alice"}
		},
		"message_segment": {"type": "text", "data": "hey mai, you there?"},
		"raw_message": "hey mai, you there?"
	}`

	res, err := h.p.Process(context.Background(), []byte(raw))
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if !res.Mentioned {
		t.Error("name mention not detected")
	}
	if res.Outcome != OutcomeReplied {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeReplied)
	}

	if _, err := h.p.Process(context.Background(), []byte("{not json")); err == nil {
		t.Error("Process(bad json) error = nil, want error")
	}
	if _, err := h.p.Process(context.Background(), []byte(`{"message_info": {}}`)); !errors.Is(err, chat.ErrInvalidMessage) {
		t.Errorf("Process(missing fields) error = %v, want ErrInvalidMessage", err)
	}
}

func TestNew_MissingDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("New() error = nil, want error")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 20, "short"},
		{"exactly twenty chars", 20, "exactly twenty chars"},
		{"this one is definitely longer", 20, "this one is definite..."},
		{"你好世界你好世界", 4, "你好世界..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestOutcomeSuppressed(t *testing.T) {
	for _, o := range []Outcome{OutcomeBanned, OutcomeBuffered, OutcomeDeclined} {
		if !o.Suppressed() {
			t.Errorf("%q.Suppressed() = false", o)
		}
	}
	for _, o := range []Outcome{OutcomeReplied, OutcomeEmptyResponse, OutcomeThinkingMissing} {
		if o.Suppressed() {
			t.Errorf("%q.Suppressed() = true", o)
		}
	}
}
