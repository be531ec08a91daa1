package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/storage"
)

type fakeClient struct {
	reply    string
	err      error
	models   []string
	requests [][]Message
}

func (f *fakeClient) Chat(_ context.Context, model string, messages []Message, _ *Options) (*ChatResponse, error) {
	f.models = append(f.models, model)
	f.requests = append(f.requests, messages)
	if f.err != nil {
		return nil, f.err
	}
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: f.reply}}, nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }

type fakeHistory []storage.StoredMessage

func (h fakeHistory) RecentMessages(context.Context, string, int) ([]storage.StoredMessage, error) {
	return h, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage() *chat.Message {
	return &chat.Message{
		Info: chat.MessageInfo{
			Platform:  "qq",
			MessageID: "m-3",
			UserInfo:  chat.UserInfo{UserID: "7", Nickname: "Alice"},
		},
		ProcessedText: "what's up?",
		Stream:        &chat.Stream{ID: "s1", GroupInfo: &chat.GroupInfo{GroupID: "42", GroupName: "Friends"}},
	}
}

func TestGenerate(t *testing.T) {
	client := &fakeClient{reply: "Not much! Just chilling.\nYou?"}
	history := fakeHistory{
		{MessageID: "m-1", Nickname: "Alice", ProcessedText: "hey"},
		{MessageID: "mt1.00", IsBot: true, ProcessedText: "hello"},
		{MessageID: "m-3", Nickname: "Alice", ProcessedText: "what's up?"},
	}
	g := NewGenerator(client, GeneratorConfig{Model: "chat-model", BotName: "Mai", MaxSegments: 5, HistoryLimit: 10}, history, discardLogger())

	got, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if diff := cmp.Diff([]string{"Not much!", "Just chilling.", "You?"}, got); diff != "" {
		t.Errorf("Generate() mismatch (-want +got):\n%s", diff)
	}

	if client.models[0] != "chat-model" {
		t.Errorf("model = %q, want chat-model", client.models[0])
	}
	req := client.requests[0]
	if !strings.Contains(req[0].Content, "Mai") || !strings.Contains(req[0].Content, "Friends") {
		t.Errorf("system prompt = %q", req[0].Content)
	}
	user := req[1].Content
	if !strings.Contains(user, "Alice: hey\nMai: hello") {
		t.Errorf("user prompt lacks history: %q", user)
	}
	if strings.Count(user, "what's up?") != 1 {
		t.Errorf("trigger message repeated in prompt: %q", user)
	}
}

func TestGenerate_Error(t *testing.T) {
	g := NewGenerator(&fakeClient{err: errors.New("down")}, GeneratorConfig{}, nil, discardLogger())
	if _, err := g.Generate(context.Background(), testMessage()); err == nil {
		t.Fatal("Generate() error = nil, want error")
	}
}

func TestGenerate_EmptyReply(t *testing.T) {
	g := NewGenerator(&fakeClient{reply: "  \n "}, GeneratorConfig{}, nil, discardLogger())
	got, err := g.Generate(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Generate() = %q, want empty", got)
	}
}

func TestSplitSegments(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"single", "hello", 3, []string{"hello"}},
		{"sentences", "Hi! How are you? Fine.", 5, []string{"Hi!", "How are you?", "Fine."}},
		{"lines", "one\n\ntwo", 5, []string{"one", "two"}},
		{"decimal kept", "It costs 3.5 dollars.", 5, []string{"It costs 3.5 dollars."}},
		{"ellipsis kept", "Wait... what", 5, []string{"Wait...", "what"}},
		{"stray punctuation", "Really?!", 5, []string{"Really?!"}},
		{"cjk", "你好。今天怎么样？", 5, []string{"你好。", "今天怎么样？"}},
		{"folded", "a. b. c. d.", 2, []string{"a.", "b. c. d."}},
		{"empty", "", 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, SplitSegments(tt.text, tt.limit)); diff != "" {
				t.Errorf("SplitSegments(%q) mismatch (-want +got):\n%s", tt.text, diff)
			}
		})
	}
}

func TestParseAffect(t *testing.T) {
	tests := []struct {
		answer      string
		wantStance  string
		wantEmotion string
	}{
		{"supportive,happy", "supportive", "happy"},
		{" Opposed , Angry. ", "opposed", "angry"},
		{"neutral，sad", "neutral", "sad"},
		{"friendly,happy", "neutral", "happy"},
		{"supportive,elated", "supportive", "neutral"},
		{"I think happy", "neutral", "neutral"},
		{"", "neutral", "neutral"},
	}
	for _, tt := range tests {
		s, e := ParseAffect(tt.answer)
		if s != tt.wantStance || e != tt.wantEmotion {
			t.Errorf("ParseAffect(%q) = %q, %q; want %q, %q", tt.answer, s, e, tt.wantStance, tt.wantEmotion)
		}
	}
}

func TestClassifyAffect(t *testing.T) {
	client := &fakeClient{reply: "supportive,shy"}
	g := NewGenerator(client, GeneratorConfig{Model: "chat", AffectModel: "small"}, nil, discardLogger())

	s, e, err := g.ClassifyAffect(context.Background(), "thanks!,you too", "you are great")
	if err != nil {
		t.Fatalf("ClassifyAffect() error: %v", err)
	}
	if s != "supportive" || e != "shy" {
		t.Errorf("ClassifyAffect() = %q, %q", s, e)
	}
	if client.models[0] != "small" {
		t.Errorf("model = %q, want small", client.models[0])
	}

	g = NewGenerator(&fakeClient{err: errors.New("down")}, GeneratorConfig{}, nil, discardLogger())
	if _, _, err := g.ClassifyAffect(context.Background(), "a", "b"); err == nil {
		t.Error("ClassifyAffect() error = nil, want error")
	}
}
