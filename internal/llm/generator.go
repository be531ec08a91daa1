package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/mood"
	"github.com/SnowindMe/MaiBot/internal/storage"
)

// History supplies recent conversation context for prompts.
type History interface {
	RecentMessages(ctx context.Context, streamID string, limit int) ([]storage.StoredMessage, error)
}

// GeneratorConfig configures a [Generator].
type GeneratorConfig struct {
	// Model writes replies; AffectModel classifies them. AffectModel
	// defaults to Model.
	Model       string
	AffectModel string
	Temperature float64

	BotName string
	Persona string

	// MaxSegments caps how many messages one reply is split into.
	MaxSegments int
	// HistoryLimit is how many earlier messages go into the prompt.
	HistoryLimit int
}

// Generator writes replies with a language model.
type Generator struct {
	client  Client
	cfg     GeneratorConfig
	history History
	logger  *slog.Logger
}

// NewGenerator creates a generator. history may be nil.
func NewGenerator(client Client, cfg GeneratorConfig, history History, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AffectModel == "" {
		cfg.AffectModel = cfg.Model
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 3
	}
	if cfg.BotName == "" {
		cfg.BotName = "MaiBot"
	}
	return &Generator{client: client, cfg: cfg, history: history, logger: logger}
}

// Generate writes a reply to msg and splits it into message segments.
// An empty result means the model produced nothing usable.
func (g *Generator) Generate(ctx context.Context, msg *chat.Message) ([]string, error) {
	messages := []Message{
		{Role: "system", Content: g.systemPrompt(msg)},
		{Role: "user", Content: g.userPrompt(ctx, msg)},
	}

	resp, err := g.client.Chat(ctx, g.cfg.Model, messages, &Options{Temperature: g.cfg.Temperature})
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}
	g.logger.Log(ctx, LevelTrace, "model reply",
		"model", resp.Model,
		"content", resp.Message.Content,
		"eval_count", resp.EvalCount,
	)
	return SplitSegments(resp.Message.Content, g.cfg.MaxSegments), nil
}

func (g *Generator) systemPrompt(msg *chat.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, chatting on %s.", g.cfg.BotName, msg.Info.Platform)
	if g.cfg.Persona != "" {
		sb.WriteString(" ")
		sb.WriteString(g.cfg.Persona)
	}
	if msg.Stream != nil && msg.Stream.IsGroup() {
		fmt.Fprintf(&sb, " You are in the group %q.", msg.Stream.Label())
	} else {
		sb.WriteString(" This is a private conversation.")
	}
	sb.WriteString(" Reply casually and briefly, like a person in a chat. Do not prefix your reply with your name.")
	return sb.String()
}

func (g *Generator) userPrompt(ctx context.Context, msg *chat.Message) string {
	var sb strings.Builder
	if g.history != nil && msg.Stream != nil && g.cfg.HistoryLimit > 0 {
		past, err := g.history.RecentMessages(ctx, msg.Stream.ID, g.cfg.HistoryLimit+1)
		if err != nil {
			g.logger.Warn("failed to load history", "stream_id", msg.Stream.ID, "error", err)
		}
		var lines []string
		for _, m := range past {
			if m.MessageID == msg.Info.MessageID && !m.IsBot {
				continue
			}
			name := m.Nickname
			if m.IsBot {
				name = g.cfg.BotName
			}
			lines = append(lines, name+": "+m.ProcessedText)
		}
		if len(lines) > g.cfg.HistoryLimit {
			lines = lines[len(lines)-g.cfg.HistoryLimit:]
		}
		if len(lines) > 0 {
			sb.WriteString("Recent conversation:\n")
			sb.WriteString(strings.Join(lines, "\n"))
			sb.WriteString("\n\n")
		}
	}
	fmt.Fprintf(&sb, "%s says: %s\n\nYour reply:", msg.Info.UserInfo.DisplayName(), msg.ProcessedText)
	return sb.String()
}

// ClassifyAffect labels the stance of trigger towards the bot and the
// emotion of reply. Labels the model invents are replaced by neutral.
func (g *Generator) ClassifyAffect(ctx context.Context, reply, trigger string) (stance, emotion string, err error) {
	prompt := fmt.Sprintf(
		"Message: %s\nReply: %s\n\n"+
			"Classify the message's stance towards the replier as one of: %s.\n"+
			"Classify the reply's emotion as one of: %s.\n"+
			"Answer with exactly two words separated by a comma, stance first, nothing else.",
		trigger, reply,
		strings.Join(mood.Stances(), ", "),
		strings.Join(mood.Emotions(), ", "),
	)
	resp, err := g.client.Chat(ctx, g.cfg.AffectModel, []Message{{Role: "user", Content: prompt}}, &Options{Temperature: 0})
	if err != nil {
		return "", "", fmt.Errorf("classify affect: %w", err)
	}
	stance, emotion = ParseAffect(resp.Message.Content)
	return stance, emotion, nil
}

// ParseAffect parses a "stance,emotion" answer.
func ParseAffect(answer string) (stance, emotion string) {
	answer = strings.ToLower(strings.TrimSpace(answer))
	answer = strings.ReplaceAll(answer, "，", ",")
	parts := strings.SplitN(answer, ",", 2)

	stance, emotion = mood.Neutral, mood.Neutral
	if len(parts) != 2 {
		return stance, emotion
	}
	clean := func(s string) string {
		return strings.TrimFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	}
	if s := clean(parts[0]); mood.IsStance(s) {
		stance = s
	}
	if e := clean(parts[1]); mood.IsEmotion(e) {
		emotion = e
	}
	return stance, emotion
}

// SplitSegments breaks a reply into at most limit chat messages at
// line breaks and sentence ends. Extra sentences are folded into the
// last segment.
func SplitSegments(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		var cur strings.Builder
		for i, r := range runes {
			cur.WriteRune(r)
			// An ASCII period only ends a sentence before a space, so
			// "3.5" stays whole.
			if isSentenceEnd(r) && (r != '.' || i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
				out = appendTrimmed(out, cur.String())
				cur.Reset()
			}
		}
		out = appendTrimmed(out, cur.String())
	}
	// Attach stray punctuation to the sentence before it.
	merged := out[:0]
	for _, s := range out {
		if len(merged) > 0 && strings.IndexFunc(s, isContent) < 0 {
			merged[len(merged)-1] += s
			continue
		}
		merged = append(merged, s)
	}
	out = merged

	if limit > 0 && len(out) > limit {
		tail := strings.Join(out[limit-1:], " ")
		out = append(out[:limit-1], tail)
	}
	return out
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

func isContent(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func appendTrimmed(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}
