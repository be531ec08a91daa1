package chat

import "strings"

// MentionDetector decides whether a message addresses the bot.
type MentionDetector struct {
	BotID string
	// Names are the bot's nickname and aliases. Matching is a
	// case-insensitive substring test against the processed text.
	Names []string
}

// IsMentioned reports whether msg @-mentions the bot, replies to one
// of the bot's messages, or names the bot in its text.
func (d MentionDetector) IsMentioned(msg *Message) bool {
	mentioned := false
	msg.Segment.Walk(func(s Seg) {
		if (s.Type == SegAt || s.Type == SegReply) && s.Data == d.BotID && d.BotID != "" {
			mentioned = true
		}
	})
	if mentioned {
		return true
	}

	text := strings.ToLower(msg.ProcessedText)
	for _, name := range d.Names {
		if name == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(name)) {
			return true
		}
	}
	return false
}
