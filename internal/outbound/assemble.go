package outbound

import (
	"errors"
	"strings"

	"github.com/SnowindMe/MaiBot/internal/chat"
)

// ErrEmptyResponse is returned by [Assemble] when no segment carries text.
var ErrEmptyResponse = errors.New("empty response")

// Assemble turns generated text segments into a message set answering
// thinking.Reply. Blank segments are dropped; the first remaining
// segment is the head.
func Assemble(segments []string, thinking *Thinking, group *chat.GroupInfo) (*MessageSet, error) {
	set := &MessageSet{
		ThinkingID: thinking.ID,
		Stream:     thinking.Stream,
	}

	var platform, replyTo string
	var sender chat.UserInfo
	if r := thinking.Reply; r != nil {
		platform = r.Info.Platform
		replyTo = r.Info.MessageID
		sender = r.Info.UserInfo
	}

	for _, text := range segments {
		if strings.TrimSpace(text) == "" {
			continue
		}
		set.Messages = append(set.Messages, &Sending{
			MessageID:         thinking.ID,
			Stream:            thinking.Stream,
			Platform:          platform,
			Bot:               thinking.Bot,
			Sender:            sender,
			Group:             group,
			Segment:           chat.Seg{Type: chat.SegText, Data: text},
			ReplyTo:           replyTo,
			IsHead:            len(set.Messages) == 0,
			ThinkingStartedAt: thinking.StartedAt,
		})
	}

	if len(set.Messages) == 0 {
		return nil, ErrEmptyResponse
	}
	return set, nil
}
