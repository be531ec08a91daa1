package chat

import (
	"encoding/json"
	"errors"
	"testing"
)

const groupPayload = `{
	"message_info": {
		"platform": "qq",
		"message_id": "1001",
		"time": 1700000000.25,
		"group_info": {"group_id": "42", "group_name": "Tea House"},
		"user_info": {"user_id": "7", "user_nickname": "Alice"},
		"additional_config": {"maimcore_reply_probability_gain": 0.3}
	},
	"message_segment": {"type": "seglist", "data": [
		{"type": "at", "data": 10000},
		{"type": "text", "data": "hello bot"}
	]},
	"raw_message": "[CQ:at,qq=10000] hello bot"
}`

func TestParseMessage_Group(t *testing.T) {
	msg, err := ParseMessage([]byte(groupPayload))
	if err != nil {
		t.Fatalf("ParseMessage() error: %v", err)
	}

	if msg.Info.UserInfo.Platform != "qq" {
		t.Errorf("user platform = %q, want inherited %q", msg.Info.UserInfo.Platform, "qq")
	}
	if msg.Info.GroupInfo == nil || msg.Info.GroupInfo.Platform != "qq" {
		t.Errorf("group info = %+v, want platform qq", msg.Info.GroupInfo)
	}
	if got := msg.ProbabilityGain(); got != 0.3 {
		t.Errorf("ProbabilityGain() = %v, want 0.3", got)
	}
	if len(msg.Segment.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(msg.Segment.Children))
	}
	if msg.Segment.Children[0].Data != "10000" {
		t.Errorf("numeric at data = %q, want %q", msg.Segment.Children[0].Data, "10000")
	}

	msg.Process()
	if msg.ProcessedText != "@10000 hello bot" {
		t.Errorf("ProcessedText = %q, want %q", msg.ProcessedText, "@10000 hello bot")
	}
	if msg.IsEmoji {
		t.Error("IsEmoji = true for a text message")
	}
}

func TestParseMessage_MissingFields(t *testing.T) {
	_, err := ParseMessage([]byte(`{"message_info":{"platform":"qq"}}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("ParseMessage() error = %v, want ErrInvalidMessage", err)
	}
}

func TestParseMessage_BadJSON(t *testing.T) {
	if _, err := ParseMessage([]byte(`{`)); err == nil {
		t.Fatal("ParseMessage() with truncated JSON should error")
	}
}

func TestParseMessage_EmptyGroupDropped(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"message_info":{"platform":"qq","time":1,"group_info":{},"user_info":{"user_id":"1"}},"message_segment":{"type":"text","data":"hi"}}`))
	if err != nil {
		t.Fatalf("ParseMessage() error: %v", err)
	}
	if msg.Info.GroupInfo != nil {
		t.Errorf("GroupInfo = %+v, want nil for empty group id", msg.Info.GroupInfo)
	}
	if msg.ProbabilityGain() != 0 {
		t.Errorf("ProbabilityGain() = %v, want 0 without additional config", msg.ProbabilityGain())
	}
}

func TestProcess_EmojiOnly(t *testing.T) {
	tests := []struct {
		name string
		seg  Seg
		want bool
	}{
		{"bare emoji", Seg{Type: SegEmoji, Data: "base64"}, true},
		{"wrapped emoji", Seg{Type: SegSeglist, Children: []Seg{{Type: SegEmoji, Data: "x"}}}, true},
		{"emoji and text", Seg{Type: SegSeglist, Children: []Seg{{Type: SegEmoji}, {Type: SegText, Data: "lol"}}}, false},
		{"image", Seg{Type: SegImage, Data: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Segment: tt.seg}
			msg.Process()
			if msg.IsEmoji != tt.want {
				t.Errorf("IsEmoji = %v, want %v", msg.IsEmoji, tt.want)
			}
		})
	}
}

func TestSeg_JSONRoundTrip(t *testing.T) {
	in := Seg{Type: SegSeglist, Children: []Seg{{Type: SegText, Data: "a"}, {Type: SegImage, Data: "b64"}}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"type":"seglist","data":[{"type":"text","data":"a"},{"type":"image","data":"b64"}]}`
	if string(b) != want {
		t.Errorf("Marshal = %s, want %s", b, want)
	}
}

func TestMessage_Time(t *testing.T) {
	msg := &Message{Info: MessageInfo{Time: 1700000000.5}}
	got := msg.Time()
	if got.Unix() != 1700000000 || got.Nanosecond() != 500000000 {
		t.Errorf("Time() = %v, want 1700000000.5", got)
	}
}

func TestMentionDetector(t *testing.T) {
	d := MentionDetector{BotID: "10000", Names: []string{"Mai", "maimai"}}

	tests := []struct {
		name string
		seg  Seg
		want bool
	}{
		{"at bot", Seg{Type: SegSeglist, Children: []Seg{{Type: SegAt, Data: "10000"}, {Type: SegText, Data: "hi"}}}, true},
		{"reply to bot", Seg{Type: SegSeglist, Children: []Seg{{Type: SegReply, Data: "10000"}, {Type: SegText, Data: "ok"}}}, true},
		{"nickname", Seg{Type: SegText, Data: "hey MAI, how are you"}, true},
		{"at someone else", Seg{Type: SegSeglist, Children: []Seg{{Type: SegAt, Data: "20000"}, {Type: SegText, Data: "hi"}}}, false},
		{"plain", Seg{Type: SegText, Data: "nothing to see"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Segment: tt.seg}
			msg.Process()
			if got := d.IsMentioned(msg); got != tt.want {
				t.Errorf("IsMentioned() = %v, want %v", got, tt.want)
			}
		})
	}
}
