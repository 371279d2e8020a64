package chat

import (
	"encoding/json"
	"testing"

	"github.com/ehrlich-b/gatelink/internal/protocol"
)

func hist(role, content string) protocol.HistoryMessage {
	return protocol.HistoryMessage{Role: role, Content: json.RawMessage(content)}
}

func TestDisplayMessages(t *testing.T) {
	prefix := "[System: be brief]"
	raw := []protocol.HistoryMessage{
		hist("system", `"you are helpful"`),
		hist("user", `"[Sun 19 Oct 10:00 2026 GMT] [System: be brief]\n\nwhat is 2+2?"`),
		hist("assistant", `[{"type":"text","text":"[[reply_to_current]] 4"}]`),
		hist("toolResult", `"exit 0"`),
		hist("user", `"System: [exec finished] ok"`),
		hist("user", "\"Conversation info (untrusted metadata):\\n```json\\n{\\\"channel\\\":\\\"web\\\"}\\n```\\n\\nhello\""),
		hist("user", `"look at this\n\nThe user has uploaded images. Use the `+"`image`"+` tool to analyze each one:\n- /tmp/a.png"`),
		hist("assistant", `[{"type":"toolCall","name":"exec"}]`),
	}
	got := DisplayMessages(raw, prefix)
	want := []Message{
		{Role: "user", Content: "what is 2+2?"},
		{Role: "assistant", Content: "4"},
		{Role: "user", Content: "hello"},
		{Role: "user", Content: "look at this"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d messages %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Errorf("message %d = %s %q, want %s %q", i, got[i].Role, got[i].Content, want[i].Role, want[i].Content)
		}
	}
}

func TestDisplayMessagesTimestamp(t *testing.T) {
	raw := []protocol.HistoryMessage{{Role: "assistant", Content: json.RawMessage(`"hi"`), Timestamp: 1760868000000}}
	got := DisplayMessages(raw, "")
	if len(got) != 1 || got[0].Timestamp.UnixMilli() != 1760868000000 {
		t.Errorf("timestamp not carried: %+v", got)
	}
}

func TestLastAssistant(t *testing.T) {
	if _, ok := LastAssistant(nil); ok {
		t.Error("empty history reported an assistant message")
	}
	msgs := []Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}}
	if m, ok := LastAssistant(msgs); !ok || m.Content != "a" {
		t.Errorf("LastAssistant = %+v, %v", m, ok)
	}
	if _, ok := LastAssistant(msgs[:1]); ok {
		t.Error("user-last history reported an assistant message")
	}
}
