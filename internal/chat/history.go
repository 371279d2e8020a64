package chat

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/ehrlich-b/gatelink/internal/protocol"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one displayable conversation entry.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Attachment is a file staged for the agent alongside a user message.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
	Path     string `json:"path"`
}

var (
	replyTagRe      = regexp.MustCompile(`\[\[\s*reply_to[^\]]*\]\]`)
	uploadNoteRe    = regexp.MustCompile(`(?s)\n*The user has uploaded (images|files).*$`)
	metadataBlockRe = regexp.MustCompile("(?s)Conversation info \\(untrusted metadata\\):\\s*```json\\s*\\{[^}]*\\}\\s*```\\s*")
	stampPrefixRe   = regexp.MustCompile(`(?s)^\[.*?\d{4}\s+GMT\]\s*`)
	metadataLeadRe  = regexp.MustCompile("(?s)^Conversation info.*?```.*?```\\s*")
	systemNoticeRe  = regexp.MustCompile(`(?i)^(system:\s*\[|system\s*\[)`)
)

// cleanText strips reply tags, trailing upload instructions and gateway
// metadata blocks.
func cleanText(text string) string {
	text = replyTagRe.ReplaceAllString(text, "")
	text = uploadNoteRe.ReplaceAllString(text, "")
	text = metadataBlockRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// DisplayMessages turns raw chat.history entries into what a user should see.
// Only user and assistant turns survive; user turns lose the gateway's
// timestamp and metadata preamble, the client's message prefix and system
// notifications. Entries left empty are dropped.
func DisplayMessages(raw []protocol.HistoryMessage, prefix string) []Message {
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		text := strings.TrimSpace(historyText(m.Content))
		if m.Role == RoleUser {
			text = stampPrefixRe.ReplaceAllString(text, "")
			text = metadataLeadRe.ReplaceAllString(text, "")
			if prefix != "" {
				if i := strings.Index(text, prefix); i >= 0 {
					text = strings.TrimSpace(strings.TrimLeft(text[i+len(prefix):], "\n"))
				}
			}
			if systemNoticeRe.MatchString(text) {
				text = ""
			}
		}
		text = cleanText(text)
		if text == "" {
			continue
		}
		msg := Message{Role: m.Role, Content: text}
		if m.Timestamp > 0 {
			msg.Timestamp = time.UnixMilli(m.Timestamp)
		}
		out = append(out, msg)
	}
	return out
}

// historyText joins every text part; unlike ExtractText it keeps tool-call
// text so cleanup sees the stored content verbatim.
func historyText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// LastAssistant returns the newest assistant message, if any.
func LastAssistant(msgs []Message) (Message, bool) {
	if n := len(msgs); n > 0 && msgs[n-1].Role == RoleAssistant {
		return msgs[n-1], true
	}
	return Message{}, false
}
