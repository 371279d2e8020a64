package chat

import (
	"encoding/json"
	"strings"
)

// toolCallMarker opens a serialized tool-call list that some gateways
// interleave with human-readable text parts.
const toolCallMarker = `[{"type":"toolCall"`

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractText returns the displayable text of a message payload, which may be
// a string, a list of typed parts or an object carrying such a list under
// "content". ok is false when nothing displayable exists, as opposed to an
// empty response.
func ExtractText(raw json.RawMessage) (text string, ok bool) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case '[':
		var parts []contentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", false
		}
		return joinText(parts)
	case '{':
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || len(msg.Content) == 0 {
			return "", false
		}
		return ExtractText(msg.Content)
	}
	return "", false
}

func joinText(parts []contentPart) (string, bool) {
	var b strings.Builder
	found := false
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(p.Text), toolCallMarker) {
			continue
		}
		b.WriteString(p.Text)
		found = true
	}
	return b.String(), found
}
