package wire

import (
	"encoding/json"
	"strings"

	"ragline/internal/domain"
)

// doneSentinel is the bare end-of-stream marker some SSE backends send
// instead of (or after) a typed end frame.
const doneSentinel = "[DONE]"

// framePayload is the wire shape of one data payload. The backend
// sends {"type": ...} objects; which other fields matter depends on
// the type.
type framePayload struct {
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	SessionID string            `json:"session_id"`
	Tools     []domain.ToolCall `json:"tools"`
}

// Interpret maps one frame payload onto a delta. It is total: every
// input produces a delta, never a panic or an error return. Unknown
// but well-formed types come back as DeltaIgnored so new backend frame
// types degrade quietly; unparseable payloads come back as a malformed
// DeltaError, which callers skip rather than abort on.
func Interpret(payload string) domain.Delta {
	trimmed := strings.TrimSpace(payload)
	if trimmed == doneSentinel {
		return domain.Delta{Kind: domain.DeltaEnd}
	}

	var p framePayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return domain.Delta{Kind: domain.DeltaError, Message: "malformed frame payload", Malformed: true}
	}

	switch p.Type {
	case "text":
		return domain.Delta{Kind: domain.DeltaText, Text: p.Content}
	case "end":
		return domain.Delta{Kind: domain.DeltaEnd}
	case "error":
		msg := p.Content
		if msg == "" {
			msg = "stream error"
		}
		return domain.Delta{Kind: domain.DeltaError, Message: msg}
	case "session":
		return domain.Delta{Kind: domain.DeltaSession, SessionID: p.SessionID}
	case "tools":
		return domain.Delta{Kind: domain.DeltaTools, ToolCalls: p.Tools}
	default:
		return domain.Delta{Kind: domain.DeltaIgnored}
	}
}
