package domain

import "time"

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation transcript.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Final     bool       `json:"final"`
}

// ToolCall summarizes a retrieval tool the backend invoked while
// producing an answer. The backend reports these in a single frame
// near the end of a stream.
type ToolCall struct {
	ID   string         `json:"tool_call_id"`
	Name string         `json:"tool_name"`
	Args map[string]any `json:"args,omitempty"`
}

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Preset    string // optional preset applied to this query
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string       // rendered text for plain send-and-forget surfaces
	Format   string       // text | markdown
	Delta    *Delta       // token-level event, set for streaming updates
	Snapshot *Snapshot    // transcript view after the delta was applied
	State    SessionState // session state at emission time
	Err      string       // failure detail when State is StateFailed
}
