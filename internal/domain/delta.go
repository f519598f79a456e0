package domain

// Frame is one decoded wire frame: the payload of a single data line
// with the prefix stripped and the line terminator removed.
type Frame struct {
	Payload string
}

// DeltaKind classifies an interpreted frame payload.
type DeltaKind string

const (
	DeltaText    DeltaKind = "text"    // append a content fragment
	DeltaEnd     DeltaKind = "end"     // backend finished the answer
	DeltaError   DeltaKind = "error"   // backend reported a failure, or payload was unparseable
	DeltaSession DeltaKind = "session" // backend assigned or confirmed a session id
	DeltaTools   DeltaKind = "tools"   // backend reports the retrieval tools it used
	DeltaIgnored DeltaKind = "ignored" // well-formed but unknown, dropped
)

// Delta is the typed result of interpreting one frame payload.
type Delta struct {
	Kind      DeltaKind  `json:"kind"`
	Text      string     `json:"text,omitempty"`       // DeltaText fragment
	Message   string     `json:"message,omitempty"`    // DeltaError detail
	Malformed bool       `json:"malformed,omitempty"`  // DeltaError caused by an unparseable payload
	SessionID string     `json:"session_id,omitempty"` // DeltaSession
	ToolCalls []ToolCall `json:"tool_calls,omitempty"` // DeltaTools
}

// Fatal reports whether the delta must terminate its session. Errors
// from unparseable payloads are skipped, not fatal: one garbled frame
// never aborts an otherwise healthy stream.
func (d Delta) Fatal() bool {
	return d.Kind == DeltaError && !d.Malformed
}
