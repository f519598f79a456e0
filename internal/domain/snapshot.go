package domain

// Snapshot is an immutable view of a conversation transcript. The
// accumulator hands out a fresh copy after every applied delta, so a
// snapshot can be read without synchronization and is never changed by
// later stream progress.
type Snapshot struct {
	ConversationID   string    `json:"conversation_id"`
	BackendSessionID string    `json:"backend_session_id,omitempty"`
	Messages         []Message `json:"messages"`
}

// Last returns the trailing message, if any.
func (s Snapshot) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// AssistantText returns the content of the trailing assistant message,
// or "" when the transcript does not end with one.
func (s Snapshot) AssistantText() string {
	last, ok := s.Last()
	if !ok || last.Role != RoleAssistant {
		return ""
	}
	return last.Content
}
