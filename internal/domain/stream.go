package domain

import (
	"context"
	"io"
)

// SessionState is the lifecycle state of one streamed exchange.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateSending   SessionState = "sending"
	StateStreaming SessionState = "streaming"
	StateCompleted SessionState = "completed"
	StateCancelled SessionState = "cancelled"
	StateFailed    SessionState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// QueryOptions carries per-request overrides for a backend query.
type QueryOptions struct {
	Model        string
	SystemPrompt string
	SearchKind   SearchKind
}

// QueryRequest is one user query bound for the backend.
type QueryRequest struct {
	ConversationID string
	Message        string
	UserID         string
	Options        QueryOptions
}

// Streamer opens a streamed chat response and returns the raw body.
// Callers own splitting the body into frames and closing it.
type Streamer interface {
	OpenStream(ctx context.Context, req QueryRequest) (io.ReadCloser, error)
}

// HistorySource loads the persisted transcript of a conversation from
// the backend, the system of record for completed turns.
type HistorySource interface {
	History(ctx context.Context, conversationID string) ([]Message, error)
}

// TokenSource supplies the bearer credential attached to backend calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
