package domain

import "context"

// ConversationStore is the local cache of conversations, folded
// transcripts, and the audit trail. The backend stays the system of
// record for message history; the store lets surfaces list and resume
// threads without a round trip.
type ConversationStore interface {
	SaveConversation(ctx context.Context, conv Conversation) error
	Conversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv Conversation) error
	Conversations(ctx context.Context, limit int) ([]Conversation, error)
	LatestFor(ctx context.Context, channel, chatID string) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	ReplaceMessages(ctx context.Context, convID string, msgs []Message, keep int) error
	Messages(ctx context.Context, convID string, limit int) ([]Message, error)

	Audit(ctx context.Context, entry AuditEntry) error
}
