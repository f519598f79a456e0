package domain

import "context"

// Channel is the interface for user-facing I/O (CLI, Web, WebSocket,
// Telegram, Discord, Slack, webhook). A channel turns user input into
// inbound bus messages and renders outbound updates, including
// token-by-token stream deltas where the surface supports them.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID string, content string) error
}
