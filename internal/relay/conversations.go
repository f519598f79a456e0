package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ragline/internal/domain"
)

// ConversationManager tracks which conversation each chat is on. With
// a store the mapping survives restarts; without one threads live only
// in memory for the life of the process.
type ConversationManager struct {
	store  domain.ConversationStore // nil when the cache is disabled
	logger *slog.Logger
	mu     sync.RWMutex
	active map[string]domain.Conversation // channel:chatID -> current thread
}

func NewConversationManager(store domain.ConversationStore, logger *slog.Logger) *ConversationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationManager{
		store:  store,
		logger: logger,
		active: make(map[string]domain.Conversation),
	}
}

func chatKey(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// GetOrCreate returns the chat's current conversation, resuming the
// most recently used stored thread or starting a new one.
func (cm *ConversationManager) GetOrCreate(ctx context.Context, channel, chatID string) (domain.Conversation, error) {
	key := chatKey(channel, chatID)

	// Fast path: read lock (most calls hit here)
	cm.mu.RLock()
	conv, ok := cm.active[key]
	cm.mu.RUnlock()
	if ok {
		return conv, nil
	}

	// Slow path: write lock, double-check
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conv, ok := cm.active[key]; ok {
		return conv, nil
	}

	if cm.store != nil {
		stored, err := cm.store.LatestFor(ctx, channel, chatID)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("resume conversation: %w", err)
		}
		if stored != nil {
			cm.active[key] = *stored
			return *stored, nil
		}
	}

	return cm.startLocked(ctx, channel, chatID)
}

// StartFresh begins a new thread for the chat. The previous one stays
// in the store so it can still be listed.
func (cm *ConversationManager) StartFresh(ctx context.Context, channel, chatID string) (domain.Conversation, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.startLocked(ctx, channel, chatID)
}

func (cm *ConversationManager) startLocked(ctx context.Context, channel, chatID string) (domain.Conversation, error) {
	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		Title:     "New conversation",
		Channel:   channel,
		ChatID:    chatID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cm.store != nil {
		if err := cm.store.SaveConversation(ctx, conv); err != nil {
			return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
		}
	}
	cm.active[chatKey(channel, chatID)] = conv

	cm.logger.Info("started conversation",
		"channel", channel,
		"chat", chatID,
		"conversation", conv.ID,
	)
	return conv, nil
}

// Clear deletes the chat's current conversation and its cached
// transcript, then forgets the mapping.
func (cm *ConversationManager) Clear(ctx context.Context, channel, chatID string) error {
	key := chatKey(channel, chatID)

	cm.mu.Lock()
	conv, ok := cm.active[key]
	delete(cm.active, key)
	cm.mu.Unlock()

	if !ok || cm.store == nil {
		return nil
	}
	if err := cm.store.DeleteConversation(ctx, conv.ID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	cm.logger.Info("conversation cleared", "channel", channel, "chat", chatID, "conversation", conv.ID)
	return nil
}

// Update replaces the cached view of a conversation and persists it.
func (cm *ConversationManager) Update(ctx context.Context, conv domain.Conversation) {
	conv.UpdatedAt = time.Now().UTC()

	cm.mu.Lock()
	cm.active[chatKey(conv.Channel, conv.ChatID)] = conv
	cm.mu.Unlock()

	if cm.store == nil {
		return
	}
	if err := cm.store.UpdateConversation(ctx, conv); err != nil {
		cm.logger.Warn("failed to update conversation", "conversation", conv.ID, "error", err)
	}
}

// RecordTurn caches the folded transcript after a terminal update,
// capped at keep messages.
func (cm *ConversationManager) RecordTurn(ctx context.Context, conv domain.Conversation, msgs []domain.Message, keep int) {
	if cm.store == nil {
		return
	}
	if err := cm.store.ReplaceMessages(ctx, conv.ID, msgs, keep); err != nil {
		cm.logger.Warn("failed to cache transcript", "conversation", conv.ID, "error", err)
	}
}

// Recent lists the most recently used conversations across all chats.
func (cm *ConversationManager) Recent(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if cm.store == nil {
		return nil, nil
	}
	return cm.store.Conversations(ctx, limit)
}

func generateTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "New conversation"
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	if len(msg) > 60 {
		cut := strings.LastIndex(msg[:60], " ")
		if cut < 20 {
			cut = 60
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
