package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"ragline/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramEditInterval   = 1500 * time.Millisecond
)

// Telegram implements domain.Channel for a long-polling Telegram bot.
// Streamed answers grow in place: the first tokens become a draft
// message and later tokens are applied as throttled edits, so the chat
// shows one message that fills in rather than a flood of fragments.
type Telegram struct {
	token        string
	allowFrom    []int64 // allowed user IDs (empty = allow all)
	editInterval time.Duration

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger

	draftsMu sync.Mutex
	drafts   map[int64]*tgDraft
}

// tgDraft is the in-place streamed answer for one chat.
type tgDraft struct {
	messageID int
	buf       strings.Builder
	lastEdit  time.Time
}

type TelegramConfig struct {
	Token          string
	AllowFrom      []string // user IDs as strings
	EditIntervalMs int
	Logger         *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	interval := telegramEditInterval
	if cfg.EditIntervalMs > 0 {
		interval = time.Duration(cfg.EditIntervalMs) * time.Millisecond
	}
	return &Telegram{
		token:        cfg.Token,
		allowFrom:    allowed,
		editInterval: interval,
		logger:       cfg.Logger,
		drafts:       make(map[int64]*tgDraft),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", t.routeOutbound)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled,
// and StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	t.sendMessage(id, content)
	return nil
}

// routeOutbound applies one relay update to the chat. Text deltas grow
// the draft, the terminal update replaces it with the settled answer,
// and command replies go out as ordinary messages.
func (t *Telegram) routeOutbound(msg domain.OutboundMessage) {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
		return
	}

	if msg.Delta != nil {
		// Tool activity and session bookkeeping are not worth an edit.
		if msg.Delta.Kind == domain.DeltaText && msg.Delta.Text != "" {
			t.growDraft(chatID, msg.Delta.Text)
		}
		return
	}

	switch {
	case msg.State.Terminal():
		t.settleDraft(chatID, msg.Content)
	case msg.State == domain.StateIdle && msg.Content != "":
		t.sendMessage(chatID, msg.Content)
	case msg.State == domain.StateSending:
		typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
		_, _ = t.bot.Request(typing)
	}
}

// growDraft appends a fragment and edits the draft message in place,
// rate-limited so a fast stream does not burn the edit quota. Edits
// send plain text: half-finished Markdown rarely parses.
func (t *Telegram) growDraft(chatID int64, fragment string) {
	t.draftsMu.Lock()
	draft, ok := t.drafts[chatID]
	if !ok {
		draft = &tgDraft{}
		t.drafts[chatID] = draft
	}
	draft.buf.WriteString(fragment)
	text := draft.buf.String()
	due := draft.messageID == 0 || time.Since(draft.lastEdit) >= t.editInterval
	if due {
		draft.lastEdit = time.Now()
	}
	messageID := draft.messageID
	t.draftsMu.Unlock()

	if !due || strings.TrimSpace(text) == "" {
		return
	}
	if len(text) > telegramMaxMsgLen {
		text = text[:telegramMaxMsgLen]
	}

	if messageID == 0 {
		sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err != nil {
			t.logger.Debug("telegram draft create failed", "err", err)
			return
		}
		t.draftsMu.Lock()
		if d, ok := t.drafts[chatID]; ok {
			d.messageID = sent.MessageID
		}
		t.draftsMu.Unlock()
		return
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		// The next fragment retries with a longer buffer.
		t.logger.Debug("telegram draft edit failed", "err", err)
	}
}

// settleDraft replaces the draft with the final text. When the answer
// outgrows one message the draft holds the first chunk and the rest
// follows as ordinary sends.
func (t *Telegram) settleDraft(chatID int64, final string) {
	t.draftsMu.Lock()
	draft, ok := t.drafts[chatID]
	delete(t.drafts, chatID)
	t.draftsMu.Unlock()

	if final == "" {
		return
	}
	if !ok || draft.messageID == 0 {
		t.sendMessage(chatID, final)
		return
	}

	head, rest := final, ""
	if len(head) > telegramMaxMsgLen {
		cutAt := strings.LastIndex(head[:telegramMaxMsgLen], "\n")
		if cutAt < telegramMaxMsgLen/2 {
			cutAt = telegramMaxMsgLen
		}
		head, rest = final[:cutAt], final[cutAt:]
	}

	edit := tgbotapi.NewEditMessageText(chatID, draft.messageID, head)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(edit); err != nil {
		// Markdown in the final text may not parse; retry plain.
		plain := tgbotapi.NewEditMessageText(chatID, draft.messageID, head)
		if _, err2 := t.bot.Send(plain); err2 != nil {
			t.logger.Warn("telegram final edit failed", "err", err2)
		}
	}
	if rest != "" {
		t.sendMessage(chatID, rest)
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendMessage(chatID, "Unauthorized: your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	// /start is Telegram onboarding, not a relay command.
	if update.Message.IsCommand() && update.Message.Command() == "start" {
		t.sendMessage(chatID, "Hello! Send me a question and I'll answer from the knowledge base.\n\n/help lists commands.")
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Request(typing)

	t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	// Telegram caps messages at 4096 chars; cut on newlines where we can.
	const maxLen = telegramMaxMsgLen
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := strings.LastIndex(chunk[:maxLen], "\n")
			if cutAt < maxLen/2 {
				cutAt = maxLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends a single message chunk with retry and rate limit
// handling: Markdown first, plain text on parse error, backoff on 429.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		// Markdown parse error on first attempt: retry as plain text.
		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			plainMsg := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plainMsg); err2 == nil {
				return
			}
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
