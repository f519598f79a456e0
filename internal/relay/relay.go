// Package relay is the hub between chat channels and the backend: it
// consumes inbound bus messages, runs slash commands, enforces pairing
// and per-chat rate limits, and drives one streaming controller per
// chat, mirroring every update back out on the bus.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ragline/internal/controller"
	"ragline/internal/domain"
	"ragline/internal/metrics"
	"ragline/internal/preset"
	"ragline/internal/security"
)

const (
	defaultMaxConcurrent = 4
	defaultRatePerMin    = 20
	defaultRateBurst     = 5
	defaultHistoryKeep   = 200
)

// Backend is the slice of the API client the relay needs.
type Backend interface {
	domain.Streamer
	domain.HistorySource
	Health(ctx context.Context) (*domain.HealthStatus, error)
	Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResults, error)
}

// AuditSink records security-relevant actions. Optional.
type AuditSink interface {
	Audit(ctx context.Context, entry domain.AuditEntry) error
}

// Config holds all dependencies and tuning parameters for the relay.
type Config struct {
	Backend       Backend
	Bus           domain.MessageBus
	Conversations *ConversationManager
	Presets       *preset.Registry
	Pairing       *security.PairingService // nil disables the pairing gate
	Redactor      *security.Redactor
	Audit         AuditSink
	Logger        *slog.Logger

	UserID        string
	DefaultPreset string
	SearchKind    domain.SearchKind
	MaxConcurrent int     // max parallel streams (default 4)
	RatePerMinute float64 // per-chat query budget
	HistoryKeep   int     // cached messages per conversation
}

type Relay struct {
	backend       Backend
	bus           domain.MessageBus
	convs         *ConversationManager
	presets       *preset.Registry
	pairing       *security.PairingService
	redactor      *security.Redactor
	auditor       AuditSink
	logger        *slog.Logger
	limiter       *RateLimiter
	userID        string
	defaultPreset string
	searchKind    domain.SearchKind
	concurrency   int
	historyKeep   int

	mu    sync.Mutex
	chats map[string]*chatState
}

// chatState is one chat's live view: its controller, its conversation,
// and the in-flight query's completion signal.
type chatState struct {
	channel string
	chatID  string
	ctrl    *controller.Controller

	init    sync.Once
	initErr error

	mu         sync.Mutex
	conv       domain.Conversation
	queryText  string
	queryStart time.Time
	sawDelta   bool
	done       chan struct{} // closed when the current query settles
}

func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMin
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = defaultHistoryKeep
	}
	if cfg.SearchKind == "" {
		cfg.SearchKind = domain.SearchHybrid
	}
	if cfg.Conversations == nil {
		cfg.Conversations = NewConversationManager(nil, logger)
	}
	return &Relay{
		backend:       cfg.Backend,
		bus:           cfg.Bus,
		convs:         cfg.Conversations,
		presets:       cfg.Presets,
		pairing:       cfg.Pairing,
		redactor:      cfg.Redactor,
		auditor:       cfg.Audit,
		logger:        logger,
		limiter:       NewRateLimiter(defaultRateBurst, cfg.RatePerMinute),
		userID:        cfg.UserID,
		defaultPreset: cfg.DefaultPreset,
		searchKind:    cfg.SearchKind,
		concurrency:   cfg.MaxConcurrent,
		historyKeep:   cfg.HistoryKeep,
		chats:         make(map[string]*chatState),
	}
}

// Run consumes inbound messages and processes them with bounded
// concurrency. A worker slot is held for the whole life of a stream,
// so the bound limits live streams, not just dispatches.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay started", "concurrency", r.concurrency)

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, relay stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				r.handle(ctx, m)
			}(msg)
		}
	}
}

// handle processes a single inbound message: commands first, then the
// pairing gate, then the rate limit, then the streamed query. It
// blocks until the stream settles.
func (r *Relay) handle(ctx context.Context, msg domain.InboundMessage) {
	metrics.MessagesTotal.Inc()

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}

	r.logger.Info("inbound message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(text),
	)

	cmd := ParseCommand(text)

	// /pair has to work before the sender is paired.
	if cmd != nil && cmd.Name == "pair" {
		r.reply(msg, r.handlePair(ctx, cmd, msg))
		return
	}

	if r.pairing != nil {
		ok, err := r.pairing.IsPaired(ctx, msg.Channel, msg.SenderID)
		if err != nil {
			r.logger.Warn("pairing lookup failed, refusing message",
				"channel", msg.Channel, "sender", msg.SenderID, "error", err)
			ok = false
		}
		if !ok {
			metrics.PairingDenied.Inc()
			r.audit(ctx, msg, "denied", "unpaired sender")
			code := r.pairing.GenerateCode(msg.Channel, msg.SenderID)
			// The code goes to the operator console, never into the chat.
			r.logger.Info("pairing code issued", "channel", msg.Channel, "sender", msg.SenderID, "code", code)
			r.reply(msg, "This gateway requires pairing. Ask the operator for your code, then send /pair <code>.")
			return
		}
	}

	if cmd != nil {
		res := r.HandleCommand(ctx, cmd, msg)
		if !res.Handled {
			r.reply(msg, fmt.Sprintf("Unknown command /%s. Send /help for the list.", cmd.Name))
			return
		}
		r.reply(msg, res.Response)
		return
	}

	if !r.limiter.Allow(chatKey(msg.Channel, msg.ChatID)) {
		metrics.RateLimited.Inc()
		r.reply(msg, "Slow down a little. This chat hit its query limit, try again shortly.")
		return
	}

	r.query(ctx, msg, text)
}

// query runs one streamed exchange and blocks until it settles.
func (r *Relay) query(ctx context.Context, msg domain.InboundMessage, text string) {
	st, err := r.chatFor(ctx, msg.Channel, msg.ChatID)
	if err != nil {
		r.logger.Error("conversation setup failed",
			"channel", msg.Channel, "chat", msg.ChatID, "error", err)
		r.reply(msg, "Could not open a conversation for this chat. Check the gateway logs.")
		return
	}

	question, opts := r.resolve(st, msg, text)

	st.mu.Lock()
	if st.done != nil {
		// Previous query superseded before its stream finished.
		close(st.done)
		st.done = nil
		metrics.StreamsCancelled.Inc()
	}
	st.queryText = text
	st.queryStart = time.Now()
	st.sawDelta = false
	done := make(chan struct{})
	st.done = done
	st.mu.Unlock()

	r.audit(ctx, msg, "query", fmt.Sprintf("%d chars", len(text)))

	if err := st.ctrl.SendQuery(ctx, question, opts); err != nil {
		st.mu.Lock()
		if st.done == done {
			st.done = nil
		}
		st.mu.Unlock()
		r.reply(msg, fmt.Sprintf("Query rejected: %s", err))
		return
	}
	metrics.StreamsStarted.Inc()
	metrics.ActiveStreams.Inc()

	select {
	case <-ctx.Done():
		st.ctrl.Cancel()
	case <-done:
	}
	metrics.ActiveStreams.Dec()
}

// chatFor returns the chat's live state, creating the controller and
// selecting its conversation on first contact.
func (r *Relay) chatFor(ctx context.Context, channel, chatID string) (*chatState, error) {
	key := chatKey(channel, chatID)

	r.mu.Lock()
	st, ok := r.chats[key]
	r.mu.Unlock()

	if !ok {
		conv, err := r.convs.GetOrCreate(ctx, channel, chatID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if existing, found := r.chats[key]; found {
			st = existing
		} else {
			st = &chatState{channel: channel, chatID: chatID, conv: conv}
			st.ctrl = controller.New(controller.Config{
				Streamer: r.backend,
				History:  r.backend,
				UserID:   r.userID,
				Logger:   r.logger,
				Publish:  func(u controller.Update) { r.forward(st, u) },
			})
			r.chats[key] = st
		}
		r.mu.Unlock()
	}

	// First contact selects the conversation: the backend session when
	// we know it, otherwise the local id, which just loads an empty
	// transcript for a fresh thread. Racing callers block here until
	// the winner is done.
	st.init.Do(func() {
		st.mu.Lock()
		sel := st.conv.ID
		if st.conv.BackendSessionID != "" {
			sel = st.conv.BackendSessionID
		}
		st.mu.Unlock()
		st.initErr = st.ctrl.SelectConversation(ctx, sel)
	})
	return st, st.initErr
}

// peekChat returns the chat's state without creating one.
func (r *Relay) peekChat(channel, chatID string) *chatState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chats[chatKey(channel, chatID)]
}

// resolve expands the chat's preset into the final question text and
// request options. Per-message preset beats the conversation's, which
// beats the configured default.
func (r *Relay) resolve(st *chatState, msg domain.InboundMessage, text string) (string, domain.QueryOptions) {
	st.mu.Lock()
	convPreset := st.conv.Preset
	st.mu.Unlock()

	name := msg.Preset
	if name == "" {
		name = convPreset
	}
	if name == "" {
		name = r.defaultPreset
	}

	if name != "" && r.presets != nil {
		if p, ok := r.presets.Get(name); ok {
			question, opts := preset.Apply(p, text, domain.QueryOptions{})
			if opts.SearchKind == "" {
				opts.SearchKind = r.searchKind
			}
			return question, opts
		}
		r.logger.Warn("preset not found, sending query as-is", "preset", name)
	}
	return text, domain.QueryOptions{SearchKind: r.searchKind}
}

// forward maps a controller update onto an outbound bus message. On
// terminal updates it also settles the query: cache, title, metrics,
// and the completion signal the waiting worker blocks on.
func (r *Relay) forward(st *chatState, u controller.Update) {
	snap := u.Snapshot
	out := domain.OutboundMessage{
		Channel:  st.channel,
		ChatID:   st.chatID,
		Format:   "markdown",
		Delta:    u.Delta,
		Snapshot: &snap,
		State:    u.State,
	}
	if u.Err != nil {
		out.Err = r.redact(u.Err.Error())
	}

	if u.Delta != nil {
		st.mu.Lock()
		if !st.sawDelta {
			st.sawDelta = true
			if !st.queryStart.IsZero() {
				metrics.FirstDelta.Observe(time.Since(st.queryStart).Seconds())
			}
		}
		st.mu.Unlock()
	}

	terminal := u.State.Terminal()
	if terminal {
		out.Content = r.finalText(u)
	}

	r.bus.SendOutbound(out)

	if terminal {
		r.finishQuery(st, u)
	}
}

// finalText renders the terminal content for plain send-and-forget
// surfaces. Failures keep whatever partial answer arrived.
func (r *Relay) finalText(u controller.Update) string {
	text := u.Snapshot.AssistantText()
	if u.State != domain.StateFailed {
		return text
	}

	reason := "stream failed"
	if u.Err != nil {
		reason = r.redact(u.Err.Error())
	}
	if text != "" {
		return text + "\n\n(answer interrupted: " + reason + ")"
	}
	return "Sorry, I couldn't get an answer: " + reason
}

// finishQuery settles the books after a terminal update: counters,
// transcript cache, auto-title, session rebinding, and the completion
// signal.
func (r *Relay) finishQuery(st *chatState, u controller.Update) {
	switch u.State {
	case domain.StateCompleted:
		metrics.StreamsCompleted.Inc()
	case domain.StateCancelled:
		metrics.StreamsCancelled.Inc()
	case domain.StateFailed:
		metrics.StreamsFailed.Inc()
	}

	st.mu.Lock()
	conv := st.conv
	queryText := st.queryText
	start := st.queryStart
	done := st.done
	st.done = nil
	st.mu.Unlock()

	if !start.IsZero() {
		metrics.StreamDuration.Observe(time.Since(start).Seconds())
	}

	// The store write must not die with the request context.
	ctx := context.Background()

	if sid := u.Snapshot.BackendSessionID; sid != "" && sid != conv.BackendSessionID {
		conv.BackendSessionID = sid
		st.ctrl.RebindConversation(sid)
	}
	if conv.Title == "" || conv.Title == "New conversation" {
		conv.Title = generateTitle(queryText)
	}
	r.convs.Update(ctx, conv)
	r.convs.RecordTurn(ctx, conv, u.Snapshot.Messages, r.historyKeep)

	st.mu.Lock()
	st.conv = conv
	st.mu.Unlock()

	if done != nil {
		close(done)
	}
}

// reply sends a plain, non-streamed message back to the asking chat.
func (r *Relay) reply(msg domain.InboundMessage, text string) {
	if text == "" {
		return
	}
	r.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
		Format:  "markdown",
		State:   domain.StateIdle,
	})
}

func (r *Relay) redact(s string) string {
	if r.redactor == nil {
		return s
	}
	return r.redactor.Apply(s)
}

func (r *Relay) audit(ctx context.Context, msg domain.InboundMessage, action, detail string) {
	if r.auditor == nil {
		return
	}
	entry := domain.AuditEntry{
		Channel: msg.Channel,
		Actor:   msg.SenderID,
		Action:  action,
		Detail:  detail,
	}
	if err := r.auditor.Audit(ctx, entry); err != nil {
		r.logger.Warn("audit write failed", "action", action, "error", err)
	}
}
