// Package controller owns the client-side conversation state: which
// conversation is active, its transcript, and the at-most-one live
// session streaming into it. Every mutation is published as an Update
// so any surface (CLI, web, chat channels) can render the same view.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"ragline/internal/domain"
	"ragline/internal/stream"
	"ragline/internal/transcript"
)

// Update is one observable change: a selection, an applied delta, or a
// terminal transition. Delta is nil when the whole snapshot changed at
// once (selection, history load, terminal fold).
type Update struct {
	ConversationID string
	Snapshot       domain.Snapshot
	Delta          *domain.Delta
	State          domain.SessionState
	Err            error
}

type Config struct {
	Streamer domain.Streamer
	History  domain.HistorySource
	UserID   string
	Publish  func(Update)
	Logger   *slog.Logger
}

type Controller struct {
	streamer domain.Streamer
	history  domain.HistorySource
	userID   string
	publish  func(Update)
	logger   *slog.Logger

	mu       sync.Mutex
	activeID string
	base     []domain.Message // completed transcript of the active conversation
	acc      *transcript.Accumulator
	sess     *stream.Session
	gen      uint64 // bumps on every switch; stale sessions stop publishing
}

func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		streamer: cfg.Streamer,
		history:  cfg.History,
		userID:   cfg.UserID,
		publish:  cfg.Publish,
		logger:   logger,
	}
}

// Active returns the selected conversation id, or "".
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Busy reports whether a session is still streaming.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && !c.sess.State().Terminal()
}

// Snapshot returns the current transcript view.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	acc := c.acc
	id := c.activeID
	base := append([]domain.Message(nil), c.base...)
	c.mu.Unlock()

	if acc != nil {
		return acc.Snapshot()
	}
	return domain.Snapshot{ConversationID: id, Messages: base}
}

// SelectConversation switches the active conversation, cancelling any
// in-flight session first. The transcript is loaded from the backend;
// a load failure is non-fatal and leaves the conversation selected
// with an empty transcript. There is no automatic retry, the next
// explicit selection tries again.
func (c *Controller) SelectConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &domain.ValidationError{Reason: "conversation id required"}
	}

	c.mu.Lock()
	c.cancelActiveLocked()
	c.activeID = id
	c.base = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	msgs, err := c.history.History(ctx, id)

	c.mu.Lock()
	stale := c.gen != gen
	if !stale && err == nil {
		c.base = msgs
	}
	c.mu.Unlock()
	if stale {
		return nil
	}

	if err != nil {
		if isNotFound(err) {
			// Fresh conversations have no server-side transcript yet.
			c.logger.Debug("no stored history", "conversation", id)
			c.emit(Update{ConversationID: id, Snapshot: snapshotOf(id, nil), State: domain.StateIdle})
			return nil
		}
		c.logger.Warn("history load failed", "conversation", id, "error", err)
		c.emit(Update{ConversationID: id, Snapshot: snapshotOf(id, nil), State: domain.StateIdle, Err: err})
		return nil
	}

	c.emit(Update{ConversationID: id, Snapshot: snapshotOf(id, msgs), State: domain.StateIdle})
	return nil
}

// RebindConversation renames the active conversation in place, keeping
// the transcript. Callers use it when the backend allocates its own
// session id for a thread that was started under a provisional one, so
// the next query continues the same server-side session. No-op while a
// session is still streaming.
func (c *Controller) RebindConversation(id string) {
	id = strings.TrimSpace(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" || c.activeID == "" || c.activeID == id {
		return
	}
	if c.sess != nil && !c.sess.State().Terminal() {
		return
	}
	c.activeID = id
}

// SendQuery starts a streamed exchange on the active conversation. A
// still-running session is cancelled and replaced; its partial answer
// stays in the transcript. The user message is published before the
// backend answers. Returns validation errors only: transport failures
// surface through Updates once the stream terminates.
func (c *Controller) SendQuery(ctx context.Context, text string, opts domain.QueryOptions) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &domain.ValidationError{Reason: "empty query"}
	}

	c.mu.Lock()
	if c.activeID == "" {
		c.mu.Unlock()
		return &domain.ValidationError{Reason: "no active conversation"}
	}
	c.cancelActiveLocked()

	id := c.activeID
	base := append([]domain.Message(nil), c.base...)
	acc := transcript.New(id, base, domain.Message{Content: text})
	c.acc = acc
	c.gen++
	gen := c.gen

	sess := stream.New(stream.Config{
		Streamer:    c.streamer,
		Accumulator: acc,
		Publish: func(snap domain.Snapshot, delta domain.Delta) {
			c.publishDelta(gen, snap, delta)
		},
		Logger: c.logger,
	})
	c.sess = sess
	req := domain.QueryRequest{ConversationID: id, Message: text, UserID: c.userID, Options: opts}
	c.mu.Unlock()

	// Optimistic echo: the user's message is visible immediately.
	c.emitFor(gen, Update{ConversationID: id, Snapshot: acc.Snapshot(), State: domain.StateSending})

	go func() {
		err := sess.Run(ctx, req)
		c.onTerminal(gen, id, sess, acc, err)
	}()
	return nil
}

// Cancel stops the active session, if any, keeping the partial answer
// in the transcript.
func (c *Controller) Cancel() {
	c.mu.Lock()
	had := c.sess != nil && !c.sess.State().Terminal()
	c.cancelActiveLocked()
	c.gen++
	id := c.activeID
	snap := snapshotOf(id, c.base)
	c.mu.Unlock()

	if had {
		c.emit(Update{ConversationID: id, Snapshot: snap, State: domain.StateCancelled})
	}
}

// cancelActiveLocked stops the in-flight session and folds its partial
// answer into the base transcript so it stays visible. Callers bump
// gen afterwards, which makes the dying session's late publishes
// stale.
func (c *Controller) cancelActiveLocked() {
	if c.sess == nil {
		return
	}
	if !c.sess.State().Terminal() {
		c.sess.Cancel()
	}
	if c.acc != nil {
		c.acc.Finalize()
		c.base = c.acc.Messages()
	}
	c.sess = nil
	c.acc = nil
}

// publishDelta forwards a session delta unless the session was
// superseded meanwhile.
func (c *Controller) publishDelta(gen uint64, snap domain.Snapshot, delta domain.Delta) {
	var state domain.SessionState
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	state = domain.StateStreaming
	if c.sess != nil {
		state = c.sess.State()
	}
	c.mu.Unlock()

	d := delta
	c.emit(Update{ConversationID: snap.ConversationID, Snapshot: snap, Delta: &d, State: state})
}

// onTerminal folds the finished session into the base transcript and
// publishes the terminal update. Superseded sessions are dropped: the
// view already belongs to someone newer.
func (c *Controller) onTerminal(gen uint64, id string, sess *stream.Session, acc *transcript.Accumulator, err error) {
	state := sess.State()

	c.mu.Lock()
	current := c.gen == gen
	var msgs []domain.Message
	if current {
		c.base = acc.Messages()
		msgs = append([]domain.Message(nil), c.base...)
		c.sess = nil
		c.acc = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}

	switch state {
	case domain.StateFailed:
		c.logger.Warn("stream failed", "conversation", id, "error", err)
	case domain.StateCancelled:
		c.logger.Info("stream cancelled", "conversation", id)
	}

	c.emit(Update{
		ConversationID: id,
		Snapshot: domain.Snapshot{
			ConversationID:   id,
			BackendSessionID: acc.BackendSessionID(),
			Messages:         msgs,
		},
		State: state,
		Err:   err,
	})
}

func (c *Controller) emit(u Update) {
	if c.publish != nil {
		c.publish(u)
	}
}

// emitFor publishes only while gen is still current.
func (c *Controller) emitFor(gen uint64, u Update) {
	c.mu.Lock()
	stale := c.gen != gen
	c.mu.Unlock()
	if !stale {
		c.emit(u)
	}
}

func snapshotOf(id string, msgs []domain.Message) domain.Snapshot {
	return domain.Snapshot{
		ConversationID: id,
		Messages:       append([]domain.Message(nil), msgs...),
	}
}

func isNotFound(err error) bool {
	var te *domain.TransportError
	return errors.As(err, &te) && te.StatusCode == http.StatusNotFound
}
