// Package transcript folds stream deltas into a conversation
// transcript and hands out immutable snapshots of the result.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"ragline/internal/domain"
)

// Accumulator owns the in-flight transcript of one streamed exchange:
// the loaded history, the user's query, and a trailing assistant
// message that grows as text deltas arrive. Snapshots are value
// copies, so a snapshot taken before a delta is unaffected by it.
//
// The stream loop applies deltas while the controller may concurrently
// finalize on cancellation, hence the mutex.
type Accumulator struct {
	mu             sync.Mutex
	conversationID string
	backendID      string
	messages       []domain.Message
}

// New seeds an accumulator with the conversation history, appends the
// user's query, and opens an empty assistant message for the answer to
// stream into.
func New(conversationID string, history []domain.Message, query domain.Message) *Accumulator {
	if query.ID == "" {
		query.ID = uuid.NewString()
	}
	if query.CreatedAt.IsZero() {
		query.CreatedAt = time.Now()
	}
	query.Role = domain.RoleUser
	query.Final = true

	msgs := make([]domain.Message, 0, len(history)+2)
	msgs = append(msgs, history...)
	msgs = append(msgs, query)
	msgs = append(msgs, domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		CreatedAt: time.Now(),
	})

	return &Accumulator{conversationID: conversationID, messages: msgs}
}

// Apply folds one delta into the transcript and returns the resulting
// snapshot. Ignored and malformed deltas leave the transcript as it
// was. Applying to an already-final assistant message is a no-op for
// text: content never changes once the turn is sealed.
func (a *Accumulator) Apply(d domain.Delta) domain.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	last := &a.messages[len(a.messages)-1]
	switch d.Kind {
	case domain.DeltaText:
		if !last.Final {
			last.Content += d.Text
		}
	case domain.DeltaEnd:
		last.Final = true
	case domain.DeltaError:
		if !d.Malformed {
			last.Final = true
		}
	case domain.DeltaSession:
		a.backendID = d.SessionID
	case domain.DeltaTools:
		if !last.Final {
			last.ToolCalls = append([]domain.ToolCall(nil), d.ToolCalls...)
		}
	}
	return a.snapshotLocked()
}

// Finalize seals the trailing assistant message so no further text can
// land. Used when a session is cancelled and its partial answer should
// stand as-is. Idempotent.
func (a *Accumulator) Finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[len(a.messages)-1].Final = true
}

// Snapshot returns the current transcript view.
func (a *Accumulator) Snapshot() domain.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Messages returns a copy of the transcript, dropping a trailing
// assistant message that never received any content. A cancelled or
// failed stream should not leave an empty stub in the history.
func (a *Accumulator) Messages() []domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	msgs := a.messages
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		if last.Role == domain.RoleAssistant && last.Content == "" && len(last.ToolCalls) == 0 {
			msgs = msgs[:n-1]
		}
	}
	return append([]domain.Message(nil), msgs...)
}

// BackendSessionID returns the id the backend assigned to this
// exchange, or "" before any session frame arrived.
func (a *Accumulator) BackendSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backendID
}

// snapshotLocked copies the message slice. Element copies are shallow:
// string content is immutable and tool call slices are replaced, never
// appended to, after they first land.
func (a *Accumulator) snapshotLocked() domain.Snapshot {
	msgs := make([]domain.Message, len(a.messages))
	copy(msgs, a.messages)
	return domain.Snapshot{
		ConversationID:   a.conversationID,
		BackendSessionID: a.backendID,
		Messages:         msgs,
	}
}
