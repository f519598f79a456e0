package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ragline/internal/domain"
)

// chatPayload is the wire shape of a chat request. The backend ignores
// fields it does not know, so optional overrides ride along safely.
type chatPayload struct {
	Message      string `json:"message"`
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	SearchType   string `json:"search_type,omitempty"`
}

func queryPayload(req domain.QueryRequest) chatPayload {
	return chatPayload{
		Message:      req.Message,
		SessionID:    req.ConversationID,
		UserID:       req.UserID,
		Model:        req.Options.Model,
		SystemPrompt: req.Options.SystemPrompt,
		SearchType:   string(req.Options.SearchKind),
	}
}

// OpenStream posts the query to the streaming chat endpoint and hands
// back the raw event-stream body. The caller owns closing it. There is
// no retry here: a reconnect would silently restart the answer, so a
// drop mid-stream surfaces as a failure instead. Endpoints are tried
// in order until one opens.
func (c *Client) OpenStream(ctx context.Context, req domain.QueryRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(queryPayload(req))
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}

	var body io.ReadCloser
	err = c.tryBases(ctx, "chat_stream", func(base string) error {
		hreq, herr := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/stream", bytes.NewReader(payload))
		if herr != nil {
			return fmt.Errorf("build stream request: %w", herr)
		}
		hreq.Header.Set("Content-Type", "application/json")
		hreq.Header.Set("Accept", "text/event-stream")
		hreq.Header.Set("Cache-Control", "no-cache")
		if aerr := c.authorize(hreq); aerr != nil {
			return aerr
		}

		resp, herr := c.http.Do(hreq)
		if herr != nil {
			return &domain.TransportError{Op: "chat_stream", Err: herr}
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return &domain.TransportError{
				Op:         "chat_stream",
				StatusCode: resp.StatusCode,
				Body:       truncate(string(b), 200),
			}
		}
		if resp.Body == nil || resp.Body == http.NoBody {
			return fmt.Errorf("chat_stream: %w", domain.ErrNoStreamBody)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
