package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ragline/internal/domain"
)

// getJSON fetches path from the first endpoint that answers and
// decodes the response into out.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	return c.tryBases(ctx, op, func(base string) error {
		build := func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			if err := c.authorize(req); err != nil {
				return nil, err
			}
			return req, nil
		}
		return c.roundTrip(ctx, op, build, out)
	})
}

// postJSON sends a JSON payload and decodes the JSON response.
func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	return c.tryBases(ctx, op, func(base string) error {
		build := func() (*http.Request, error) {
			req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
			if rerr != nil {
				return nil, rerr
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			if aerr := c.authorize(req); aerr != nil {
				return nil, aerr
			}
			return req, nil
		}
		return c.roundTrip(ctx, op, build, out)
	})
}

// roundTrip runs one retried request and decodes a 2xx JSON body.
func (c *Client) roundTrip(ctx context.Context, op string, build func() (*http.Request, error), out any) error {
	resp, err := doWithRetry(ctx, c.http, build, c.logger)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(b), 200)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Health checks the first endpoint that answers. Single attempt per
// endpoint: a health probe that retries for minutes is not a probe.
func (c *Client) Health(ctx context.Context) (*domain.HealthStatus, error) {
	var status domain.HealthStatus
	err := c.tryBases(ctx, "health", func(base string) error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
		if rerr != nil {
			return rerr
		}
		req.Header.Set("Accept", "application/json")
		if aerr := c.authorize(req); aerr != nil {
			return aerr
		}
		resp, rerr := c.http.Do(req)
		if rerr != nil {
			return &domain.TransportError{Op: "health", Err: rerr}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &domain.TransportError{Op: "health", StatusCode: resp.StatusCode, Body: truncate(string(b), 200)}
		}
		return json.NewDecoder(resp.Body).Decode(&status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Query asks the backend without streaming. Used by one-shot commands
// where token-by-token delivery buys nothing.
func (c *Client) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	var out domain.QueryResponse
	if err := c.postJSON(ctx, "chat", "/chat", queryPayload(req), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// sessionEnvelope is the backend's transcript shape.
type sessionEnvelope struct {
	SessionID string        `json:"session_id"`
	Messages  []historyItem `json:"messages"`
}

type historyItem struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// History loads the persisted transcript of a conversation. Unknown
// ids come back as a 404 transport error; new conversations hit this
// on first load and treat it as an empty history.
func (c *Client) History(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var envelope sessionEnvelope
	path := "/sessions/" + url.PathEscape(conversationID)
	if err := c.getJSON(ctx, "history", path, &envelope); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(envelope.Messages))
	for _, item := range envelope.Messages {
		role := domain.Role(item.Role)
		if role != domain.RoleUser && role != domain.RoleAssistant {
			continue
		}
		msgs = append(msgs, domain.Message{
			ID:        item.ID,
			Role:      role,
			Content:   item.Content,
			CreatedAt: item.CreatedAt,
			Final:     true,
		})
	}
	return msgs, nil
}

// Search runs one retrieval query against the chosen strategy.
func (c *Client) Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResults, error) {
	kind := req.Kind
	if kind == "" {
		kind = domain.SearchHybrid
	}
	body := map[string]any{"query": req.Query}
	if req.Limit > 0 {
		body["limit"] = req.Limit
	}
	var out domain.SearchResults
	if err := c.postJSON(ctx, "search", "/search/"+string(kind), body, &out); err != nil {
		return nil, err
	}
	if out.Kind == "" {
		out.Kind = kind
	}
	return &out, nil
}

// Documents pages through the backend's ingested corpus.
func (c *Client) Documents(ctx context.Context, limit, offset int) (*domain.DocumentPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out domain.DocumentPage
	if err := c.getJSON(ctx, "documents", path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ingest uploads one document for indexing. The content is buffered so
// the request can be rebuilt on retry; callers bound the size before
// handing the reader over.
func (c *Client) Ingest(ctx context.Context, filename string, r io.Reader) (*domain.IngestResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("ingest: build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ingest: finish upload: %w", err)
	}
	contentType := w.FormDataContentType()
	payload := buf.Bytes()

	var out domain.IngestResult
	err = c.tryBases(ctx, "ingest", func(base string) error {
		build := func() (*http.Request, error) {
			req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/ingest", bytes.NewReader(payload))
			if rerr != nil {
				return nil, rerr
			}
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Accept", "application/json")
			if aerr := c.authorize(req); aerr != nil {
				return nil, aerr
			}
			return req, nil
		}
		return c.roundTrip(ctx, "ingest", build, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
