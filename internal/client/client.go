// Package client talks to the RAG backend: one streaming chat call and
// a handful of JSON endpoints for health, history, search, documents
// and ingestion. Several base URLs may be configured; reads and
// stream opens fail over to the next one on transport errors and 5xx.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ragline/internal/domain"
)

// StaticToken is a TokenSource returning a fixed credential, the
// common case when the token comes from the config file.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

type Config struct {
	BaseURLs []string // tried in order until one answers
	Token    domain.TokenSource
	UserID   string
	Timeout  time.Duration
	Logger   *slog.Logger

	// HTTPClient overrides the pooled default, used by tests.
	HTTPClient *http.Client
}

// Client is safe for concurrent use by every channel of the process.
type Client struct {
	bases  []string
	token  domain.TokenSource
	userID string
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if len(cfg.BaseURLs) == 0 {
		return nil, fmt.Errorf("client: at least one backend URL required")
	}
	bases := make([]string, 0, len(cfg.BaseURLs))
	for _, u := range cfg.BaseURLs {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return nil, fmt.Errorf("client: backend URL %q must be http or https", u)
		}
		bases = append(bases, u)
	}
	if len(bases) == 0 {
		return nil, fmt.Errorf("client: no usable backend URL")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = sharedHTTPClient(cfg.Timeout)
	}
	token := cfg.Token
	if token == nil {
		token = StaticToken("")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		bases:  bases,
		token:  token,
		userID: cfg.UserID,
		http:   httpClient,
		logger: logger,
	}, nil
}

// BaseURL returns the primary backend endpoint.
func (c *Client) BaseURL() string { return c.bases[0] }

// authorize attaches the bearer credential, if one is configured.
func (c *Client) authorize(req *http.Request) error {
	tok, err := c.token.Token(req.Context())
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// tryBases runs fn against each configured endpoint until one
// succeeds. Only transient failures advance to the next endpoint; a
// 4xx means the request itself is wrong and will be wrong everywhere.
func (c *Client) tryBases(ctx context.Context, op string, fn func(base string) error) error {
	var lastErr error
	for i, base := range c.bases {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}
		err := fn(base)
		if err == nil {
			return nil
		}
		lastErr = err
		if !transient(err) {
			return err
		}
		if i < len(c.bases)-1 {
			c.logger.Warn("backend endpoint failed, trying next",
				"op", op, "base", base, "error", err)
		}
	}
	return lastErr
}

// transient reports whether the failure is worth trying on another
// endpoint: connection-level errors, 5xx, and rate limiting.
func transient(err error) bool {
	var te *domain.TransportError
	if errors.As(err, &te) {
		return te.StatusCode == 0 || te.StatusCode >= 500 || te.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// truncate keeps error bodies readable in logs and error chains.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
