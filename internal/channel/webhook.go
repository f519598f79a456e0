package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ragline/internal/domain"
)

// WebhookCfg configures the webhook channel.
type WebhookCfg struct {
	Port     int
	Path     string   // inbound endpoint path (default: /hooks/query)
	Secret   string   // HMAC secret, verifies inbound and signs outbound
	SinkURLs []string // settled answers are POSTed to each sink
	Logger   *slog.Logger
}

// Webhook accepts programmatic queries over signed HTTP POSTs and
// delivers settled answers to configured sink URLs, signed with the
// same shared secret. Stream deltas are not forwarded; sinks get one
// event per exchange.
type Webhook struct {
	port   int
	path   string
	secret string
	sinks  []string
	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server
	httpc  *http.Client
}

// WebhookPayload is the expected JSON body for inbound queries.
type WebhookPayload struct {
	ChatID  string `json:"chat_id"` // target conversation key
	UserID  string `json:"user_id"` // sender identifier
	Content string `json:"content"` // query text
	Preset  string `json:"preset,omitempty"`
}

// WebhookEvent is the JSON body POSTed to sinks when an exchange
// settles.
type WebhookEvent struct {
	ChatID  string    `json:"chat_id"`
	Content string    `json:"content"`
	State   string    `json:"state"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// NewWebhook creates a new webhook channel handler.
func NewWebhook(cfg WebhookCfg) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/hooks/query"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	return &Webhook{
		port:   cfg.Port,
		path:   cfg.Path,
		secret: cfg.Secret,
		sinks:  cfg.SinkURLs,
		logger: cfg.Logger,
		httpc:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Start begins the webhook HTTP server.
func (w *Webhook) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus

	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleWebhook)

	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", w.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	bus.OnOutbound("webhook", w.routeOutbound)

	w.logger.Info("webhook server starting", "port", w.port, "path", w.path, "sinks", len(w.sinks))

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (w *Webhook) Stop() error {
	if w.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(shutdownCtx)
}

// Send delivers a server-initiated notice (scheduled query results) to
// the sinks.
func (w *Webhook) Send(ctx context.Context, chatID string, content string) error {
	w.deliver(WebhookEvent{
		ChatID:  chatID,
		Content: content,
		State:   string(domain.StateCompleted),
		Time:    time.Now(),
	})
	return nil
}

// routeOutbound forwards settled answers and command replies to the
// sinks. Token deltas stay on the bus; webhook consumers poll or react,
// they do not stream.
func (w *Webhook) routeOutbound(msg domain.OutboundMessage) {
	if msg.Delta != nil {
		return
	}
	if !msg.State.Terminal() && !(msg.State == domain.StateIdle && msg.Content != "") {
		return
	}
	event := WebhookEvent{
		ChatID:  msg.ChatID,
		Content: msg.Content,
		State:   string(msg.State),
		Error:   msg.Err,
		Time:    time.Now(),
	}
	go w.deliver(event)
}

// deliver POSTs one event to every sink, best effort.
func (w *Webhook) deliver(event WebhookEvent) {
	if len(w.sinks) == 0 {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	sig := signHMAC(body, w.secret)

	for _, sink := range w.sinks {
		req, err := http.NewRequest(http.MethodPost, sink, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("webhook sink request invalid", "sink", sink, "err", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		if w.secret != "" {
			req.Header.Set("X-Signature-256", sig)
		}
		resp, err := w.httpc.Do(req)
		if err != nil {
			w.logger.Warn("webhook sink delivery failed", "sink", sink, "err", err)
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			w.logger.Warn("webhook sink rejected event", "sink", sink, "status", resp.StatusCode)
		}
	}
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Verify HMAC signature if secret is configured.
	if w.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if payload.Content == "" {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}

	if payload.ChatID == "" {
		payload.ChatID = "webhook-default"
	}
	if payload.UserID == "" {
		payload.UserID = "webhook"
	}

	w.logger.Info("webhook query received",
		"chat_id", payload.ChatID,
		"user_id", payload.UserID,
		"content_len", len(payload.Content),
	)

	w.bus.Publish(domain.InboundMessage{
		Channel:   "webhook",
		ChatID:    payload.ChatID,
		SenderID:  payload.UserID,
		Content:   payload.Content,
		Preset:    payload.Preset,
		Timestamp: time.Now(),
	})

	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{
		"status":  "accepted",
		"chat_id": payload.ChatID,
	})
}

// signHMAC computes the sha256= signature header value for a body.
func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, secret)), []byte(signature))
}
