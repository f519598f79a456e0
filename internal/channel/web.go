package channel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ragline/internal/config"
	"ragline/internal/domain"
	"ragline/internal/metrics"
)

const (
	maxFormSize       = 1 << 20 // 1MB
	maxBodySize       = 1 << 20
	requestTimeout    = 120 * time.Second
	sessionCookieName = "ragline_session"
	sessionMaxAge     = 86400 * 30 // 30 days
)

//go:embed web_templates/*.html
var templateFS embed.FS

// webResult is what a waiting POST /api/chat receives once its
// exchange settles.
type webResult struct {
	Content string
	State   domain.SessionState
	Err     string
}

// Web implements domain.Channel as an embedded web UI plus a small
// JSON API. Streamed answers are re-emitted to the browser over SSE,
// one event per delta, so the page renders tokens as the backend
// produces them.
type Web struct {
	host    string
	port    int
	bus     domain.MessageBus
	logger  *slog.Logger
	server  *http.Server
	tmpl    *htmltemplate.Template
	version string

	// Config reference for the settings API (protected by cfgMu).
	cfg     *config.Config
	cfgPath string
	cfgMu   sync.RWMutex

	// Conversation listing for the dashboard; nil when the cache is
	// disabled.
	store domain.ConversationStore

	authEnabled  bool
	authUser     string
	authPassHash string

	metricsEnabled  bool
	metricsEndpoint string

	// SSE clients keyed by session ID for targeted delivery.
	sseClients   map[string]chan string
	sseClientsMu sync.RWMutex

	// Pending /api/chat requests keyed by session ID.
	pending   map[string]chan webResult
	pendingMu sync.Mutex
}

type WebConfig struct {
	Host       string
	Port       int
	Logger     *slog.Logger
	Config     *config.Config
	ConfigPath string
	Version    string
	Store      domain.ConversationStore
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tmpl := htmltemplate.Must(htmltemplate.ParseFS(templateFS, "web_templates/*.html"))

	w := &Web{
		host:       cfg.Host,
		port:       cfg.Port,
		logger:     cfg.Logger,
		tmpl:       tmpl,
		version:    cfg.Version,
		cfg:        cfg.Config,
		cfgPath:    cfg.ConfigPath,
		store:      cfg.Store,
		sseClients: make(map[string]chan string),
		pending:    make(map[string]chan webResult),
	}

	if cfg.Config != nil {
		if auth := cfg.Config.Channels.Web.Auth; auth.Enabled {
			w.authEnabled = true
			w.authUser = auth.Username
			w.authPassHash = auth.PasswordHash
		}
		if m := cfg.Config.Metrics; m.Enabled {
			w.metricsEnabled = true
			w.metricsEndpoint = m.Endpoint
			if w.metricsEndpoint == "" {
				w.metricsEndpoint = "/metrics"
			}
		}
	}

	return w
}

func (w *Web) Name() string { return "web" }

// SetBus wires the message bus without starting the server. Start
// calls it; tests use it together with Handler.
func (w *Web) SetBus(bus domain.MessageBus) {
	w.bus = bus
	bus.OnOutbound("web", w.routeOutbound)
}

// Handler builds the route table.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", w.requireAuth(w.handleIndex))
	mux.HandleFunc("POST /api/chat", w.requireAuth(w.handleChat))
	mux.HandleFunc("GET /events", w.requireAuth(w.handleEvents))
	mux.HandleFunc("POST /api/cancel", w.requireAuth(w.handleCancel))
	mux.HandleFunc("POST /api/reset", w.requireAuth(w.handleReset))
	mux.HandleFunc("GET /api/conversations", w.requireAuth(w.handleConversations))
	mux.HandleFunc("GET /api/status", w.handleStatus) // public endpoint

	// Settings API (web_config.go); always requires auth.
	mux.HandleFunc("GET /api/config", w.requireAuth(w.handleGetConfig))
	mux.HandleFunc("PUT /api/config", w.requireAuth(w.handleUpdateConfig))
	mux.HandleFunc("POST /api/config/save", w.requireAuth(w.handleSaveConfig))

	if w.metricsEnabled {
		mux.HandleFunc("GET "+w.metricsEndpoint, w.requireAuth(metrics.Collector.Handler()))
	}
	return mux
}

// Start runs the web server until the context is cancelled.
func (w *Web) Start(ctx context.Context, bus domain.MessageBus) error {
	w.SetBus(bus)

	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: /events connections stay open for hours.
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	w.logger.Info("web UI started", "addr", "http://"+addr, "auth", w.authEnabled, "metrics", w.metricsEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// routeOutbound turns one relay update into SSE events for the owning
// session and resolves the waiting /api/chat request once the exchange
// settles.
func (w *Web) routeOutbound(msg domain.OutboundMessage) {
	if msg.Delta != nil {
		switch msg.Delta.Kind {
		case domain.DeltaText:
			if msg.Delta.Text != "" {
				w.sendSSE(msg.ChatID, sseEvent("text", map[string]any{"content": msg.Delta.Text}))
			}
		case domain.DeltaTools:
			names := make([]string, 0, len(msg.Delta.ToolCalls))
			for _, tc := range msg.Delta.ToolCalls {
				names = append(names, tc.Name)
			}
			w.sendSSE(msg.ChatID, sseEvent("tools", map[string]any{"tools": names}))
		}
		return
	}

	switch {
	case msg.State.Terminal():
		w.sendSSE(msg.ChatID, sseEvent("end", map[string]any{
			"state":   string(msg.State),
			"content": msg.Content,
			"error":   msg.Err,
		}))
		w.resolve(msg.ChatID, webResult{Content: msg.Content, State: msg.State, Err: msg.Err})
	case msg.State == domain.StateIdle && msg.Content != "":
		w.sendSSE(msg.ChatID, sseEvent("reply", map[string]any{"content": msg.Content}))
		w.resolve(msg.ChatID, webResult{Content: msg.Content, State: domain.StateIdle})
	case msg.State == domain.StateSending:
		w.sendSSE(msg.ChatID, sseEvent("state", map[string]any{"state": string(msg.State)}))
	}
}

func (w *Web) resolve(sessionID string, res webResult) {
	w.pendingMu.Lock()
	ch, ok := w.pending[sessionID]
	w.pendingMu.Unlock()
	if ok {
		select {
		case ch <- res:
		default:
		}
	}
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !w.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="ragline"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

// checkCredentials verifies username and password against the stored
// SHA-256 hex digest.
func (w *Web) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(w.authUser)) != 1 {
		return false
	}
	hash := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.authPassHash)) == 1
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// Send delivers out-of-band content (scheduled digests) to the session
// as a notify event.
func (w *Web) Send(ctx context.Context, chatID string, content string) error {
	w.sendSSE(chatID, sseEvent("notify", map[string]any{"content": content}))
	return nil
}

// getOrCreateSession returns a persistent session ID from cookies.
// Each session maps to one relay chat, and through it one backend
// conversation.
func (w *Web) getOrCreateSession(r *http.Request, rw http.ResponseWriter) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		sessionID := fmt.Sprintf("web_%d", time.Now().UnixNano())
		w.logger.Warn("rand.Read failed, using fallback session ID", "err", err)
		w.setSessionCookie(rw, sessionID)
		return sessionID
	}
	sessionID := "web_" + hex.EncodeToString(b)
	w.setSessionCookie(rw, sessionID)
	w.logger.Info("new web session created", "session", sessionID)
	return sessionID
}

func (w *Web) setSessionCookie(rw http.ResponseWriter, sessionID string) {
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (w *Web) handleIndex(rw http.ResponseWriter, r *http.Request) {
	w.getOrCreateSession(r, rw)
	if err := w.tmpl.ExecuteTemplate(rw, "index.html", map[string]any{
		"Title":   "ragline",
		"Version": w.version,
	}); err != nil {
		w.logger.Error("template error", "template", "index", "err", err)
	}
}

// handleChat accepts one query, publishes it, and blocks until the
// exchange settles. Browsers render tokens from /events meanwhile; the
// JSON response is the settled fallback for clients without SSE.
func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	_ = r.ParseMultipartForm(maxFormSize)
	message := r.FormValue("message")
	if message == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "empty message"})
		return
	}

	sessionID := w.getOrCreateSession(r, rw)

	responseCh := make(chan webResult, 1)
	w.pendingMu.Lock()
	// A newer request supersedes a still-pending one.
	if oldCh, exists := w.pending[sessionID]; exists {
		close(oldCh)
	}
	w.pending[sessionID] = responseCh
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		if ch, ok := w.pending[sessionID]; ok && ch == responseCh {
			delete(w.pending, sessionID)
		}
		w.pendingMu.Unlock()
	}()

	w.bus.Publish(domain.InboundMessage{
		Channel:   "web",
		ChatID:    sessionID,
		SenderID:  sessionID,
		Content:   message,
		Preset:    r.FormValue("preset"),
		Timestamp: time.Now(),
	})

	timeout := time.NewTimer(requestTimeout)
	defer timeout.Stop()
	select {
	case res, ok := <-responseCh:
		if !ok {
			writeJSON(rw, http.StatusConflict, map[string]string{"error": "superseded by a newer request"})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]string{
			"content": res.Content,
			"state":   string(res.State),
			"error":   res.Err,
		})
	case <-timeout.C:
		writeJSON(rw, http.StatusGatewayTimeout, map[string]string{"error": "request timed out"})
	case <-r.Context().Done():
		w.logger.Info("web client disconnected", "session", sessionID)
	}
}

// handleCancel stops the streaming answer of this session, if any.
func (w *Web) handleCancel(rw http.ResponseWriter, r *http.Request) {
	sessionID := w.getOrCreateSession(r, rw)
	w.bus.Publish(domain.InboundMessage{
		Channel:   "web",
		ChatID:    sessionID,
		SenderID:  sessionID,
		Content:   "/cancel",
		Timestamp: time.Now(),
	})
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleReset expires the session cookie; the next request gets a
// fresh session and with it a fresh conversation.
func (w *Web) handleReset(rw http.ResponseWriter, r *http.Request) {
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(rw, http.StatusOK, map[string]string{"status": "session cleared"})
}

// handleConversations lists recent cached conversations for the
// dashboard sidebar.
func (w *Web) handleConversations(rw http.ResponseWriter, r *http.Request) {
	if w.store == nil {
		writeJSON(rw, http.StatusOK, []any{})
		return
	}
	convs, err := w.store.Conversations(r.Context(), 20)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "listing conversations failed"})
		return
	}
	type convView struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Preset    string    `json:"preset,omitempty"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	out := make([]convView, 0, len(convs))
	for _, c := range convs {
		out = append(out, convView{ID: c.ID, Title: c.Title, Preset: c.Preset, UpdatedAt: c.UpdatedAt})
	}
	writeJSON(rw, http.StatusOK, out)
}

// handleEvents is the SSE endpoint: every stream update for this
// session is re-emitted as one data: line, mirroring the backend's own
// frame vocabulary.
func (w *Web) handleEvents(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := w.getOrCreateSession(r, rw)

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	// Token deltas arrive in bursts; the buffer absorbs them and the
	// end event carries the full answer, so a dropped delta self-heals.
	ch := make(chan string, 256)

	w.sseClientsMu.Lock()
	w.sseClients[sessionID] = ch
	w.sseClientsMu.Unlock()
	metrics.WebClients.Inc()

	defer func() {
		w.sseClientsMu.Lock()
		if existing, ok := w.sseClients[sessionID]; ok && existing == ch {
			delete(w.sseClients, sessionID)
		}
		w.sseClientsMu.Unlock()
		metrics.WebClients.Dec()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-ch:
			fmt.Fprintf(rw, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": w.version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

// sendSSE delivers an encoded event to the SSE client that owns the
// given session ID.
func (w *Web) sendSSE(sessionID string, payload string) {
	w.sseClientsMu.RLock()
	ch, ok := w.sseClients[sessionID]
	w.sseClientsMu.RUnlock()
	if ok {
		select {
		case ch <- payload:
		default:
		}
	}
}

func sseEvent(kind string, fields map[string]any) string {
	fields["type"] = kind
	data, _ := json.Marshal(fields)
	return string(data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
