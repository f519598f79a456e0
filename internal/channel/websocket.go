package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ragline/internal/domain"

	"github.com/gorilla/websocket"
)

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Port   int
	Path   string // WebSocket endpoint path (default: /ws)
	Logger *slog.Logger
}

// WebSocket serves programmatic clients over a bidirectional JSON
// protocol. Unlike the web dashboard it has no session cookies: a
// client names its chat id in the connect URL and receives every
// stream delta for that chat as it arrives.
type WebSocket struct {
	port   int
	path   string
	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the wire protocol. Clients send "message" frames; the
// server answers with "stream" frames while tokens arrive, a settled
// "message" frame when the exchange finishes, and "status" frames for
// connection and session state.
type WSMessage struct {
	Type    string   `json:"type"` // "message" | "stream" | "status"
	Content string   `json:"content,omitempty"`
	ChatID  string   `json:"chat_id,omitempty"`
	UserID  string   `json:"user_id,omitempty"`
	Preset  string   `json:"preset,omitempty"`
	State   string   `json:"state,omitempty"`
	Tools   []string `json:"tools,omitempty"`
	Error   string   `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local-first tool; front with a proxy to restrict origins
	},
}

// NewWebSocket creates a WebSocket channel.
func NewWebSocket(cfg WSConfig) *WebSocket {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	return &WebSocket{
		port:    cfg.Port,
		path:    cfg.Path,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (ws *WebSocket) Name() string { return "websocket" }

// Start begins the WebSocket server and blocks until ctx is cancelled.
func (ws *WebSocket) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.bus = bus

	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)

	ws.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", ws.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bus.OnOutbound("websocket", ws.routeOutbound)

	ws.logger.Info("websocket server starting", "port", ws.port, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// routeOutbound maps relay updates onto wire frames for the owning
// chat. Deltas become "stream" frames; the settled answer and command
// replies become "message" frames carrying the terminal state.
func (ws *WebSocket) routeOutbound(msg domain.OutboundMessage) {
	if msg.Delta != nil {
		switch msg.Delta.Kind {
		case domain.DeltaText:
			if msg.Delta.Text != "" {
				ws.broadcastToChat(msg.ChatID, WSMessage{
					Type:    "stream",
					Content: msg.Delta.Text,
					ChatID:  msg.ChatID,
				})
			}
		case domain.DeltaTools:
			names := make([]string, 0, len(msg.Delta.ToolCalls))
			for _, tc := range msg.Delta.ToolCalls {
				names = append(names, tc.Name)
			}
			ws.broadcastToChat(msg.ChatID, WSMessage{
				Type:   "stream",
				ChatID: msg.ChatID,
				Tools:  names,
			})
		}
		return
	}

	switch {
	case msg.State.Terminal():
		ws.broadcastToChat(msg.ChatID, WSMessage{
			Type:    "message",
			Content: msg.Content,
			ChatID:  msg.ChatID,
			State:   string(msg.State),
			Error:   msg.Err,
		})
	case msg.State == domain.StateIdle && msg.Content != "":
		ws.broadcastToChat(msg.ChatID, WSMessage{
			Type:    "message",
			Content: msg.Content,
			ChatID:  msg.ChatID,
			State:   string(msg.State),
		})
	case msg.State == domain.StateSending:
		ws.broadcastToChat(msg.ChatID, WSMessage{
			Type:   "status",
			ChatID: msg.ChatID,
			State:  string(msg.State),
		})
	}
}

func (ws *WebSocket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	client := &wsClient{
		conn:   conn,
		chatID: chatID,
	}

	clientID := fmt.Sprintf("%s-%p", chatID, conn)
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)

	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			continue
		}

		switch wsMsg.Type {
		case "message":
			if wsMsg.Content == "" {
				continue
			}
			ws.bus.Publish(domain.InboundMessage{
				Channel:   "websocket",
				ChatID:    chatID,
				SenderID:  wsMsg.UserID,
				Content:   wsMsg.Content,
				Preset:    wsMsg.Preset,
				Timestamp: time.Now(),
			})
		default:
			ws.logger.Debug("ignoring websocket frame", "type", wsMsg.Type, "chat_id", chatID)
		}
	}
}

func (ws *WebSocket) broadcastToChat(chatID string, msg WSMessage) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	for _, client := range ws.clients {
		if client.chatID == chatID || chatID == "" {
			client.mu.Lock()
			err := client.conn.WriteMessage(websocket.TextMessage, data)
			client.mu.Unlock()
			if err != nil {
				ws.logger.Debug("websocket write failed", "err", err)
			}
		}
	}
}

func (c *wsClient) send(msg WSMessage) {
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocket) Stop() error {
	if ws.server == nil {
		return nil
	}
	ws.closeAllClients()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ws.server.Shutdown(shutdownCtx)
}

// Send pushes a server-initiated notice (scheduled query results) to
// every client following the chat.
func (ws *WebSocket) Send(ctx context.Context, chatID string, content string) error {
	ws.broadcastToChat(chatID, WSMessage{Type: "message", Content: content, ChatID: chatID})
	return nil
}

func (ws *WebSocket) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
