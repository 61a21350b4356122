// Package peer is a development server speaking the voice protocol. It
// stands in for the real processing backend in integration tests and local
// runs of the client.
package peer

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/internal/auth"
	"github.com/satriahrh/arunika/client/internal/pubsub"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Maximum message size allowed from the client.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config tunes the canned behaviour of the peer
type Config struct {
	// Secret enables bearer token validation on /ws when non-empty
	Secret string

	Version         string
	Capabilities    []string
	SupportedModels []string

	// Transcript is returned for every transcription
	Transcript string
}

// DefaultConfig mirrors the production server's handshake advertisement
func DefaultConfig() Config {
	return Config{
		Version:         "1.0.0",
		Capabilities:    []string{"stt", "llm", "mcp"},
		SupportedModels: []string{"tiny", "base", "small", "medium", "llama2", "mistral", "codellama"},
		Transcript:      "turn on the lights",
	}
}

// Frame is one message the peer received from a client
type Frame struct {
	ClientID  string
	SessionID string
	Message   entities.Message
}

// Hub maintains the set of connected clients
type Hub struct {
	cfg    Config
	signer *auth.Signer

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	muteHeartbeats atomic.Bool
	frames         *pubsub.Topic[Frame]

	logger *zap.Logger
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = defaults.Capabilities
	}
	if cfg.SupportedModels == nil {
		cfg.SupportedModels = defaults.SupportedModels
	}
	if cfg.Transcript == "" {
		cfg.Transcript = defaults.Transcript
	}

	h := &Hub{
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		frames:     pubsub.NewTopic[Frame](),
		logger:     logger.Named("peer"),
	}
	if cfg.Secret != "" {
		h.signer = auth.NewSigner(cfg.Secret, 0)
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("clientID", client.clientID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered",
				zap.String("clientID", client.clientID),
				zap.String("sessionID", client.SessionID()))

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and closes every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DropAll closes every client connection without a close handshake, the way
// a network failure would
func (h *Hub) DropAll() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.conn.Close()
	}
	return len(h.clients)
}

// MuteHeartbeats stops the peer from answering heartbeats while muted is true
func (h *Hub) MuteHeartbeats(muted bool) {
	h.muteHeartbeats.Store(muted)
}

// OnFrame registers fn for every message received from any client
func (h *Hub) OnFrame(fn func(Frame)) (cancel func()) {
	return h.frames.Listen(fn)
}

// Frames subscribes to received messages
func (h *Hub) Frames(buffer int) (<-chan Frame, func()) {
	return h.frames.Subscribe(buffer)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	clientID    string
	connectedAt time.Time

	mu        sync.Mutex
	sessionID string
	recording *recording

	logger *zap.Logger
}

// SessionID is the id assigned at handshake, empty before it
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (h *Hub) serve(conn *websocket.Conn, clientID string) {
	client := &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		clientID:    clientID,
		connectedAt: time.Now(),
		logger:      h.logger.With(zap.String("clientID", clientID)),
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection to the handlers.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Received non-text frame", zap.Int("type", messageType))
			continue
		}
		c.processMessage(data)
	}
}

// writePump pumps frames from the send channel to the websocket connection.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.logger.Error("Failed to write message", zap.Error(err))
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// reply frames payload and queues it for the write pump
func (c *Client) reply(msgType entities.MessageType, payload interface{}) {
	msg, err := entities.NewMessage(msgType, payload)
	if err != nil {
		c.logger.Error("Failed to build reply", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	frame, err := msg.Encode()
	if err != nil {
		c.logger.Error("Failed to encode reply", zap.String("type", string(msgType)), zap.Error(err))
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("Send buffer full, dropping reply", zap.String("type", string(msgType)))
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}
