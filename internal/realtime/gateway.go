package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

const maxClientMessageBytes = 4096

// ClientMessage is what a client sends over the socket.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// controlFrame acknowledges client actions.
type controlFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// GatewayConfig tunes connections.
type GatewayConfig struct {
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SendBuffer     int
}

// Gateway upgrades HTTP requests to WebSocket connections and attaches them
// to the Hub.
type Gateway struct {
	hub      *Hub
	cfg      GatewayConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewGateway creates a Gateway. An empty AllowedOrigins accepts same-origin
// requests only; "*" accepts any origin.
func NewGateway(hub *Hub, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	g := &Gateway{hub: hub, cfg: cfg, logger: logger}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP handles the upgrade and blocks until the connection closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, g.cfg.SendBuffer),
		done:   make(chan struct{}),
		hub:    g.hub,
		cfg:    g.cfg,
		logger: g.logger,
	}
	c.logger.InfoContext(r.Context(), "realtime client connected", "client_id", c.id)

	go c.writeLoop()
	c.readLoop()
}

// conn is one WebSocket client. Only writeLoop writes to ws.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	hub    *Hub
	cfg    GatewayConfig
	logger *slog.Logger
}

func (c *conn) ID() string { return c.id }

// Send implements Subscriber.
func (c *conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.Remove(c)
		_ = c.ws.Close()
	})
}

func (c *conn) readLoop() {
	defer func() {
		c.close()
		c.logger.Info("realtime client disconnected", "client_id", c.id)
	}()

	c.ws.SetReadLimit(maxClientMessageBytes)
	pongWait := c.cfg.PingInterval * 2
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("realtime read failed", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(data)
	}
}

func (c *conn) handle(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(controlFrame{Type: "error", Error: "invalid message"})
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		if msg.Channel == "" {
			c.reply(controlFrame{Type: "error", Error: "channel is required"})
			return
		}
		c.hub.Join(msg.Channel, c)
		c.reply(controlFrame{Type: "subscribed", Channel: msg.Channel})
	case ActionUnsubscribe:
		c.hub.Leave(msg.Channel, c)
		c.reply(controlFrame{Type: "unsubscribed", Channel: msg.Channel})
	case ActionPing:
		c.reply(controlFrame{Type: "pong"})
	default:
		c.reply(controlFrame{Type: "error", Error: "unknown action"})
	}
}

func (c *conn) reply(f controlFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if !c.Send(data) {
		c.logger.Warn("realtime control frame dropped", "client_id", c.id, "type", f.Type)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("realtime write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
