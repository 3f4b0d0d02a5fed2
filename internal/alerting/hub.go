package alerting

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/schema"
)

// Message types on the alert stream.
const (
	MessageTypeAlert = "new_alert"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

// ErrBroadcastFull is returned by Publish when the hub is not keeping up.
var ErrBroadcastFull = errors.New("alerting: broadcast queue full")

// Message is one frame on the alert stream.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// HubConfig configures the websocket hub.
type HubConfig struct {
	BroadcastBuffer int
	ClientBuffer    int
	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string
}

// DefaultHubConfig returns hub defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{BroadcastBuffer: 256, ClientBuffer: 64}
}

// Hub keeps the connected alert stream clients and broadcasts alerts to
// them. It runs as a supervised service.
type Hub struct {
	config    HubConfig
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	broadcast chan []byte

	mu      sync.RWMutex
	clients map[*Client]struct{}
	nextID  atomic.Uint64
}

// NewHub creates a hub.
func NewHub(config HubConfig, logger *slog.Logger) *Hub {
	if config.BroadcastBuffer <= 0 {
		config.BroadcastBuffer = DefaultHubConfig().BroadcastBuffer
	}
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = DefaultHubConfig().ClientBuffer
	}
	h := &Hub{
		config:    config,
		logger:    logger.With("component", "websocket-hub"),
		broadcast: make(chan []byte, config.BroadcastBuffer),
		clients:   make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.config.AllowedOrigins, r.Header.Get("Origin"))
}

// Name identifies the hub as a publisher.
func (h *Hub) Name() string {
	return "websocket"
}

// Publish queues alert for broadcast. It never blocks.
func (h *Hub) Publish(_ context.Context, alert *schema.Alert) error {
	data, err := json.Marshal(Message{Type: MessageTypeAlert, Data: alert})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		id:   h.nextID.Add(1),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.config.ClientBuffer),
	}
	h.register(c)
	c.start()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(n))
	h.logger.Info("websocket client connected", "total_clients", n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		metrics.WebSocketClients.Set(float64(n))
		h.logger.Info("websocket client disconnected", "total_clients", n)
	}
}

// Serve broadcasts queued alerts until ctx is done, then closes every
// client.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n := h.closeAll()
			h.logger.Info("websocket hub stopped", "clients_closed", n)
			return ctx.Err()
		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

func (h *Hub) String() string {
	return "websocket-hub"
}

// fanOut sends data to every client in connection order. Clients whose
// buffer is full are dropped.
func (h *Hub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(h.clients, c)
			h.logger.Warn("dropping slow websocket client", "client_id", c.id)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) closeAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.clients)
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	metrics.WebSocketClients.Set(0)
	return n
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
