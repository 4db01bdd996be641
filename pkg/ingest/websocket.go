package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// LatestUpdate is the message pushed to dashboard clients
type LatestUpdate struct {
	Type   string              `json:"type"`
	Sensor storage.LatestValue `json:"sensor"`
}

// LatestHub fans latest-value changes out to websocket clients
type LatestHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	log        *slog.Logger

	mu sync.RWMutex
}

// NewLatestHub creates a new websocket hub
func NewLatestHub(log *slog.Logger) *LatestHub {
	if log == nil {
		log = slog.Default()
	}
	return &LatestHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		log:        log.With("component", "ws"),
	}
}

// Run starts the hub's main loop
func (h *LatestHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client connected", "clients", count)
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client disconnected", "clients", count)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.Debug("Write failed", "error", err)
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			// Unregister without holding the lock
			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// Publish queues a latest value for every connected client. Updates are
// dropped while nobody listens or the queue is full.
func (h *LatestHub) Publish(v storage.LatestValue) {
	if !h.HasClients() {
		return
	}

	message, err := json.Marshal(LatestUpdate{Type: "latest", Sensor: v})
	if err != nil {
		h.log.Warn("Failed to encode latest update", "sensor_id", v.SensorID, "error", err)
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("Broadcast channel full, dropping update", "sensor_id", v.SensorID)
	}
}

// HasClients returns true if there are any connected websocket clients
func (h *LatestHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket handles GET /v1/ws
func (h *LatestHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	h.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Keep the connection alive through proxies
	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// WriteControl is safe alongside the hub's writes
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("WebSocket closed", "error", err)
			}
			break
		}
	}
}
