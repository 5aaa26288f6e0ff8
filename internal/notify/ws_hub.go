package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridtrade/escrow-engine/internal/auth"
	"github.com/gridtrade/escrow-engine/internal/metrics"
)

type wsClient struct {
	conn   *websocket.Conn
	userID string
}

// Hub pushes notifications to the WebSocket connections of their recipient.
// A user may hold several connections; each receives every notification
// addressed to that user.
type Hub struct {
	clients    map[*websocket.Conn]string
	send       chan Notification
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		send:       make(chan Notification, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns, closing every connection, when
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.userID
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "user_id", c.userID, "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case n := <-h.send:
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			for _, conn := range h.connsFor(n.RecipientID) {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					h.drop(conn)
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

func (h *Hub) connsFor(userID string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var conns []*websocket.Conn
	for conn, id := range h.clients {
		if id == userID {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Connected reports how many connections a user currently holds.
func (h *Hub) Connected(userID string) int {
	return len(h.connsFor(userID))
}

func (*Hub) Name() string { return "websocket" }

// Deliver queues n for the recipient's connections. It drops the
// notification if the hub is backed up.
func (h *Hub) Deliver(_ context.Context, n Notification) error {
	select {
	case h.send <- n:
	default:
		metrics.NotificationsDropped.WithLabelValues("websocket").Inc()
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades an authenticated request at GET /api/v1/ws. The
// connection receives notifications addressed to the caller.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, userID: caller.ID}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-h.done:
				return
			}
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
