// Package ws broadcasts ledger events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/optarena/trading-engine/internal/metrics"
)

// Event types.
const (
	TradeExecuted    = "trade_executed"
	SpreadOpened     = "spread_opened"
	SpreadClosed     = "spread_closed"
	SnapshotTaken    = "snapshot_taken"
	ExpirySweepDone  = "expiry_sweep_done"
	LeaderboardReady = "leaderboard_refreshed"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	Type             string    `json:"type"`
	CompetitionID    string    `json:"competition_id,omitempty"`
	PortfolioID      string    `json:"portfolio_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	InstrumentSymbol string    `json:"instrument_symbol,omitempty"`
	SpreadID         string    `json:"spread_id,omitempty"`
	Direction        string    `json:"direction,omitempty"`
	Quantity         int64     `json:"quantity,omitempty"`
	Price            string    `json:"price,omitempty"`
	Amount           string    `json:"amount,omitempty"`
	Count            int       `json:"count,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Hub manages WebSocket connections and fans events out to every client.
// All socket writes happen on the Run goroutine, so a connection never sees
// concurrent writers.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() {
		close(h.done)
		for conn := range h.clients {
			conn.Close()
		}
		metrics.WebSocketClients.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.clients[conn] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "total", len(h.clients))

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.drop(conn)
				}
			}

		case <-ticker.C:
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					h.drop(conn)
				}
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; !ok {
		return
	}
	delete(h.clients, conn)
	conn.Close()
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Broadcast queues an event for all connected clients. It never blocks and
// is a no-op on a nil hub.
func (h *Hub) Broadcast(ev Event) {
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
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
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
