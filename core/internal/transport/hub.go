package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"train-tracking-sim/core/internal/engine"
	"train-tracking-sim/shared/logx"
	"train-tracking-sim/shared/metricsx"
)

const (
	EventUpdate = "update"
	EventKick   = "kick"

	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxInboundSize = 4096
	clientBuffer   = 8
)

// Message is the envelope of every frame on the push channel.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type KickNotice struct {
	Username string `json:"username"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans snapshots and kick notices out to websocket subscribers. It
// implements engine.Observer and never blocks the caller: when its queue is
// full the frame is dropped, the next tick carries full state anyway.
type Hub struct {
	upgrader  websocket.Upgrader
	logger    logx.Logger
	clients   map[*wsClient]bool
	register  chan *wsClient
	remove    chan *wsClient
	broadcast chan []byte
	done      chan struct{}

	latest      atomic.Pointer[[]byte]
	subscribers atomic.Int64
}

func NewHub(logger logx.Logger, buffer int, checkOrigin func(*http.Request) bool) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:    logger.With(slog.String("component", "hub")),
		clients:   make(map[*wsClient]bool),
		register:  make(chan *wsClient),
		remove:    make(chan *wsClient),
		broadcast: make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.setCount()
		case c := <-h.remove:
			if h.clients[c] {
				h.drop(c)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					metricsx.IncBroadcastDrop("ws_client")
				}
			}
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.subscribers.Store(int64(len(h.clients)))
	metricsx.SetSubscribers(len(h.clients))
}

func (h *Hub) Subscribers() int { return int(h.subscribers.Load()) }

func (h *Hub) Observe(s engine.Snapshot) {
	data, err := json.Marshal(Message{Event: EventUpdate, Data: s})
	if err != nil {
		h.logger.Error(context.Background(), "snapshot_encode_failed", "failed to encode snapshot",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return
	}
	h.latest.Store(&data)
	h.enqueue(data)
}

// NotifyKick tells every subscriber that username was logged out; clients
// decide whether the notice concerns them.
func (h *Hub) NotifyKick(username string) {
	data, err := json.Marshal(Message{Event: EventKick, Data: KickNotice{Username: username}})
	if err != nil {
		return
	}
	h.enqueue(data)
}

func (h *Hub) enqueue(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		metricsx.IncBroadcastDrop("hub")
	}
}

// ServeHTTP upgrades the request and sends the latest snapshot right away
// so a new subscriber does not wait for the next tick.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "ws_upgrade_failed", "websocket upgrade failed",
			slog.String("error", err.Error()),
		)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if latest := h.latest.Load(); latest != nil {
		c.send <- *latest
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.remove <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn(context.Background(), "ws_read_failed", "websocket read failed",
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
