package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexcodex/stdiohub/supervisor"
)

const (
	eventClientBuffer = 64
	eventWriteWait    = 10 * time.Second
	eventPingPeriod   = 30 * time.Second
)

// EventHub streams supervisor events to websocket clients. It implements
// supervisor.Telemetry; slow clients lose events rather than stall workers.
// Clients may pass ?server=name to receive a single worker's events.
type EventHub struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.RWMutex
	clients map[*eventClient]struct{}
	dropped atomic.Int64
}

type eventClient struct {
	conn   *websocket.Conn
	server string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *log.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*eventClient]struct{}),
	}
}

// Emit broadcasts the event to every interested client.
func (h *EventHub) Emit(evt supervisor.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logf("encode event: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.server != "" && c.server != evt.Server {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// ServeHTTP upgrades the connection and blocks until the client goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("websocket upgrade: %v", err)
		return
	}
	c := &eventClient{
		conn:   conn,
		server: r.URL.Query().Get("server"),
		send:   make(chan []byte, eventClientBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client input; it exists to notice disconnects.
func (h *EventHub) readLoop(c *eventClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * eventPingPeriod))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * eventPingPeriod))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writeLoop(c *eventClient) {
	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *EventHub) remove(c *eventClient) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

// Clients reports the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped reports events discarded for slow clients.
func (h *EventHub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.RLock()
	clients := make([]*eventClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		h.remove(c)
	}
}

func (h *EventHub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
