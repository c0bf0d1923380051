// Package eventstream broadcasts lab engine events to WebSocket clients.
package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"chemlab/internal/core"
	"chemlab/pkg/domain"
)

type outbound struct {
	typ     domain.EventType
	payload []byte
}

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	mu         sync.Mutex
	connected  atomic.Int64
	dropped    atomic.Uint64
	logger     core.Logger
	upgrader   websocket.Upgrader
}

// NewHub initializes a hub. A nil logger discards output.
func NewHub(logger core.Logger) *Hub {
	if logger == nil {
		logger = discardLogger{}
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run handles client registration and broadcasts until ctx is cancelled.
// Remaining clients are disconnected on return. Run must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.connected.Store(0)
			h.logger.Info("event stream hub stopped")
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.connected.Add(1)
			h.logger.Debug("event stream client connected", "remote", client.remote)
		case client := <-h.unregister:
			h.remove(client)
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.typ) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// Slow consumer: disconnect rather than block the engine.
					delete(h.clients, client)
					close(client.send)
					h.connected.Add(-1)
					h.dropped.Add(1)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.connected.Add(-1)
		h.logger.Debug("event stream client disconnected", "remote", client.remote)
	}
}

// Pump forwards events to the hub until the channel closes or ctx is done.
// Pair it with core.EventBus.Channel.
func (h *Hub) Pump(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ctx, ev)
		}
	}
}

// Broadcast serializes ev and hands it to Run. It blocks until Run accepts the
// message or ctx is done.
func (h *Hub) Broadcast(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event stream marshal failed", "event", string(ev.Type), "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{typ: ev.Type, payload: payload}:
	case <-ctx.Done():
	case <-h.done:
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int { return int(h.connected.Load()) }

// Dropped reports how many clients were disconnected for falling behind.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// ServeHTTP upgrades the request to a WebSocket and attaches the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := newClient(h, conn, r.RemoteAddr)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
