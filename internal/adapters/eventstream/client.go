package eventstream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chemlab/pkg/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 512
	// Outbound messages buffered per client before it is considered slow.
	sendBuffer = 256
)

// SubscribeRequest is the only message clients send. An empty Types list
// restores the default of receiving every event.
type SubscribeRequest struct {
	Types []domain.EventType `json:"types"`
}

// SubscribeAck confirms the filter now in effect.
type SubscribeAck struct {
	Subscribed []domain.EventType `json:"subscribed"`
}

// Client is one WebSocket connection attached to a Hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string

	mu     sync.RWMutex
	filter map[domain.EventType]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, remote string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		remote: remote,
	}
}

func (c *Client) wants(t domain.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[t]
	return ok
}

func (c *Client) setFilter(types []domain.EventType) {
	filter := make(map[domain.EventType]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
}

// readPump applies subscription requests until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("event stream read failed", "remote", c.remote, "error", err)
			}
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Warn("event stream bad subscribe request", "remote", c.remote, "error", err)
			continue
		}
		c.setFilter(req.Types)
		ack, _ := json.Marshal(SubscribeAck{Subscribed: req.Types})
		// Acks share the send queue so they stay ordered with events.
		c.hub.mu.Lock()
		if _, ok := c.hub.clients[c]; ok {
			select {
			case c.send <- ack:
			default:
			}
		}
		c.hub.mu.Unlock()
	}
}

// writePump sends queued messages and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
