package push

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	sendQueueSize = 256
)

// IncomingHandler processes one inbound WebSocket frame (a stop request,
// or a new stream_request) for userID. It is supplied by internal/httpapi
// so this package never imports the coordinator/catalog layers directly.
type IncomingHandler func(userID string, raw []byte)

// Client is one live WebSocket connection belonging to userID. A user may
// have several (multiple tabs/devices); the Hub fans every event out to
// all of them, matching the teacher's multi-connection-per-user model.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	onMsg  IncomingHandler

	closeOnce sync.Once
}

// NewClient wraps an upgraded connection. onMsg is invoked once per
// inbound frame, each call in its own goroutine started by ReadPump.
func NewClient(hub *Hub, conn *websocket.Conn, userID string, onMsg IncomingHandler) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendQueueSize),
		onMsg:  onMsg,
	}
}

// ReadPump pumps inbound frames to onMsg until the connection errors or
// closes. Run it in its own goroutine.
func (c *Client) ReadPump() {
	defer func() { c.hub.unregister <- c }()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[push] read error for user %s: %v", c.userID, err)
			}
			return
		}
		go c.onMsg(c.userID, message)
	}
}

// WritePump drains send and writes each payload to the connection,
// sending periodic pings in between. Run it in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue performs a non-blocking bounded send, dropping the event rather
// than letting one slow client stall the Hub's broadcast loop.
func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Printf("[push] send queue full for user %s, dropping event", c.userID)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// marshalEvent is a small helper the Streaming Coordinator uses (through
// MarshalEvent) to turn a typed event into the raw bytes Broadcast/enqueue
// expect. It is plain json.Marshal, the same encoding the HTTP transport
// applies, so both transports serialize identically.
func marshalEvent(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("[push] failed to marshal event: %v", err)
		return nil
	}
	return b
}

// MarshalEvent exposes marshalEvent to other packages.
func MarshalEvent(v interface{}) []byte { return marshalEvent(v) }
