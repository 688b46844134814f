package realtime

import (
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 256
)

// Client is one websocket connection inside a session room.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	userID    string

	// initial is written before anything queued on send. It is set before
	// writePump starts.
	initial []byte
	// send carries room broadcasts; the hub closes it to drop the client.
	send chan []byte
	// replies carries answers to this connection's own commands. It is
	// never closed, so the read side can't race the hub.
	replies chan []byte

	limiter *rate.Limiter
	handle  func(c *Client, msg []byte)
	onClose func()
}

func newClient(hub *Hub, conn *websocket.Conn, sessionID, userID string, limiter *rate.Limiter) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan []byte, sendBuffer),
		replies:   make(chan []byte, 16),
		limiter:   limiter,
	}
}

// reply queues a direct answer, dropping it if the connection is backed up.
func (c *Client) reply(msg []byte) {
	select {
	case c.replies <- msg:
	default:
	}
}

// readPump reads commands from the connection until it fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.handle == nil {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.reply(errorReply("", "rate_limited", "too many commands"))
			continue
		}
		c.handle(c, msg)
	}
}

// writePump writes broadcasts and replies and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	if c.initial != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, c.initial); err != nil {
			return
		}
	}

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case msg := <-c.replies:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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
