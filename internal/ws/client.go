package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/chatsync/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 512

	// Violations tolerated before the connection is dropped
	maxRateLimitWarnings = 1000
)

var errRateLimited = errors.New("rate limit exceeded")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// One WebSocket connection. room is owned by the hub goroutine.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	room string
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		id:   uuid.NewString(),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// enqueue hands data to the write pump. A client that cannot keep up is
// disconnected; the hub cleans it up when the read pump exits.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn().Str("client", c.id).Msg("send queue full, dropping client")
		c.conn.Close()
	}
}

func (c *Client) forward(in inbound) bool {
	select {
	case c.hub.inbound <- in:
		return true
	case <-c.hub.done:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := c.hub.limiters.Get(c.id)
	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("client", c.id).Msg("websocket error")
			}
			return
		}

		if !limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.log.Warn().
					Str("client", c.id).
					Int("warnings", rateLimitWarnings).
					Dur("retry_in", limiter.Delay()).
					Msg("rate limit exceeded")
				if !c.forward(inbound{client: c, err: errRateLimited}) {
					return
				}
			}
			if rateLimitWarnings > maxRateLimitWarnings {
				c.hub.log.Warn().Str("client", c.id).Msg("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		action, err := protocol.DecodeAction(message)
		if err != nil {
			c.hub.log.Debug().Err(err).Str("client", c.id).Msg("invalid frame")
			if !c.forward(inbound{client: c, err: err}) {
				return
			}
			continue
		}

		if !c.forward(inbound{client: c, action: action}) {
			return
		}
	}
}

// writePump owns every write on the socket. Frames queued while a write
// was in flight go out in the same wakeup.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.closeWith(websocket.CloseGoingAway, "server closed the connection")
				return
			}
			if err := c.write(frame); err != nil {
				return
			}
			for n := len(c.send); n > 0; n-- {
				frame, ok := <-c.send
				if !ok {
					c.closeWith(websocket.CloseGoingAway, "server closed the connection")
					return
				}
				if err := c.write(frame); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.hub.log.Debug().Err(err).Str("client", c.id).Msg("write failed")
		return err
	}
	return nil
}

func (c *Client) closeWith(code int, reason string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
