package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marmos91/cipherdrop/internal/logger"
)

const (
	// writeWait bounds a single frame write to a peer.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes bounds inbound control frames. File bytes travel over
	// HTTP, so event frames are small; 1 MiB leaves generous headroom for
	// file metadata carrying client key material.
	maxFrameBytes = 1 << 20

	// sendBuffer is the per-client outbound queue. A peer that cannot
	// drain it is disconnected rather than allowed to stall the room.
	sendBuffer = 64
)

// Client is one event-channel connection. Its id is the channel identifier
// sessions bind client slots to; it changes on every reconnect while the
// client token does not.
type Client struct {
	id   string
	conn *websocket.Conn
	gw   *Gateway

	// mu guards send-channel shutdown: enqueue may race with close, and a
	// frame must never land on a closed channel.
	mu     sync.Mutex
	send   chan []byte
	closed bool

	// code is set once the connection joins a room; it is only written by
	// the read pump and read after it exits.
	code string
}

// enqueue queues a frame for delivery. A full buffer means the peer has
// stopped draining; the connection is closed so the room is not held back.
func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- frame:
		c.mu.Unlock()
	default:
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		logger.Warn("dropping slow event-channel client", "channel_id", c.id)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// readPump consumes frames until the connection drops, dispatching each to
// the gateway. It owns teardown: on exit the connection is unregistered
// from its room and the session slot is released.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("event channel closed unexpectedly", "channel_id", c.id, "error", err)
			}
			return
		}
		c.gw.dispatch(c, frame)
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings. It exits when the queue is closed or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

func (c *Client) teardown() {
	// Leave the room before closing the send channel so no broadcast can
	// target a closed channel.
	c.gw.handleDisconnect(c)
	c.close()
	c.conn.Close()
}
