package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marmos91/cipherdrop/internal/logger"
	"github.com/marmos91/cipherdrop/internal/metrics"
	"github.com/marmos91/cipherdrop/internal/session"
)

// Gateway upgrades HTTP requests into event-channel connections and
// translates between wire events and session operations.
type Gateway struct {
	hub      *Hub
	mgr      *session.Manager
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway over mgr. allowedOrigins is the browser
// origin allow-list; empty permits any origin.
func NewGateway(mgr *session.Manager, allowedOrigins []string) *Gateway {
	g := &Gateway{
		hub: NewHub(),
		mgr: mgr,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return OriginAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
	return g
}

// OriginAllowed reports whether origin passes the allow-list. An empty list
// allows everything; an empty origin (non-browser client) is always
// allowed since the relay's secrecy lives in the pairing code, not CORS.
func OriginAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSuffix(a, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection's pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("event channel upgrade failed", "error", err)
		return
	}

	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		gw:   g,
		send: make(chan []byte, sendBuffer),
	}

	metrics.ConnectedClients.Inc()
	logger.Debug("event channel opened", "channel_id", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// Shutdown disconnects all clients.
func (g *Gateway) Shutdown() {
	g.hub.CloseAll()
}

// dispatch routes one inbound frame. A request or event loop must never
// crash the process, so handlers run behind a recover barrier and protocol
// problems are answered with error events rather than disconnects.
func (g *Gateway) dispatch(c *Client, frame []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic in event handler", "channel_id", c.id, "panic", rec)
			c.enqueue(encode(eventError, ErrorEvent{Message: "internal error"}))
		}
	}()

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.enqueue(encode(eventError, ErrorEvent{Message: "malformed event"}))
		return
	}

	switch env.Event {
	case eventJoinRoom:
		g.handleJoinRoom(c, env.Data)
	case eventSendMessage:
		g.handleSendMessage(c, env.Data)
	default:
		c.enqueue(encode(eventError, ErrorEvent{Message: "unknown event: " + env.Event}))
	}
}

func (g *Gateway) handleJoinRoom(c *Client, data json.RawMessage) {
	var req JoinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Code == "" {
		c.enqueue(encode(eventError, ErrorEvent{Message: "joinRoom requires a code"}))
		return
	}
	if c.code != "" {
		c.enqueue(encode(eventError, ErrorEvent{Message: "already joined a session"}))
		return
	}

	res, err := g.hub.Join(req.Code, c,
		func() (session.JoinResult, error) {
			return g.mgr.Join(req.Code, req.ClientToken, c.id)
		},
		func(res session.JoinResult) []byte {
			return encode(eventSessionJoined, SessionJoined{
				ClientToken: res.Token,
				History:     res.History,
			})
		},
	)
	if err != nil {
		c.enqueue(encode(eventError, ErrorEvent{Message: joinErrorMessage(err)}))
		return
	}

	c.code = req.Code

	logger.Info("client joined session",
		"code", req.Code, "channel_id", c.id, "reconnected", res.Reconnected,
		"connected", res.ConnectedCount)

	// Announce the pairing the moment the room reaches both peers.
	if res.ConnectedCount == 2 {
		g.hub.Broadcast(req.Code, encode(eventUserConnected, nil))
	}
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidCode):
		return "InvalidCode"
	case errors.Is(err, session.ErrSessionFull):
		return "SessionFull"
	default:
		return "join failed"
	}
}

func (g *Gateway) handleSendMessage(c *Client, data json.RawMessage) {
	var req SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.enqueue(encode(eventError, ErrorEvent{Message: "malformed sendMessage"}))
		return
	}
	if req.MatchCode == "" || req.ClientToken == "" {
		c.enqueue(encode(eventError, ErrorEvent{Message: "sendMessage requires matchCode and clientToken"}))
		return
	}

	err := g.hub.Append(req.MatchCode, func() ([]byte, error) {
		stamped, err := g.mgr.Append(req.MatchCode, req.ClientToken, req.Message)
		if err != nil {
			return nil, err
		}
		return encode(eventReceiveMessage, stamped), nil
	})
	if err != nil {
		c.enqueue(encode(eventError, ErrorEvent{Message: sendErrorMessage(err)}))
	}
}

func sendErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidCode):
		return "InvalidCode"
	case errors.Is(err, session.ErrNotMember):
		return "NotAMember"
	case errors.Is(err, session.ErrNotConnected):
		return "NotConnected"
	case errors.Is(err, session.ErrInvalidMessage):
		return "InvalidMessage"
	default:
		return "send failed"
	}
}

// handleDisconnect releases the session slot bound to the closed channel
// and notifies the remaining peer.
func (g *Gateway) handleDisconnect(c *Client) {
	metrics.ConnectedClients.Dec()

	if c.code != "" {
		g.hub.Leave(c.code, c)
	}

	res, ok := g.mgr.Disconnect(c.id)
	if !ok {
		return
	}
	if res.Remaining > 0 {
		g.hub.Broadcast(res.Code, encode(eventUserDisconnected, nil))
	}
}
