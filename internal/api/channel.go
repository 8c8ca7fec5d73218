package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/openfield-iot/fieldgate-core/internal/auth"
	"github.com/openfield-iot/fieldgate-core/internal/command"
	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/logging"
)

// Channel message types.
const (
	ChannelTypeSubscribe   = "subscribe"
	ChannelTypeUnsubscribe = "unsubscribe"
	ChannelTypePing        = "ping"
	ChannelTypePong        = "pong"
	ChannelTypeCommand     = "command"
	ChannelTypeResponse    = "response"
	ChannelTypeError       = "error"

	// channelSendBufferSize is the per-channel outbound message buffer size.
	channelSendBufferSize = 64
)

// ChannelMessage is one message on a device command channel.
//
// Devices send subscribe/unsubscribe (advertising a command route) and
// ping. The server sends command (a delivery), response, and error.
// Payload is base64 on the wire.
type ChannelMessage struct {
	Type        string `json:"type"`
	Command     string `json:"command,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
	Error       string `json:"error,omitempty"`
}

// channelHub tracks the live command channels of this instance by session
// ID so inbox forwards find their socket.
type channelHub struct {
	logger   *logging.Logger
	channels map[string]*channelConn
	mu       sync.RWMutex
}

// channelConn is one device's command channel.
type channelConn struct {
	hub       *channelHub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	identity  auth.Identity
}

// upgrader configures the WebSocket upgrader. Devices are not browsers,
// so origin checking is moot.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// newChannelHub creates an empty hub.
func newChannelHub(logger *logging.Logger) *channelHub {
	return &channelHub{
		logger:   logger,
		channels: make(map[string]*channelConn),
	}
}

// run blocks until the context is cancelled, then disconnects all channels.
func (h *channelHub) run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// register adds a channel to the hub.
func (h *channelHub) register(c *channelConn) {
	h.mu.Lock()
	h.channels[c.sessionID] = c
	h.mu.Unlock()
	h.logger.Debug("command channel opened",
		"session", c.sessionID,
		"application", c.identity.Application,
		"device", c.identity.Device,
	)
}

// unregister removes a channel from the hub. Only the goroutine that
// successfully removes the channel closes the send channel, preventing
// double-close panics during shutdown.
func (h *channelHub) unregister(c *channelConn) {
	h.mu.Lock()
	_, existed := h.channels[c.sessionID]
	delete(h.channels, c.sessionID)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.logger.Debug("command channel closed", "session", c.sessionID)
}

// deliver pushes a forwarded command onto the session's channel. Returns
// false when the session has no live channel here.
func (h *channelHub) deliver(sessionID string, d command.Delivery) bool {
	h.mu.RLock()
	c, ok := h.channels[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(ChannelMessage{
		Type:        ChannelTypeCommand,
		Command:     d.Command,
		ContentType: d.ContentType,
		Payload:     d.Payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal command delivery", "error", err)
		return false
	}
	return c.trySend(data)
}

// closeAll disconnects all channels and closes their send channels so
// writePump goroutines can exit cleanly.
func (h *channelHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.channels {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.channels, id)
	}
}

// handleChannel upgrades GET /api/v1/channel/{application}/{device} to a
// device command channel.
//
// The device authenticates with basic auth like the ingest endpoint. A
// successful upgrade registers a command session whose inbox URL points
// back at this instance, marks the device connected, and keeps the
// session alive with a ping loop until the socket closes.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	presented, ok := devicePresented(r, w)
	if !ok {
		return
	}

	app := chi.URLParam(r, "application")
	identity, err := s.auth.Authenticate(r.Context(), app, deviceHint(r), presented)
	if err != nil {
		unauthorizedDevice(w)
		return
	}

	sessionID := command.NewSessionID()
	inboxURL := s.advertisedURL + "/internal/v1/inbox/" + sessionID
	if err := s.commands.RegisterSession(r.Context(), sessionID, inboxURL); err != nil {
		s.logger.Error("failed to register command session",
			"error", err,
			"application", identity.Application,
			"device", identity.Device,
		)
		writeInternalError(w, "failed to register command session")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		s.disconnectSession(sessionID)
		return
	}

	if err := s.ingest.SetConnected(context.Background(), identity, true); err != nil {
		s.logger.Warn("failed to record device connect",
			"error", err,
			"application", identity.Application,
			"device", identity.Device,
		)
	}

	c := &channelConn{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, channelSendBufferSize),
		sessionID: sessionID,
		identity:  identity,
	}

	s.hub.register(c)

	go c.writePump(s)
	go c.readPump(s)
}

// pingInterval returns the configured session ping interval, defaulting
// to 10s so a zero config can never stall the keepalive ticker.
func (s *Server) pingInterval() time.Duration {
	if s.cmdCfg.PingInterval <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cmdCfg.PingInterval) * time.Second
}

// disconnectSession removes a session and its routes, tolerating an
// already-reaped session.
func (s *Server) disconnectSession(sessionID string) {
	if err := s.commands.Disconnect(context.Background(), sessionID); err != nil {
		s.logger.Warn("failed to remove command session", "error", err, "session", sessionID)
	}
}

// readPump reads messages from the device until the socket closes, then
// tears the session down.
func (c *channelConn) readPump(s *Server) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		s.disconnectSession(c.sessionID)
		if err := s.ingest.SetConnected(context.Background(), c.identity, false); err != nil {
			s.logger.Warn("failed to record device disconnect",
				"error", err,
				"application", c.identity.Application,
				"device", c.identity.Device,
			)
		}
	}()

	readWait := 2 * s.pingInterval()

	c.conn.SetReadLimit(maxRequestBodySize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("command channel read error", "error", err, "session", c.sessionID)
			}
			return
		}
		// Any device message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleMessage(s, message)
	}
}

// writePump writes outbound messages and keeps both the socket and the
// command session alive. A reaped session closes the socket so the device
// reconnects and re-registers.
func (c *channelConn) writePump(s *Server) {
	pingInterval := s.pingInterval()
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pingInterval))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.commands.Ping(context.Background(), c.sessionID); err != nil {
				if errors.Is(err, command.ErrSessionNotFound) {
					s.logger.Warn("command session reaped under live channel",
						"session", c.sessionID,
						"device", c.identity.Device,
					)
					return
				}
				s.logger.Warn("command session ping failed", "error", err, "session", c.sessionID)
			}
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pingInterval))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one inbound channel message.
func (c *channelConn) handleMessage(s *Server, data []byte) {
	var msg ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid JSON message")
		return
	}

	switch msg.Type {
	case ChannelTypeSubscribe:
		c.handleSubscribe(s, msg)
	case ChannelTypeUnsubscribe:
		c.handleUnsubscribe(s, msg)
	case ChannelTypePing:
		c.sendMessage(ChannelMessage{Type: ChannelTypePong})
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// handleSubscribe advertises a command route for this session.
func (c *channelConn) handleSubscribe(s *Server, msg ChannelMessage) {
	if msg.Command == "" {
		c.sendError("subscribe requires a command")
		return
	}

	err := s.commands.AddRoute(context.Background(),
		c.identity.Application, c.identity.Device, msg.Command, c.sessionID)
	if err != nil {
		s.logger.Warn("failed to add command route",
			"error", err,
			"device", c.identity.Device,
			"command", msg.Command,
		)
		c.sendError("failed to subscribe to " + msg.Command)
		return
	}

	c.sendMessage(ChannelMessage{Type: ChannelTypeResponse, Command: msg.Command})
}

// handleUnsubscribe withdraws a command route.
func (c *channelConn) handleUnsubscribe(s *Server, msg ChannelMessage) {
	if msg.Command == "" {
		c.sendError("unsubscribe requires a command")
		return
	}

	err := s.commands.RemoveRoute(context.Background(),
		c.identity.Application, c.identity.Device, msg.Command)
	if err != nil {
		c.sendError("failed to unsubscribe from " + msg.Command)
		return
	}

	c.sendMessage(ChannelMessage{Type: ChannelTypeResponse, Command: msg.Command})
}

// sendMessage marshals and queues one outbound message.
func (c *channelConn) sendMessage(msg ChannelMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError queues an error message for the device.
func (c *channelConn) sendError(message string) {
	c.sendMessage(ChannelMessage{Type: ChannelTypeError, Error: message})
}

// trySend attempts to queue data for the write pump. It absorbs closed
// channels (disconnect racing a delivery) and full buffers (slow device).
func (c *channelConn) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
