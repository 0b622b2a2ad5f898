package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/protocol"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// authTimeout is how long a client has to send an OpAuth frame after connecting.
	authTimeout = 30 * time.Second
)

// Client represents a single device socket. Each client runs two goroutines (readPump and writePump) and
// communicates with the Hub via its send channel and callback methods. One user may hold many Clients at once, one
// per device, per spec §3's multi-device session model.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// done is closed to signal that the client is shutting down. The send channel is never closed directly;
	// writePump and enqueue both select on done to detect termination, avoiding send-on-closed-channel panics that
	// would otherwise occur when unregister races with dispatch.
	done      chan struct{}
	closeOnce sync.Once

	// Session state, protected by mu. Written once on auth, read by the Hub on every dispatch.
	mu         sync.RWMutex
	userID     uuid.UUID
	socketID   string
	sessionID  string
	platform   string
	deviceID   string
	seq        atomic.Int64
	identified bool

	// Rate limiting state (only accessed from readPump, no mutex needed).
	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		log:      logger,
		socketID: uuid.NewString(),
	}
}

// closeSend signals the client's write loop to stop. Safe to call from multiple goroutines; only the first call has
// any effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// UserID returns the authenticated user ID.
func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SocketID returns this device socket's identifier, used as the SessionRegistry field key.
func (c *Client) SocketID() string {
	return c.socketID
}

// SessionID returns the resumable session identifier minted on auth.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// IsIdentified returns whether the client has completed authentication.
func (c *Client) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

func (c *Client) markIdentified(userID uuid.UUID, sessionID, platform, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.sessionID = sessionID
	c.platform = platform
	c.deviceID = deviceID
	c.identified = true
}

// nextSeq increments and returns the next per-socket sequence number for a dispatch frame.
func (c *Client) nextSeq() int64 {
	return c.seq.Add(1)
}

func (c *Client) currentSeq() int64 {
	return c.seq.Load()
}

// readPump reads frames from the WebSocket connection and routes them by opcode. It runs in its own goroutine and
// is responsible for driving the Hub's unregister path when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := c.hub.cfg.GatewayHeartbeatInterval
	c.conn.SetReadLimit(maxMessageSize)
	// Allow slightly more than one heartbeat interval before timing out, so a single missed heartbeat does not
	// immediately sever the connection.
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	authTimer := time.AfterFunc(authTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("client did not authenticate in time")
			c.closeWithCode(protocol.CloseNotAuthenticated, "auth timeout")
		}
	})
	defer authTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(protocol.CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(protocol.CloseDecodeError, "invalid JSON")
			return
		}

		switch frame.Op {
		case protocol.OpHeartbeat:
			c.handleHeartbeat(heartbeatInterval)
		case protocol.OpAuth:
			authTimer.Stop()
			c.handleAuth(frame.Data)
		case protocol.OpCommand:
			c.handleCommand(frame.Type, frame.Data)
		default:
			c.closeWithCode(protocol.CloseUnknownOpcode, "unknown opcode")
			return
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and
// exits when done is closed, draining any messages already buffered first.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handleHeartbeat answers with an OpAck frame and renews the session TTL per spec §4.3's ping/pong contract.
func (c *Client) handleHeartbeat(heartbeatInterval time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	ack, err := json.Marshal(protocol.NewAckFrame())
	if err != nil {
		c.log.Error().Err(err).Msg("failed to build ack frame")
		return
	}
	c.enqueue(ack)

	if c.IsIdentified() {
		c.hub.renewSession(c)
	}
}

func (c *Client) handleAuth(data json.RawMessage) {
	if c.IsIdentified() {
		c.closeWithCode(protocol.CloseAuthFailed, "already authenticated")
		return
	}

	var req authFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.closeWithCode(protocol.CloseDecodeError, "invalid auth payload")
		return
	}
	if req.Token == "" {
		c.closeWithCode(protocol.CloseAuthFailed, "token required")
		return
	}

	c.hub.handleAuth(c, req)
}

func (c *Client) handleCommand(name string, data json.RawMessage) {
	if !c.IsIdentified() {
		c.closeWithCode(protocol.CloseNotAuthenticated, "not authenticated")
		return
	}
	c.hub.handleCommand(c, name, data)
}

// enqueue sends a frame to the client's write channel. If the client has already been shut down, the frame is
// silently dropped. If the channel is full, the frame is dropped and the connection is closed so a slow reader
// cannot stall the Hub's dispatch loop.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("client send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the connection.
func (c *Client) closeWithCode(code protocol.CloseCode, reason string) {
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited returns true if the client has exceeded the configured inbound frame rate, per the supplemented
// "rate limiting on the gateway socket" feature.
func (c *Client) rateLimited() bool {
	now := time.Now()
	window := c.hub.cfg.GatewayRateWindow
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.GatewayMaxFramesPerWindow
}
