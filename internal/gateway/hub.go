// Package gateway implements the Gateway (spec §4.4): the long-lived WebSocket connection layer that accepts
// authenticated device sockets, tracks them in internal/session.Registry, joins them to channel and workspace
// rooms, and fans room-scoped events out to local sockets while relaying the same events across nodes through
// internal/broadcast's Valkey pub/sub rooms.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/auth"
	"github.com/corewire/imcore/internal/broadcast"
	"github.com/corewire/imcore/internal/channel"
	"github.com/corewire/imcore/internal/config"
	"github.com/corewire/imcore/internal/metrics"
	"github.com/corewire/imcore/internal/presence"
	"github.com/corewire/imcore/internal/protocol"
	"github.com/corewire/imcore/internal/session"
	syncengine "github.com/corewire/imcore/internal/sync"
	"github.com/corewire/imcore/internal/workspace"
	"github.com/corewire/imcore/internal/workspacebroadcast"
)

// roomPattern is the Valkey pub/sub pattern the Hub subscribes to once, covering every channel and workspace room
// broadcast.Publisher ever publishes to (see broadcast.ChannelRoom / broadcast.WorkspaceRoom).
const roomPattern = "room:*"

// authFrame is the payload of an OpAuth frame. SessionID, when set, requests a resume of a previously-disconnected
// session rather than a fresh one.
type authFrame struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

type authOKPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type readMarkFrame struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	SeqID     int64  `json:"seq_id"`
}

type roomFrame struct {
	ChannelID   string `json:"channel_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

type typingPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Typing    bool   `json:"typing"`
}

// Hub owns every locally-connected Client and the single Valkey pub/sub subscription used to learn about events
// published to any room by any node.
type Hub struct {
	cfg *config.Config
	rdb *redis.Client
	log zerolog.Logger

	sessions      *session.Registry
	gwSessions    *SessionStore
	presence      *presence.Store
	channels      channel.Repository
	workspaces    workspace.Repository
	sync          *syncengine.Engine
	publisher     *broadcast.Publisher
	wsBroadcaster *workspacebroadcast.Broadcaster
	metrics       *metrics.Registry

	mu      sync.RWMutex
	clients map[uuid.UUID]map[string]*Client  // userID -> socketID -> client
	rooms   map[string]map[*Client]bool       // room name -> locally-subscribed clients
}

// NewHub constructs a Hub. cfg.GatewayHeartbeatInterval drives the Hello handshake's advertised interval.
func NewHub(
	cfg *config.Config,
	rdb *redis.Client,
	sessions *session.Registry,
	gwSessions *SessionStore,
	presenceStore *presence.Store,
	channels channel.Repository,
	workspaces workspace.Repository,
	syncEngine *syncengine.Engine,
	publisher *broadcast.Publisher,
	wsBroadcaster *workspacebroadcast.Broadcaster,
	metricsRegistry *metrics.Registry,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:           cfg,
		rdb:           rdb,
		log:           logger,
		sessions:      sessions,
		gwSessions:    gwSessions,
		presence:      presenceStore,
		channels:      channels,
		workspaces:    workspaces,
		sync:          syncEngine,
		publisher:     publisher,
		wsBroadcaster: wsBroadcaster,
		metrics:       metricsRegistry,
		clients:       make(map[uuid.UUID]map[string]*Client),
		rooms:         make(map[string]map[*Client]bool),
	}
}

// Run subscribes to every room this node might ever need and dispatches incoming pub/sub events to local sockets
// until ctx is cancelled. Exactly one call per Hub instance.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.PSubscribe(ctx, roomPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", roomPattern, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handlePubSubEvent(ctx, msg.Channel, msg.Payload)
		}
	}
}

// ServeWebSocket drives one accepted connection end to end: send Hello, spin up the read/write pumps, and block
// until the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)

	hello, err := json.Marshal(protocol.NewHelloFrame(h.cfg.GatewayHeartbeatInterval.Milliseconds()))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build hello frame")
		_ = conn.Close()
		return
	}
	client.enqueue(hello)

	go client.writePump()
	client.readPump()
}

// handleAuth validates the bearer token, registers the device session, joins every room the user currently belongs
// to, and replays missed frames when resuming an existing session.
func (h *Hub) handleAuth(client *Client, req authFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	claims, err := auth.ValidateAccessToken(req.Token, h.cfg.JWTSecret, h.cfg.JWTIssuer)
	if err != nil {
		client.closeWithCode(protocol.CloseAuthFailed, "invalid token")
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		client.closeWithCode(protocol.CloseAuthFailed, "invalid subject claim")
		return
	}

	if h.ClientCount() >= h.cfg.GatewayMaxConnections {
		client.closeWithCode(protocol.CloseRateLimited, "maximum connections reached")
		return
	}

	sessionID := req.SessionID
	var replay []json.RawMessage
	if sessionID != "" {
		if loaded, err := h.gwSessions.Load(ctx, sessionID); err == nil && loaded.UserID == userID {
			replay, _ = h.gwSessions.Replay(ctx, sessionID, loaded.LastSeq)
			client.seq.Store(loaded.LastSeq)
			_ = h.gwSessions.Delete(ctx, sessionID)
		} else {
			sessionID = ""
		}
	}
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	hadSessions, err := h.sessions.HasActiveDeviceSessions(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to check active device sessions")
	}
	wasOffline := !hadSessions
	if err := h.sessions.AddDeviceSession(ctx, session.DeviceSession{
		UserID:         userID,
		SocketID:       client.socketID,
		Platform:       req.Platform,
		DeviceID:       req.DeviceID,
		LoginTime:      time.Now(),
		LastActiveTime: time.Now(),
	}); err != nil {
		h.log.Error().Err(err).Msg("failed to register device session")
		client.closeWithCode(protocol.CloseUnknownError, "session registration failed")
		return
	}

	client.markIdentified(userID, sessionID, req.Platform, req.DeviceID)
	h.register(client)

	workspaceIDs := h.joinUserRooms(ctx, client, userID)

	if wasOffline {
		h.wsBroadcaster.PresenceOnline(ctx, workspaceIDs, userID)
	}
	if h.metrics != nil {
		h.metrics.GatewayConnections.Inc()
	}

	okData, _ := json.Marshal(authOKPayload{UserID: userID.String(), SessionID: sessionID})
	client.enqueue(mustFrame(protocol.NewDispatchFrame(client.nextSeq(), protocol.EventAuthOK, okData)))

	for _, payload := range replay {
		client.enqueue(payload)
	}
}

// joinUserRooms subscribes client to every channel and workspace room the user currently belongs to, and returns
// the workspace IDs joined (used to fan the initial presence-online event).
func (h *Hub) joinUserRooms(ctx context.Context, client *Client, userID uuid.UUID) []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans, err := h.channels.ListJoinedByUser(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list joined channels")
	}
	for _, c := range chans {
		h.joinRoomLocked(broadcast.ChannelRoom(c.ID), client)
	}

	workspaces, err := h.workspaces.ListForUser(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list user workspaces")
	}
	workspaceIDs := make([]uuid.UUID, 0, len(workspaces))
	for _, w := range workspaces {
		h.joinRoomLocked(broadcast.WorkspaceRoom(w.ID), client)
		workspaceIDs = append(workspaceIDs, w.ID)
	}
	return workspaceIDs
}

func (h *Hub) joinRoomLocked(room string, client *Client) {
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[*Client]bool)
		h.rooms[room] = set
	}
	set[client] = true
}

func (h *Hub) leaveRoomLocked(room string, client *Client) {
	if set, ok := h.rooms[room]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

// register tracks an authenticated client for connection counting and future unregister/dispatch lookups.
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[string]*Client)
	}
	h.clients[client.userID][client.socketID] = client
}

// unregister removes the client from the Hub and its rooms, persists a resumable session for its replay buffer,
// and publishes presence "offline" if this was the user's last active device session.
func (h *Hub) unregister(client *Client) {
	if !client.IsIdentified() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userID := client.UserID()

	h.mu.Lock()
	if devices, ok := h.clients[userID]; ok {
		delete(devices, client.socketID)
		if len(devices) == 0 {
			delete(h.clients, userID)
		}
	}
	for room, set := range h.rooms {
		if set[client] {
			h.leaveRoomLocked(room, client)
		}
	}
	h.mu.Unlock()

	if err := h.gwSessions.Save(ctx, client.SessionID(), userID, client.currentSeq()); err != nil {
		h.log.Error().Err(err).Msg("failed to save resumable session")
	}

	if err := h.sessions.RemoveDeviceSession(ctx, userID, client.socketID); err != nil {
		h.log.Error().Err(err).Msg("failed to remove device session")
	}
	if h.metrics != nil {
		h.metrics.GatewayConnections.Dec()
	}

	hasSessions, err := h.sessions.HasActiveDeviceSessions(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to check active device sessions")
		return
	}
	if !hasSessions {
		workspaces, err := h.workspaces.ListForUser(ctx, userID)
		if err != nil {
			h.log.Error().Err(err).Msg("failed to list user workspaces for offline presence")
			return
		}
		ids := make([]uuid.UUID, len(workspaces))
		for i, w := range workspaces {
			ids[i] = w.ID
		}
		h.wsBroadcaster.PresenceOffline(ctx, ids, userID)
	}
}

// renewSession refreshes the device session's TTL and lastActiveTime on every heartbeat, per spec §4.3.
func (h *Hub) renewSession(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.sessions.Renew(ctx, client.UserID(), client.socketID, time.Now()); err != nil {
		h.log.Error().Err(err).Msg("failed to renew device session")
	}
}

// handleCommand dispatches one OpCommand frame to the operation named by name.
func (h *Hub) handleCommand(client *Client, name string, data json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch name {
	case protocol.CommandChannelJoin:
		h.handleRoomJoin(ctx, client, data, true)
	case protocol.CommandChannelLeave:
		h.handleRoomJoin(ctx, client, data, false)
	case protocol.CommandWorkspaceJoin:
		h.handleWorkspaceJoin(client, data)
	case protocol.CommandReadMark:
		h.handleReadMark(ctx, client, data)
	case protocol.CommandTypingStart:
		h.handleTyping(ctx, client, data, true)
	case protocol.CommandTypingStop:
		h.handleTyping(ctx, client, data, false)
	case protocol.CommandReactionAdd, protocol.CommandReactionDel:
		// No reaction domain model exists in this build; reaction commands are accepted and ignored, with no frame
		// sent back, so clients that speak the full command vocabulary never see an unknown-opcode close.
	default:
		h.log.Debug().Str("command", name).Msg("unhandled command")
	}
}

func (h *Hub) handleRoomJoin(ctx context.Context, client *Client, data json.RawMessage, join bool) {
	var req roomFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		return
	}
	if join {
		isMember, err := h.channels.IsMember(ctx, channelID, client.UserID())
		if err != nil || !isMember {
			return
		}
	}

	h.mu.Lock()
	if join {
		h.joinRoomLocked(broadcast.ChannelRoom(channelID), client)
	} else {
		h.leaveRoomLocked(broadcast.ChannelRoom(channelID), client)
	}
	h.mu.Unlock()

	event := protocol.EventChannelLeft
	if join {
		event = protocol.EventChannelJoined
	}
	payload, _ := json.Marshal(roomFrame{ChannelID: channelID.String()})
	client.enqueue(mustFrame(protocol.NewDispatchFrame(client.nextSeq(), event, payload)))
}

func (h *Hub) handleWorkspaceJoin(client *Client, data json.RawMessage) {
	var req roomFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	workspaceID, err := uuid.Parse(req.WorkspaceID)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.joinRoomLocked(broadcast.WorkspaceRoom(workspaceID), client)
	h.mu.Unlock()
}

func (h *Hub) handleReadMark(ctx context.Context, client *Client, data json.RawMessage) {
	var req readMarkFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		return
	}
	messageID, err := uuid.Parse(req.MessageID)
	if err != nil {
		return
	}
	if err := h.sync.Ack(ctx, client.UserID(), channelID, messageID, req.SeqID); err != nil {
		h.log.Debug().Err(err).Msg("read mark failed")
	}
}

func (h *Hub) handleTyping(ctx context.Context, client *Client, data json.RawMessage, start bool) {
	var req roomFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		return
	}

	var changed bool
	if start {
		changed, err = h.presence.SetTyping(ctx, channelID, client.UserID())
	} else {
		changed, err = h.presence.ClearTyping(ctx, channelID, client.UserID())
	}
	if err != nil || !changed {
		return
	}

	payload := typingPayload{ChannelID: channelID.String(), UserID: client.UserID().String(), Typing: start}
	if err := h.publisher.Publish(ctx, broadcast.ChannelRoom(channelID), protocol.EventTypingUpdate, payload); err != nil {
		h.log.Error().Err(err).Msg("failed to publish typing update")
	}
}

// pubsubEnvelope mirrors broadcast.Publisher's wire format.
type pubsubEnvelope struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

// handlePubSubEvent fans a cross-node room event out to every local socket subscribed to that room, appending it to
// each socket's resumable replay buffer for durable event types.
func (h *Hub) handlePubSubEvent(ctx context.Context, room, payload string) {
	var env pubsubEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Error().Err(err).Msg("failed to decode pub/sub envelope")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	durable := isDurableEvent(env.Type)
	for _, client := range clients {
		seq := client.nextSeq()
		var frame protocol.Frame
		if durable {
			frame = protocol.NewDispatchFrame(seq, env.Type, env.Data)
		} else {
			frame = protocol.NewEphemeralFrame(env.Type, env.Data)
		}
		encoded := mustFrame(frame)
		client.enqueue(encoded)
		if durable {
			if err := h.gwSessions.AppendReplay(ctx, client.SessionID(), seq, encoded); err != nil {
				h.log.Error().Err(err).Msg("failed to append replay buffer")
			}
		}
	}
}

func isDurableEvent(eventType string) bool {
	switch eventType {
	case protocol.EventTypingUpdate, protocol.EventPresenceOnline, protocol.EventPresenceOffline:
		return false
	default:
		return true
	}
}

// Shutdown drains every locally-connected client: it sends each socket a CloseGoingAway close frame, then closes its
// send queue and the socket itself. Each socket's read loop then exits and unregisters, which releases its session
// row. No per-socket state is recorded beyond that.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0)
	for _, devices := range h.clients {
		for _, c := range devices {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server draining")
		_ = client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		client.closeSend()
		_ = client.conn.Close()
	}
}

// ClientCount returns the number of locally-connected device sockets across all users.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, devices := range h.clients {
		n += len(devices)
	}
	return n
}

func mustFrame(frame protocol.Frame) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil
	}
	return data
}
