package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/config"
	"github.com/voxchat/voxd/internal/event"
)

const minProtocolVersion, maxProtocolVersion = 1, 1

// Authenticator resolves an opaque bearer token into the user it belongs to.
// Identify and resume both go through it; it is the gateway's only dependency
// on the token store.
type Authenticator interface {
	ValidateSessionToken(ctx context.Context, token string) (userID int64, err error)
}

// UserDirectory supplies the profile fields the ready payload needs.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID int64) (string, error)
}

// PresenceRecord is a user's last known presence status.
type PresenceRecord struct {
	Status    string
	UpdatedAt time.Time
}

// VoiceState is one user's last known voice presence. A nil RoomID means the
// user is not connected to any room.
type VoiceState struct {
	UserID   int64  `json:"user_id"`
	RoomID   *int64 `json:"room_id"`
	SelfMute bool   `json:"self_mute"`
	SelfDeaf bool   `json:"self_deaf"`
}

// Hub is the process-wide registry of live connections, sessions, presence
// and voice state. A single mutex guards the registry; per-connection state
// is owned exclusively by that connection's own goroutines.
type Hub struct {
	mu sync.Mutex

	connections   map[int64]map[*Connection]struct{}
	totalRaw      int
	ipConnections map[string]int
	authFailures  map[string][]time.Time

	presence   map[int64]PresenceRecord
	voiceState map[int64]VoiceState

	sessions *SessionStore
	cfg      *config.Config
	auth     Authenticator
	users    UserDirectory
	log      zerolog.Logger

	presenceNotifier PresenceNotifier
}

// PresenceNotifier pushes a local user's presence change out to any
// federated servers subscribed to it. Left unset, presence changes stay
// local, which is the correct behavior when nothing has subscribed.
type PresenceNotifier interface {
	NotifyPresence(userID int64, status string)
}

// SetPresenceNotifier installs the hook the hub calls on every local
// presence transition. Safe to call once during startup wiring.
func (h *Hub) SetPresenceNotifier(n PresenceNotifier) {
	h.mu.Lock()
	h.presenceNotifier = n
	h.mu.Unlock()
}

func (h *Hub) notifyPresence(userID int64, status string) {
	h.mu.Lock()
	n := h.presenceNotifier
	h.mu.Unlock()
	if n != nil {
		n.NotifyPresence(userID, status)
	}
}

// NewHub constructs an empty hub.
func NewHub(cfg *config.Config, auth Authenticator, users UserDirectory, logger zerolog.Logger) *Hub {
	return &Hub{
		connections:   make(map[int64]map[*Connection]struct{}),
		ipConnections: make(map[string]int),
		authFailures:  make(map[string][]time.Time),
		presence:      make(map[int64]PresenceRecord),
		voiceState:    make(map[int64]VoiceState),
		sessions:      NewSessionStore(cfg.PreservedSessionTTL, cfg.ReplayBufferSize),
		cfg:           cfg,
		auth:          auth,
		users:         users,
		log:           logger,
	}
}

// AdmitRaw reserves a connection slot for ip before the upgrade completes.
// Unlike per-user admission this happens before the peer has identified, so
// it only enforces the total and per-IP caps.
func (h *Hub) AdmitRaw(ip string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.totalRaw >= h.cfg.MaxTotalConnections {
		return ErrMaxConnections
	}
	if h.ipConnections[ip] >= h.cfg.MaxConnectionsPerIP {
		return ErrMaxConnections
	}
	h.totalRaw++
	h.ipConnections[ip]++
	return nil
}

// ReleaseRaw releases the slot reserved by AdmitRaw.
func (h *Hub) ReleaseRaw(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalRaw--
	if h.ipConnections[ip] <= 1 {
		delete(h.ipConnections, ip)
	} else {
		h.ipConnections[ip]--
	}
}

func (h *Hub) registerUser(userID int64, conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[userID]
	if len(set) >= h.cfg.MaxConnectionsPerUser {
		return ErrMaxConnections
	}
	if set == nil {
		set = make(map[*Connection]struct{})
		h.connections[userID] = set
	}
	set[conn] = struct{}{}
	return nil
}

// unregisterUser removes conn from userID's connection set and reports
// whether it was the user's last live connection.
func (h *Hub) unregisterUser(userID int64, conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[userID]
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, userID)
		return true
	}
	return false
}

func (h *Hub) connectionsForUser(userID int64) []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Connection, 0, len(h.connections[userID]))
	for conn := range h.connections[userID] {
		out = append(out, conn)
	}
	return out
}

// AllConnections returns a snapshot of every live connection.
func (h *Hub) AllConnections() []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Connection
	for _, set := range h.connections {
		for conn := range set {
			out = append(out, conn)
		}
	}
	return out
}

// AllConnectionsExcept returns a snapshot of every live connection not
// belonging to userID.
func (h *Hub) AllConnectionsExcept(userID int64) []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Connection
	for uid, set := range h.connections {
		if uid == userID {
			continue
		}
		for conn := range set {
			out = append(out, conn)
		}
	}
	return out
}

// ConnectionsForUsers returns a snapshot of every live connection belonging
// to any of userIDs.
func (h *Hub) ConnectionsForUsers(userIDs []int64) []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Connection
	for _, uid := range userIDs {
		for conn := range h.connections[uid] {
			out = append(out, conn)
		}
	}
	return out
}

// Broadcast fans evt out to every live connection concurrently, swallowing
// any per-connection failure.
func (h *Hub) Broadcast(evt event.Event) {
	fanOut(h.AllConnections(), evt)
}

// SendToUsers fans evt out to every live connection of the given users.
func (h *Hub) SendToUsers(userIDs []int64, evt event.Event) {
	fanOut(h.ConnectionsForUsers(userIDs), evt)
}

func fanOut(conns []*Connection, evt event.Event) {
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			defer func() { _ = recover() }()
			c.SendEvent(evt)
		}(conn)
	}
	wg.Wait()
}

// ClientCount returns the number of distinct users with at least one live connection.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

func (h *Hub) setPresence(userID int64, status string) {
	h.mu.Lock()
	h.presence[userID] = PresenceRecord{Status: status, UpdatedAt: time.Now()}
	h.mu.Unlock()
}

func (h *Hub) clearPresence(userID int64) {
	h.mu.Lock()
	delete(h.presence, userID)
	h.mu.Unlock()
}

// presenceSnapshotExcept returns the current presence of every known user
// other than userID, for seeding a newly identified connection.
func (h *Hub) presenceSnapshotExcept(userID int64) map[int64]PresenceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int64]PresenceRecord, len(h.presence))
	for uid, rec := range h.presence {
		if uid == userID {
			continue
		}
		out[uid] = rec
	}
	return out
}

func (h *Hub) setVoiceState(vs VoiceState) {
	h.mu.Lock()
	if vs.RoomID == nil {
		delete(h.voiceState, vs.UserID)
	} else {
		h.voiceState[vs.UserID] = vs
	}
	h.mu.Unlock()
}

func (h *Hub) clearVoiceState(userID int64) (was VoiceState, existed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	was, existed = h.voiceState[userID]
	delete(h.voiceState, userID)
	return was, existed
}

func (h *Hub) roomMembers(roomID int64) []VoiceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []VoiceState
	for _, vs := range h.voiceState {
		if vs.RoomID != nil && *vs.RoomID == roomID {
			out = append(out, vs)
		}
	}
	return out
}

// ServeWebSocket runs a single connection's lifecycle to completion. Callers
// hand it an already-upgraded *websocket.Conn; it returns once the
// connection is closed.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, ip string, compress bool) {
	if err := h.AdmitRaw(ip); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnknownError, "too many connections"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer h.ReleaseRaw(ip)

	c := newConnection(h, conn, ip, compress, h.log)

	hello, err := NewHelloFrame(h.cfg.HeartbeatInterval.Milliseconds())
	if err != nil {
		_ = conn.Close()
		return
	}
	c.enqueue(hello)

	go c.writePump()
	c.readPump()
}

// onHeartbeat resets the connection's read deadline and replies with an
// unsequenced heartbeat_ack.
func (h *Hub) onHeartbeat(c *Connection, window time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(window))
	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		return
	}
	c.enqueue(ack)
}

// onIdentify authenticates a fresh connection. Returns true if the
// connection was closed as a result (caller must stop reading).
func (h *Hub) onIdentify(c *Connection, data json.RawMessage) bool {
	if c.IsIdentified() {
		c.closeWithCode(CloseAlreadyAuth, "already identified")
		return true
	}

	var payload IdentifyPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid identify payload")
		return true
	}
	if payload.Token == "" {
		c.closeWithCode(CloseAuthFailed, "token required")
		return true
	}
	if !acceptableProtocolVersion(payload.ProtocolVersion) {
		c.closeWithCode(CloseVersionMismatch, "unsupported protocol_version")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	userID, err := h.auth.ValidateSessionToken(ctx, payload.Token)
	cancel()
	if err != nil {
		c.closeWithCode(CloseAuthFailed, "invalid token")
		return true
	}

	if err := h.registerUser(userID, c); err != nil {
		c.closeWithCode(CloseUnknownError, "too many sessions")
		return true
	}

	session := h.sessions.Create(userID)
	version := 1
	if payload.ProtocolVersion != nil {
		version = *payload.ProtocolVersion
	}
	c.setAuthenticated(userID, session, version)

	displayName := ""
	if h.users != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		displayName, _ = h.users.DisplayName(ctx, userID)
		cancel()
	}

	seq := session.allocateSeq()
	ready, err := NewReadyFrame(seq, ReadyPayload{
		SessionID:       session.ID,
		UserID:          userID,
		DisplayName:     displayName,
		ServerName:      h.cfg.ServerName,
		ServerTimeMS:    time.Now().UnixMilli(),
		ProtocolVersion: version,
		Capabilities:    []string{"mls_relay", "cpace_relay", "voice"},
	})
	if err == nil {
		session.recordReplay(seq, ready)
		c.enqueue(ready)
	}

	h.setPresence(userID, "online")
	fanOut(h.AllConnectionsExcept(userID), event.New(event.TypePresenceUpdate, map[string]any{"user_id": userID, "status": "online"}))
	h.notifyPresence(userID, "online")

	for otherID, rec := range h.presenceSnapshotExcept(userID) {
		c.SendEvent(event.New(event.TypePresenceUpdate, map[string]any{"user_id": otherID, "status": rec.Status}))
	}

	return false
}

// onResume re-attaches a connection to a preserved session.
func (h *Hub) onResume(c *Connection, data json.RawMessage) bool {
	if c.IsIdentified() {
		c.closeWithCode(CloseAlreadyAuth, "already identified")
		return true
	}

	var payload ResumePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid resume payload")
		return true
	}
	if payload.Token == "" || payload.SessionID == "" {
		c.closeWithCode(CloseAuthFailed, "token and session_id required")
		return true
	}
	if !acceptableProtocolVersion(payload.ProtocolVersion) {
		c.closeWithCode(CloseVersionMismatch, "unsupported protocol_version")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	userID, err := h.auth.ValidateSessionToken(ctx, payload.Token)
	cancel()
	if err != nil {
		c.closeWithCode(CloseAuthFailed, "invalid token")
		return true
	}

	session, ok := h.sessions.Get(payload.SessionID)
	if !ok {
		c.closeWithCode(CloseSessionExpired, "session not found or expired")
		return true
	}
	if session.UserID != userID {
		c.closeWithCode(CloseAuthFailed, "session belongs to a different user")
		return true
	}

	frames, ok := session.replaySince(payload.LastSeq)
	if !ok {
		h.sessions.Delete(session.ID)
		c.closeWithCode(CloseReplayExhausted, "last_seq outside replay window")
		return true
	}

	if err := h.registerUser(userID, c); err != nil {
		c.closeWithCode(CloseUnknownError, "too many sessions")
		return true
	}

	version := 1
	if payload.ProtocolVersion != nil {
		version = *payload.ProtocolVersion
	}
	c.setAuthenticated(userID, session, version)
	session.markReattached()

	for _, frame := range frames {
		c.enqueue(frame)
	}
	resumed, err := NewResumedFrame()
	if err == nil {
		c.enqueue(resumed)
	}
	return false
}

func acceptableProtocolVersion(v *int) bool {
	if v == nil {
		return true
	}
	return *v >= minProtocolVersion && *v <= maxProtocolVersion
}

// onPresenceUpdate validates and stores a client-reported presence status.
func (h *Hub) onPresenceUpdate(c *Connection, data json.RawMessage) bool {
	if !c.IsIdentified() {
		c.closeWithCode(CloseNotAuthenticated, "not identified")
		return true
	}
	var payload PresenceUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid presence payload")
		return true
	}
	switch payload.Status {
	case "online", "idle", "dnd", "invisible":
	default:
		c.closeWithCode(CloseDecodeError, "invalid status value")
		return true
	}

	h.setPresence(c.UserID(), payload.Status)
	broadcastStatus := payload.Status
	if broadcastStatus == "invisible" {
		broadcastStatus = "offline"
	}
	h.Broadcast(event.New(event.TypePresenceUpdate, map[string]any{"user_id": c.UserID(), "status": broadcastStatus}))
	h.notifyPresence(c.UserID(), broadcastStatus)
	return false
}

// onTyping debounces and dispatches a typing_start for the current connection.
func (h *Hub) onTyping(c *Connection, data json.RawMessage) bool {
	if !c.IsIdentified() {
		c.closeWithCode(CloseNotAuthenticated, "not identified")
		return true
	}
	var payload TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid typing payload")
		return true
	}
	if !c.debounceTyping(payload.ChannelKind, payload.ChannelID) {
		return false
	}
	h.Broadcast(event.New(event.TypeTypingStart, map[string]any{
		"user_id":      c.UserID(),
		"channel_kind": payload.ChannelKind,
		"channel_id":   payload.ChannelID,
	}))
	return false
}

// onVoiceStateUpdate mutates the caller's voice state and broadcasts the
// affected room's new member list.
func (h *Hub) onVoiceStateUpdate(c *Connection, data json.RawMessage) bool {
	if !c.IsIdentified() {
		c.closeWithCode(CloseNotAuthenticated, "not identified")
		return true
	}
	var payload VoiceStateUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid voice state payload")
		return true
	}

	userID := c.UserID()
	prev, hadPrev := h.clearVoiceState(userID)
	vs := VoiceState{UserID: userID, RoomID: payload.RoomID, SelfMute: payload.SelfMute, SelfDeaf: payload.SelfDeaf}
	h.setVoiceState(vs)

	h.broadcastVoiceStateUpdate(vs)
	if hadPrev && prev.RoomID != nil && (payload.RoomID == nil || *prev.RoomID != *payload.RoomID) {
		h.broadcastRoomMembers(*prev.RoomID)
	}
	if payload.RoomID != nil {
		h.broadcastRoomMembers(*payload.RoomID)
	}
	return false
}

func (h *Hub) broadcastVoiceStateUpdate(vs VoiceState) {
	h.Broadcast(event.New(event.TypeVoiceStateUpdate, vs))
}

func (h *Hub) broadcastRoomMembers(roomID int64) {
	h.Broadcast(event.New(event.TypeVoiceStateUpdate, map[string]any{
		"room_id": roomID,
		"members": h.roomMembers(roomID),
	}))
}

// onRelay forwards an end-to-end encrypted blob back to the sender's own
// connections only, after a size check.
func (h *Hub) onRelay(c *Connection, frameType string, data json.RawMessage) bool {
	if !c.IsIdentified() {
		c.closeWithCode(CloseNotAuthenticated, "not identified")
		return true
	}
	if len(data) > h.cfg.MaxFramePayloadBytes {
		c.closeWithCode(CloseDecodeError, "relay payload too large")
		return true
	}
	var payload RelayPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid relay payload")
		return true
	}

	relayData := map[string]any{"data": payload.Data}
	switch frameType {
	case "cpace_relay":
		relayData["cpace_type"] = payload.CPaceType
		relayData["pair_id"] = payload.PairID
		if payload.Nonce != "" {
			relayData["nonce"] = payload.Nonce
		}
	default:
		relayData["mls_type"] = payload.MLSType
	}

	evtType := event.Type(frameType)
	h.SendToUsers([]int64{c.UserID()}, event.New(evtType, relayData))
	return false
}

// onRoomScoped fans an opaque payload out to a room's occupants, or to
// everyone if no room_id is given.
func (h *Hub) onRoomScoped(c *Connection, frameType string, data json.RawMessage) bool {
	if !c.IsIdentified() {
		c.closeWithCode(CloseNotAuthenticated, "not identified")
		return true
	}
	var payload RoomScopedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid payload")
		return true
	}

	evt := event.New(event.Type(frameType), json.RawMessage(data))
	if payload.RoomID == nil {
		h.Broadcast(evt)
		return false
	}
	members := h.roomMembers(*payload.RoomID)
	userIDs := make([]int64, len(members))
	for i, m := range members {
		userIDs[i] = m.UserID
	}
	h.SendToUsers(userIDs, evt)
	return false
}

// onClose runs once a connection's read loop exits, for any reason: cleans
// up voice state, preserves the session, and clears presence if this was the
// user's last connection.
func (h *Hub) onClose(c *Connection) {
	c.closeSignal()
	if !c.IsIdentified() {
		return
	}

	userID := c.UserID()
	if prev, existed := h.clearVoiceState(userID); existed && prev.RoomID != nil {
		h.broadcastVoiceStateUpdate(VoiceState{UserID: userID, RoomID: nil})
		h.broadcastRoomMembers(*prev.RoomID)
	}

	if session := c.currentSession(); session != nil {
		h.sessions.MarkDisconnected(session.ID)
	}

	if h.unregisterUser(userID, c) {
		h.clearPresence(userID)
		h.Broadcast(event.New(event.TypePresenceUpdate, map[string]any{"user_id": userID, "status": "offline"}))
		h.notifyPresence(userID, "offline")
	}
}

// CleanupSessions evicts expired preserved sessions. Intended to run on a
// periodic ticker.
func (h *Hub) CleanupSessions() int {
	return h.sessions.Cleanup()
}

// Shutdown closes every live connection with CloseServerRestart so clients
// know to reconnect rather than treat the drop as an error.
func (h *Hub) Shutdown() {
	for _, conn := range h.AllConnections() {
		conn.closeWithCode(CloseServerRestart, "server restarting")
		conn.closeSignal()
	}
}
