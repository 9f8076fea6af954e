package gateway

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/event"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound frame.
	maxMessageSize = 32 * 1024

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// typingDebounce is how long a connection suppresses repeat typing_start
	// dispatches for the same channel.
	typingDebounce = 5 * time.Second
)

// Connection represents a single authenticated or pre-auth WebSocket socket.
// Each connection runs two goroutines, readPump and writePump, and talks to
// the Hub only through its exported methods; no connection ever locks
// another connection's state.
type Connection struct {
	hub  *Hub
	conn *websocket.Conn
	ip   string
	log  zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu              sync.Mutex
	userID          int64
	session         *SessionState
	identified      bool
	protocolVersion int
	compress        bool
	encoder         *zstd.Encoder

	typingMu   sync.Mutex
	typingLast map[string]time.Time
}

func newConnection(hub *Hub, conn *websocket.Conn, ip string, compress bool, logger zerolog.Logger) *Connection {
	c := &Connection{
		hub:        hub,
		conn:       conn,
		ip:         ip,
		log:        logger,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		compress:   compress,
		typingLast: make(map[string]time.Time),
	}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err == nil {
			c.encoder = enc
		} else {
			c.compress = false
		}
	}
	return c
}

func (c *Connection) closeSignal() { c.closeOnce.Do(func() { close(c.done) }) }

// UserID returns the authenticated user, or zero before identify completes.
func (c *Connection) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// IsIdentified reports whether identify/resume has completed.
func (c *Connection) IsIdentified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identified
}

// SessionID returns the connection's session identifier, if any.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

func (c *Connection) setAuthenticated(userID int64, session *SessionState, protocolVersion int) {
	c.mu.Lock()
	c.userID = userID
	c.session = session
	c.identified = true
	c.protocolVersion = protocolVersion
	c.mu.Unlock()
}

// SendEvent assigns the next sequence number from the connection's session
// and transmits evt. Swallows encode failures beyond logging them, per the
// dispatch contract's per-connection error isolation.
func (c *Connection) SendEvent(evt event.Event) {
	session := c.currentSession()
	if session == nil {
		return
	}
	seq := session.allocateSeq()
	frame, err := NewDispatchFrame(seq, evt)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(evt.Type)).Msg("failed to encode dispatch frame")
		return
	}
	// Record the encoded frame, not just the raw event, so replay resends byte-identical payloads.
	session.recordReplay(seq, frame)
	c.enqueue(frame)
}

func (c *Connection) currentSession() *SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// enqueue writes a pre-encoded frame to the connection's send buffer,
// compressing it first if negotiated. A full buffer indicates a stalled
// peer; rather than block the hub, the connection is closed.
func (c *Connection) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	if c.compress && c.encoder != nil {
		payload = c.encoder.EncodeAll(payload, nil)
	}

	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.log.Warn().Msg("send buffer full, closing connection")
		c.closeSignal()
	}
}

func (c *Connection) messageType() int {
	if c.compress {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// readPump reads frames from the socket and routes them by type. It owns
// closing conn when the loop exits, whatever the reason.
func (c *Connection) readPump() {
	h := c.hub
	defer func() {
		h.onClose(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(maxMessageSize))
	heartbeatWindow := time.Duration(float64(c.hub.cfg.HeartbeatInterval) * 1.5)
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatWindow))

	identifyTimer := time.AfterFunc(c.hub.cfg.IdentifyTimeout, func() {
		if !c.IsIdentified() {
			c.closeWithCode(CloseNotAuthenticated, "identify timeout")
			c.closeSignal()
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		switch frame.Type {
		case frameHeartbeat:
			h.onHeartbeat(c, heartbeatWindow)
		case frameIdentify:
			identifyTimer.Stop()
			if closed := h.onIdentify(c, frame.Data); closed {
				return
			}
		case frameResume:
			identifyTimer.Stop()
			if closed := h.onResume(c, frame.Data); closed {
				return
			}
		case "presence_update":
			if closed := h.onPresenceUpdate(c, frame.Data); closed {
				return
			}
		case "typing":
			if closed := h.onTyping(c, frame.Data); closed {
				return
			}
		case "voice_state_update":
			if closed := h.onVoiceStateUpdate(c, frame.Data); closed {
				return
			}
		case "mls_relay", "cpace_relay":
			if closed := h.onRelay(c, frame.Type, frame.Data); closed {
				return
			}
		case "voice_codec_neg", "stage_response":
			if closed := h.onRoomScoped(c, frame.Type, frame.Data); closed {
				return
			}
		default:
			// Unknown types are silently ignored rather than closing the connection.
		}
	}
}

// writePump drains the send channel to the socket. It exits when done is
// closed, flushing whatever is already buffered first.
func (c *Connection) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.messageType(), msg); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(c.messageType(), msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// debounceTyping reports whether a typing_start should fire for kind/id,
// i.e. the last one for this (kind, id) pair on this connection was more
// than typingDebounce ago.
func (c *Connection) debounceTyping(kind string, id int64) bool {
	key := kind + ":" + strconv.FormatInt(id, 10)
	now := time.Now()

	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	if last, ok := c.typingLast[key]; ok && now.Sub(last) < typingDebounce {
		return false
	}
	c.typingLast[key] = now
	return true
}
