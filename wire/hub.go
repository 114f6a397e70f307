package wire

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HubConfig configures a session hub.
type HubConfig struct {
	SessionID string
	// ReplaySize bounds the in-memory replay log.
	ReplaySize int
	// QueueSize bounds each connection's outbound queue.
	QueueSize int
	// Record, when set, receives every broadcast message in order for
	// persistence. Failures are the recorder's problem; delivery does not
	// wait on it beyond the call itself.
	Record func(Message)
	Logger *zap.Logger
}

// Hub fans session traffic out to any number of observer connections. It
// stamps a session-monotonic seq on every outbound event and request, keeps
// a bounded replay ring, and forwards inbound domain commands to the engine.
// Producers never block on observers: slow connections drop oldest-first
// with gap markers.
type Hub struct {
	cfg HubConfig
	log *zap.Logger

	mu     sync.Mutex
	seq    uint64
	replay *ring
	conns  map[string]*Conn
	closed bool

	commands chan Message
	done     chan struct{}
}

// NewHub creates a hub for one session.
func NewHub(cfg HubConfig) *Hub {
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = 1024
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		cfg:      cfg,
		log:      cfg.Logger.With(zap.String("session_id", cfg.SessionID)),
		replay:   newRing(cfg.ReplaySize),
		conns:    make(map[string]*Conn),
		commands: make(chan Message, 64),
		done:     make(chan struct{}),
	}
}

// Commands returns the stream of inbound domain commands (user_input,
// cancel, approval_decision). Protocol-level commands (initialize,
// replay_from) are handled inside the hub and never appear here.
func (h *Hub) Commands() <-chan Message {
	return h.commands
}

// Done is closed when the hub shuts down.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// LastSeq returns the seq of the most recent broadcast.
func (h *Hub) LastSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// ConnCount returns the number of attached connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Seed preloads the replay ring with already-stamped messages from a
// previous process and continues seq numbering after the highest seed.
// Call it before the first Broadcast; seeded messages do not reach the
// recorder, they are already persisted.
func (h *Hub) Seed(msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		if m.Seq == 0 {
			continue
		}
		h.replay.append(m)
		if m.Seq > h.seq {
			h.seq = m.Seq
		}
	}
}

// Broadcast stamps the message and delivers it to the replay log, the
// recorder, and every initialized connection whose negotiated version admits
// the kind. It returns the stamped seq, 0 if the hub is closed.
//
// Fan-out happens under the hub lock so a concurrent replay splice can never
// duplicate or miss a message at the live seam.
func (h *Hub) Broadcast(m Message) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	h.seq++
	m.Seq = h.seq
	m.TS = time.Now()
	h.replay.append(m)
	if h.cfg.Record != nil {
		h.cfg.Record(m)
	}
	for _, c := range h.conns {
		if st := c.State(); st != StateStreaming && st != StateReplaying {
			continue
		}
		if !m.VisibleAt(c.Version()) {
			continue
		}
		c.push(m)
	}
	return m.Seq
}

// Reply delivers a message directly to the connection a command arrived on.
// It reports false when that connection is gone.
func (h *Hub) Reply(connID string, m Message) bool {
	h.mu.Lock()
	c := h.conns[connID]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	if m.TS.IsZero() {
		m.TS = time.Now()
	}
	c.push(m)
	return true
}

// Attach registers a transport as a new connection and starts its pump and
// read loop. The connection starts in Connecting and must initialize before
// it sees any traffic.
func (h *Hub) Attach(t Transport) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		hub:       h,
		transport: t,
		state:     StateConnecting,
		signal:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
		max:       h.cfg.QueueSize,
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return c
	}
	h.conns[c.ID] = c
	h.mu.Unlock()

	h.log.Debug("connection attached", zap.String("conn_id", c.ID))
	go c.pump()
	go h.readLoop(c)
	return c
}

// Close ends the session: broadcasts session_end, flushes and closes every
// connection, and releases command consumers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.seq++
	end := Event(KindSessionEnd, map[string]interface{}{"session_id": h.cfg.SessionID})
	end.Seq = h.seq
	end.TS = time.Now()
	h.replay.append(end)
	if h.cfg.Record != nil {
		h.cfg.Record(end)
	}
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		c.push(end)
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()

	close(h.done)
	for _, c := range conns {
		c.close()
	}
	h.log.Debug("hub closed")
}

func (h *Hub) readLoop(c *Conn) {
	for {
		m, err := c.transport.Recv()
		if err != nil {
			h.detach(c, err)
			return
		}
		m.Origin = c.ID
		h.handle(c, m)
	}
}

func (h *Hub) detach(c *Conn, err error) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	h.mu.Unlock()
	c.close()
	h.log.Debug("connection detached", zap.String("conn_id", c.ID), zap.Error(err))
}

// handle dispatches one inbound message. Violations get a protocol_error
// reply on the offending connection; the connection stays open.
func (h *Hub) handle(c *Conn, m Message) {
	if m.Class != ClassCommand {
		h.replyError(c, m, "inbound messages must be commands")
		return
	}
	switch m.Kind {
	case KindInitialize:
		h.handleInitialize(c, m)
	case KindReplayFrom:
		h.handleReplayFrom(c, m)
	case KindUserInput, KindCancel, KindApprovalDecision:
		if st := c.State(); st != StateStreaming && st != StateReplaying {
			h.replyError(c, m, "connection not initialized")
			return
		}
		select {
		case h.commands <- m:
		case <-h.done:
		}
	case kindMalformed:
		h.replyError(c, m, "malformed message")
	default:
		h.replyError(c, m, fmt.Sprintf("unknown command kind %q", m.Kind))
	}
}

func (h *Hub) handleInitialize(c *Conn, m Message) {
	if c.State() != StateConnecting {
		h.replyError(c, m, "already initialized")
		return
	}
	clientVersion, ok := dataInt(m.Data, "version")
	if !ok {
		h.replyError(c, m, "initialize requires a version")
		return
	}
	if clientVersion < MinVersion {
		h.replyError(c, m, fmt.Sprintf("protocol version %d is below minimum %d", clientVersion, MinVersion))
		return
	}
	negotiated := clientVersion
	if negotiated > CurrentVersion {
		negotiated = CurrentVersion
	}

	c.mu.Lock()
	c.version = negotiated
	c.state = StateInitialized
	c.mu.Unlock()

	ack := Event(KindInitialized, map[string]interface{}{
		"version":    negotiated,
		"session_id": h.cfg.SessionID,
		"last_seq":   h.LastSeq(),
	})
	ack.TS = time.Now()
	c.push(ack)
	c.setState(StateStreaming)
	h.log.Debug("connection initialized",
		zap.String("conn_id", c.ID),
		zap.Int("version", negotiated))
}

// handleReplayFrom re-delivers the retained history after the given seq and
// resumes live streaming. Clearing the queue and splicing happen under the
// hub lock, so the replayed suffix and subsequent live messages form one
// contiguous stream with no duplicate and no hole at the seam.
func (h *Hub) handleReplayFrom(c *Conn, m Message) {
	if st := c.State(); st != StateStreaming && st != StateReplaying {
		h.replyError(c, m, "connection not initialized")
		return
	}
	seq, ok := dataUint(m.Data, "seq")
	if !ok {
		h.replyError(c, m, "replay_from requires a seq")
		return
	}

	h.mu.Lock()
	c.setState(StateReplaying)
	c.clearQueue()
	msgs, purged := h.replay.after(seq)
	if purged {
		gap := Event(KindGap, map[string]interface{}{
			"reason":   "purged",
			"from_seq": seq + 1,
		})
		gap.TS = time.Now()
		c.push(gap)
	}
	for _, pm := range msgs {
		if pm.VisibleAt(c.Version()) {
			c.push(pm)
		}
	}
	c.setState(StateStreaming)
	h.mu.Unlock()
}

func (h *Hub) replyError(c *Conn, offending Message, reason string) {
	e := Event(KindProtocolError, map[string]interface{}{
		"reason": reason,
		"kind":   string(offending.Kind),
	})
	e.CorrelationID = offending.CorrelationID
	e.TS = time.Now()
	c.push(e)
	h.log.Debug("protocol error",
		zap.String("conn_id", c.ID),
		zap.String("reason", reason))
}

func dataInt(data map[string]interface{}, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case uint64:
		return int(v), true
	}
	return 0, false
}

func dataUint(data map[string]interface{}, key string) (uint64, bool) {
	switch v := data[key].(type) {
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}
