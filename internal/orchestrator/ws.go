package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/strandlabs/lifestrand/internal/fault"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStaleAfter        = 5 * time.Minute
	monitorInterval          = 5 * time.Second
)

// clientMessage is the envelope for everything a client sends.
type clientMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	NPCID   string `json:"npc_id,omitempty"`
}

type connectionEstablished struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

type responseChunk struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk"`
}

type typeOnly struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type npcStatusUpdate struct {
	Type   string `json:"type"`
	NPCID  string `json:"npc_id"`
	Status string `json:"status"`
}

type sessionUpdate struct {
	Type           string    `json:"type"`
	ActiveSessions int       `json:"active_sessions"`
	Sessions       []Session `json:"sessions"`
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// WSServer exposes the chat and monitor WebSocket endpoints.
type WSServer struct {
	mgr    *Manager
	logger *slog.Logger

	heartbeatInterval time.Duration
	staleAfter        time.Duration

	hub *npcHub
}

// WSOption configures a WSServer.
type WSOption func(*WSServer)

// WithHeartbeat overrides the 30s heartbeat and 5min staleness window.
func WithHeartbeat(interval, staleAfter time.Duration) WSOption {
	return func(s *WSServer) {
		s.heartbeatInterval = interval
		s.staleAfter = staleAfter
	}
}

// WithWSLogger sets the logger.
func WithWSLogger(l *slog.Logger) WSOption {
	return func(s *WSServer) { s.logger = l }
}

// NewWSServer wires the WebSocket layer on top of a session Manager.
func NewWSServer(mgr *Manager, opts ...WSOption) *WSServer {
	s := &WSServer{
		mgr:               mgr,
		logger:            slog.Default().With("component", "ws"),
		heartbeatInterval: defaultHeartbeatInterval,
		staleAfter:        defaultStaleAfter,
		hub:               newNPCHub(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NotifyNPCStatus pushes an npc_status_update to every subscribed connection.
func (s *WSServer) NotifyNPCStatus(ctx context.Context, npcID, status string) {
	s.hub.notify(ctx, npcID, status)
}

// HandleSession upgrades GET /ws/{session_id} and runs the chat protocol
// until the client goes away or the session ends.
func (s *WSServer) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	session, err := s.mgr.Get(sessionID)
	if err != nil {
		http.Error(w, fault.Message(err), fault.HTTPStatus(err))
		return
	}

	raw, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close(websocket.StatusNormalClosure, "bye")
	defer s.hub.drop(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := uuid.NewString()
	if err := conn.writeJSON(ctx, connectionEstablished{Type: "connection_established", ConnectionID: connID, UserID: session.UserID}); err != nil {
		return
	}

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	// Reader: pings and subscriptions are handled inline so they stay
	// responsive during a stream; chat messages flow to the main loop.
	inbound := make(chan clientMessage)
	go func() {
		defer cancel()
		defer close(inbound)
		for {
			_, data, err := raw.Read(ctx)
			if err != nil {
				return
			}
			lastSeen.Store(time.Now().UnixNano())

			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				conn.writeJSON(ctx, errorMessage{Type: "error", Message: "malformed message"})
				continue
			}
			switch msg.Type {
			case "ping":
				conn.writeJSON(ctx, typeOnly{Type: "pong"})
			case "subscribe_npc":
				s.hub.subscribe(conn, msg.NPCID)
			case "message":
				select {
				case inbound <- msg:
				case <-ctx.Done():
					return
				}
			default:
				conn.writeJSON(ctx, errorMessage{Type: "error", Message: "unknown message type"})
			}
		}
	}()

	go s.heartbeat(ctx, cancel, raw, &lastSeen)

	for msg := range inbound {
		s.streamResponse(ctx, conn, sessionID, msg.Message)
	}
	// Reader gone: the connection dropped. Abort any in-flight stream so the
	// partial turn is discarded.
	s.mgr.CancelStream(sessionID)
}

// streamResponse runs one message through the manager and forwards buffered
// chunks. One failed stream leaves the session usable.
func (s *WSServer) streamResponse(ctx context.Context, conn *wsConn, sessionID, text string) {
	events, err := s.mgr.ProcessMessage(ctx, sessionID, text)
	if err != nil {
		conn.writeJSON(ctx, errorMessage{Type: "error", Message: fault.Message(err)})
		return
	}

	var buf tokenBuffer
	for ev := range events {
		switch {
		case ev.Err != nil:
			conn.writeJSON(ctx, errorMessage{Type: "error", Message: fault.Message(ev.Err)})
			return
		case ev.Done:
			if residual := buf.drain(); residual != "" {
				if err := conn.writeJSON(ctx, responseChunk{Type: "response_chunk", Chunk: residual}); err != nil {
					s.mgr.CancelStream(sessionID)
					return
				}
			}
			conn.writeJSON(ctx, typeOnly{Type: "response_complete"})
			return
		default:
			chunk, flush := buf.add(ev.Token)
			if !flush {
				continue
			}
			if err := conn.writeJSON(ctx, responseChunk{Type: "response_chunk", Chunk: chunk}); err != nil {
				// Dead socket; stop generating for it.
				s.mgr.CancelStream(sessionID)
				return
			}
		}
	}
}

// heartbeat pings the peer periodically and reaps connections that sent
// nothing within the staleness window.
func (s *WSServer) heartbeat(ctx context.Context, cancel context.CancelFunc, raw *websocket.Conn, lastSeen *atomic.Int64) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastSeen.Load())) > s.staleAfter {
				raw.Close(websocket.StatusPolicyViolation, "stale connection")
				cancel()
				return
			}
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := raw.Ping(pingCtx)
			pingCancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

// HandleMonitor upgrades GET /ws/monitor and pushes a session_update every
// five seconds.
func (s *WSServer) HandleMonitor(w http.ResponseWriter, r *http.Request) {
	raw, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("monitor accept failed", "error", err)
		return
	}
	defer raw.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := &wsConn{conn: raw}

	// Drain client frames so pings and closes are noticed.
	go func() {
		defer cancel()
		for {
			_, data, err := raw.Read(ctx)
			if err != nil {
				return
			}
			var msg clientMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
				conn.writeJSON(ctx, typeOnly{Type: "pong"})
			}
		}
	}()

	send := func() error {
		sessions := s.mgr.Snapshot()
		return conn.writeJSON(ctx, sessionUpdate{
			Type:           "session_update",
			ActiveSessions: len(sessions),
			Sessions:       sessions,
		})
	}
	if err := send(); err != nil {
		return
	}

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────
// NPC status subscriptions
// ──────────────────────────────────────────────────────────────────────────

type npcHub struct {
	mu   sync.Mutex
	subs map[*wsConn]map[string]bool
}

func newNPCHub() *npcHub {
	return &npcHub{subs: make(map[*wsConn]map[string]bool)}
}

func (h *npcHub) subscribe(c *wsConn, npcID string) {
	if npcID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[c] == nil {
		h.subs[c] = make(map[string]bool)
	}
	h.subs[c][npcID] = true
}

func (h *npcHub) drop(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, c)
}

func (h *npcHub) notify(ctx context.Context, npcID, status string) {
	h.mu.Lock()
	var targets []*wsConn
	for c, ids := range h.subs {
		if ids[npcID] {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	msg := npcStatusUpdate{Type: "npc_status_update", NPCID: npcID, Status: status}
	for _, c := range targets {
		c.writeJSON(ctx, msg)
	}
}
