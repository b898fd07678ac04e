package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// writeWait bounds a single outbound frame write (mirrors the teacher's
// tradernet client constant of the same name).
const writeWait = 10 * time.Second

// Connection is one accepted WebSocket client, scoped to a user and
// optionally pinned to a single assessment (spec.md §4.11: "per-connection
// {userId, assessmentId?, connectedAt, lastHeartbeat}").
type Connection struct {
	ID            string
	UserID        string
	AssessmentID  string
	ConnectedAt   time.Time
	conn          *websocket.Conn
	mu            sync.Mutex
	lastHeartbeat time.Time
}

func newConnection(id, userID, assessmentID string, conn *websocket.Conn) *Connection {
	now := time.Now().UTC()
	return &Connection{
		ID: id, UserID: userID, AssessmentID: assessmentID,
		ConnectedAt: now, conn: conn, lastHeartbeat: now,
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeartbeat)
}

func (c *Connection) writeJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, body)
}

// Hub tracks every connection accepted by this fan-out node and routes
// outbound frames to the subset scoped to a given assessment, or to all
// connections for unscoped broadcasts (spec.md §4.11).
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	log         zerolog.Logger
}

// NewHub constructs an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		log:         log.With().Str("component", "fanout_hub").Logger(),
	}
}

// Register adds a connection to the table.
func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	h.connections[c.ID] = c
	h.mu.Unlock()
}

// Unregister removes a connection from the table. Idempotent.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.connections, id)
	h.mu.Unlock()
}

// Touch refreshes a connection's lastHeartbeat, e.g. on receipt of a pong.
func (h *Hub) Touch(id string) {
	h.mu.RLock()
	c, ok := h.connections[id]
	h.mu.RUnlock()
	if ok {
		c.touch()
	}
}

// Count returns the number of connections currently registered.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		out = append(out, c)
	}
	return out
}

// BroadcastAll sends v to every connection on this node (spec.md §4.11's
// `market_price` frames, which are not assessment-scoped).
func (h *Hub) BroadcastAll(ctx context.Context, v any) {
	for _, c := range h.snapshot() {
		if err := c.writeJSON(ctx, v); err != nil {
			h.log.Debug().Err(err).Str("connection_id", c.ID).Msg("broadcast write failed")
		}
	}
}

// BroadcastAssessment sends v to every connection pinned to assessmentID.
func (h *Hub) BroadcastAssessment(ctx context.Context, assessmentID string, v any) {
	for _, c := range h.snapshot() {
		if c.AssessmentID != assessmentID {
			continue
		}
		if err := c.writeJSON(ctx, v); err != nil {
			h.log.Debug().Err(err).Str("connection_id", c.ID).Msg("assessment broadcast write failed")
		}
	}
}

// RunHeartbeat walks the connection table every interval: connections idle
// longer than timeout are closed with "heartbeat timeout" (close code 1000
// per spec.md §6); everyone else is sent a `ping` frame and expected to
// reply `pong`, which refreshes lastHeartbeat via Touch.
func (h *Hub) RunHeartbeat(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx, timeout)
		}
	}
}

func (h *Hub) sweep(ctx context.Context, timeout time.Duration) {
	for _, c := range h.snapshot() {
		if c.idleSince() > timeout {
			h.log.Info().Str("connection_id", c.ID).Str("user_id", c.UserID).Msg("closing idle connection, heartbeat timeout")
			_ = c.conn.Close(websocket.StatusNormalClosure, "Heartbeat timeout")
			h.Unregister(c.ID)
			continue
		}
		if err := c.writeJSON(ctx, pingFrame); err != nil {
			h.log.Debug().Err(err).Str("connection_id", c.ID).Msg("ping write failed")
		}
	}
}

var pingFrame = map[string]string{"type": "ping"}
