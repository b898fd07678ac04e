package fanout

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/vaticlabs/vatic/internal/modules/auth"
)

// Server accepts `GET /ws?token=…&assessmentId=…` upgrades, enforces node
// ownership via the ring, and registers accepted connections with a Hub
// (spec.md §4.11, §6 "WebSocket (fan-out)").
type Server struct {
	hub               *Hub
	ring              *Ring
	auth              *auth.Service
	nodeID            string
	heartbeatInterval time.Duration
	connectionTimeout time.Duration
	log               zerolog.Logger
}

// NewServer constructs a Server.
func NewServer(hub *Hub, ring *Ring, authSvc *auth.Service, nodeID string, heartbeatInterval, connectionTimeout time.Duration, log zerolog.Logger) *Server {
	return &Server{
		hub: hub, ring: ring, auth: authSvc, nodeID: nodeID,
		heartbeatInterval: heartbeatInterval, connectionTimeout: connectionTimeout,
		log: log.With().Str("component", "fanout_server").Logger(),
	}
}

// ServeHTTP implements the `/ws` upgrade endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	assessmentID := r.URL.Query().Get("assessmentId")

	user, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid or expired session", http.StatusUnauthorized)
		return
	}

	if assessmentID != "" {
		if owner, ok := s.ring.NodeFor(assessmentID); ok && owner != s.nodeID {
			conn, acceptErr := websocket.Accept(w, r, nil)
			if acceptErr != nil {
				return
			}
			conn.Close(websocket.StatusPolicyViolation, "wrong node, redirect to "+owner)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	connID := uuid.NewString()
	c := newConnection(connID, user.ID, assessmentID, conn)
	s.hub.Register(c)
	s.log.Info().Str("connection_id", connID).Str("user_id", user.ID).Str("assessment_id", assessmentID).Msg("connection accepted")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := c.writeJSON(ctx, connectedFrame{Type: "connected", ConnectionID: connID, UserID: user.ID}); err != nil {
		s.hub.Unregister(connID)
		conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.readPump(ctx, c)
}

type connectedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// readPump reads until the client disconnects or the connection is swept
// by the heartbeat loop. Client→server traffic is `pong` only (spec.md §6);
// any received frame refreshes lastHeartbeat.
func (s *Server) readPump(ctx context.Context, c *Connection) {
	defer func() {
		s.hub.Unregister(c.ID)
		duration := time.Since(c.ConnectedAt)
		s.log.Info().Str("connection_id", c.ID).Dur("duration", duration).Msg("connection closed")
	}()

	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug().Err(err).Str("connection_id", c.ID).Msg("read loop ended")
			return
		}
		s.hub.Touch(c.ID)
	}
}
