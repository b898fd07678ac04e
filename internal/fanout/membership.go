package fanout

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/cache"
)

// Membership keeps a Ring in sync with the fan-out node set registered in
// the cache's `websocket:nodes` set, propagating local join/leave via
// pub/sub so every node's ring converges (spec.md §4.12: "eventually
// consistent across processes").
type Membership struct {
	cache  *cache.Cache
	ring   *Ring
	nodeID string
	log    zerolog.Logger
}

// NewMembership constructs a Membership over the given Ring.
func NewMembership(c *cache.Cache, ring *Ring, nodeID string, log zerolog.Logger) *Membership {
	return &Membership{cache: c, ring: ring, nodeID: nodeID, log: log.With().Str("component", "fanout_membership").Logger()}
}

type membershipEvent struct {
	Node string `json:"node"`
}

// Join registers this node in the cache set, seeds the local ring from the
// current set membership, and publishes a join notification for peers.
func (m *Membership) Join(ctx context.Context) error {
	existing, err := m.cache.SMembers(ctx, cache.WebsocketNodesSetKey)
	if err != nil {
		return err
	}
	for _, n := range existing {
		m.ring.Join(n)
	}
	m.ring.Join(m.nodeID)

	if err := m.cache.SAdd(ctx, cache.WebsocketNodesSetKey, m.nodeID); err != nil {
		return err
	}
	return m.publish(ctx, cache.WebsocketNodeJoinChan)
}

// Leave deregisters this node and notifies peers, used on graceful
// shutdown so in-flight assessments are promptly reassigned.
func (m *Membership) Leave(ctx context.Context) error {
	if err := m.cache.SRem(ctx, cache.WebsocketNodesSetKey, m.nodeID); err != nil {
		return err
	}
	return m.publish(ctx, cache.WebsocketNodeLeaveChan)
}

func (m *Membership) publish(ctx context.Context, channel string) error {
	body, err := json.Marshal(membershipEvent{Node: m.nodeID})
	if err != nil {
		return err
	}
	return m.cache.Publish(ctx, channel, string(body))
}

// Watch subscribes to the join/leave channels and applies every
// notification to the local ring until ctx is cancelled. Run it in its own
// goroutine alongside the heartbeat and router loops.
func (m *Membership) Watch(ctx context.Context) {
	joinSub := m.cache.Subscribe(ctx, cache.WebsocketNodeJoinChan)
	leaveSub := m.cache.Subscribe(ctx, cache.WebsocketNodeLeaveChan)
	defer joinSub.Close()
	defer leaveSub.Close()

	joinCh := joinSub.Channel()
	leaveCh := leaveSub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-joinCh:
			var evt membershipEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				m.log.Warn().Err(err).Msg("malformed join notification")
				continue
			}
			m.ring.Join(evt.Node)
			m.log.Info().Str("node", evt.Node).Msg("ring: node joined")
		case msg := <-leaveCh:
			var evt membershipEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				m.log.Warn().Err(err).Msg("malformed leave notification")
				continue
			}
			m.ring.Leave(evt.Node)
			m.log.Info().Str("node", evt.Node).Msg("ring: node left")
		}
	}
}
