package fanout

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestHub_RegisterUnregister(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := &Connection{ID: "c1", UserID: "u1", ConnectedAt: time.Now().UTC(), lastHeartbeat: time.Now().UTC()}

	h.Register(c)
	assert.Equal(t, 1, h.Count())

	h.Unregister("c1")
	assert.Equal(t, 0, h.Count())
}

func TestHub_Unregister_Unknown_NoOp(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.Unregister("does-not-exist")
	assert.Equal(t, 0, h.Count())
}

func TestHub_Touch_RefreshesHeartbeat(t *testing.T) {
	h := NewHub(zerolog.Nop())
	stale := time.Now().UTC().Add(-time.Hour)
	c := &Connection{ID: "c1", UserID: "u1", ConnectedAt: stale, lastHeartbeat: stale}
	h.Register(c)

	h.Touch("c1")
	assert.Less(t, c.idleSince(), time.Second)
}

func TestConnection_IdleSince(t *testing.T) {
	c := &Connection{lastHeartbeat: time.Now().UTC().Add(-5 * time.Second)}
	assert.GreaterOrEqual(t, c.idleSince(), 5*time.Second)
}
