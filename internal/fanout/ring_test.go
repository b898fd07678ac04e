package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_NodeFor_EmptyRing(t *testing.T) {
	r := NewRing()
	_, ok := r.NodeFor("assessment-1")
	assert.False(t, ok)
}

func TestRing_JoinLeave(t *testing.T) {
	r := NewRing()
	r.Join("node-a")
	r.Join("node-b")
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, r.Members())

	node, ok := r.NodeFor("assessment-42")
	require.True(t, ok)
	assert.Contains(t, []string{"node-a", "node-b"}, node)

	r.Leave("node-a")
	assert.Equal(t, []string{"node-b"}, r.Members())

	node, ok = r.NodeFor("assessment-42")
	require.True(t, ok)
	assert.Equal(t, "node-b", node)
}

func TestRing_Join_Idempotent(t *testing.T) {
	r := NewRing()
	r.Join("node-a")
	before := len(r.ring)
	r.Join("node-a")
	assert.Equal(t, before, len(r.ring))
}

func TestRing_NodeFor_Deterministic(t *testing.T) {
	r := NewRing()
	r.Join("node-a")
	r.Join("node-b")
	r.Join("node-c")

	first, ok := r.NodeFor("assessment-stable-key")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := r.NodeFor("assessment-stable-key")
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestRing_Leave_Unknown_NoOp(t *testing.T) {
	r := NewRing()
	r.Join("node-a")
	r.Leave("node-never-joined")
	assert.Equal(t, []string{"node-a"}, r.Members())
}

func TestHashPosition_DistinctVirtualKeys(t *testing.T) {
	a := hashPosition("node-a#0")
	b := hashPosition("node-a#1")
	assert.NotEqual(t, a, b)
}
