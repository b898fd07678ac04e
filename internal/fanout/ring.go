package fanout

import (
	"crypto/md5"
	"encoding/binary"
	"sort"
	"strconv"
	"sync"
)

// virtualNodesPerNode is the number of ring positions registered per
// physical node (spec.md §4.12: "150 per physical node").
const virtualNodesPerNode = 150

type vnode struct {
	position uint32
	node     string
}

// Ring is a consistent-hash ring of virtual nodes mapping assessment/funded
// ids to the fan-out node that owns their WebSocket connections. It is
// eventually consistent across processes: callers apply join/leave events
// observed over the cache's pub/sub channel (spec.md §4.12).
type Ring struct {
	mu    sync.RWMutex
	nodes map[string]bool
	ring  []vnode
}

// NewRing constructs an empty Ring.
func NewRing() *Ring {
	return &Ring{nodes: make(map[string]bool)}
}

// hashPosition returns a uniform 32-bit ring position derived from a
// 128-bit MD5 digest (spec.md §4.12: "uniform 128-bit digest, read 32 bits
// as a ring position").
func hashPosition(key string) uint32 {
	sum := md5.Sum([]byte(key))
	return binary.BigEndian.Uint32(sum[0:4])
}

// Join adds a node's virtual positions to the ring. Idempotent.
func (r *Ring) Join(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[node] {
		return
	}
	r.nodes[node] = true
	for i := 0; i < virtualNodesPerNode; i++ {
		r.ring = append(r.ring, vnode{position: hashPosition(nodeVirtualKey(node, i)), node: node})
	}
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i].position < r.ring[j].position })
}

// Leave removes a node's virtual positions from the ring.
func (r *Ring) Leave(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.nodes[node] {
		return
	}
	delete(r.nodes, node)
	kept := r.ring[:0]
	for _, v := range r.ring {
		if v.node != node {
			kept = append(kept, v)
		}
	}
	r.ring = kept
}

// NodeFor returns the node owning key: the first ring position ≥ hash(key),
// wrapping to the minimum position if none (spec.md §4.12 "nodeFor").
func (r *Ring) NodeFor(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ring) == 0 {
		return "", false
	}
	h := hashPosition(key)
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i].position >= h })
	if idx == len(r.ring) {
		idx = 0
	}
	return r.ring[idx].node, true
}

// Members returns the current node set.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	return out
}

func nodeVirtualKey(node string, i int) string {
	return node + "#" + strconv.Itoa(i)
}
