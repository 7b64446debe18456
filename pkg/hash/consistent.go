// Package hash provides the consistent hash ring the lrukv client uses to
// spread keys over several independent servers.
//
// Each physical node is placed on a 64-bit ring many times (virtual nodes)
// so keys spread evenly, and adding or removing a node moves only the keys
// in the arcs it owned. Positions come from xxhash, which is fast and
// well distributed; nothing here needs a cryptographic hash.
//
// Example usage:
//
//	ring := hash.New(150) // 150 virtual nodes per physical node
//	ring.AddNode("server1:6379")
//	ring.AddNode("server2:6379")
//
//	node := ring.GetNode("user:123")
package hash

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the default number of virtual nodes per physical node.
const DefaultVirtualNodes = 150

// point is one virtual node on the ring.
type point struct {
	hash uint64
	node string
}

// Stats describes the current shape of the ring.
type Stats struct {
	Nodes        int // physical nodes
	VirtualNodes int // points on the ring
}

// ConsistentHash is a consistent hash ring with virtual nodes. It is safe
// for concurrent use.
type ConsistentHash struct {
	mu           sync.RWMutex
	points       []point // sorted by hash, then node
	nodes        map[string]struct{}
	virtualNodes int
}

// New creates an empty ring placing virtualNodes points per physical node.
// If virtualNodes is <= 0, DefaultVirtualNodes is used.
func New(virtualNodes int) *ConsistentHash {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &ConsistentHash{
		nodes:        make(map[string]struct{}),
		virtualNodes: virtualNodes,
	}
}

// AddNode places node on the ring. Adding a node twice is a no-op.
//
// Example:
//
//	ring.AddNode("server3:6379")
func (c *ConsistentHash) AddNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[node]; ok {
		return
	}
	c.nodes[node] = struct{}{}

	for i := 0; i < c.virtualNodes; i++ {
		c.points = append(c.points, point{hash: virtualHash(node, i), node: node})
	}
	sort.Slice(c.points, func(i, j int) bool {
		if c.points[i].hash != c.points[j].hash {
			return c.points[i].hash < c.points[j].hash
		}
		return c.points[i].node < c.points[j].node
	})
}

// RemoveNode takes node and all of its virtual nodes off the ring. Keys it
// owned move to the next point clockwise. Removing an unknown node is a no-op.
func (c *ConsistentHash) RemoveNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[node]; !ok {
		return
	}
	delete(c.nodes, node)

	kept := c.points[:0]
	for _, p := range c.points {
		if p.node != node {
			kept = append(kept, p)
		}
	}
	c.points = kept
}

// GetNode returns the node owning key, or "" when the ring is empty.
// The same key maps to the same node until the set of nodes changes.
//
// Example:
//
//	if node := ring.GetNode("user:123"); node != "" {
//		// send the request to node
//	}
func (c *ConsistentHash) GetNode(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.points) == 0 {
		return ""
	}

	h := xxhash.Sum64String(key)
	idx := sort.Search(len(c.points), func(i int) bool {
		return c.points[i].hash >= h
	})
	if idx == len(c.points) {
		idx = 0
	}
	return c.points[idx].node
}

// GetNodes returns every physical node in sorted order.
func (c *ConsistentHash) GetNodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nodes := make([]string, 0, len(c.nodes))
	for node := range c.nodes {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

// Stats returns the number of physical and virtual nodes on the ring.
func (c *ConsistentHash) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Nodes:        len(c.nodes),
		VirtualNodes: len(c.points),
	}
}

// virtualHash positions the i-th replica of node.
func virtualHash(node string, i int) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(node)
	_, _ = d.WriteString("#")
	_, _ = d.WriteString(strconv.Itoa(i))
	return d.Sum64()
}
