// Package loadbalancer implements the global routing tier: a node table
// with health tracking, pluggable selection strategies, sticky-session
// affinity, and a scaling advisor that emits recommendations for an
// external orchestrator.
package loadbalancer

import (
	"math/bits"
	"sync"
	"time"
)

// Node is one routable server in the fleet.
type Node struct {
	ID         int
	Hostname   string
	Port       int
	Region     string
	Datacenter string
	Latitude   float64
	Longitude  float64
	Weight     int
	Priority   int

	Healthy     bool
	Maintenance bool

	CurrentConnections int
	MaxConnections     int
	CPUPercent         float64 // 0..100
	MemoryPercent      float64 // 0..100
	Latency            time.Duration
	Users              int
	Capacity           int

	LastMetricsUpdate time.Time
}

// LoadScore is the composite load of a node: the worst of its connection
// saturation, its combined cpu+memory pressure, and its user saturation.
func (n *Node) LoadScore() float64 {
	score := 0.0
	if n.MaxConnections > 0 {
		score = float64(n.CurrentConnections) / float64(n.MaxConnections)
	}
	if s := (n.CPUPercent + n.MemoryPercent) / 200; s > score {
		score = s
	}
	if n.Capacity > 0 {
		if s := float64(n.Users) / float64(n.Capacity); s > score {
			score = s
		}
	}
	return score
}

// Routable reports whether the node may receive new clients.
func (n *Node) Routable() bool { return n.Healthy && !n.Maintenance }

const maxNodeID = 127

// Table is the node registry. A shared-exclusive lock protects it: route
// lookups vastly outnumber registrations and metric updates. Free IDs are
// tracked in a bitmap so allocation is a couple of word scans rather than
// a walk over the map.
type Table struct {
	mu         sync.RWMutex
	nodes      map[int]*Node
	freeBitmap [2]uint64 // IDs 1..127; bit 0 unused
}

// NewTable creates an empty Table with all IDs free.
func NewTable() *Table {
	return &Table{
		nodes:      make(map[int]*Node),
		freeBitmap: [2]uint64{^uint64(0), ^uint64(0)},
	}
}

// Register adds a node under its ID. Returns false if the ID is taken or
// out of range.
func (t *Table) Register(n *Node) bool {
	if n.ID < 1 || n.ID > maxNodeID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.nodes[n.ID]; exists {
		return false
	}
	t.nodes[n.ID] = n
	t.markUsed(n.ID)
	return true
}

// RegisterFirstFree assigns the lowest free ID to n and registers it.
func (t *Table) RegisterFirstFree(n *Node) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for word := range t.freeBitmap {
		bm := t.freeBitmap[word]
		if word == 0 {
			bm &^= 1 // ID 0 is never allocated
		}
		if bm == 0 {
			continue
		}
		id := word*64 + bits.TrailingZeros64(bm)
		if id > maxNodeID {
			break
		}
		n.ID = id
		t.nodes[id] = n
		t.markUsed(id)
		return id, true
	}
	return 0, false
}

// Unregister removes a node and frees its ID. Idempotent.
func (t *Table) Unregister(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[id]; !ok {
		return
	}
	delete(t.nodes, id)
	t.freeBitmap[id/64] |= 1 << (id % 64)
}

func (t *Table) markUsed(id int) {
	t.freeBitmap[id/64] &^= 1 << (id % 64)
}

// Get returns a copy of the node with id, so callers never hold a
// pointer they could mutate outside the lock.
func (t *Table) Get(id int) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len returns the number of registered nodes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// UpdateMetrics folds a metrics report into the node with id and stamps
// its freshness.
func (t *Table) UpdateMetrics(id int, current, users int, cpu, mem float64, latency time.Duration, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	n.CurrentConnections = current
	n.Users = users
	n.CPUPercent = cpu
	n.MemoryPercent = mem
	n.Latency = latency
	n.LastMetricsUpdate = at
	n.Healthy = true
	return true
}

// SetHealthy flips the health flag on the node with id.
func (t *Table) SetHealthy(id int, healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		n.Healthy = healthy
	}
}

// SetMaintenance flips the maintenance flag on the node with id.
func (t *Table) SetMaintenance(id int, maintenance bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		n.Maintenance = maintenance
	}
}

// AddConnection adjusts a node's live connection count by delta.
func (t *Table) AddConnection(id int, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		n.CurrentConnections += delta
		if n.CurrentConnections < 0 {
			n.CurrentConnections = 0
		}
	}
}

// Snapshot returns copies of all nodes, optionally filtered.
func (t *Table) Snapshot(keep func(*Node) bool) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if keep == nil || keep(n) {
			out = append(out, *n)
		}
	}
	return out
}

// MarkStale flags every node whose metrics are older than maxAge as
// unhealthy and returns their IDs.
func (t *Table) MarkStale(now time.Time, maxAge time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []int
	for id, n := range t.nodes {
		if n.Healthy && now.Sub(n.LastMetricsUpdate) > maxAge {
			n.Healthy = false
			stale = append(stale, id)
		}
	}
	return stale
}
