// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// bucketSize is Kademlia's K: the capacity of each routing table bucket.
const bucketSize = 8

// numBuckets is one bucket per bit of id space.
const numBuckets = idLength * 8

// evictionWindow is the period within which repeated failures evict a node.
const evictionWindow = time.Hour

// evictionFailures is the failure count which evicts a node within the
// window.
const evictionFailures = 3

// bucket holds up to K nodes sharing a common XOR-distance prefix to our
// id, in insertion order. lastChanged drives refresh decisions.
type bucket struct {
	nodes       []*Node
	lastChanged time.Time
}

// RoutingTable is the 160-bucket Kademlia routing table. The index of a
// node is the position of the first bit where its id differs from ours.
// Safe for concurrent use.
type RoutingTable struct {
	self NodeID
	clk  clock.Clock

	mu      sync.RWMutex
	buckets [numBuckets]bucket
}

// NewRoutingTable creates a routing table centered on self.
func NewRoutingTable(self NodeID, clk clock.Clock) *RoutingTable {
	return &RoutingTable{self: self, clk: clk}
}

// Self returns our node id.
func (t *RoutingTable) Self() NodeID {
	return t.self
}

// Add inserts a node. If the node is already present its last-seen time
// refreshes; if the bucket is full the insertion is rejected. Our own id is
// never inserted. Returns whether the node is now in the table.
func (t *RoutingTable) Add(n *Node) bool {
	i := t.self.BucketIndex(n.ID)
	if i < 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	b := &t.buckets[i]
	for _, existing := range b.nodes {
		if existing.ID == n.ID {
			existing.LastSeen = now
			existing.Addr = n.Addr
			existing.consecutiveFailures = 0
			b.lastChanged = now
			return true
		}
	}
	if len(b.nodes) >= bucketSize {
		return false
	}
	n.LastSeen = now
	b.nodes = append(b.nodes, n)
	b.lastChanged = now
	return true
}

// Get returns the node with the given id, if known.
func (t *RoutingTable) Get(id NodeID) (*Node, bool) {
	i := t.self.BucketIndex(id)
	if i < 0 {
		return nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, n := range t.buckets[i].nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// MarkResponded records a successful response from id, refreshing
// last-seen and clearing the failure streak.
func (t *RoutingTable) MarkResponded(id NodeID) {
	i := t.self.BucketIndex(id)
	if i < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, n := range t.buckets[i].nodes {
		if n.ID == id {
			n.LastSeen = t.clk.Now()
			n.consecutiveFailures = 0
			return
		}
	}
}

// MarkFailed records an unanswered query to id. Three consecutive failures
// within one hour evict the node from its bucket.
func (t *RoutingTable) MarkFailed(id NodeID) {
	i := t.self.BucketIndex(id)
	if i < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	b := &t.buckets[i]
	for j, n := range b.nodes {
		if n.ID != id {
			continue
		}
		if n.consecutiveFailures == 0 || now.Sub(n.firstFailure) > evictionWindow {
			n.consecutiveFailures = 0
			n.firstFailure = now
		}
		n.consecutiveFailures++
		if n.consecutiveFailures >= evictionFailures {
			b.nodes = append(b.nodes[:j], b.nodes[j+1:]...)
			b.lastChanged = now
		}
		return
	}
}

// Closest returns up to count known nodes closest to target by XOR
// distance.
func (t *RoutingTable) Closest(target NodeID, count int) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []*Node
	for i := range t.buckets {
		all = append(all, t.buckets[i].nodes...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.Distance(target).LessThan(all[j].ID.Distance(target))
	})
	if len(all) > count {
		all = all[:count]
	}
	// Copy so callers cannot alias the table's slices.
	out := make([]*Node, len(all))
	copy(out, all)
	return out
}

// NumNodes returns the total number of nodes in the table.
func (t *RoutingTable) NumNodes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var n int
	for i := range t.buckets {
		n += len(t.buckets[i].nodes)
	}
	return n
}

// NumGoodNodes returns how many nodes were heard from within the good-node
// window.
func (t *RoutingTable) NumGoodNodes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clk.Now()
	var count int
	for i := range t.buckets {
		for _, n := range t.buckets[i].nodes {
			if n.Good(now) {
				count++
			}
		}
	}
	return count
}
