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
package syncutil

import "sync"

// Counters provides a fixed-length array of thread-safe integer counters.
type Counters struct {
	mu sync.Mutex
	ns []int
}

// NewCounters creates a new Counters of length n.
func NewCounters(n int) *Counters {
	return &Counters{ns: make([]int, n)}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.ns)
}

// Get returns the value of the kth counter.
func (c *Counters) Get(k int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ns[k]
}

// Set sets the value of the kth counter.
func (c *Counters) Set(k, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ns[k] = v
}

// Increment increments the kth counter.
func (c *Counters) Increment(k int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ns[k]++
}

// Decrement decrements the kth counter.
func (c *Counters) Decrement(k int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ns[k]--
}
