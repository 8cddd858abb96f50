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
package heap

import (
	"container/heap"
	"errors"
)

// ErrEmptyQueue returns when Pop is called on an empty queue.
var ErrEmptyQueue = errors.New("queue is empty")

// Item is an element of a PriorityQueue. Lower priority pops first.
type Item struct {
	Value    interface{}
	Priority int
}

// PriorityQueue implements a min-heap over item priorities.
type PriorityQueue struct {
	items itemHeap
}

// NewPriorityQueue creates a new PriorityQueue seeded with items.
func NewPriorityQueue(items ...*Item) *PriorityQueue {
	pq := &PriorityQueue{itemHeap(items)}
	heap.Init(&pq.items)
	return pq
}

// Push adds item to the queue.
func (pq *PriorityQueue) Push(item *Item) {
	heap.Push(&pq.items, item)
}

// Pop removes and returns the lowest priority item in the queue.
func (pq *PriorityQueue) Pop() (*Item, error) {
	if pq.items.Len() == 0 {
		return nil, ErrEmptyQueue
	}
	return heap.Pop(&pq.items).(*Item), nil
}

// Len returns the number of queued items.
func (pq *PriorityQueue) Len() int {
	return pq.items.Len()
}

type itemHeap []*Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
