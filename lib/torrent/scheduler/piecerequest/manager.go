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

// Package piecerequest encapsulates thread-safe bookkeeping of inflight
// block requests. It is not responsible for sending nor receiving blocks in
// any way. At most one inflight request exists per (piece, offset) key at
// any time.
package piecerequest

import (
	"sync"
	"time"

	"github.com/maelstrom-p2p/maelstrom/core"

	"github.com/andres-erbsen/clock"
)

// Status enumerates possible statuses of a Request.
type Status int

const (
	// StatusPending denotes a valid request which is still in-flight.
	StatusPending Status = iota

	// StatusExpired denotes an in-flight request which has timed out on our
	// end.
	StatusExpired

	// StatusUnsent denotes a request which could not be written to the
	// peer's connection and is safe to retry anywhere.
	StatusUnsent
)

// Key uniquely identifies a block request: no two inflight requests ever
// share it.
type Key struct {
	Piece  int
	Offset int64
}

// Request represents a block request to a peer.
type Request struct {
	Key      Key
	Length   int64
	Endpoint core.PeerEndpoint
	Status   Status

	sentAt time.Time
}

// Manager tracks inflight block requests and their deadlines.
type Manager struct {
	sync.RWMutex

	// requests and requestsByPeer hold the same data, just indexed
	// differently.
	requests       map[Key]*Request
	requestsByPeer map[string]map[Key]*Request

	clock         clock.Clock
	timeout       time.Duration
	pipelineLimit int
}

// NewManager creates a new Manager. timeout bounds how long a request may
// stay pending; pipelineLimit caps inflight requests per peer.
func NewManager(clk clock.Clock, timeout time.Duration, pipelineLimit int) *Manager {
	return &Manager{
		requests:       make(map[Key]*Request),
		requestsByPeer: make(map[string]map[Key]*Request),
		clock:          clk,
		timeout:        timeout,
		pipelineLimit:  pipelineLimit,
	}
}

// PipelineLimit returns the per-peer inflight cap.
func (m *Manager) PipelineLimit() int {
	return m.pipelineLimit
}

// Available returns how many more requests endpoint may carry.
func (m *Manager) Available(endpoint core.PeerEndpoint) int {
	m.RLock()
	defer m.RUnlock()

	return m.pipelineLimit - len(m.requestsByPeer[endpoint.Addr()])
}

// Reserve records an inflight request for the block at (piece, offset) to
// endpoint. Returns false if the key is already pending and unexpired, or
// if the peer's pipeline is full.
func (m *Manager) Reserve(endpoint core.PeerEndpoint, piece int, offset, length int64) bool {
	m.Lock()
	defer m.Unlock()

	addr := endpoint.Addr()
	if len(m.requestsByPeer[addr]) >= m.pipelineLimit {
		return false
	}
	k := Key{piece, offset}
	if r, ok := m.requests[k]; ok {
		if r.Status == StatusPending && !m.expired(r) {
			return false
		}
		m.clear(k)
	}
	r := &Request{
		Key:      k,
		Length:   length,
		Endpoint: endpoint,
		Status:   StatusPending,
		sentAt:   m.clock.Now(),
	}
	m.requests[k] = r
	if _, ok := m.requestsByPeer[addr]; !ok {
		m.requestsByPeer[addr] = make(map[Key]*Request)
	}
	m.requestsByPeer[addr][k] = r
	return true
}

// Match returns the inflight request matching the arrived block, if any.
// The arriving peer and length must agree with the reservation.
func (m *Manager) Match(endpoint core.PeerEndpoint, piece int, offset, length int64) (*Request, bool) {
	m.RLock()
	defer m.RUnlock()

	r, ok := m.requests[Key{piece, offset}]
	if !ok || r.Status != StatusPending {
		return nil, false
	}
	if r.Endpoint.Addr() != endpoint.Addr() || r.Length != length {
		return nil, false
	}
	return r, true
}

// Clear deletes the request for the block at (piece, offset), if any.
func (m *Manager) Clear(piece int, offset int64) {
	m.Lock()
	defer m.Unlock()

	m.clear(Key{piece, offset})
}

// ClearPiece deletes every request of piece.
func (m *Manager) ClearPiece(piece int) {
	m.Lock()
	defer m.Unlock()

	for k := range m.requests {
		if k.Piece == piece {
			m.clear(k)
		}
	}
}

// ClearPeer deletes all requests to endpoint and returns them, so the
// caller can re-queue the affected blocks.
func (m *Manager) ClearPeer(endpoint core.PeerEndpoint) []Request {
	m.Lock()
	defer m.Unlock()

	addr := endpoint.Addr()
	var cleared []Request
	for k, r := range m.requestsByPeer[addr] {
		cleared = append(cleared, *r)
		delete(m.requests, k)
	}
	delete(m.requestsByPeer, addr)
	return cleared
}

// MarkUnsent marks the request for the block at (piece, offset) as unsent.
func (m *Manager) MarkUnsent(endpoint core.PeerEndpoint, piece int, offset int64) {
	m.Lock()
	defer m.Unlock()

	if r, ok := m.requests[Key{piece, offset}]; ok && r.Endpoint.Addr() == endpoint.Addr() {
		r.Status = StatusUnsent
	}
}

// Expired removes and returns all requests older than the deadline, plus
// unsent requests. The affected blocks become re-requestable, potentially
// from different peers.
func (m *Manager) Expired() []Request {
	m.Lock()
	defer m.Unlock()

	var expired []Request
	for k, r := range m.requests {
		status := r.Status
		if status == StatusPending && m.expired(r) {
			status = StatusExpired
		}
		if status != StatusPending {
			expired = append(expired, Request{
				Key:      r.Key,
				Length:   r.Length,
				Endpoint: r.Endpoint,
				Status:   status,
			})
			m.clear(k)
		}
	}
	return expired
}

// NumInflight returns the total number of tracked requests.
func (m *Manager) NumInflight() int {
	m.RLock()
	defer m.RUnlock()

	return len(m.requests)
}

func (m *Manager) clear(k Key) {
	r, ok := m.requests[k]
	if !ok {
		return
	}
	delete(m.requests, k)
	addr := r.Endpoint.Addr()
	if pm, ok := m.requestsByPeer[addr]; ok {
		delete(pm, k)
		if len(pm) == 0 {
			delete(m.requestsByPeer, addr)
		}
	}
}

func (m *Manager) expired(r *Request) bool {
	expiresAt := r.sentAt.Add(m.timeout)
	return m.clock.Now().After(expiresAt)
}
