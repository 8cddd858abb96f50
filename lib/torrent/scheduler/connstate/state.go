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

// Package connstate tracks the known peer population of one torrent:
// endpoint registry, connection slot allocation, reconnect backoff, and
// peer scoring. The lock is held only for table lookups and updates, never
// across I/O, so the scheduler is never blocked behind a slow peer.
package connstate

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/utils/backoff"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// State errors.
var (
	ErrAtCapacity        = errors.New("connection capacity reached")
	ErrEndpointUnknown   = errors.New("endpoint is not known")
	ErrAlreadyConnecting = errors.New("endpoint already has a pending connection")
	ErrAlreadyActive     = errors.New("endpoint already has an active connection")
	ErrEndpointInBackoff = errors.New("endpoint is in reconnect backoff")
	ErrInvalidTransition = errors.New("endpoint must be pending to transition to active")
)

type status int

const (
	// _known indicates an endpoint with no connection. This is the default
	// status for new entries.
	_known status = iota
	_pending
	_active
)

// entry consolidates bookkeeping for one endpoint.
type entry struct {
	endpoint core.PeerEndpoint
	status   status

	// peerID is learned on handshake and empty before the first successful
	// connection.
	peerID core.PeerID

	failures    int
	nextAttempt time.Time

	// unchokingUs mirrors the remote choke bit, pushed in by the dispatcher.
	unchokingUs bool

	piecesDownloaded int
	piecesUploaded   int

	lastActive time.Time
}

// State tracks known endpoints and their connection lifecycle. Safe for
// concurrent use.
type State struct {
	config  Config
	clk     clock.Clock
	backoff *backoff.Backoff
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a new State.
func New(config Config, clk clock.Clock, logger *zap.SugaredLogger) *State {
	config = config.applyDefaults()
	return &State{
		config:  config,
		clk:     clk,
		backoff: backoff.New(config.Reconnect),
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Add registers an endpoint. Idempotent by endpoint address: re-adding a
// known endpoint is a no-op regardless of source.
func (s *State) Add(endpoint core.PeerEndpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := endpoint.Addr()
	if _, ok := s.entries[addr]; ok {
		return false
	}
	s.entries[addr] = &entry{endpoint: endpoint}
	s.log("endpoint", endpoint, "source", endpoint.Source).Debug("Added peer endpoint")
	return true
}

// NumKnown returns the number of known endpoints.
func (s *State) NumKnown() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// NumActive returns the number of active connections.
func (s *State) NumActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	for _, e := range s.entries {
		if e.status == _active {
			n++
		}
	}
	return n
}

// ConnectCandidates returns endpoints eligible for a connection attempt:
// not connected, not pending, and out of backoff. At most the remaining
// slot capacity is returned, lowest endpoint first for determinism.
func (s *State) ConnectCandidates() []core.PeerEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clk.Now()
	var used int
	for _, e := range s.entries {
		if e.status != _known {
			used++
		}
	}
	slots := s.config.MaxConnections - used
	if slots <= 0 {
		return nil
	}

	var candidates []core.PeerEndpoint
	for _, e := range s.entries {
		if e.status != _known || e.nextAttempt.After(now) {
			continue
		}
		candidates = append(candidates, e.endpoint)
	}
	sortEndpoints(candidates)
	if len(candidates) > slots {
		candidates = candidates[:slots]
	}
	return candidates
}

// MarkPending reserves a connection slot for endpoint before dialing.
func (s *State) MarkPending(endpoint core.PeerEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[endpoint.Addr()]
	if !ok {
		return ErrEndpointUnknown
	}
	switch e.status {
	case _pending:
		return ErrAlreadyConnecting
	case _active:
		return ErrAlreadyActive
	}
	if e.nextAttempt.After(s.clk.Now()) {
		return ErrEndpointInBackoff
	}
	var used int
	for _, other := range s.entries {
		if other.status != _known {
			used++
		}
	}
	if used >= s.config.MaxConnections {
		return ErrAtCapacity
	}
	e.status = _pending
	return nil
}

// MarkActive transitions a pending endpoint to active and records its
// handshaked peer id. Resets the failure count.
func (s *State) MarkActive(endpoint core.PeerEndpoint, peerID core.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[endpoint.Addr()]
	if !ok {
		return ErrEndpointUnknown
	}
	if e.status != _pending {
		return ErrInvalidTransition
	}
	e.status = _active
	e.peerID = peerID
	e.failures = 0
	e.unchokingUs = false
	e.lastActive = s.clk.Now()
	return nil
}

// OnDisconnect records a connection failure or teardown and schedules the
// reconnect backoff: 30s doubling up to 30min by default.
func (s *State) OnDisconnect(endpoint core.PeerEndpoint, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[endpoint.Addr()]
	if !ok {
		return
	}
	e.status = _known
	e.unchokingUs = false
	e.failures++
	delay := s.backoff.Duration(e.failures)
	e.nextAttempt = s.clk.Now().Add(delay)
	s.log("endpoint", endpoint, "failures", e.failures).Infof(
		"Peer disconnected (%s), next attempt in %s", reason, delay)
}

// SetUnchokingUs mirrors the remote peer's choke bit for scoring.
func (s *State) SetUnchokingUs(endpoint core.PeerEndpoint, unchoking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[endpoint.Addr()]; ok {
		e.unchokingUs = unchoking
		e.lastActive = s.clk.Now()
	}
}

// RecordPieceDownloaded counts a verified piece served by endpoint.
func (s *State) RecordPieceDownloaded(endpoint core.PeerEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[endpoint.Addr()]; ok {
		e.piecesDownloaded++
		e.lastActive = s.clk.Now()
	}
}

// RecordPieceUploaded counts a piece we served to endpoint.
func (s *State) RecordPieceUploaded(endpoint core.PeerEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[endpoint.Addr()]; ok {
		e.piecesUploaded++
	}
}

// Score ranks endpoint as a request target: 10 points per needed piece the
// peer has, 5 if it is unchoking us, one per piece downloaded from it, and
// minus half the pieces we served it. Callers break score ties by lowest
// endpoint.
func (s *State) Score(endpoint core.PeerEndpoint, neededPieces int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[endpoint.Addr()]
	if !ok {
		return 0
	}
	score := 10 * neededPieces
	if e.unchokingUs {
		score += 5
	}
	score += e.piecesDownloaded
	score -= e.piecesUploaded / 2
	return score
}

// PeerID returns the handshaked peer id of an active endpoint.
func (s *State) PeerID(endpoint core.PeerEndpoint) (core.PeerID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[endpoint.Addr()]
	if !ok || e.status != _active {
		return core.PeerID{}, false
	}
	return e.peerID, true
}

// ActiveEndpoints returns a snapshot of endpoints with active connections.
func (s *State) ActiveEndpoints() []core.PeerEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []core.PeerEndpoint
	for _, e := range s.entries {
		if e.status == _active {
			active = append(active, e.endpoint)
		}
	}
	sortEndpoints(active)
	return active
}

func (s *State) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	return s.logger.With(keysAndValues...)
}

func sortEndpoints(endpoints []core.PeerEndpoint) {
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].LessThan(endpoints[j])
	})
}
