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
package conn

import (
	"fmt"
	"net"

	"github.com/maelstrom-p2p/maelstrom/core"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Handshaker dials peers and establishes handshaked connections.
type Handshaker struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	localPeerID core.PeerID
	events      Events
	logger      *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	localPeerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) *Handshaker {

	return &Handshaker{
		config:      config.applyDefaults(),
		stats:       stats.Tagged(map[string]string{"module": "conn"}),
		clk:         clk,
		localPeerID: localPeerID,
		events:      events,
		logger:      logger,
	}
}

// Dial connects to endpoint, exchanges handshakes for infoHash, and returns
// a started-ready Conn. The remote info hash must match ours; its peer id
// is learned from the exchange.
func (h *Handshaker) Dial(endpoint core.PeerEndpoint, infoHash core.InfoHash) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", endpoint.Addr(), h.config.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %s", endpoint, err)
	}
	c, err := h.establish(nc, endpoint, infoHash)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (h *Handshaker) establish(
	nc net.Conn, endpoint core.PeerEndpoint, infoHash core.InfoHash) (*Conn, error) {

	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	out := &Handshake{InfoHash: infoHash, PeerID: h.localPeerID}
	if _, err := nc.Write(out.Encode()); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	in, err := ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if in.InfoHash != infoHash {
		h.stats.Counter("handshake_hash_mismatch").Inc(1)
		return nil, protocolErrorf(
			"handshake info hash mismatch: expected %s, got %s", infoHash, in.InfoHash)
	}
	return newConn(
		h.config, h.stats, h.clk, h.events, nc, endpoint, in.PeerID, infoHash, h.logger)
}
