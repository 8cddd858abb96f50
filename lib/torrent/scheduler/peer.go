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
package scheduler

import (
	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler/conn"

	"github.com/willf/bitset"
)

// peer consolidates bookkeeping for one active connection. All fields are
// owned by the scheduler event loop; they are never touched from other
// goroutines.
type peer struct {
	endpoint core.PeerEndpoint
	id       core.PeerID
	conn     *conn.Conn

	// The four wire state bits. Both sides start choked and uninterested.
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	// bitfield tracks pieces the remote peer claims to have. Nil until the
	// first Bitfield or Have message.
	bitfield         *bitset.BitSet
	bitfieldReceived bool

	// blocksUploaded counts blocks we served this peer, for upload
	// accounting at piece granularity.
	blocksUploaded int
}

func newPeer(endpoint core.PeerEndpoint, c *conn.Conn) *peer {
	return &peer{
		endpoint:    endpoint,
		id:          c.PeerID(),
		conn:        c,
		amChoking:   true,
		peerChoking: true,
	}
}

func (p *peer) String() string {
	return p.endpoint.String()
}

// has returns whether the peer claims to have piece i.
func (p *peer) has(i int) bool {
	return p.bitfield != nil && p.bitfield.Test(uint(i))
}

// markHave records a Have announcement.
func (p *peer) markHave(i int, numPieces int) {
	if p.bitfield == nil {
		p.bitfield = bitset.New(uint(numPieces))
	}
	p.bitfield.Set(uint(i))
}

// neededPieces counts pieces the peer has which we still need, given our
// verified bitfield.
func (p *peer) neededPieces(have *bitset.BitSet) int {
	if p.bitfield == nil {
		return 0
	}
	return int(p.bitfield.Intersection(have.Complement()).Count())
}

// canRequest returns whether requests may be issued to this peer.
func (p *peer) canRequest() bool {
	return p.amInterested && !p.peerChoking
}
