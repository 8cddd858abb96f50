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
	"net"
	"testing"

	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/lib/metainfo"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/bitfield"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler/conn"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

// fakePeerConfig controls a fakePeer's behavior.
type fakePeerConfig struct {
	// corrupt flips the bytes of every served block.
	corrupt bool

	// mute accepts requests but never serves blocks.
	mute bool
}

// fakePeer is a scripted remote peer: it accepts connections, handshakes,
// claims every piece, unchokes on interest, and serves blocks from its
// content per config.
type fakePeer struct {
	t        *testing.T
	listener net.Listener
	infoHash core.InfoHash
	peerID   core.PeerID

	content     []byte
	pieceLength int64
	numPieces   int
	config      fakePeerConfig

	requests chan *conn.Message
	cancels  chan *conn.Message
}

func startFakePeer(
	t *testing.T, mi *metainfo.MetaInfo, content []byte, config fakePeerConfig) *fakePeer {

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakePeer{
		t:           t,
		listener:    l,
		infoHash:    mi.InfoHash(),
		peerID:      core.PeerIDFixture(),
		content:     content,
		pieceLength: mi.Info.PieceLength,
		numPieces:   mi.Info.NumPieces(),
		config:      config,
		requests:    make(chan *conn.Message, 64),
		cancels:     make(chan *conn.Message, 64),
	}
	go f.acceptLoop()
	t.Cleanup(f.stop)
	return f
}

func (f *fakePeer) stop() {
	f.listener.Close()
}

func (f *fakePeer) endpoint() core.PeerEndpoint {
	e, err := core.ParsePeerEndpoint(f.listener.Addr().String(), core.SourceManual)
	require.NoError(f.t, err)
	return e
}

func (f *fakePeer) acceptLoop() {
	for {
		nc, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.serve(nc)
	}
}

func (f *fakePeer) serve(nc net.Conn) {
	defer nc.Close()

	if _, err := conn.ReadHandshake(nc); err != nil {
		return
	}
	hs := &conn.Handshake{InfoHash: f.infoHash, PeerID: f.peerID}
	if _, err := nc.Write(hs.Encode()); err != nil {
		return
	}

	// Claim every piece.
	all := bitset.New(uint(f.numPieces))
	for i := 0; i < f.numPieces; i++ {
		all.Set(uint(i))
	}
	if _, err := nc.Write(conn.NewBitfieldMessage(bitfield.ToWire(all, f.numPieces)).Encode()); err != nil {
		return
	}

	for {
		msg, err := conn.ReadMessage(nc)
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case conn.MsgInterested:
			if _, err := nc.Write(conn.NewUnchokeMessage().Encode()); err != nil {
				return
			}
		case conn.MsgRequest:
			f.requests <- msg
			if f.config.mute {
				continue
			}
			offset := int64(msg.Index)*f.pieceLength + int64(msg.Begin)
			block := make([]byte, msg.Length)
			copy(block, f.content[offset:offset+int64(msg.Length)])
			if f.config.corrupt {
				for i := range block {
					block[i] ^= 0xFF
				}
			}
			piece := conn.NewPieceMessage(int(msg.Index), int64(msg.Begin), block)
			if _, err := nc.Write(piece.Encode()); err != nil {
				return
			}
		case conn.MsgCancel:
			f.cancels <- msg
		}
	}
}
