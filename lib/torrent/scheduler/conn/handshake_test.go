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
	"bytes"
	"net"
	"testing"

	"github.com/maelstrom-p2p/maelstrom/core"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	h := &Handshake{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
	}
	b := h.Encode()
	require.Len(b, 68)
	require.Equal(byte(19), b[0])
	require.Equal("BitTorrent protocol", string(b[1:20]))

	decoded, err := ReadHandshake(bytes.NewReader(b))
	require.NoError(err)
	require.Equal(h, decoded)
}

func TestReadHandshakeRejectsBadProtocolString(t *testing.T) {
	require := require.New(t)

	h := &Handshake{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()}
	b := h.Encode()
	b[5] ^= 0xFF

	_, err := ReadHandshake(bytes.NewReader(b))
	require.Error(err)
	require.True(IsProtocolError(err))
}

func TestReadHandshakeTruncated(t *testing.T) {
	require := require.New(t)

	h := &Handshake{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()}
	_, err := ReadHandshake(bytes.NewReader(h.Encode()[:40]))
	require.Error(err)
}

type noopEvents struct{}

func (noopEvents) ConnClosed(*Conn) {}

func testHandshaker(t *testing.T) *Handshaker {
	return NewHandshaker(
		Config{},
		tally.NoopScope,
		clock.New(),
		core.PeerIDFixture(),
		noopEvents{},
		zap.NewNop().Sugar())
}

// remotePeer fakes the accepting side of the handshake exchange on l.
func remotePeer(t *testing.T, l net.Listener, infoHash core.InfoHash, peerID core.PeerID) {
	nc, err := l.Accept()
	if err != nil {
		return
	}
	go func() {
		defer nc.Close()
		if _, err := ReadHandshake(nc); err != nil {
			return
		}
		h := &Handshake{InfoHash: infoHash, PeerID: peerID}
		nc.Write(h.Encode())
		// Hold the socket open until the dialer is done with it.
		buf := make([]byte, 1)
		nc.Read(buf)
	}()
}

func TestHandshakerDial(t *testing.T) {
	require := require.New(t)

	infoHash := core.InfoHashFixture()
	remoteID := core.PeerIDFixture()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer l.Close()
	go remotePeer(t, l, infoHash, remoteID)

	endpoint, err := core.ParsePeerEndpoint(l.Addr().String(), core.SourceManual)
	require.NoError(err)

	c, err := testHandshaker(t).Dial(endpoint, infoHash)
	require.NoError(err)
	defer c.Close()

	require.Equal(remoteID, c.PeerID())
	require.Equal(infoHash, c.InfoHash())
	require.Equal(endpoint, c.Endpoint())
}

func TestHandshakerDialRejectsInfoHashMismatch(t *testing.T) {
	require := require.New(t)

	var remoteHash, expectedHash core.InfoHash
	for i := range remoteHash {
		remoteHash[i] = 0x01
		expectedHash[i] = 0x02
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer l.Close()
	go remotePeer(t, l, remoteHash, core.PeerIDFixture())

	endpoint, err := core.ParsePeerEndpoint(l.Addr().String(), core.SourceManual)
	require.NoError(err)

	_, err = testHandshaker(t).Dial(endpoint, expectedHash)
	require.Error(err)
	require.True(IsProtocolError(err))
}
