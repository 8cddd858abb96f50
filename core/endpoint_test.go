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
package core

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeCompactPeers(t *testing.T) {
	require := require.New(t)

	peers, err := DecodeCompactPeers([]byte{0x7f, 0x00, 0x00, 0x01, 0x1a, 0xe1}, SourceDHT)
	require.NoError(err)
	require.Len(peers, 1)
	require.Equal("127.0.0.1:6881", peers[0].Addr())
	require.Equal(SourceDHT, peers[0].Source)
}

func TestDecodeCompactPeersInvalidLength(t *testing.T) {
	require := require.New(t)

	_, err := DecodeCompactPeers([]byte{0x7f, 0x00, 0x00, 0x01, 0x1a}, SourceDHT)
	require.Equal(ErrInvalidCompactPeers, err)
}

func TestCompactPeersRoundTrip(t *testing.T) {
	require := require.New(t)

	var peers []PeerEndpoint
	for i := 0; i < 4; i++ {
		peers = append(peers, PeerEndpointFixture())
	}

	decoded, err := DecodeCompactPeers(CompactPeers(peers), SourceManual)
	require.NoError(err)
	require.Len(decoded, len(peers))
	for i := range peers {
		require.Equal(peers[i].Addr(), decoded[i].Addr())
	}
}

func TestParsePeerEndpoint(t *testing.T) {
	require := require.New(t)

	e, err := ParsePeerEndpoint("10.8.0.2:6881", SourceManual)
	require.NoError(err)
	require.True(e.IP.Equal(net.IPv4(10, 8, 0, 2)))
	require.Equal(6881, e.Port)

	_, err = ParsePeerEndpoint("not-an-ip:6881", SourceManual)
	require.Error(err)

	_, err = ParsePeerEndpoint("10.8.0.2:999999", SourceManual)
	require.Error(err)
}

func TestPeerEndpointLessThan(t *testing.T) {
	require := require.New(t)

	a, _ := ParsePeerEndpoint("10.0.0.1:6881", SourceManual)
	b, _ := ParsePeerEndpoint("10.0.0.2:6881", SourceManual)
	c, _ := ParsePeerEndpoint("10.0.0.2:6882", SourceManual)

	require.True(a.LessThan(b))
	require.True(b.LessThan(c))
	require.False(c.LessThan(a))
}
