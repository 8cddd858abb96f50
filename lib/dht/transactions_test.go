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
	"net"
	"testing"
	"time"

	"github.com/maelstrom-p2p/maelstrom/lib/dht/krpc"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestTransactionMatchRequiresIDAndEndpoint(t *testing.T) {
	require := require.New(t)

	ts := newTransactions(clock.NewMock())
	tr := ts.register(krpc.MethodPing, udpAddr(1000))

	// Wrong endpoint does not match, and the transaction stays pending.
	_, ok := ts.match(tr.id, udpAddr(2000))
	require.False(ok)
	require.Equal(1, ts.size())

	// Wrong id does not match.
	_, ok = ts.match("zz", udpAddr(1000))
	require.False(ok)

	matched, ok := ts.match(tr.id, udpAddr(1000))
	require.True(ok)
	require.Equal(tr, matched)
	require.Equal(0, ts.size())

	// A transaction matches exactly once.
	_, ok = ts.match(tr.id, udpAddr(1000))
	require.False(ok)
}

func TestTransactionIDsUnique(t *testing.T) {
	require := require.New(t)

	ts := newTransactions(clock.NewMock())
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tr := ts.register(krpc.MethodPing, udpAddr(1000))
		require.False(seen[tr.id])
		seen[tr.id] = true
	}
}

func TestTransactionGC(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	ts := newTransactions(clk)

	old := ts.register(krpc.MethodGetPeers, udpAddr(1000))
	clk.Add(30 * time.Second)
	fresh := ts.register(krpc.MethodGetPeers, udpAddr(1001))
	clk.Add(30 * time.Second)

	// Only the 60s-old transaction collects; every survivor is younger.
	require.Equal(1, ts.gc())
	require.Equal(1, ts.size())

	_, ok := ts.match(old.id, udpAddr(1000))
	require.False(ok)
	_, ok = ts.match(fresh.id, udpAddr(1001))
	require.True(ok)
}

func TestTransactionCancel(t *testing.T) {
	require := require.New(t)

	ts := newTransactions(clock.NewMock())
	tr := ts.register(krpc.MethodPing, udpAddr(1000))
	ts.cancel(tr.id)

	_, ok := ts.match(tr.id, udpAddr(1000))
	require.False(ok)
}
