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
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func nodeIDFixture() NodeID {
	var id NodeID
	rand.Read(id[:])
	return id
}

func nodeFixture() *Node {
	return &Node{
		ID: nodeIDFixture(),
		Addr: &net.UDPAddr{
			IP:   net.IPv4(127, 0, 0, 1),
			Port: rand.Intn(65534) + 1,
		},
	}
}

// nodeInBucket returns a node whose id shares exactly `index` leading bits
// with self, i.e. lands in bucket `index`.
func nodeInBucket(self NodeID, index int) *Node {
	n := nodeFixture()
	for i := 0; i < index; i++ {
		setBit(&n.ID, i, bit(self, i))
	}
	setBit(&n.ID, index, !bit(self, index))
	return n
}

func bit(id NodeID, i int) bool {
	return id[i/8]&(0x80>>uint(i%8)) != 0
}

func setBit(id *NodeID, i int, v bool) {
	if v {
		id[i/8] |= 0x80 >> uint(i%8)
	} else {
		id[i/8] &^= 0x80 >> uint(i%8)
	}
}

func TestBucketIndexIsFirstDifferingBit(t *testing.T) {
	require := require.New(t)

	self := nodeIDFixture()
	for _, index := range []int{0, 1, 7, 8, 42, 159} {
		n := nodeInBucket(self, index)
		require.Equal(index, self.BucketIndex(n.ID))
	}
	require.Equal(-1, self.BucketIndex(self))
}

func TestDistanceIsXOR(t *testing.T) {
	require := require.New(t)

	a := nodeIDFixture()
	b := nodeIDFixture()

	d := a.Distance(b)
	for i := range d {
		require.Equal(a[i]^b[i], d[i])
	}
	require.Equal(NodeID{}, a.Distance(a))
}

func TestAddRefreshesExistingNode(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	table := NewRoutingTable(nodeIDFixture(), clk)
	n := nodeFixture()

	require.True(table.Add(n))
	first := n.LastSeen

	clk.Add(time.Minute)
	require.True(table.Add(&Node{ID: n.ID, Addr: n.Addr}))

	got, ok := table.Get(n.ID)
	require.True(ok)
	require.True(got.LastSeen.After(first))
	require.Equal(1, table.NumNodes())
}

func TestAddRejectsWhenBucketFull(t *testing.T) {
	require := require.New(t)

	self := nodeIDFixture()
	table := NewRoutingTable(self, clock.NewMock())

	// Fill bucket 0 to capacity.
	for i := 0; i < bucketSize; i++ {
		require.True(table.Add(nodeInBucket(self, 0)))
	}
	require.False(table.Add(nodeInBucket(self, 0)))
	require.Equal(bucketSize, table.NumNodes())

	// Other buckets are unaffected.
	require.True(table.Add(nodeInBucket(self, 1)))
}

func TestAddRejectsSelf(t *testing.T) {
	require := require.New(t)

	self := nodeIDFixture()
	table := NewRoutingTable(self, clock.NewMock())

	require.False(table.Add(&Node{ID: self, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}}))
}

func TestMarkFailedEvictsAfterThreeFailures(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	table := NewRoutingTable(nodeIDFixture(), clk)
	n := nodeFixture()
	require.True(table.Add(n))

	table.MarkFailed(n.ID)
	table.MarkFailed(n.ID)
	_, ok := table.Get(n.ID)
	require.True(ok)

	table.MarkFailed(n.ID)
	_, ok = table.Get(n.ID)
	require.False(ok)
}

func TestMarkRespondedResetsFailureStreak(t *testing.T) {
	require := require.New(t)

	table := NewRoutingTable(nodeIDFixture(), clock.NewMock())
	n := nodeFixture()
	require.True(table.Add(n))

	table.MarkFailed(n.ID)
	table.MarkFailed(n.ID)
	table.MarkResponded(n.ID)
	table.MarkFailed(n.ID)
	table.MarkFailed(n.ID)

	_, ok := table.Get(n.ID)
	require.True(ok)
}

func TestFailureStreakOutsideWindowRestarts(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	table := NewRoutingTable(nodeIDFixture(), clk)
	n := nodeFixture()
	require.True(table.Add(n))

	table.MarkFailed(n.ID)
	table.MarkFailed(n.ID)
	clk.Add(evictionWindow + time.Minute)
	table.MarkFailed(n.ID)

	// The third failure fell outside the window, so the streak restarted.
	_, ok := table.Get(n.ID)
	require.True(ok)
}

func TestClosestOrdersByXORDistance(t *testing.T) {
	require := require.New(t)

	table := NewRoutingTable(nodeIDFixture(), clock.NewMock())
	for i := 0; i < 64; i++ {
		table.Add(nodeFixture())
	}
	target := nodeIDFixture()

	closest := table.Closest(target, bucketSize)
	require.Len(closest, bucketSize)
	for i := 1; i < len(closest); i++ {
		prev := closest[i-1].ID.Distance(target)
		cur := closest[i].ID.Distance(target)
		require.False(cur.LessThan(prev))
	}
}

func TestCompactNodesRoundTrip(t *testing.T) {
	require := require.New(t)

	var nodes []*Node
	for i := 0; i < 5; i++ {
		nodes = append(nodes, nodeFixture())
	}

	encoded := EncodeCompactNodes(nodes)
	require.Len(encoded, 5*compactNodeLength)

	decoded, err := DecodeCompactNodes(encoded)
	require.NoError(err)
	require.Len(decoded, 5)
	for i := range nodes {
		require.Equal(nodes[i].ID, decoded[i].ID)
		require.True(nodes[i].Addr.IP.Equal(decoded[i].Addr.IP))
		require.Equal(nodes[i].Addr.Port, decoded[i].Addr.Port)
	}
}

func TestDecodeCompactNodesInvalidLength(t *testing.T) {
	require := require.New(t)

	_, err := DecodeCompactNodes("short")
	require.Equal(ErrInvalidCompactNodes, err)
}
