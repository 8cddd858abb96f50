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
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"net"
	"time"

	"github.com/maelstrom-p2p/maelstrom/core"
)

// idLength is the size of a node id in bytes (160 bits).
const idLength = 20

// goodNodeWindow is how recently a node must have been heard from to be
// considered good.
const goodNodeWindow = 15 * time.Minute

// compactNodeLength is the wire size of one compact node entry: 20 bytes id
// plus 4 bytes IPv4 plus 2 bytes big-endian port.
const compactNodeLength = 26

// ErrInvalidCompactNodes returns when a compact node blob is not a multiple
// of 26 bytes.
var ErrInvalidCompactNodes = errors.New("compact node data length is not a multiple of 26")

// NodeID is a 160-bit Kademlia node identifier.
type NodeID [idLength]byte

// RandomNodeID generates a fresh node id. Ids are not tied to IP addresses.
func RandomNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, fmt.Errorf("read rand: %s", err)
	}
	return id, nil
}

// NodeIDFromRaw converts exactly 20 raw bytes into a NodeID.
func NodeIDFromRaw(b []byte) (NodeID, error) {
	if len(b) != idLength {
		return NodeID{}, fmt.Errorf("invalid node id: expected %d bytes, got %d", idLength, len(b))
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// NodeIDFromInfoHash reinterprets an info hash as a lookup target in id
// space.
func NodeIDFromInfoHash(h core.InfoHash) NodeID {
	var id NodeID
	copy(id[:], h.Bytes())
	return id
}

// Bytes returns the raw id bytes.
func (id NodeID) Bytes() []byte {
	return id[:]
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance returns the XOR distance between two ids, interpreted as a
// 160-bit big-endian integer.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// LessThan compares ids as big-endian integers.
func (id NodeID) LessThan(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) == -1
}

// BucketIndex returns the position of the first bit where other differs
// from id, counting from the most significant bit of byte 0. Identical ids
// return -1.
func (id NodeID) BucketIndex(other NodeID) int {
	for i := range id {
		if x := id[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return -1
}

// Node is a participant in the Kademlia overlay: an id plus a UDP endpoint.
type Node struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time

	// consecutiveFailures counts unanswered queries since the node last
	// responded; firstFailure anchors the eviction window.
	consecutiveFailures int
	firstFailure        time.Time
}

// Good returns whether the node was heard from within the good-node window.
func (n *Node) Good(now time.Time) bool {
	return now.Sub(n.LastSeen) < goodNodeWindow
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(id=%s, addr=%s)", n.ID, n.Addr)
}

// EncodeCompactNodes serializes nodes as a concatenation of 26-byte
// entries. Non-IPv4 nodes are skipped.
func EncodeCompactNodes(nodes []*Node) string {
	var b bytes.Buffer
	for _, n := range nodes {
		ip4 := n.Addr.IP.To4()
		if ip4 == nil {
			continue
		}
		b.Write(n.ID.Bytes())
		b.Write(ip4)
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], uint16(n.Addr.Port))
		b.Write(port[:])
	}
	return b.String()
}

// DecodeCompactNodes parses a concatenation of 26-byte compact node
// entries.
func DecodeCompactNodes(s string) ([]*Node, error) {
	if len(s)%compactNodeLength != 0 {
		return nil, ErrInvalidCompactNodes
	}
	b := []byte(s)
	nodes := make([]*Node, 0, len(b)/compactNodeLength)
	for i := 0; i < len(b); i += compactNodeLength {
		id, err := NodeIDFromRaw(b[i : i+idLength])
		if err != nil {
			return nil, err
		}
		ip := net.IPv4(b[i+20], b[i+21], b[i+22], b[i+23])
		port := int(binary.BigEndian.Uint16(b[i+24 : i+26]))
		nodes = append(nodes, &Node{
			ID:   id,
			Addr: &net.UDPAddr{IP: ip, Port: port},
		})
	}
	return nodes, nil
}
