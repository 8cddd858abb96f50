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
	"io"

	"github.com/maelstrom-p2p/maelstrom/core"
)

// protocolName is the fixed handshake protocol string.
const protocolName = "BitTorrent protocol"

// handshakeLength is the exact wire size of a handshake: 1 + 19 + 8 + 20 + 20.
const handshakeLength = 68

// Handshake is the fixed-size preamble both sides exchange before any
// messages flow.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
	Reserved [8]byte
}

// Encode serializes h into its 68-byte wire form.
func (h *Handshake) Encode() []byte {
	b := make([]byte, handshakeLength)
	b[0] = byte(len(protocolName))
	copy(b[1:], protocolName)
	copy(b[20:], h.Reserved[:])
	copy(b[28:], h.InfoHash.Bytes())
	copy(b[48:], h.PeerID.Bytes())
	return b
}

// ReadHandshake reads and decodes a 68-byte handshake from r. The protocol
// string must match exactly.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	b := make([]byte, handshakeLength)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	if int(b[0]) != len(protocolName) || string(b[1:20]) != protocolName {
		return nil, protocolErrorf("unexpected protocol string")
	}
	var h Handshake
	copy(h.Reserved[:], b[20:28])
	ih, err := core.InfoHashFromRaw(b[28:48])
	if err != nil {
		return nil, protocolErrorf("handshake info hash: %s", err)
	}
	p, err := core.PeerIDFromRaw(b[48:68])
	if err != nil {
		return nil, protocolErrorf("handshake peer id: %s", err)
	}
	h.InfoHash = ih
	h.PeerID = p
	return &h, nil
}
