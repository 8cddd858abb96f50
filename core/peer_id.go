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
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidPeerIDLength returns when a peer id does not decode into 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// clientPrefix is the Azureus-style prefix announced in generated peer ids.
const clientPrefix = "-ML0001-"

// PeerID represents a fixed size peer id. On the wire it is sent raw in the
// handshake; it has no structure beyond the client prefix convention.
type PeerID [20]byte

// NewPeerID parses a PeerID from the given string. Must be in hexadecimal
// notation, encoding exactly 20 bytes.
func NewPeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	return PeerIDFromRaw(b)
}

// PeerIDFromRaw converts exactly 20 raw bytes, as read off the wire, to a
// PeerID.
func PeerIDFromRaw(b []byte) (PeerID, error) {
	if len(b) != 20 {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	var p PeerID
	copy(p[:], b)
	return p, nil
}

// RandomPeerID returns a randomly generated PeerID carrying the client prefix.
func RandomPeerID() (PeerID, error) {
	var p PeerID
	copy(p[:], clientPrefix)
	if _, err := rand.Read(p[len(clientPrefix):]); err != nil {
		return PeerID{}, fmt.Errorf("read rand: %s", err)
	}
	return p, nil
}

// Bytes converts p to raw bytes.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// String encodes the PeerID in hexadecimal notation.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// LessThan returns whether p is less than o.
func (p PeerID) LessThan(o PeerID) bool {
	return bytes.Compare(p[:], o[:]) == -1
}
