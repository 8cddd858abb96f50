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

// Package bitfield converts between the wire bitfield encoding and the
// bitset representation used internally. On the wire, bit 0 of the torrent
// maps to the most significant bit of byte 0, and spare bits in the final
// byte must be zero.
package bitfield

import (
	"errors"
	"fmt"

	"github.com/willf/bitset"
)

// ErrSpareBitsSet returns when a wire bitfield has non-zero bits past the
// last piece.
var ErrSpareBitsSet = errors.New("bitfield has spare bits set")

// ToWire encodes the first numPieces bits of b in MSB-first wire order.
func ToWire(b *bitset.BitSet, numPieces int) []byte {
	w := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if b.Test(uint(i)) {
			w[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return w
}

// FromWire decodes an MSB-first wire bitfield of numPieces pieces. Rejects
// length mismatches and non-zero spare bits.
func FromWire(w []byte, numPieces int) (*bitset.BitSet, error) {
	if len(w) != (numPieces+7)/8 {
		return nil, fmt.Errorf(
			"bitfield length %d does not match %d pieces", len(w), numPieces)
	}
	b := bitset.New(uint(numPieces))
	for i := 0; i < len(w)*8; i++ {
		if w[i/8]&(0x80>>uint(i%8)) == 0 {
			continue
		}
		if i >= numPieces {
			return nil, ErrSpareBitsSet
		}
		b.Set(uint(i))
	}
	return b, nil
}
