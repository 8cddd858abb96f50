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
package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func TestToWireMSBFirst(t *testing.T) {
	require := require.New(t)

	b := bitset.New(10)
	b.Set(0)
	b.Set(9)

	require.Equal([]byte{0x80, 0x40}, ToWire(b, 10))
}

func TestFromWireRoundTrip(t *testing.T) {
	require := require.New(t)

	b := bitset.New(13)
	for _, i := range []uint{0, 3, 7, 8, 12} {
		b.Set(i)
	}

	decoded, err := FromWire(ToWire(b, 13), 13)
	require.NoError(err)
	require.True(b.Equal(decoded))
}

func TestFromWireRejectsSpareBits(t *testing.T) {
	require := require.New(t)

	// 10 pieces -> 2 bytes; bit 10 set.
	_, err := FromWire([]byte{0x00, 0x20}, 10)
	require.Equal(ErrSpareBitsSet, err)
}

func TestFromWireRejectsLengthMismatch(t *testing.T) {
	require := require.New(t)

	_, err := FromWire([]byte{0x00}, 10)
	require.Error(err)
}
