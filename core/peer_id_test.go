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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomPeerIDCarriesClientPrefix(t *testing.T) {
	require := require.New(t)

	p, err := RandomPeerID()
	require.NoError(err)
	require.Equal(clientPrefix, string(p.Bytes()[:len(clientPrefix)]))
}

func TestPeerIDFromRaw(t *testing.T) {
	require := require.New(t)

	p := PeerIDFixture()

	parsed, err := PeerIDFromRaw(p.Bytes())
	require.NoError(err)
	require.Equal(p, parsed)

	_, err = PeerIDFromRaw([]byte("too short"))
	require.Equal(ErrInvalidPeerIDLength, err)
}

func TestPeerIDHexRoundTrip(t *testing.T) {
	require := require.New(t)

	p := PeerIDFixture()

	parsed, err := NewPeerID(p.String())
	require.NoError(err)
	require.Equal(p, parsed)
}
