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
	"math/rand"
	"net"
)

// InfoHashFixture returns a randomly generated InfoHash for testing purposes.
func InfoHashFixture() InfoHash {
	var h InfoHash
	rand.Read(h[:])
	return h
}

// PeerIDFixture returns a randomly generated PeerID for testing purposes.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// PeerEndpointFixture returns a random IPv4 PeerEndpoint for testing purposes.
func PeerEndpointFixture() PeerEndpoint {
	ip := net.IPv4(byte(rand.Intn(255)+1), byte(rand.Intn(256)), byte(rand.Intn(256)), byte(rand.Intn(256)))
	return PeerEndpoint{
		IP:     ip,
		Port:   rand.Intn(65534) + 1,
		Source: SourceManual,
	}
}
