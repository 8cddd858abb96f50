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
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// tokenRotation is how often the minting secret rotates. Tokens from the
// current and previous secret validate, so a token stays usable for at
// least one rotation period.
const tokenRotation = 5 * time.Minute

// receivedTokenTTL is how long a token captured from a get_peers reply is
// kept for a subsequent announce_peer.
const receivedTokenTTL = 10 * time.Minute

// tokenMint issues and validates announce tokens, binding each token to the
// requester's IP so a get_peers reply cannot be replayed by a third party.
type tokenMint struct {
	clk clock.Clock

	mu         sync.Mutex
	secret     [8]byte
	prevSecret [8]byte
	rotatedAt  time.Time
}

func newTokenMint(clk clock.Clock) (*tokenMint, error) {
	m := &tokenMint{clk: clk, rotatedAt: clk.Now()}
	if _, err := rand.Read(m.secret[:]); err != nil {
		return nil, err
	}
	m.prevSecret = m.secret
	return m, nil
}

func (m *tokenMint) maybeRotate() {
	now := m.clk.Now()
	if now.Sub(m.rotatedAt) < tokenRotation {
		return
	}
	m.prevSecret = m.secret
	rand.Read(m.secret[:])
	m.rotatedAt = now
}

func tokenFor(secret [8]byte, ip net.IP) string {
	h := sha1.New()
	h.Write(secret[:])
	h.Write(ip.To16())
	return string(h.Sum(nil)[:8])
}

// issue mints a token for the given requester IP.
func (m *tokenMint) issue(ip net.IP) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeRotate()
	return tokenFor(m.secret, ip)
}

// valid reports whether token was minted for ip under the current or
// previous secret.
func (m *tokenMint) valid(ip net.IP, token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeRotate()
	return token == tokenFor(m.secret, ip) || token == tokenFor(m.prevSecret, ip)
}

// receivedToken is a token some remote node handed us in a get_peers reply.
type receivedToken struct {
	token      string
	receivedAt time.Time
}

// tokenStore keeps tokens received from remote nodes, keyed by node id, for
// use in announce_peer queries.
type tokenStore struct {
	clk clock.Clock

	mu     sync.Mutex
	tokens map[NodeID]receivedToken
}

func newTokenStore(clk clock.Clock) *tokenStore {
	return &tokenStore{clk: clk, tokens: make(map[NodeID]receivedToken)}
}

// put stores the token returned by node id.
func (s *tokenStore) put(id NodeID, token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = receivedToken{token: token, receivedAt: s.clk.Now()}
}

// get returns the unexpired token for node id, if any.
func (s *tokenStore) get(id NodeID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tokens[id]
	if !ok {
		return "", false
	}
	if s.clk.Now().Sub(rt.receivedAt) > receivedTokenTTL {
		delete(s.tokens, id)
		return "", false
	}
	return rt.token, true
}
