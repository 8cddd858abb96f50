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
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/maelstrom-p2p/maelstrom/lib/dht/krpc"

	"github.com/andres-erbsen/clock"
)

// transactionTTL is how long an outstanding query waits before it is
// garbage collected.
const transactionTTL = 60 * time.Second

// transaction is one outstanding query, correlated by transaction id plus
// remote endpoint.
type transaction struct {
	id      string
	method  string
	addr    *net.UDPAddr
	created time.Time

	// response receives the matched reply. Buffered so the read loop never
	// blocks on a slow waiter.
	response chan *krpc.Msg
}

// transactions tracks outstanding queries. Safe for concurrent use.
type transactions struct {
	clk clock.Clock

	mu      sync.Mutex
	next    uint16
	pending map[string]*transaction
}

func newTransactions(clk clock.Clock) *transactions {
	return &transactions{
		clk:     clk,
		pending: make(map[string]*transaction),
	}
}

// register allocates a transaction id for a query to addr.
func (ts *transactions) register(method string, addr *net.UDPAddr) *transaction {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var id [2]byte
	for {
		binary.BigEndian.PutUint16(id[:], ts.next)
		ts.next++
		if _, ok := ts.pending[string(id[:])]; !ok {
			break
		}
	}
	t := &transaction{
		id:       string(id[:]),
		method:   method,
		addr:     addr,
		created:  ts.clk.Now(),
		response: make(chan *krpc.Msg, 1),
	}
	ts.pending[t.id] = t
	return t
}

// match removes and returns the transaction for a reply, requiring both the
// transaction id and the source endpoint to agree. Unmatched replies are
// dropped by the caller.
func (ts *transactions) match(id string, addr *net.UDPAddr) (*transaction, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.pending[id]
	if !ok {
		return nil, false
	}
	if !t.addr.IP.Equal(addr.IP) || t.addr.Port != addr.Port {
		return nil, false
	}
	delete(ts.pending, id)
	return t, true
}

// cancel removes a transaction which timed out on the caller's side.
func (ts *transactions) cancel(id string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.pending, id)
}

// gc drops transactions older than the TTL and returns how many were
// collected.
func (ts *transactions) gc() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.clk.Now()
	var collected int
	for id, t := range ts.pending {
		if now.Sub(t.created) >= transactionTTL {
			delete(ts.pending, id)
			collected++
		}
	}
	return collected
}

// size returns the number of outstanding transactions.
func (ts *transactions) size() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.pending)
}
