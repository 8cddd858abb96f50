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
package scheduler

import (
	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler/conn"
)

// event is a message to the scheduler event loop. The loop is the single
// serialisation point for piece-level and peer-level state; connections and
// dialers push events, they never call into shared state directly.
type event interface {
	apply(*Scheduler)
}

// peersDiscoveredEvent carries endpoints from the DHT, a tracker, or manual
// configuration.
type peersDiscoveredEvent struct {
	endpoints []core.PeerEndpoint
}

func (e peersDiscoveredEvent) apply(s *Scheduler) {
	s.handlePeersDiscovered(e.endpoints)
}

// dialResultEvent carries the outcome of an asynchronous dial + handshake.
type dialResultEvent struct {
	endpoint core.PeerEndpoint
	conn     *conn.Conn
	err      error
}

func (e dialResultEvent) apply(s *Scheduler) {
	s.handleDialResult(e.endpoint, e.conn, e.err)
}

// incomingMessageEvent carries one message received on a peer connection.
type incomingMessageEvent struct {
	endpoint core.PeerEndpoint
	msg      *conn.Message
}

func (e incomingMessageEvent) apply(s *Scheduler) {
	s.handleMessage(e.endpoint, e.msg)
}

// connClosedEvent fires when a connection fully shuts down.
type connClosedEvent struct {
	conn *conn.Conn
}

func (e connClosedEvent) apply(s *Scheduler) {
	s.handleConnClosed(e.conn)
}

// shutdownEvent begins ordered teardown of the scheduler.
type shutdownEvent struct{}

func (e shutdownEvent) apply(s *Scheduler) {
	s.handleShutdown()
}
