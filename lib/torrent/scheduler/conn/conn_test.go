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
	"net"
	"testing"
	"time"

	"github.com/maelstrom-p2p/maelstrom/core"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

type closeRecorder struct {
	closed chan *Conn
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{closed: make(chan *Conn, 1)}
}

func (r *closeRecorder) ConnClosed(c *Conn) {
	r.closed <- c
}

func testConn(t *testing.T, config Config, events Events) (*Conn, net.Conn) {
	local, remote := net.Pipe()
	c, err := newConn(
		config.applyDefaults(),
		tally.NoopScope,
		clock.New(),
		events,
		local,
		core.PeerEndpointFixture(),
		core.PeerIDFixture(),
		core.InfoHashFixture(),
		zap.NewNop().Sugar())
	require.NoError(t, err)
	return c, remote
}

func TestConnSendWritesToSocket(t *testing.T) {
	require := require.New(t)

	c, remote := testConn(t, Config{}, newCloseRecorder())
	defer c.Close()
	c.Start()

	require.NoError(c.Send(NewHaveMessage(7)))

	msg, err := ReadMessage(remote)
	require.NoError(err)
	require.Equal(NewHaveMessage(7), msg)
	require.False(c.LastActivity().IsZero())
}

func TestConnReceiverSurfacesMessagesInOrder(t *testing.T) {
	require := require.New(t)

	c, remote := testConn(t, Config{}, newCloseRecorder())
	defer c.Close()
	c.Start()

	go func() {
		remote.Write(NewUnchokeMessage().Encode())
		remote.Write(NewHaveMessage(1).Encode())
		remote.Write(NewHaveMessage(2).Encode())
	}()

	require.Equal(NewUnchokeMessage(), <-c.Receiver())
	require.Equal(NewHaveMessage(1), <-c.Receiver())
	require.Equal(NewHaveMessage(2), <-c.Receiver())
}

func TestConnDropsUnknownMessages(t *testing.T) {
	require := require.New(t)

	c, remote := testConn(t, Config{}, newCloseRecorder())
	defer c.Close()
	c.Start()

	go func() {
		remote.Write([]byte{0, 0, 0, 2, 20, 0xFF})
		remote.Write(NewHaveMessage(3).Encode())
	}()

	// The unknown message is skipped; the stream stays aligned.
	require.Equal(NewHaveMessage(3), <-c.Receiver())
}

func TestConnStrictModeClosesOnUnknownMessage(t *testing.T) {
	require := require.New(t)

	events := newCloseRecorder()
	c, remote := testConn(t, Config{Strict: true}, events)
	c.Start()

	go remote.Write([]byte{0, 0, 0, 2, 20, 0xFF})

	select {
	case closed := <-events.closed:
		require.Equal(c, closed)
	case <-time.After(5 * time.Second):
		t.Fatal("conn did not close on unknown message in strict mode")
	}
}

func TestConnClosesOnReadIdle(t *testing.T) {
	require := require.New(t)

	events := newCloseRecorder()
	c, _ := testConn(t, Config{ReadIdleTimeout: 50 * time.Millisecond}, events)
	c.Start()

	select {
	case <-events.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("conn did not close on read idleness")
	}
	require.True(c.IsClosed())
}

func TestConnSendAfterCloseFails(t *testing.T) {
	require := require.New(t)

	events := newCloseRecorder()
	c, _ := testConn(t, Config{}, events)
	c.Start()
	c.Close()
	<-events.closed

	require.Error(c.Send(NewHaveMessage(0)))
}
