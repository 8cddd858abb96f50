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

// Package conn implements the peer wire protocol: the handshake, the framed
// message codec, and the live connection with its read / write loops.
package conn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/utils/timeutil"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Events defines Conn events.
type Events interface {
	ConnClosed(*Conn)
}

// Conn manages peer communication over one socket for one torrent. Inbound
// messages surface on the Receiver channel in socket order; outbound
// messages are queued through Send. Once started, a Conn closes itself on
// any read / write error or read idleness.
type Conn struct {
	endpoint  core.PeerEndpoint
	peerID    core.PeerID
	infoHash  core.InfoHash
	createdAt time.Time

	events Events

	nc     net.Conn
	config Config
	clk    clock.Clock
	stats  tally.Scope

	mu       sync.Mutex // Protects the following fields:
	lastSend time.Time
	lastRecv time.Time

	sender   chan *Message
	receiver chan *Message

	// The following fields orchestrate the closing of the connection:
	closed *atomic.Bool
	done   chan struct{}  // Signals to readLoop / writeLoop to exit.
	wg     sync.WaitGroup // Waits for readLoop / writeLoop to exit.

	startOnce sync.Once

	logger *zap.SugaredLogger
}

func newConn(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	nc net.Conn,
	endpoint core.PeerEndpoint,
	remotePeerID core.PeerID,
	infoHash core.InfoHash,
	logger *zap.SugaredLogger) (*Conn, error) {

	// Clear all deadlines set during handshake. From here on the read loop
	// manages its own idle deadlines.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	return &Conn{
		endpoint:  endpoint,
		peerID:    remotePeerID,
		infoHash:  infoHash,
		createdAt: clk.Now(),
		lastSend:  clk.Now(),
		lastRecv:  clk.Now(),
		events:    events,
		nc:        nc,
		config:    config,
		clk:       clk,
		stats:     stats,
		sender:    make(chan *Message, config.SenderBufferSize),
		receiver:  make(chan *Message, config.ReceiverBufferSize),
		closed:    atomic.NewBool(false),
		done:      make(chan struct{}),
		logger:    logger,
	}, nil
}

// Start starts message processing on c. Note, once c has been started, it
// may close itself if it encounters an error reading / writing to the
// underlying socket.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// Endpoint returns the remote endpoint the connection was dialed to.
func (c *Conn) Endpoint() core.PeerEndpoint {
	return c.endpoint
}

// PeerID returns the remote peer id learned during the handshake.
func (c *Conn) PeerID() core.PeerID {
	return c.peerID
}

// InfoHash returns the info hash for the torrent being transmitted over
// this connection.
func (c *Conn) InfoHash() core.InfoHash {
	return c.infoHash
}

// CreatedAt returns the time at which the Conn was created.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// LastActivity returns the most recent traffic in either direction.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return timeutil.MostRecent(c.lastSend, c.lastRecv)
}

func (c *Conn) touchLastSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSend = c.clk.Now()
}

func (c *Conn) touchLastRecv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRecv = c.clk.Now()
}

func (c *Conn) getLastSend() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSend
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, endpoint=%s, hash=%s)", c.peerID, c.endpoint, c.infoHash)
}

// Send queues msg for writing. Returns an error if the connection is closed
// or the send buffer is full.
func (c *Conn) Send(msg *Message) error {
	select {
	case <-c.done:
		return errors.New("conn closed")
	case c.sender <- msg:
		return nil
	default:
		c.stats.Counter("dropped_messages").Inc(1)
		return errors.New("send buffer full")
	}
}

// Receiver returns a read-only channel for reading incoming messages off
// the connection. The channel closes when the read loop exits.
func (c *Conn) Receiver() <-chan *Message {
	return c.receiver
}

// Close starts the shutdown sequence for the Conn.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		c.events.ConnClosed(c)
	}()
}

// IsClosed returns true if c is closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// readMessage reads one framed message, applying the idle deadline to the
// length prefix and the payload deadline to the body.
func (c *Conn) readMessage() (*Message, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.config.ReadIdleTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	var prefix [4]byte
	if _, err := io.ReadFull(c.nc, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		// Keep-alive.
		return nil, nil
	}
	if uint64(length) > maxMessageSize {
		return nil, protocolErrorf("message length %d exceeds limit", length)
	}
	if err := c.nc.SetReadDeadline(time.Now().Add(c.config.PayloadReadTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return nil, err
	}
	return decode(payload[0], payload[1:])
}

// readLoop reads messages off of the underlying connection and sends them
// to the receiver channel.
func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := c.readMessage()
			if err != nil {
				var unknown UnknownMessageError
				if errors.As(err, &unknown) {
					if c.config.Strict {
						c.log().Infof("Unknown message id %d in strict mode, exiting read loop", unknown.ID)
						return
					}
					c.stats.Counter("unknown_messages").Inc(1)
					continue
				}
				c.log().Infof("Error reading message from socket, exiting read loop: %s", err)
				return
			}
			c.touchLastRecv()
			if msg == nil {
				// Keep-alives reset the idle deadline and are otherwise
				// invisible.
				continue
			}
			c.receiver <- msg
		}
	}
}

func (c *Conn) sendMessage(msg *Message) error {
	if _, err := c.nc.Write(msg.Encode()); err != nil {
		return fmt.Errorf("write socket: %s", err)
	}
	return nil
}

// writeLoop writes messages to the underlying connection by pulling
// messages off of the sender channel, interleaving keep-alives whenever the
// write side has been silent too long.
func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	ticker := c.clk.Ticker(c.config.KeepAliveInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.clk.Now().Sub(c.getLastSend()) < c.config.KeepAliveInterval {
				continue
			}
			if err := c.sendMessage(nil); err != nil {
				c.log().Infof("Error writing keep-alive to socket, exiting write loop: %s", err)
				return
			}
			c.touchLastSend()
		case msg := <-c.sender:
			if err := c.sendMessage(msg); err != nil {
				c.log().Infof("Error writing message to socket, exiting write loop: %s", err)
				return
			}
			c.touchLastSend()
		}
	}
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
