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

import "time"

// Config is the configuration for individual live connections.
type Config struct {

	// ConnectTimeout is the timeout for establishing the TCP connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// HandshakeTimeout is the timeout for writing and reading the handshake
	// exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// KeepAliveInterval is how long the write side may stay silent before a
	// keep-alive is sent.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// ReadIdleTimeout tears down the connection when no bytes arrive for
	// this long. Keep-alives count as activity.
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"`

	// PayloadReadTimeout bounds reading the body of a single message once
	// its length prefix arrived.
	PayloadReadTimeout time.Duration `yaml:"payload_read_timeout"`

	// SenderBufferSize is the size of the sender channel for a connection.
	// Prevents writers to the connection from being blocked if there are
	// many writers trying to send messages at the same time.
	SenderBufferSize int `yaml:"sender_buffer_size"`

	// ReceiverBufferSize is the size of the receiver channel for a
	// connection. Prevents the connection reader from being blocked if a
	// receiver consumer is taking a long time to process a message.
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// Strict closes the connection on unknown message ids instead of
	// dropping them.
	Strict bool `yaml:"strict"`
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 90 * time.Second
	}
	if c.ReadIdleTimeout == 0 {
		c.ReadIdleTimeout = 2 * time.Minute
	}
	if c.PayloadReadTimeout == 0 {
		c.PayloadReadTimeout = 30 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 64
	}
	return c
}
