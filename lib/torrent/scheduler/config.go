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
	"time"

	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler/conn"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler/connstate"

	"github.com/cenkalti/backoff"
)

// Config defines Scheduler configuration.
type Config struct {

	// ConcurrentPieces is how many pieces may be in assembly at once.
	ConcurrentPieces int `yaml:"concurrent_pieces"`

	// PipelineLimit caps inflight block requests per peer, preventing
	// head-of-line blocking behind one slow peer.
	PipelineLimit int `yaml:"pipeline_limit"`

	// BlockRequestTimeout is the deadline attached to each block request.
	BlockRequestTimeout time.Duration `yaml:"block_request_timeout"`

	// ConnectInterval is how often eligible endpoints are dialed.
	ConnectInterval time.Duration `yaml:"connect_interval"`

	// SweepInterval is how often expired block requests are cancelled.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// CorruptionThreshold is the number of distinct peers which must serve
	// a piece that fails verification before a swarm corruption warning is
	// raised.
	CorruptionThreshold int `yaml:"corruption_threshold"`

	// WriteRetryMax caps retries of retryable backend write failures.
	WriteRetryMax uint64 `yaml:"write_retry_max"`

	// WriteRetryInterval is the initial backoff of backend write retries.
	WriteRetryInterval time.Duration `yaml:"write_retry_interval"`

	Conn      conn.Config      `yaml:"conn"`
	ConnState connstate.Config `yaml:"connstate"`
}

func (c Config) applyDefaults() Config {
	if c.ConcurrentPieces == 0 {
		c.ConcurrentPieces = 5
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 8
	}
	if c.BlockRequestTimeout == 0 {
		c.BlockRequestTimeout = 30 * time.Second
	}
	if c.ConnectInterval == 0 {
		c.ConnectInterval = time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.CorruptionThreshold == 0 {
		c.CorruptionThreshold = 3
	}
	if c.WriteRetryMax == 0 {
		c.WriteRetryMax = 6
	}
	if c.WriteRetryInterval == 0 {
		c.WriteRetryInterval = 500 * time.Millisecond
	}
	return c
}

// writeBackoff builds the backend write retry policy.
func (c Config) writeBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.WriteRetryInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, c.WriteRetryMax)
}
