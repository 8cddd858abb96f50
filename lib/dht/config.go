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

import "time"

// Config defines DHT configuration.
type Config struct {

	// ListenAddr is the UDP address the node binds. Port 0 picks an
	// ephemeral port.
	ListenAddr string `yaml:"listen_addr"`

	// Seeds are the bootstrap hostnames. Failure to resolve any single
	// seed is not fatal.
	Seeds []string `yaml:"seeds"`

	// QueryTimeout bounds one query round trip.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// LookupTimeout bounds a full get_peers crawl.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`

	// LookupParallelism is how many nodes are queried concurrently per
	// crawl round.
	LookupParallelism int `yaml:"lookup_parallelism"`

	// QueriesPerSecond rate limits outbound queries.
	QueriesPerSecond int `yaml:"queries_per_second"`

	// MaxPeersPerHash caps the announced-peer store per info hash.
	MaxPeersPerHash int `yaml:"max_peers_per_hash"`
}

func (c Config) applyDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:0"
	}
	if len(c.Seeds) == 0 {
		c.Seeds = []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		}
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.LookupTimeout == 0 {
		c.LookupTimeout = 30 * time.Second
	}
	if c.LookupParallelism == 0 {
		c.LookupParallelism = bucketSize
	}
	if c.QueriesPerSecond == 0 {
		c.QueriesPerSecond = 64
	}
	if c.MaxPeersPerHash == 0 {
		c.MaxPeersPerHash = 256
	}
	return c
}
