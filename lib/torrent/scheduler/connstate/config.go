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
package connstate

import (
	"time"

	"github.com/maelstrom-p2p/maelstrom/utils/backoff"
)

// Config defines State configuration.
type Config struct {

	// MaxConnections is the maximum number of connections (pending plus
	// active) the State will hand out at once.
	MaxConnections int `yaml:"max_connections"`

	// Reconnect is the per-endpoint backoff applied after a failed or
	// dropped connection.
	Reconnect backoff.Config `yaml:"reconnect"`
}

func (c Config) applyDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = 50
	}
	if c.Reconnect.Min == 0 {
		c.Reconnect.Min = 30 * time.Second
	}
	if c.Reconnect.Max == 0 {
		c.Reconnect.Max = 30 * time.Minute
	}
	if c.Reconnect.Factor == 0 {
		c.Reconnect.Factor = 2
	}
	return c
}
