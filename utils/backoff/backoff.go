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
package backoff

import (
	"errors"
	"math/rand"
	"time"
)

// ErrRetriesExhausted returns when an Attempts iterator runs out of retry
// budget.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Config defines Backoff configuration.
type Config struct {
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	Factor       float64       `yaml:"factor"`
	RetryTimeout time.Duration `yaml:"retry_timeout"`

	// NoJitter disables delay jitter. Should only be used in testing.
	NoJitter bool `yaml:"-"`
}

func (c Config) applyDefaults() Config {
	if c.Min == 0 {
		c.Min = 1 * time.Second
	}
	if c.Max == 0 {
		c.Max = 10 * time.Minute
	}
	if c.Factor == 0 {
		c.Factor = 2
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = 15 * time.Minute
	}
	return c
}

// Backoff computes exponentially increasing delays with optional jitter.
type Backoff struct {
	config Config
}

// New creates a new Backoff.
func New(config Config) *Backoff {
	return &Backoff{config.applyDefaults()}
}

// Duration returns the delay before the given zero-indexed retry attempt.
// The first attempt has no delay.
func (b *Backoff) Duration(attempt int) time.Duration {
	if attempt == 0 {
		return 0
	}
	d := float64(b.config.Min)
	for i := 1; i < attempt; i++ {
		d *= b.config.Factor
		if d >= float64(b.config.Max) {
			d = float64(b.config.Max)
			break
		}
	}
	if !b.config.NoJitter {
		// Jitter anywhere between 75% and 100% of the computed delay.
		d = d*0.75 + rand.Float64()*d*0.25
	}
	return time.Duration(d)
}

// Attempts returns an iterator over retry attempts which sleeps in between
// attempts and gives up once the total delay exceeds the retry timeout.
func (b *Backoff) Attempts() *Attempts {
	return &Attempts{b: b, deadline: time.Now().Add(b.config.RetryTimeout)}
}

// Attempts tracks the progress of a retry loop.
type Attempts struct {
	b        *Backoff
	n        int
	deadline time.Time
	err      error
}

// WaitForNext sleeps until the next attempt may be executed. Returns false
// if the retry timeout was exceeded; Err holds the failure.
//
//	a := b.Attempts()
//	for a.WaitForNext() {
//	    if err := f(); err == nil {
//	        return nil
//	    }
//	}
//	return a.Err()
func (a *Attempts) WaitForNext() bool {
	// The first attempt always executes, regardless of timeout.
	if a.n == 0 {
		a.n++
		return true
	}
	d := a.b.Duration(a.n)
	if time.Now().Add(d).After(a.deadline) {
		a.err = ErrRetriesExhausted
		return false
	}
	time.Sleep(d)
	a.n++
	return true
}

// Err returns a non-nil error once a has exceeded the retry timeout.
func (a *Attempts) Err() error {
	return a.err
}
