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
	"errors"
	"testing"
	"time"

	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/utils/backoff"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testState(config Config, clk clock.Clock) *State {
	config.Reconnect.NoJitter = true
	return New(config, clk, zap.NewNop().Sugar())
}

func TestAddIsIdempotentByEndpoint(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.NewMock())

	e, err := core.ParsePeerEndpoint("10.0.0.1:6881", core.SourceTracker)
	require.NoError(err)

	require.True(s.Add(e))
	require.Equal(1, s.NumKnown())

	// Same endpoint from a different source is a no-op.
	e2, err := core.ParsePeerEndpoint("10.0.0.1:6881", core.SourceDHT)
	require.NoError(err)
	require.False(s.Add(e2))
	require.Equal(1, s.NumKnown())
}

func TestConnectionLifecycle(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.NewMock())
	e := core.PeerEndpointFixture()
	p := core.PeerIDFixture()

	require.Equal(ErrEndpointUnknown, s.MarkPending(e))

	s.Add(e)
	require.NoError(s.MarkPending(e))
	require.Equal(ErrAlreadyConnecting, s.MarkPending(e))

	require.NoError(s.MarkActive(e, p))
	require.Equal(ErrAlreadyActive, s.MarkPending(e))
	require.Equal(1, s.NumActive())

	got, ok := s.PeerID(e)
	require.True(ok)
	require.Equal(p, got)
}

func TestMarkActiveRequiresPending(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.NewMock())
	e := core.PeerEndpointFixture()
	s.Add(e)

	require.Equal(ErrInvalidTransition, s.MarkActive(e, core.PeerIDFixture()))
}

func TestDisconnectBackoffSuppressesReconnect(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	s := testState(Config{}, clk)
	e := core.PeerEndpointFixture()
	s.Add(e)

	require.NoError(s.MarkPending(e))
	s.OnDisconnect(e, errors.New("connection reset"))
	require.Equal(0, s.NumActive())

	// First failure backs off 30s.
	require.Empty(s.ConnectCandidates())
	require.Equal(ErrEndpointInBackoff, s.MarkPending(e))

	clk.Add(30*time.Second + 1)
	require.Equal([]core.PeerEndpoint{e}, s.ConnectCandidates())
	require.NoError(s.MarkPending(e))

	// Second failure doubles the delay.
	s.OnDisconnect(e, errors.New("timeout"))
	clk.Add(30*time.Second + 1)
	require.Empty(s.ConnectCandidates())
	clk.Add(30 * time.Second)
	require.Equal([]core.PeerEndpoint{e}, s.ConnectCandidates())
}

func TestBackoffDelayCapped(t *testing.T) {
	require := require.New(t)

	b := backoff.New(backoff.Config{
		Min:      30 * time.Second,
		Max:      30 * time.Minute,
		Factor:   2,
		NoJitter: true,
	})
	require.Equal(30*time.Second, b.Duration(1))
	require.Equal(60*time.Second, b.Duration(2))
	require.Equal(30*time.Minute, b.Duration(20))
}

func TestSuccessfulConnectionResetsBackoff(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	s := testState(Config{}, clk)
	e := core.PeerEndpointFixture()
	s.Add(e)

	for i := 0; i < 5; i++ {
		require.NoError(s.MarkPending(e))
		s.OnDisconnect(e, errors.New("boom"))
		clk.Add(time.Hour)
	}

	require.NoError(s.MarkPending(e))
	require.NoError(s.MarkActive(e, core.PeerIDFixture()))
	s.OnDisconnect(e, errors.New("boom"))

	// Failure count restarted at 1, so only the minimum delay applies.
	clk.Add(30*time.Second + 1)
	require.Equal([]core.PeerEndpoint{e}, s.ConnectCandidates())
}

func TestConnectCandidatesRespectsCapacity(t *testing.T) {
	require := require.New(t)

	s := testState(Config{MaxConnections: 2}, clock.NewMock())

	for i := 0; i < 5; i++ {
		s.Add(core.PeerEndpointFixture())
	}
	candidates := s.ConnectCandidates()
	require.Len(candidates, 2)

	require.NoError(s.MarkPending(candidates[0]))
	require.NoError(s.MarkPending(candidates[1]))
	require.Empty(s.ConnectCandidates())

	e := core.PeerEndpointFixture()
	s.Add(e)
	require.Equal(ErrAtCapacity, s.MarkPending(e))
}

func TestScore(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.NewMock())
	e := core.PeerEndpointFixture()
	s.Add(e)
	require.NoError(s.MarkPending(e))
	require.NoError(s.MarkActive(e, core.PeerIDFixture()))

	// 3 needed pieces.
	require.Equal(30, s.Score(e, 3))

	s.SetUnchokingUs(e, true)
	require.Equal(35, s.Score(e, 3))

	s.RecordPieceDownloaded(e)
	s.RecordPieceDownloaded(e)
	require.Equal(37, s.Score(e, 3))

	for i := 0; i < 4; i++ {
		s.RecordPieceUploaded(e)
	}
	require.Equal(35, s.Score(e, 3))
}
