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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		description string
		msg         *Message
	}{
		{"choke", NewChokeMessage()},
		{"unchoke", NewUnchokeMessage()},
		{"interested", NewInterestedMessage()},
		{"not interested", NewNotInterestedMessage()},
		{"have", NewHaveMessage(42)},
		{"bitfield", NewBitfieldMessage([]byte{0xA0, 0x01})},
		{"request", NewRequestMessage(3, 16384, 16384)},
		{"piece", NewPieceMessage(3, 16384, []byte("block data"))},
		{"cancel", NewCancelMessage(3, 16384, 16384)},
		{"port", NewPortMessage(6881)},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			require := require.New(t)

			decoded, err := ReadMessage(bytes.NewReader(test.msg.Encode()))
			require.NoError(err)
			require.Equal(test.msg, decoded)
		})
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	require := require.New(t)

	var keepalive *Message
	b := keepalive.Encode()
	require.Equal([]byte{0, 0, 0, 0}, b)

	decoded, err := ReadMessage(bytes.NewReader(b))
	require.NoError(err)
	require.Nil(decoded)
}

func TestReadMessageUnknownID(t *testing.T) {
	require := require.New(t)

	// Length 3, id 14 (unknown), 2 payload bytes.
	_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 3, 14, 0xDE, 0xAD}))
	require.Equal(UnknownMessageError{14}, err)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	require := require.New(t)

	_, err := ReadMessage(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	require.Error(err)
	require.True(IsProtocolError(err))
}

func TestReadMessageRejectsBadPayloadLengths(t *testing.T) {
	tests := []struct {
		description string
		raw         []byte
	}{
		{"choke with payload", []byte{0, 0, 0, 2, 0, 9}},
		{"have too short", []byte{0, 0, 0, 3, 4, 0, 1}},
		{"request too short", []byte{0, 0, 0, 5, 6, 0, 0, 0, 1}},
		{"piece too short", []byte{0, 0, 0, 5, 7, 0, 0, 0, 1}},
		{"port too long", []byte{0, 0, 0, 4, 9, 0, 1, 2}},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(test.raw))
			require.Error(t, err)
			require.True(t, IsProtocolError(err))
		})
	}
}

func TestReadMessageTruncated(t *testing.T) {
	require := require.New(t)

	full := NewPieceMessage(0, 0, []byte("block")).Encode()
	_, err := ReadMessage(bytes.NewReader(full[:len(full)-2]))
	require.Error(err)
}
