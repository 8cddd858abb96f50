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
package core

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewInfoHashFromHex(t *testing.T) {
	require := require.New(t)

	h := InfoHashFixture()

	parsed, err := NewInfoHashFromHex(h.Hex())
	require.NoError(err)
	require.Equal(h, parsed)
}

func TestNewInfoHashFromHexErrors(t *testing.T) {
	tests := []struct {
		description string
		input       string
	}{
		{"empty", ""},
		{"too short", "abc123"},
		{"too long", "e940a7a57294e4304d435dbbf1cc7a6a87e93a41ff"},
		{"non hex", "zz40a7a57294e4304d435dbbf1cc7a6a87e93a41"},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			_, err := NewInfoHashFromHex(test.input)
			require.Error(t, err)
		})
	}
}

func TestNewInfoHashFromBytes(t *testing.T) {
	require := require.New(t)

	b := []byte("d6:lengthi0ee")
	expected := sha1.Sum(b)

	require.Equal(InfoHash(expected), NewInfoHashFromBytes(b))
}

func TestInfoHashFromRaw(t *testing.T) {
	require := require.New(t)

	h := InfoHashFixture()

	parsed, err := InfoHashFromRaw(h.Bytes())
	require.NoError(err)
	require.Equal(h, parsed)

	_, err = InfoHashFromRaw([]byte("short"))
	require.Error(err)
}
