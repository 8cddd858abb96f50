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
package filestorage

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/maelstrom-p2p/maelstrom/lib/torrent/storage"

	"github.com/stretchr/testify/require"
)

func TestSingleFileLayout(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	b := New(dir)

	content := make([]byte, 2500)
	rand.Read(content)

	require.NoError(b.Initialize("blob.bin", 1024, []storage.FileSpec{{Length: 2500}}))

	require.NoError(b.WritePiece(0, content[:1024]))
	require.NoError(b.WritePiece(1, content[1024:2048]))
	require.NoError(b.WritePiece(2, content[2048:]))
	require.Equal(int64(2500), b.BytesWritten())
	require.NoError(b.Complete())

	written, err := os.ReadFile(filepath.Join(dir, "blob.bin"))
	require.NoError(err)
	require.True(bytes.Equal(content, written))
}

func TestMultiFileLayoutSplitsPieceAcrossFiles(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	b := New(dir)

	// Piece 0 spans all three files: 100 + 150 + 750 bytes of a 1000-byte
	// stream with one 1000-byte piece.
	content := make([]byte, 1000)
	rand.Read(content)

	files := []storage.FileSpec{
		{Path: []string{"a.bin"}, Length: 100},
		{Path: []string{"sub", "b.bin"}, Length: 150},
		{Path: []string{"c.bin"}, Length: 750},
	}
	require.NoError(b.Initialize("multi", 1000, files))
	require.NoError(b.WritePiece(0, content))
	require.NoError(b.Complete())

	a, err := os.ReadFile(filepath.Join(dir, "multi", "a.bin"))
	require.NoError(err)
	require.True(bytes.Equal(content[:100], a))

	bb, err := os.ReadFile(filepath.Join(dir, "multi", "sub", "b.bin"))
	require.NoError(err)
	require.True(bytes.Equal(content[100:250], bb))

	c, err := os.ReadFile(filepath.Join(dir, "multi", "c.bin"))
	require.NoError(err)
	require.True(bytes.Equal(content[250:], c))
}

func TestInitializePreallocates(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	b := New(dir)

	require.NoError(b.Initialize("big", 1024, []storage.FileSpec{
		{Path: []string{"x"}, Length: 1 << 20},
	}))
	defer b.Complete()

	fi, err := os.Stat(filepath.Join(dir, "big", "x"))
	require.NoError(err)
	require.Equal(int64(1<<20), fi.Size())
}

func TestReadPieceRoundTrip(t *testing.T) {
	require := require.New(t)

	b := New(t.TempDir())

	content := make([]byte, 2500)
	rand.Read(content)

	require.NoError(b.Initialize("blob", 1024, []storage.FileSpec{{Length: 2500}}))
	defer b.Complete()

	require.NoError(b.WritePiece(2, content[2048:]))

	// Short last piece reads back at its true length.
	data, err := b.ReadPiece(2)
	require.NoError(err)
	require.True(bytes.Equal(content[2048:], data))

	_, err = b.ReadPiece(5)
	require.Error(err)
}

func TestUseBeforeInitialize(t *testing.T) {
	require := require.New(t)

	b := New(t.TempDir())

	require.Equal(ErrNotInitialized, b.WritePiece(0, []byte("x")))
	_, err := b.ReadPiece(0)
	require.Equal(ErrNotInitialized, err)
	require.Equal(ErrNotInitialized, b.Complete())
}

func TestWritePieceOverflow(t *testing.T) {
	require := require.New(t)

	b := New(t.TempDir())
	require.NoError(b.Initialize("blob", 1024, []storage.FileSpec{{Length: 1024}}))
	defer b.Complete()

	require.Error(b.WritePiece(1, make([]byte, 1024)))
}
