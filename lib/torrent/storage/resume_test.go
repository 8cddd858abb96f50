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
package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/maelstrom-p2p/maelstrom/core"

	"github.com/stretchr/testify/require"
)

func TestSnapshotResumeCapturesPartialPieces(t *testing.T) {
	require := require.New(t)

	content := contentFixture(3 * 40000)
	tor := torrentFixture(40000, content)

	depositAll(t, tor, 0, content)
	_, err := tor.Finalize(0)
	require.NoError(err)

	// Piece 1 gets only its first block.
	_, err = tor.Deposit(1, 0, content[40000:40000+16384])
	require.NoError(err)

	r := SnapshotResume(tor)
	require.Equal(tor.InfoHash().Hex(), r.InfoHashHex)

	verified, err := r.VerifiedPieces(tor.NumPieces())
	require.NoError(err)
	require.Equal([]int{0}, verified)

	require.Len(r.Pieces, 1)
	require.Equal(1, r.Pieces[0].Index)
	require.Equal([]bool{true, false, false}, r.Pieces[0].Blocks)
}

func TestResumeStoreSaveLoadRemove(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	s, err := NewResumeStore(dir)
	require.NoError(err)

	content := contentFixture(2 * 1024)
	tor := torrentFixture(1024, content)
	require.NoError(tor.MarkVerified(1))

	r := SnapshotResume(tor)
	require.NoError(s.Save(r))

	// The snapshot lands under <hex>.resume.
	_, err = os.Stat(filepath.Join(dir, tor.InfoHash().Hex()+".resume"))
	require.NoError(err)

	loaded, err := s.Load(tor.InfoHash())
	require.NoError(err)
	require.Equal(r.InfoHashHex, loaded.InfoHashHex)
	require.Equal(r.DownloadedPieces, loaded.DownloadedPieces)

	require.NoError(s.Remove(tor.InfoHash()))
	loaded, err = s.Load(tor.InfoHash())
	require.NoError(err)
	require.Nil(loaded)

	// Removing twice is fine.
	require.NoError(s.Remove(tor.InfoHash()))
}

func TestResumeStoreLoadMissing(t *testing.T) {
	require := require.New(t)

	s, err := NewResumeStore(t.TempDir())
	require.NoError(err)

	r, err := s.Load(core.InfoHashFixture())
	require.NoError(err)
	require.Nil(r)
}

func TestResumeStoreSaveReplacesAtomically(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	s, err := NewResumeStore(dir)
	require.NoError(err)

	content := contentFixture(2 * 1024)
	tor := torrentFixture(1024, content)

	require.NoError(s.Save(SnapshotResume(tor)))
	require.NoError(tor.MarkVerified(0))
	require.NoError(s.Save(SnapshotResume(tor)))

	loaded, err := s.Load(tor.InfoHash())
	require.NoError(err)
	verified, err := loaded.VerifiedPieces(tor.NumPieces())
	require.NoError(err)
	require.Equal([]int{0}, verified)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(err)
	require.Len(entries, 1)
}
