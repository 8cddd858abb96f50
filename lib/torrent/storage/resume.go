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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/bitfield"
)

// resumeSuffix is the file name suffix of resume snapshots.
const resumeSuffix = ".resume"

// Resume is a snapshot of download progress: the verified-piece bitfield in
// wire encoding plus block bitmaps of partially assembled pieces.
type Resume struct {
	InfoHashHex      string             `json:"info_hash_hex"`
	DownloadedPieces []byte             `json:"downloaded_pieces"`
	Pieces           []ResumePieceState `json:"pieces"`
}

// ResumePieceState records which blocks of one in-progress piece were
// already deposited.
type ResumePieceState struct {
	Index  int    `json:"index"`
	Blocks []bool `json:"blocks"`
}

// SnapshotResume captures the current progress of t.
func SnapshotResume(t *Torrent) *Resume {
	r := &Resume{
		InfoHashHex:      t.InfoHash().Hex(),
		DownloadedPieces: t.WireBitfield(),
	}
	for i := 0; i < t.NumPieces(); i++ {
		if t.HasPiece(i) {
			continue
		}
		bitmap, err := t.BlockBitmap(i)
		if err != nil {
			continue
		}
		var any bool
		for _, b := range bitmap {
			any = any || b
		}
		if any {
			r.Pieces = append(r.Pieces, ResumePieceState{Index: i, Blocks: bitmap})
		}
	}
	return r
}

// VerifiedPieces decodes the snapshot's piece bitfield.
func (r *Resume) VerifiedPieces(numPieces int) ([]int, error) {
	b, err := bitfield.FromWire(r.DownloadedPieces, numPieces)
	if err != nil {
		return nil, fmt.Errorf("resume bitfield: %s", err)
	}
	var pieces []int
	for i := 0; i < numPieces; i++ {
		if b.Test(uint(i)) {
			pieces = append(pieces, i)
		}
	}
	return pieces, nil
}

// ResumeStore persists Resume snapshots as <info_hash_hex>.resume files in
// a directory, replacing atomically via temp file + rename.
type ResumeStore struct {
	dir string
}

// NewResumeStore creates a ResumeStore rooted at dir, creating it if needed.
func NewResumeStore(dir string) (*ResumeStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create resume dir: %s", err)
	}
	return &ResumeStore{dir}, nil
}

func (s *ResumeStore) path(h core.InfoHash) string {
	return filepath.Join(s.dir, h.Hex()+resumeSuffix)
}

// Save atomically replaces the snapshot for r's torrent.
func (s *ResumeStore) Save(r *Resume) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal resume: %s", err)
	}
	tmp, err := os.CreateTemp(s.dir, "resume-*")
	if err != nil {
		return fmt.Errorf("create temp: %s", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %s", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %s", err)
	}
	h, err := core.NewInfoHashFromHex(r.InfoHashHex)
	if err != nil {
		return fmt.Errorf("resume info hash: %s", err)
	}
	if err := os.Rename(tmp.Name(), s.path(h)); err != nil {
		return fmt.Errorf("rename: %s", err)
	}
	return nil
}

// Load returns the snapshot for h, or nil if none exists.
func (s *ResumeStore) Load(h core.InfoHash) (*Resume, error) {
	b, err := os.ReadFile(s.path(h))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resume: %s", err)
	}
	var r Resume
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("unmarshal resume: %s", err)
	}
	if r.InfoHashHex != h.Hex() {
		return nil, fmt.Errorf("resume info hash mismatch: expected %s, got %s", h.Hex(), r.InfoHashHex)
	}
	return &r, nil
}

// Remove deletes the snapshot for h. Removing a nonexistent snapshot is not
// an error.
func (s *ResumeStore) Remove(h core.InfoHash) error {
	if err := os.Remove(s.path(h)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
