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
package metainfo

import (
	"github.com/zeebo/bencode"
)

// pieceHashSize is the size of each entry in the pieces hash table.
const pieceHashSize = 20

// File describes one file of a multi-file torrent. Path components are
// relative to the torrent name directory.
type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Info is a parsed torrent info dictionary. It describes how the content
// byte stream is cut into pieces and how to verify them.
type Info struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
	Name        string `bencode:"name"`

	// Exactly one of Length (single-file mode) or Files (multi-file mode)
	// is set.
	Length int64  `bencode:"length"`
	Files  []File `bencode:"files"`
}

// NewInfo decodes and validates an info dictionary from its raw bytes.
func NewInfo(raw bencode.RawMessage) (*Info, error) {
	var info Info
	if err := bencode.DecodeBytes(raw, &info); err != nil {
		return nil, parseErrorf("info dictionary: %s", err)
	}
	if err := info.validate(); err != nil {
		return nil, err
	}
	return &info, nil
}

func (info *Info) validate() error {
	if info.Name == "" {
		return parseErrorf("info dictionary has no name")
	}
	if info.PieceLength <= 0 {
		return parseErrorf("invalid piece length %d", info.PieceLength)
	}
	if len(info.Pieces)%pieceHashSize != 0 {
		return parseErrorf("pieces length %d is not a multiple of %d", len(info.Pieces), pieceHashSize)
	}
	if info.Length > 0 && len(info.Files) > 0 {
		return parseErrorf("info dictionary has both length and files")
	}
	for _, f := range info.Files {
		if f.Length < 0 {
			return parseErrorf("file %v has negative length", f.Path)
		}
		if len(f.Path) == 0 {
			return parseErrorf("file entry has empty path")
		}
	}
	total := info.TotalLength()
	if total <= 0 {
		return parseErrorf("torrent has no content")
	}
	expected := (total + info.PieceLength - 1) / info.PieceLength
	if int64(info.NumPieces()) != expected {
		return parseErrorf(
			"piece count %d does not reconcile with total length %d and piece length %d",
			info.NumPieces(), total, info.PieceLength)
	}
	return nil
}

// MultiFile returns whether info is in multi-file mode.
func (info *Info) MultiFile() bool {
	return len(info.Files) > 0
}

// TotalLength returns the total content length across all files.
func (info *Info) TotalLength() int64 {
	if !info.MultiFile() {
		return info.Length
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns the number of pieces.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / pieceHashSize
}

// PieceHash returns the expected SHA1 of piece i. Does not check bounds.
func (info *Info) PieceHash(i int) [pieceHashSize]byte {
	var h [pieceHashSize]byte
	copy(h[:], info.Pieces[i*pieceHashSize:])
	return h
}

// GetPieceLength returns the length of piece i. All pieces share PieceLength
// except possibly the last, which holds the remainder.
func (info *Info) GetPieceLength(i int) int64 {
	if i < 0 || i >= info.NumPieces() {
		return 0
	}
	if i == info.NumPieces()-1 {
		return info.TotalLength() - info.PieceLength*int64(i)
	}
	return info.PieceLength
}
