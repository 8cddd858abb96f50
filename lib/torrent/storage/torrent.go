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
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/lib/metainfo"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/bitfield"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
)

var (
	// ErrPieceComplete occurs when a block is deposited into an already
	// verified piece.
	ErrPieceComplete = errors.New("piece is already complete")

	// ErrPieceNotFull occurs when Finalize is called before every block
	// slot is filled.
	ErrPieceNotFull = errors.New("piece has missing blocks")
)

// VerificationError occurs when an assembled piece does not hash to its
// expected sum. The piece's block slots have been cleared by the time the
// error returns.
type VerificationError struct {
	Piece    int
	Failures int
}

func (e VerificationError) Error() string {
	return fmt.Sprintf("piece %d failed hash verification (%d failures total)", e.Piece, e.Failures)
}

// Torrent is the piece store: it owns per-piece block assembly, hash
// verification, and the verified bitfield. It is the single writer of the
// verified flag; external observers see a piece as verified or not, never
// in between. Safe for concurrent use.
type Torrent struct {
	mi        *metainfo.MetaInfo
	blockSize int64
	pieces    []*piece

	numVerified *atomic.Int32
}

// NewTorrent creates a piece store for mi with the default block size.
func NewTorrent(mi *metainfo.MetaInfo) *Torrent {
	return NewTorrentWithBlockSize(mi, DefaultBlockSize)
}

// NewTorrentWithBlockSize creates a piece store with a custom block size.
func NewTorrentWithBlockSize(mi *metainfo.MetaInfo, blockSize int64) *Torrent {
	n := mi.Info.NumPieces()
	pieces := make([]*piece, n)
	for i := 0; i < n; i++ {
		pieces[i] = newPiece(mi.Info.GetPieceLength(i), blockSize)
	}
	return &Torrent{
		mi:          mi,
		blockSize:   blockSize,
		pieces:      pieces,
		numVerified: atomic.NewInt32(0),
	}
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.mi.InfoHash()
}

// Name returns the torrent name.
func (t *Torrent) Name() string {
	return t.mi.Info.Name
}

// NumPieces returns the number of pieces.
func (t *Torrent) NumPieces() int {
	return len(t.pieces)
}

// Length returns the total content length.
func (t *Torrent) Length() int64 {
	return t.mi.Info.TotalLength()
}

// PieceLength returns the length of piece i.
func (t *Torrent) PieceLength(i int) int64 {
	return t.mi.Info.GetPieceLength(i)
}

// MaxPieceLength returns the nominal piece length.
func (t *Torrent) MaxPieceLength() int64 {
	return t.mi.Info.PieceLength
}

// BlockSize returns the block transfer unit.
func (t *Torrent) BlockSize() int64 {
	return t.blockSize
}

// PieceHash returns the expected SHA1 of piece i.
func (t *Torrent) PieceHash(i int) [20]byte {
	return t.mi.Info.PieceHash(i)
}

// Files returns the backend file layout.
func (t *Torrent) Files() []FileSpec {
	return FilesFromInfo(t.mi.Info)
}

func (t *Torrent) getPiece(i int) (*piece, error) {
	if i < 0 || i >= len(t.pieces) {
		return nil, fmt.Errorf("invalid piece index %d: num pieces = %d", i, len(t.pieces))
	}
	return t.pieces[i], nil
}

// HasPiece returns whether piece i is verified.
func (t *Torrent) HasPiece(i int) bool {
	p, err := t.getPiece(i)
	if err != nil {
		return false
	}
	return p.verified()
}

// MissingBlocks returns the geometry of still-empty block slots of piece i.
func (t *Torrent) MissingBlocks(i int) ([]BlockSpec, error) {
	p, err := t.getPiece(i)
	if err != nil {
		return nil, err
	}
	return p.missingBlocks(), nil
}

// Deposit fills one block slot of piece i. The offset and data length must
// match the slot geometry exactly. Returns whether the piece now has every
// block and is ready to finalize.
func (t *Torrent) Deposit(i int, offset int64, data []byte) (full bool, err error) {
	p, err := t.getPiece(i)
	if err != nil {
		return false, err
	}

	p.Lock()
	defer p.Unlock()

	if p.status == _verified {
		return false, ErrPieceComplete
	}
	if offset%t.blockSize != 0 {
		return false, fmt.Errorf("block offset %d is not aligned to block size %d", offset, t.blockSize)
	}
	slot := int(offset / t.blockSize)
	if slot >= len(p.blocks) {
		return false, fmt.Errorf("block offset %d out of range for piece %d", offset, i)
	}
	if spec := p.blockSpec(slot); int64(len(data)) != spec.Length {
		return false, fmt.Errorf(
			"block length %d does not match slot length %d", len(data), spec.Length)
	}
	if p.blocks[slot] != nil {
		// Duplicate block, e.g. re-requested after a deadline expiry which
		// the original peer then served anyway. Keep the first copy.
		return p.full(), nil
	}
	b := make([]byte, len(data))
	copy(b, data)
	p.blocks[slot] = b
	p.status = _partial
	return p.full(), nil
}

// Finalize concatenates the blocks of piece i, verifies the SHA1 sum, and
// latches the verified flag. On success the assembled bytes are returned for
// the backend write and the block slots are freed. On hash mismatch all
// slots are cleared, the failure counter increments, and a
// VerificationError returns.
func (t *Torrent) Finalize(i int) ([]byte, error) {
	p, err := t.getPiece(i)
	if err != nil {
		return nil, err
	}

	p.Lock()
	defer p.Unlock()

	if p.status == _verified {
		return nil, ErrPieceComplete
	}
	if !p.full() {
		return nil, ErrPieceNotFull
	}

	data := bytes.Join(p.blocks, nil)
	if sha1.Sum(data) != t.mi.Info.PieceHash(i) {
		p.clear()
		p.failures++
		return nil, VerificationError{Piece: i, Failures: p.failures}
	}
	p.markVerified()
	t.numVerified.Inc()
	return data, nil
}

// MarkVerified latches piece i as verified without hashing, used when resume
// re-verification already proved the stored bytes.
func (t *Torrent) MarkVerified(i int) error {
	p, err := t.getPiece(i)
	if err != nil {
		return err
	}

	p.Lock()
	defer p.Unlock()

	if p.status == _verified {
		return nil
	}
	p.markVerified()
	t.numVerified.Inc()
	return nil
}

// Failures returns the number of hash verification failures of piece i.
func (t *Torrent) Failures(i int) int {
	p, err := t.getPiece(i)
	if err != nil {
		return 0
	}
	p.RLock()
	defer p.RUnlock()
	return p.failures
}

// Bitfield returns a snapshot of verified pieces.
func (t *Torrent) Bitfield() *bitset.BitSet {
	b := bitset.New(uint(len(t.pieces)))
	for i, p := range t.pieces {
		if p.verified() {
			b.Set(uint(i))
		}
	}
	return b
}

// WireBitfield returns the verified bitfield in MSB-first wire encoding.
func (t *Torrent) WireBitfield() []byte {
	return bitfield.ToWire(t.Bitfield(), len(t.pieces))
}

// BlockBitmap reports which block slots of piece i are filled, for resume
// snapshots of partially assembled pieces.
func (t *Torrent) BlockBitmap(i int) ([]bool, error) {
	p, err := t.getPiece(i)
	if err != nil {
		return nil, err
	}
	return p.blockBitmap(), nil
}

// Progress returns verified pieces over total pieces in [0, 1].
func (t *Torrent) Progress() float64 {
	if len(t.pieces) == 0 {
		return 1
	}
	return float64(t.numVerified.Load()) / float64(len(t.pieces))
}

// Complete returns whether every piece is verified.
func (t *Torrent) Complete() bool {
	return int(t.numVerified.Load()) == len(t.pieces)
}

// BytesDownloaded estimates verified bytes.
func (t *Torrent) BytesDownloaded() int64 {
	n := int64(t.numVerified.Load()) * t.mi.Info.PieceLength
	if n > t.Length() {
		n = t.Length()
	}
	return n
}

func (t *Torrent) String() string {
	return fmt.Sprintf(
		"torrent(name=%s, hash=%s, downloaded=%d%%)",
		t.Name(), t.InfoHash().Hex(), int(t.Progress()*100))
}
