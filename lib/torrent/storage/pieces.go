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

import "sync"

// DefaultBlockSize is the transfer unit of a single request / piece
// exchange.
const DefaultBlockSize = 16 * 1024

type pieceStatus int

const (
	_empty pieceStatus = iota
	_partial
	_verified
)

// BlockSpec locates one block within a piece.
type BlockSpec struct {
	Offset int64
	Length int64
}

// piece assembles the blocks of one piece until verification. Block slots
// are freed once the piece verifies.
type piece struct {
	sync.RWMutex

	status pieceStatus
	length int64

	// blocks[i] is nil until the block at offset i*blockSize is deposited.
	blocks    [][]byte
	blockSize int64

	// failures counts hash verification failures.
	failures int
}

func newPiece(length, blockSize int64) *piece {
	numBlocks := int((length + blockSize - 1) / blockSize)
	return &piece{
		status:    _empty,
		length:    length,
		blocks:    make([][]byte, numBlocks),
		blockSize: blockSize,
	}
}

// blockSpec returns the geometry of block slot i.
func (p *piece) blockSpec(i int) BlockSpec {
	offset := int64(i) * p.blockSize
	length := p.blockSize
	if offset+length > p.length {
		length = p.length - offset
	}
	return BlockSpec{Offset: offset, Length: length}
}

func (p *piece) verified() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == _verified
}

func (p *piece) missingBlocks() []BlockSpec {
	p.RLock()
	defer p.RUnlock()

	if p.status == _verified {
		return nil
	}
	var missing []BlockSpec
	for i, b := range p.blocks {
		if b == nil {
			missing = append(missing, p.blockSpec(i))
		}
	}
	return missing
}

func (p *piece) full() bool {
	for _, b := range p.blocks {
		if b == nil {
			return false
		}
	}
	return true
}

// clear drops all block slots, returning the piece to empty.
func (p *piece) clear() {
	for i := range p.blocks {
		p.blocks[i] = nil
	}
	p.status = _empty
}

// markVerified frees block slots and latches the verified status.
func (p *piece) markVerified() {
	p.blocks = nil
	p.status = _verified
}

// blockBitmap reports which block slots are filled.
func (p *piece) blockBitmap() []bool {
	p.RLock()
	defer p.RUnlock()

	bitmap := make([]bool, len(p.blocks))
	for i, b := range p.blocks {
		bitmap[i] = b != nil
	}
	return bitmap
}
