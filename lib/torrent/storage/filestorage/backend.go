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

// Package filestorage implements the storage backend over a local
// filesystem. Multi-file torrents are treated as one logical contiguous
// byte stream mapped onto per-file ranges; files are preallocated to their
// declared lengths at initialization and verified pieces are flushed as
// they are written.
package filestorage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maelstrom-p2p/maelstrom/lib/torrent/storage"
)

// ErrNotInitialized occurs when the backend is used before Initialize.
var ErrNotInitialized = errors.New("backend is not initialized")

// fileRange is one file's slice [start, end) of the logical byte stream.
type fileRange struct {
	path  string
	start int64
	end   int64
	f     *os.File
}

// Backend is a storage.Backend rooted at a base directory. Single-file
// torrents map to <base>/<name>; multi-file torrents to
// <base>/<name>/<path components...>.
type Backend struct {
	baseDir string

	mu           sync.Mutex
	pieceLength  int64
	totalLength  int64
	ranges       []*fileRange
	bytesWritten int64
	initialized  bool
}

// New creates a Backend rooted at baseDir.
func New(baseDir string) *Backend {
	return &Backend{baseDir: baseDir}
}

// Initialize creates and preallocates every file of the layout. Existing
// files are left in place so resumed downloads keep their bytes.
func (b *Backend) Initialize(name string, pieceLength int64, files []storage.FileSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return errors.New("backend is already initialized")
	}

	var offset int64
	for _, spec := range files {
		path := filepath.Join(append([]string{b.baseDir, name}, spec.Path...)...)
		if len(spec.Path) == 0 {
			path = filepath.Join(b.baseDir, name)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create parent dirs: %s", err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("open %s: %s", path, err)
		}
		// Truncate preallocates sparsely where the filesystem supports it.
		if err := f.Truncate(spec.Length); err != nil {
			f.Close()
			return fmt.Errorf("preallocate %s: %s", path, err)
		}
		b.ranges = append(b.ranges, &fileRange{
			path:  path,
			start: offset,
			end:   offset + spec.Length,
			f:     f,
		})
		offset += spec.Length
	}
	b.pieceLength = pieceLength
	b.totalLength = offset
	b.initialized = true
	return nil
}

// WritePiece writes a verified piece into every file range it overlaps and
// flushes the touched files.
func (b *Backend) WritePiece(piece int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return ErrNotInitialized
	}

	offset := int64(piece) * b.pieceLength
	if offset+int64(len(data)) > b.totalLength {
		return fmt.Errorf(
			"piece %d of length %d overflows total length %d", piece, len(data), b.totalLength)
	}
	for _, r := range b.ranges {
		sub, fileOffset, ok := overlap(r, offset, data)
		if !ok {
			continue
		}
		if _, err := r.f.WriteAt(sub, fileOffset); err != nil {
			return fmt.Errorf("write %s: %s", r.path, err)
		}
		if err := r.f.Sync(); err != nil {
			return fmt.Errorf("flush %s: %s", r.path, err)
		}
	}
	b.bytesWritten += int64(len(data))
	return nil
}

// BytesWritten reports bytes persisted this session.
func (b *Backend) BytesWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesWritten
}

// ReadPiece reads a piece back from the file layout.
func (b *Backend) ReadPiece(piece int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil, ErrNotInitialized
	}

	offset := int64(piece) * b.pieceLength
	if offset >= b.totalLength {
		return nil, fmt.Errorf("piece %d out of range", piece)
	}
	length := b.pieceLength
	if offset+length > b.totalLength {
		length = b.totalLength - offset
	}
	data := make([]byte, length)
	for _, r := range b.ranges {
		sub, fileOffset, ok := overlap(r, offset, data)
		if !ok {
			continue
		}
		if _, err := r.f.ReadAt(sub, fileOffset); err != nil {
			return nil, fmt.Errorf("read %s: %s", r.path, err)
		}
	}
	return data, nil
}

// Complete flushes and closes all files.
func (b *Backend) Complete() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return ErrNotInitialized
	}
	for _, r := range b.ranges {
		if r.f == nil {
			continue
		}
		if err := r.f.Sync(); err != nil {
			return fmt.Errorf("flush %s: %s", r.path, err)
		}
		if err := r.f.Close(); err != nil {
			return fmt.Errorf("close %s: %s", r.path, err)
		}
		r.f = nil
	}
	return nil
}

// overlap slices buf to the subrange which intersects r, given that buf
// spans [offset, offset+len(buf)) of the logical stream. Returns the
// in-file offset of the intersection.
func overlap(r *fileRange, offset int64, buf []byte) (sub []byte, fileOffset int64, ok bool) {
	end := offset + int64(len(buf))
	if end <= r.start || offset >= r.end {
		return nil, 0, false
	}
	lo, hi := offset, end
	if lo < r.start {
		lo = r.start
	}
	if hi > r.end {
		hi = r.end
	}
	return buf[lo-offset : hi-offset], lo - r.start, true
}
