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

// Package storage defines the backend contract verified pieces are written
// through, plus the piece store which assembles and hash-verifies blocks.
package storage

import (
	"errors"
	"fmt"

	"github.com/maelstrom-p2p/maelstrom/lib/metainfo"
)

// ErrReadUnsupported returns from Backend.ReadPiece on backends which stream
// writes one-way and cannot serve pieces back. Resume against such backends
// is bitfield-only.
var ErrReadUnsupported = errors.New("backend does not support reads")

// FileSpec describes one file of the torrent's logical byte stream. Path
// components are relative to the torrent name; an empty Path denotes the
// single-file layout where the torrent name is the file name.
type FileSpec struct {
	Path   []string
	Length int64
}

// FilesFromInfo derives the backend file layout from a parsed info
// dictionary.
func FilesFromInfo(info *metainfo.Info) []FileSpec {
	if !info.MultiFile() {
		return []FileSpec{{Length: info.Length}}
	}
	files := make([]FileSpec, len(info.Files))
	for i, f := range info.Files {
		files[i] = FileSpec{Path: f.Path, Length: f.Length}
	}
	return files
}

// Backend persists verified pieces. The scheduler is the only caller:
// WritePiece is invoked exactly once per piece index per session, and only
// after the piece passed hash verification.
type Backend interface {
	// Initialize prepares the backend for the given layout. Called once
	// before any writes.
	Initialize(name string, pieceLength int64, files []FileSpec) error

	// WritePiece persists one verified piece at its computed offset.
	WritePiece(piece int, data []byte) error

	// ReadPiece returns the stored bytes of a piece, used by resume
	// re-verification. Backends which cannot read return
	// ErrReadUnsupported.
	ReadPiece(piece int) ([]byte, error)

	// Complete finalizes the backend after the last piece is written.
	Complete() error

	// BytesWritten reports how many bytes have been persisted this session.
	BytesWritten() int64
}

// RetryableError wraps a backend failure which the scheduler may retry with
// backoff: transient network errors, rate limits.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return fmt.Sprintf("retryable storage error: %s", e.Err)
}

// Retryable returns whether err is worth retrying.
func Retryable(err error) bool {
	var re RetryableError
	return errors.As(err, &re)
}
