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

// Package gcsbackend implements the storage backend over Google Cloud
// Storage resumable uploads. Each file of the torrent streams into its own
// upload session; sessions only accept bytes in order, so pieces which
// arrive out of order are buffered until the stream catches up to them.
// The backend cannot read pieces back, which makes resume bitfield-only.
package gcsbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/maelstrom-p2p/maelstrom/lib/torrent/storage"

	"google.golang.org/api/googleapi"
)

// ErrUploadGap occurs when Complete is called while an upload stream still
// has buffered segments waiting on an unwritten range.
var ErrUploadGap = errors.New("upload stream has unfilled gaps")

// fileStream tracks one file's resumable upload session.
type fileStream struct {
	object string
	w      io.WriteCloser

	start int64 // stream range [start, end) of the logical torrent bytes
	end   int64

	written int64            // bytes pushed into the session so far
	pending map[int64][]byte // buffered segments keyed by in-file offset
}

// Backend is a storage.Backend which streams verified pieces into GCS.
type Backend struct {
	config Config
	gcs    GCS
	ctx    context.Context

	mu          sync.Mutex
	name        string
	pieceLength int64
	totalLength int64
	streams     []*fileStream
	initialized bool
}

// Option allows setting optional Backend parameters.
type Option func(*Backend)

// WithGCS configures a Backend with a custom GCS implementation.
func WithGCS(gcs GCS) Option {
	return func(b *Backend) { b.gcs = gcs }
}

// New creates a new Backend for GCS.
func New(ctx context.Context, config Config, opts ...Option) (*Backend, error) {
	config = config.applyDefaults()
	b := &Backend{config: config, ctx: ctx}
	for _, opt := range opts {
		opt(b)
	}
	if b.gcs == nil {
		if config.Bucket == "" {
			return nil, errors.New("invalid config: bucket required")
		}
		gcs, err := newGCSClient(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %s", err)
		}
		b.gcs = gcs
	}
	return b, nil
}

// Initialize opens one upload session per file.
func (b *Backend) Initialize(name string, pieceLength int64, files []storage.FileSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return errors.New("backend is already initialized")
	}

	var offset int64
	for _, spec := range files {
		object := path.Join(append([]string{b.config.RootDirectory, name}, spec.Path...)...)
		b.streams = append(b.streams, &fileStream{
			object:  object,
			w:       b.gcs.NewWriter(b.ctx, object),
			start:   offset,
			end:     offset + spec.Length,
			pending: make(map[int64][]byte),
		})
		offset += spec.Length
	}
	b.name = name
	b.pieceLength = pieceLength
	b.totalLength = offset
	b.initialized = true
	return nil
}

// WritePiece feeds a verified piece into the upload sessions it overlaps.
// Out-of-order pieces buffer in memory until the sessions reach them.
func (b *Backend) WritePiece(piece int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return errors.New("backend is not initialized")
	}

	offset := int64(piece) * b.pieceLength
	if offset+int64(len(data)) > b.totalLength {
		return fmt.Errorf(
			"piece %d of length %d overflows total length %d", piece, len(data), b.totalLength)
	}
	for _, s := range b.streams {
		end := offset + int64(len(data))
		if end <= s.start || offset >= s.end {
			continue
		}
		lo, hi := offset, end
		if lo < s.start {
			lo = s.start
		}
		if hi > s.end {
			hi = s.end
		}
		seg := make([]byte, hi-lo)
		copy(seg, data[lo-offset:hi-offset])
		s.pending[lo-s.start] = seg
		if err := s.flush(); err != nil {
			return wrapUploadError(s.object, err)
		}
	}
	return nil
}

// flush pushes the contiguous prefix of pending segments into the session.
func (s *fileStream) flush() error {
	for {
		seg, ok := s.pending[s.written]
		if !ok {
			return nil
		}
		if _, err := s.w.Write(seg); err != nil {
			return err
		}
		delete(s.pending, s.written)
		s.written += int64(len(seg))
	}
}

// BytesWritten reports bytes pushed into upload sessions so far. Buffered
// out-of-order segments do not count until they flush.
func (b *Backend) BytesWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for _, s := range b.streams {
		n += s.written
	}
	return n
}

// ReadPiece always returns ErrReadUnsupported: upload sessions are one-way.
func (b *Backend) ReadPiece(piece int) ([]byte, error) {
	return nil, storage.ErrReadUnsupported
}

// Complete commits every upload session. Fails if any stream still has
// buffered out-of-order segments.
func (b *Backend) Complete() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return errors.New("backend is not initialized")
	}
	for _, s := range b.streams {
		if len(s.pending) > 0 {
			return fmt.Errorf("object %s: %s", s.object, ErrUploadGap)
		}
		if s.written != s.end-s.start {
			return fmt.Errorf(
				"object %s: wrote %d of %d bytes", s.object, s.written, s.end-s.start)
		}
		if err := s.w.Close(); err != nil {
			return wrapUploadError(s.object, err)
		}
	}
	return nil
}

// wrapUploadError classifies GCS failures: rate limits and server errors
// are retryable.
func wrapUploadError(object string, err error) error {
	wrapped := fmt.Errorf("upload %s: %s", object, err)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 408, 429, 500, 502, 503, 504:
			return storage.RetryableError{Err: wrapped}
		}
	}
	return wrapped
}
