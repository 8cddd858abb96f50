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
package gcsbackend

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/maelstrom-p2p/maelstrom/lib/torrent/storage"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

type fakeObject struct {
	buf    bytes.Buffer
	closed bool
	err    error
}

func (o *fakeObject) Write(p []byte) (int, error) {
	if o.err != nil {
		return 0, o.err
	}
	return o.buf.Write(p)
}

func (o *fakeObject) Close() error {
	o.closed = true
	return nil
}

type fakeGCS struct {
	objects map[string]*fakeObject
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{objects: make(map[string]*fakeObject)}
}

func (g *fakeGCS) NewWriter(ctx context.Context, objectName string) io.WriteCloser {
	o := &fakeObject{}
	g.objects[objectName] = o
	return o
}

func testBackend(t *testing.T, gcs GCS) *Backend {
	b, err := New(context.Background(), Config{Bucket: "test"}, WithGCS(gcs))
	require.NoError(t, err)
	return b
}

func TestStreamsPiecesInOrder(t *testing.T) {
	require := require.New(t)

	gcs := newFakeGCS()
	b := testBackend(t, gcs)

	content := make([]byte, 2500)
	rand.Read(content)

	require.NoError(b.Initialize("blob", 1024, []storage.FileSpec{{Length: 2500}}))
	require.NoError(b.WritePiece(0, content[:1024]))
	require.NoError(b.WritePiece(1, content[1024:2048]))
	require.NoError(b.WritePiece(2, content[2048:]))
	require.NoError(b.Complete())

	o := gcs.objects["blob"]
	require.True(o.closed)
	require.True(bytes.Equal(content, o.buf.Bytes()))
}

func TestBuffersOutOfOrderPieces(t *testing.T) {
	require := require.New(t)

	gcs := newFakeGCS()
	b := testBackend(t, gcs)

	content := make([]byte, 3072)
	rand.Read(content)

	require.NoError(b.Initialize("blob", 1024, []storage.FileSpec{{Length: 3072}}))

	// Pieces arrive 2, 0, 1; the upload session must still receive bytes in
	// order.
	require.NoError(b.WritePiece(2, content[2048:]))
	require.Equal(0, gcs.objects["blob"].buf.Len())
	require.Equal(int64(0), b.BytesWritten())
	require.NoError(b.WritePiece(0, content[:1024]))
	require.NoError(b.WritePiece(1, content[1024:2048]))
	require.NoError(b.Complete())

	require.True(bytes.Equal(content, gcs.objects["blob"].buf.Bytes()))
}

func TestMultiFileStreams(t *testing.T) {
	require := require.New(t)

	gcs := newFakeGCS()
	b := testBackend(t, gcs)

	content := make([]byte, 1000)
	rand.Read(content)

	files := []storage.FileSpec{
		{Path: []string{"a"}, Length: 300},
		{Path: []string{"b"}, Length: 700},
	}
	require.NoError(b.Initialize("dir", 1000, files))
	require.NoError(b.WritePiece(0, content))
	require.NoError(b.Complete())

	require.True(bytes.Equal(content[:300], gcs.objects["dir/a"].buf.Bytes()))
	require.True(bytes.Equal(content[300:], gcs.objects["dir/b"].buf.Bytes()))
}

func TestReadPieceUnsupported(t *testing.T) {
	require := require.New(t)

	b := testBackend(t, newFakeGCS())

	_, err := b.ReadPiece(0)
	require.Equal(storage.ErrReadUnsupported, err)
}

func TestCompleteRejectsGaps(t *testing.T) {
	require := require.New(t)

	gcs := newFakeGCS()
	b := testBackend(t, gcs)

	content := make([]byte, 2048)
	rand.Read(content)

	require.NoError(b.Initialize("blob", 1024, []storage.FileSpec{{Length: 2048}}))
	require.NoError(b.WritePiece(1, content[1024:]))
	require.Error(b.Complete())
}

func TestRetryableUploadError(t *testing.T) {
	require := require.New(t)

	gcs := newFakeGCS()
	b := testBackend(t, gcs)

	require.NoError(b.Initialize("blob", 1024, []storage.FileSpec{{Length: 1024}}))
	gcs.objects["blob"].err = &googleapi.Error{Code: 503}

	err := b.WritePiece(0, make([]byte, 1024))
	require.Error(err)
	require.True(storage.Retryable(err))
}
