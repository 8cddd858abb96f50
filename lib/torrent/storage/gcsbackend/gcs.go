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
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS defines the operations we use in the GCS api. Useful for mocking.
type GCS interface {
	// NewWriter opens a streaming writer for objectName. Bytes written are
	// part of one resumable upload session committed on Close.
	NewWriter(ctx context.Context, objectName string) io.WriteCloser
}

type gcsClient struct {
	bucket    *storage.BucketHandle
	chunkSize int64
}

func newGCSClient(ctx context.Context, config Config) (GCS, error) {
	var opts []option.ClientOption
	if config.AccessBlob != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(config.AccessBlob)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &gcsClient{
		bucket:    client.Bucket(config.Bucket),
		chunkSize: config.UploadChunkSize,
	}, nil
}

func (c *gcsClient) NewWriter(ctx context.Context, objectName string) io.WriteCloser {
	w := c.bucket.Object(objectName).NewWriter(ctx)
	w.ChunkSize = int(c.chunkSize)
	return w
}
