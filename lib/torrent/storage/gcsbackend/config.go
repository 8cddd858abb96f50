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

import "github.com/maelstrom-p2p/maelstrom/utils/memsize"

// Config defines GCS connection parameters and authentication credentials.
type Config struct {
	Bucket string `yaml:"bucket"`

	// RootDirectory is the object name prefix downloads land under.
	RootDirectory string `yaml:"root_directory"`

	// UploadChunkSize is the resumable upload chunk size.
	UploadChunkSize int64 `yaml:"upload_chunk_size"`

	// AccessBlob is the service account credentials JSON. OAuth refresh is
	// handled by the GCS client library.
	AccessBlob string `yaml:"access_blob"`
}

func (c Config) applyDefaults() Config {
	if c.UploadChunkSize == 0 {
		c.UploadChunkSize = int64(8 * memsize.MB)
	}
	return c
}
