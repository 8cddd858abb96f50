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
package main

import (
	"github.com/maelstrom-p2p/maelstrom/lib/dht"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/storage/gcsbackend"
	"github.com/maelstrom-p2p/maelstrom/utils/configutil"
)

// Config composes the per-subsystem configurations.
type Config struct {
	DownloadDir string `yaml:"download_dir"`
	ResumeDir   string `yaml:"resume_dir"`

	Scheduler scheduler.Config  `yaml:"scheduler"`
	DHT       dht.Config        `yaml:"dht"`
	GCS       gcsbackend.Config `yaml:"gcs"`
}

func loadConfig(path string) (Config, error) {
	var config Config
	if path != "" {
		if err := configutil.Load(path, &config); err != nil {
			return Config{}, err
		}
	}
	if config.DownloadDir == "" {
		config.DownloadDir = "."
	}
	if config.ResumeDir == "" {
		config.ResumeDir = ".maelstrom"
	}
	return config, nil
}
