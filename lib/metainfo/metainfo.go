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

// Package metainfo supports reading torrent files and magnet links.
//
// The info dictionary is retained as the raw byte range it occupied in the
// source document, and the info hash is computed over exactly those bytes.
// Torrents in the wild contain bencode quirks (duplicate keys, non-canonical
// key order) which would hash differently after a decode / re-encode round
// trip, so the raw slice is authoritative.
package metainfo

import (
	"io"
	"os"

	"github.com/maelstrom-p2p/maelstrom/core"

	"github.com/zeebo/bencode"
)

// MetaInfo is a parsed torrent file.
type MetaInfo struct {
	Info         *Info              `bencode:"-"`
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	CreationDate int64              `bencode:"creation date"`
	Comment      string             `bencode:"comment"`
	CreatedBy    string             `bencode:"created by"`
	Encoding     string             `bencode:"encoding"`

	infoHash core.InfoHash
}

// New parses a torrent from a bencoded stream.
func New(r io.Reader) (*MetaInfo, error) {
	var mi MetaInfo
	if err := bencode.NewDecoder(r).Decode(&mi); err != nil {
		return nil, parseErrorf("bencode: %s", err)
	}
	if len(mi.RawInfo) == 0 {
		return nil, parseErrorf("no info dictionary")
	}
	info, err := NewInfo(mi.RawInfo)
	if err != nil {
		return nil, err
	}
	mi.Info = info
	mi.infoHash = core.NewInfoHashFromBytes(mi.RawInfo)
	return &mi, nil
}

// NewFromFile parses the torrent file at path.
func NewFromFile(path string) (*MetaInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return New(f)
}

// InfoHash returns the SHA1 of the raw info dictionary bytes.
func (mi *MetaInfo) InfoHash() core.InfoHash {
	return mi.infoHash
}

// AnnounceURLs flattens the announce-list tiers into a deduplicated list
// with the primary announce URL prepended.
func (mi *MetaInfo) AnnounceURLs() []string {
	var urls []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	add(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}

func (mi *MetaInfo) String() string {
	return mi.infoHash.Hex()
}
