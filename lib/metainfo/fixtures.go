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
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
)

// PieceHashesFixture returns the concatenated SHA1 piece hashes of content
// cut into pieceLength chunks.
func PieceHashesFixture(content []byte, pieceLength int64) []byte {
	var pieces []byte
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		h := sha1.Sum(content[off:end])
		pieces = append(pieces, h[:]...)
	}
	return pieces
}

// RawInfoFixture assembles the bencoded bytes of a single-file info
// dictionary. Assembled by hand so tests exercise the parser against bytes
// it did not produce itself.
func RawInfoFixture(name string, pieceLength int64, content []byte) []byte {
	pieces := PieceHashesFixture(content, pieceLength)
	var b bytes.Buffer
	b.WriteString("d")
	fmt.Fprintf(&b, "6:lengthi%de", len(content))
	fmt.Fprintf(&b, "4:name%d:%s", len(name), name)
	fmt.Fprintf(&b, "12:piece lengthi%de", pieceLength)
	fmt.Fprintf(&b, "6:pieces%d:", len(pieces))
	b.Write(pieces)
	b.WriteString("e")
	return b.Bytes()
}

// TorrentBytesFixture assembles a bencoded single-file torrent document.
func TorrentBytesFixture(announce, name string, pieceLength int64, content []byte) []byte {
	rawInfo := RawInfoFixture(name, pieceLength, content)
	var b bytes.Buffer
	b.WriteString("d")
	fmt.Fprintf(&b, "8:announce%d:%s", len(announce), announce)
	b.WriteString("4:info")
	b.Write(rawInfo)
	b.WriteString("e")
	return b.Bytes()
}

// MetaInfoFixture parses a generated single-file torrent for content.
func MetaInfoFixture(name string, pieceLength int64, content []byte) *MetaInfo {
	mi, err := New(bytes.NewReader(TorrentBytesFixture("http://tracker.example.com/announce", name, pieceLength, content)))
	if err != nil {
		panic(err)
	}
	return mi
}
