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
	"net/url"
	"strconv"
	"strings"

	"github.com/maelstrom-p2p/maelstrom/core"
)

const (
	magnetScheme = "magnet:"
	btihPrefix   = "urn:btih:"
)

// Magnet is a parsed magnet link. Only the info hash is mandatory.
type Magnet struct {
	InfoHash     core.InfoHash
	DisplayName  string
	Trackers     []string
	WebSeeds     []string
	ExactSources []string

	// TotalSize is the declared content length, or 0 if the link does not
	// carry an xl parameter.
	TotalSize int64
}

// IsMagnetLink returns whether s looks like a magnet link.
func IsMagnetLink(s string) bool {
	return strings.HasPrefix(s, magnetScheme)
}

// ParseMagnet parses a "magnet:?" URI. At least one xt parameter of the form
// urn:btih:<40 hex chars> is required; the 32-character base32 form is
// recognized but unsupported. Unknown parameters are ignored.
func ParseMagnet(s string) (*Magnet, error) {
	if !IsMagnetLink(s) {
		return nil, parseErrorf("not a magnet link")
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, parseErrorf("magnet uri: %s", err)
	}
	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, parseErrorf("magnet query: %s", err)
	}

	m := &Magnet{
		Trackers:     params["tr"],
		WebSeeds:     params["ws"],
		ExactSources: params["xs"],
	}

	var found bool
	for _, xt := range params["xt"] {
		if !strings.HasPrefix(xt, btihPrefix) {
			continue
		}
		hash := xt[len(btihPrefix):]
		switch len(hash) {
		case 40:
			h, err := core.NewInfoHashFromHex(strings.ToLower(hash))
			if err != nil {
				return nil, parseErrorf("magnet info hash: %s", err)
			}
			m.InfoHash = h
			found = true
		case 32:
			return nil, parseErrorf("base32 info hashes are not supported")
		default:
			return nil, parseErrorf("invalid info hash length %d", len(hash))
		}
	}
	if !found {
		return nil, parseErrorf("magnet link has no xt=urn:btih parameter")
	}

	m.DisplayName = params.Get("dn")
	if m.DisplayName == "" {
		m.DisplayName = m.InfoHash.Hex()
	}
	if xl := params.Get("xl"); xl != "" {
		size, err := strconv.ParseInt(xl, 10, 64)
		if err != nil || size < 0 {
			return nil, parseErrorf("invalid xl parameter %q", xl)
		}
		m.TotalSize = size
	}
	return m, nil
}
