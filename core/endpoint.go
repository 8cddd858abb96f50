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
package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Source enumerates how a peer endpoint was discovered.
type Source string

// Discovery sources, in rough order of trust.
const (
	SourceTracker Source = "tracker"
	SourceDHT     Source = "dht"
	SourcePEX     Source = "pex"
	SourceManual  Source = "manual"
)

// ErrInvalidCompactPeers returns when a compact peer blob is not a multiple
// of 6 bytes.
var ErrInvalidCompactPeers = errors.New("compact peer data length is not a multiple of 6")

// PeerEndpoint locates a remote peer before its peer id is known. Endpoints
// are the identity under which the peer table tracks connection attempts; the
// peer id is only learned after a successful handshake.
type PeerEndpoint struct {
	IP     net.IP
	Port   int
	Source Source
}

// NewPeerEndpoint creates a PeerEndpoint discovered via source.
func NewPeerEndpoint(ip net.IP, port int, source Source) PeerEndpoint {
	return PeerEndpoint{IP: ip, Port: port, Source: source}
}

// ParsePeerEndpoint parses "ip:port" into a PeerEndpoint with the given
// source.
func ParsePeerEndpoint(addr string, source Source) (PeerEndpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return PeerEndpoint{}, fmt.Errorf("split host port: %s", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return PeerEndpoint{}, fmt.Errorf("invalid ip %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return PeerEndpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	return PeerEndpoint{IP: ip, Port: port, Source: source}, nil
}

// Addr returns the endpoint in "ip:port" form. Addr is the canonical map key
// for endpoint-indexed tables.
func (e PeerEndpoint) Addr() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

func (e PeerEndpoint) String() string {
	return e.Addr()
}

// UDPAddr converts e to a net.UDPAddr.
func (e PeerEndpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: e.Port}
}

// LessThan establishes a total order over endpoints, used for deterministic
// tie-breaking. Compares the 16-byte IP forms, then ports.
func (e PeerEndpoint) LessThan(o PeerEndpoint) bool {
	a, b := e.IP.To16(), o.IP.To16()
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return e.Port < o.Port
}

// Compact encodes e as a 6-byte compact peer entry (4 bytes IPv4, 2 bytes
// big-endian port). Returns an error for non-IPv4 endpoints.
func (e PeerEndpoint) Compact() ([]byte, error) {
	ip4 := e.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("endpoint %s is not ipv4", e)
	}
	b := make([]byte, 6)
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], uint16(e.Port))
	return b, nil
}

// CompactPeers encodes peers as a concatenation of 6-byte entries. Non-IPv4
// endpoints are skipped.
func CompactPeers(peers []PeerEndpoint) []byte {
	b := make([]byte, 0, 6*len(peers))
	for _, p := range peers {
		c, err := p.Compact()
		if err != nil {
			continue
		}
		b = append(b, c...)
	}
	return b
}

// DecodeCompactPeers decodes a concatenation of 6-byte compact peer entries.
func DecodeCompactPeers(b []byte, source Source) ([]PeerEndpoint, error) {
	if len(b)%6 != 0 {
		return nil, ErrInvalidCompactPeers
	}
	peers := make([]PeerEndpoint, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(binary.BigEndian.Uint16(b[i+4 : i+6]))
		peers = append(peers, PeerEndpoint{IP: ip, Port: port, Source: source})
	}
	return peers, nil
}
