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

// Package krpc implements the DHT's bencoded UDP message format. Every
// message carries a transaction id "t" and a type "y" of "q" (query), "r"
// (response), or "e" (error); queries name a method "q" with arguments "a",
// responses carry a return dict "r".
package krpc

import (
	"errors"
	"fmt"

	"github.com/zeebo/bencode"
)

// Message types.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query methods.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// Standard error codes.
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// Msg is one KRPC message.
type Msg struct {
	T string  `bencode:"t"`
	Y string  `bencode:"y"`
	Q string  `bencode:"q,omitempty"`
	A *Args   `bencode:"a,omitempty"`
	R *Return `bencode:"r,omitempty"`
	E *Error  `bencode:"e,omitempty"`
}

// Args carries the named arguments of a query. ID is always the querying
// node's id.
type Args struct {
	ID       string `bencode:"id"`
	InfoHash string `bencode:"info_hash,omitempty"`
	Target   string `bencode:"target,omitempty"`
	Token    string `bencode:"token,omitempty"`
	Port     int    `bencode:"port,omitempty"`
}

// Return carries the named results of a response. Nodes is a concatenation
// of 26-byte compact node entries; Values is a list of 6-byte compact peer
// entries. A canonical get_peers response carries one or the other, not
// both.
type Return struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// Error is the [code, message] payload of an error message.
type Error struct {
	Code    int64
	Message string
}

// MarshalBencode implements bencode.Marshaler.
func (e *Error) MarshalBencode() ([]byte, error) {
	return bencode.EncodeBytes([]interface{}{e.Code, e.Message})
}

// UnmarshalBencode implements bencode.Unmarshaler.
func (e *Error) UnmarshalBencode(b []byte) error {
	var raw []interface{}
	if err := bencode.DecodeBytes(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("error payload has %d elements, expected 2", len(raw))
	}
	code, ok := raw[0].(int64)
	if !ok {
		return errors.New("error code is not an integer")
	}
	msg, ok := raw[1].(string)
	if !ok {
		return errors.New("error message is not a string")
	}
	e.Code = code
	e.Message = msg
	return nil
}

func (e *Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

// NewQuery builds a query message.
func NewQuery(t, method string, args *Args) *Msg {
	return &Msg{T: t, Y: TypeQuery, Q: method, A: args}
}

// NewResponse builds a response message echoing the query's transaction id.
func NewResponse(t string, ret *Return) *Msg {
	return &Msg{T: t, Y: TypeResponse, R: ret}
}

// NewError builds an error message echoing the query's transaction id.
func NewError(t string, code int64, message string) *Msg {
	return &Msg{T: t, Y: TypeError, E: &Error{code, message}}
}

// Encode serializes m into a bencoded datagram.
func (m *Msg) Encode() ([]byte, error) {
	return bencode.EncodeBytes(m)
}

// Decode parses a bencoded datagram.
func Decode(b []byte) (*Msg, error) {
	var m Msg
	if err := bencode.DecodeBytes(b, &m); err != nil {
		return nil, fmt.Errorf("krpc: %s", err)
	}
	if m.T == "" {
		return nil, errors.New("krpc: missing transaction id")
	}
	switch m.Y {
	case TypeQuery:
		if m.Q == "" || m.A == nil {
			return nil, errors.New("krpc: query missing method or arguments")
		}
	case TypeResponse:
		if m.R == nil {
			return nil, errors.New("krpc: response missing return dict")
		}
	case TypeError:
		if m.E == nil {
			return nil, errors.New("krpc: error missing payload")
		}
	default:
		return nil, fmt.Errorf("krpc: unknown message type %q", m.Y)
	}
	return &m, nil
}

// SenderID returns the node id of whoever sent m, or "" if absent.
func (m *Msg) SenderID() string {
	switch m.Y {
	case TypeQuery:
		if m.A != nil {
			return m.A.ID
		}
	case TypeResponse:
		if m.R != nil {
			return m.R.ID
		}
	}
	return ""
}
