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
package conn

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/maelstrom-p2p/maelstrom/utils/memsize"
)

// MessageID identifies a peer wire message type.
type MessageID uint8

// Peer wire message ids.
const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9
)

// maxMessageSize bounds the length prefix a remote peer may claim. Piece
// messages carry one block (16 KiB by convention); bitfields scale with
// piece count. Anything larger is hostile or corrupt.
const maxMessageSize = 4 * memsize.MB

// Message is one peer wire message. The zero value of unused fields is
// ignored by Encode. A nil *Message represents a keep-alive.
type Message struct {
	ID MessageID

	Index  uint32 // Have, Request, Piece, Cancel.
	Begin  uint32 // Request, Piece, Cancel.
	Length uint32 // Request, Cancel.

	Bitfield []byte // Bitfield.
	Block    []byte // Piece.
	Port     uint16 // Port.
}

// NewChokeMessage returns a Choke message.
func NewChokeMessage() *Message { return &Message{ID: MsgChoke} }

// NewUnchokeMessage returns an Unchoke message.
func NewUnchokeMessage() *Message { return &Message{ID: MsgUnchoke} }

// NewInterestedMessage returns an Interested message.
func NewInterestedMessage() *Message { return &Message{ID: MsgInterested} }

// NewNotInterestedMessage returns a NotInterested message.
func NewNotInterestedMessage() *Message { return &Message{ID: MsgNotInterested} }

// NewHaveMessage returns a Have message for a verified piece.
func NewHaveMessage(piece int) *Message {
	return &Message{ID: MsgHave, Index: uint32(piece)}
}

// NewBitfieldMessage returns a Bitfield message from wire-encoded bytes.
func NewBitfieldMessage(b []byte) *Message {
	return &Message{ID: MsgBitfield, Bitfield: b}
}

// NewRequestMessage returns a Request message for one block.
func NewRequestMessage(piece int, begin, length int64) *Message {
	return &Message{
		ID:     MsgRequest,
		Index:  uint32(piece),
		Begin:  uint32(begin),
		Length: uint32(length),
	}
}

// NewPieceMessage returns a Piece message carrying one block.
func NewPieceMessage(piece int, begin int64, block []byte) *Message {
	return &Message{
		ID:    MsgPiece,
		Index: uint32(piece),
		Begin: uint32(begin),
		Block: block,
	}
}

// NewCancelMessage returns a Cancel message matching a prior Request.
func NewCancelMessage(piece int, begin, length int64) *Message {
	return &Message{
		ID:     MsgCancel,
		Index:  uint32(piece),
		Begin:  uint32(begin),
		Length: uint32(length),
	}
}

// NewPortMessage returns a Port message advertising our DHT listen port.
func NewPortMessage(port int) *Message {
	return &Message{ID: MsgPort, Port: uint16(port)}
}

func (m *Message) String() string {
	if m == nil {
		return "Message(keepalive)"
	}
	switch m.ID {
	case MsgHave:
		return fmt.Sprintf("Message(have, piece=%d)", m.Index)
	case MsgRequest, MsgCancel:
		return fmt.Sprintf("Message(id=%d, piece=%d, begin=%d, length=%d)", m.ID, m.Index, m.Begin, m.Length)
	case MsgPiece:
		return fmt.Sprintf("Message(piece, piece=%d, begin=%d, block=%dB)", m.Index, m.Begin, len(m.Block))
	default:
		return fmt.Sprintf("Message(id=%d)", m.ID)
	}
}

// Encode serializes m with its 4-byte big-endian length prefix. Encoding a
// nil Message produces a keep-alive.
func (m *Message) Encode() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	payload := m.payload()
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], payload)
	return buf
}

func (m *Message) payload() []byte {
	switch m.ID {
	case MsgHave:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, m.Index)
		return b
	case MsgBitfield:
		return m.Bitfield
	case MsgRequest, MsgCancel:
		b := make([]byte, 12)
		binary.BigEndian.PutUint32(b, m.Index)
		binary.BigEndian.PutUint32(b[4:], m.Begin)
		binary.BigEndian.PutUint32(b[8:], m.Length)
		return b
	case MsgPiece:
		b := make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(b, m.Index)
		binary.BigEndian.PutUint32(b[4:], m.Begin)
		copy(b[8:], m.Block)
		return b
	case MsgPort:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, m.Port)
		return b
	default:
		return nil
	}
}

// ReadMessage reads and decodes one length-prefixed message from r. Returns
// (nil, nil) for a keep-alive. Unknown ids return UnknownMessageError after
// the payload has been consumed, so the stream stays aligned.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, nil
	}
	if uint64(length) > maxMessageSize {
		return nil, protocolErrorf("message length %d exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return decode(payload[0], payload[1:])
}

func decode(id byte, payload []byte) (*Message, error) {
	m := &Message{ID: MessageID(id)}
	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(payload) != 0 {
			return nil, protocolErrorf("message id %d carries unexpected payload", id)
		}
	case MsgHave:
		if len(payload) != 4 {
			return nil, protocolErrorf("have payload is %d bytes, expected 4", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case MsgBitfield:
		m.Bitfield = payload
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return nil, protocolErrorf("request payload is %d bytes, expected 12", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
		m.Begin = binary.BigEndian.Uint32(payload[4:])
		m.Length = binary.BigEndian.Uint32(payload[8:])
	case MsgPiece:
		if len(payload) < 8 {
			return nil, protocolErrorf("piece payload is %d bytes, expected at least 8", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
		m.Begin = binary.BigEndian.Uint32(payload[4:])
		m.Block = payload[8:]
	case MsgPort:
		if len(payload) != 2 {
			return nil, protocolErrorf("port payload is %d bytes, expected 2", len(payload))
		}
		m.Port = binary.BigEndian.Uint16(payload)
	default:
		return nil, UnknownMessageError{id}
	}
	return m, nil
}
