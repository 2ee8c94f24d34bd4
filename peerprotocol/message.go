// Copyright 2025 medialib
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

// Package peerprotocol implements the standard BitTorrent peer wire
// protocol: the fixed handshake frame and the length-prefixed messages
// exchanged after it.
package peerprotocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrProtocolViolation is returned when the remote peer sends a malformed
// frame: an oversized length prefix, an unknown message id, or a payload
// that does not match the declared length. The connection must be closed.
var ErrProtocolViolation = errors.New("peer protocol violation")

// MessageType represents the one-byte id of a peer wire message.
type MessageType byte

// Predefine the message types of BEP 3.
const (
	MTypeChoke         MessageType = 0
	MTypeUnchoke       MessageType = 1
	MTypeInterested    MessageType = 2
	MTypeNotInterested MessageType = 3
	MTypeHave          MessageType = 4
	MTypeBitField      MessageType = 5
	MTypeRequest       MessageType = 6
	MTypePiece         MessageType = 7
	MTypeCancel        MessageType = 8
)

func (mt MessageType) String() string {
	switch mt {
	case MTypeChoke:
		return "choke"
	case MTypeUnchoke:
		return "unchoke"
	case MTypeInterested:
		return "interested"
	case MTypeNotInterested:
		return "not-interested"
	case MTypeHave:
		return "have"
	case MTypeBitField:
		return "bitfield"
	case MTypeRequest:
		return "request"
	case MTypePiece:
		return "piece"
	case MTypeCancel:
		return "cancel"
	}
	return "unknown"
}

// Message is a peer wire message, holding the union of the fields used by
// the standard message types.
type Message struct {
	// Keepalive reports an empty frame. All the other fields are ignored.
	Keepalive bool

	Type MessageType

	// Index is used by Have, Request, Piece and Cancel.
	Index uint32

	// Begin is used by Request, Piece and Cancel.
	Begin uint32

	// Length is used by Request and Cancel.
	Length uint32

	// Piece is the block payload of a Piece message.
	Piece []byte

	// BitField is the payload of a BitField message, sent once after
	// the handshake.
	BitField BitField
}

// DecodeToMessage is equal to msg.Decode(r, maxLength).
func DecodeToMessage(r io.Reader, maxLength uint32) (msg Message, err error) {
	err = msg.Decode(r, maxLength)
	return
}

// Decode reads one frame from r and decodes it into m.
//
// maxLength bounds the declared frame length; a longer frame is a protocol
// violation. If maxLength is 0, the length is unbounded.
func (m *Message) Decode(r io.Reader, maxLength uint32) (err error) {
	var length uint32
	if err = binary.Read(r, binary.BigEndian, &length); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return errors.Wrap(err, "reading frame length")
	}

	if length == 0 {
		*m = Message{Keepalive: true}
		return nil
	}
	if maxLength > 0 && length > maxLength {
		return errors.Wrapf(ErrProtocolViolation, "frame length %d exceeds limit %d", length, maxLength)
	}

	m.Keepalive = false
	lr := &io.LimitedReader{R: r, N: int64(length)}

	// Every declared byte must be consumed by the payload decoder.
	defer func() {
		if err == nil && lr.N != 0 {
			err = errors.Wrapf(ErrProtocolViolation, "%d bytes unused in message type %d", lr.N, m.Type)
		}
	}()

	var mtype [1]byte
	if _, err = io.ReadFull(lr, mtype[:]); err != nil {
		return errors.Wrap(err, "reading message type")
	}
	m.Type = MessageType(mtype[0])

	switch m.Type {
	case MTypeChoke, MTypeUnchoke, MTypeInterested, MTypeNotInterested:
		return nil
	case MTypeHave:
		return m.readBinary(lr, &m.Index)
	case MTypeRequest, MTypeCancel:
		if err = m.readBinary(lr, &m.Index); err != nil {
			return err
		}
		if err = m.readBinary(lr, &m.Begin); err != nil {
			return err
		}
		return m.readBinary(lr, &m.Length)
	case MTypeBitField:
		bs := make([]byte, length-1)
		if _, err = io.ReadFull(lr, bs); err != nil {
			return errors.Wrap(err, "reading bitfield")
		}
		m.BitField = BitField(bs)
		return nil
	case MTypePiece:
		if err = m.readBinary(lr, &m.Index); err != nil {
			return err
		}
		if err = m.readBinary(lr, &m.Begin); err != nil {
			return err
		}
		m.Piece = make([]byte, lr.N)
		if _, err = io.ReadFull(lr, m.Piece); err != nil {
			return errors.Wrap(err, "reading block payload")
		}
		return nil
	default:
		return errors.Wrapf(ErrProtocolViolation, "unknown message id %d", m.Type)
	}
}

func (m *Message) readBinary(lr *io.LimitedReader, v interface{}) error {
	if err := binary.Read(lr, binary.BigEndian, v); err != nil {
		return errors.Wrapf(ErrProtocolViolation, "truncated %s message: %s", m.Type, err)
	}
	return nil
}

// MarshalBinary implements the interface encoding.BinaryMarshaler.
func (m Message) MarshalBinary() (data []byte, err error) {
	buf := bytes.NewBuffer(make([]byte, 0, 4))
	if err = m.Encode(buf); err == nil {
		data = buf.Bytes()
	}
	return
}

// Encode encodes the message to buf as a length-prefixed frame.
func (m Message) Encode(buf *bytes.Buffer) (err error) {
	// The 4-bytes is the placeholder of the length.
	buf.Reset()
	buf.Write([]byte{0, 0, 0, 0})

	if !m.Keepalive {
		if err = buf.WriteByte(byte(m.Type)); err != nil {
			return
		}
		if err = m.marshalBinaryType(buf); err != nil {
			return
		}

		data := buf.Bytes()
		binary.BigEndian.PutUint32(data[:4], uint32(len(data)-4))
	}

	return
}

func (m Message) marshalBinaryType(buf *bytes.Buffer) (err error) {
	switch m.Type {
	case MTypeChoke, MTypeUnchoke, MTypeInterested, MTypeNotInterested:
	case MTypeHave:
		err = binary.Write(buf, binary.BigEndian, m.Index)
	case MTypeRequest, MTypeCancel:
		if err = binary.Write(buf, binary.BigEndian, m.Index); err != nil {
			return
		}
		if err = binary.Write(buf, binary.BigEndian, m.Begin); err != nil {
			return
		}
		err = binary.Write(buf, binary.BigEndian, m.Length)
	case MTypeBitField:
		_, err = buf.Write(m.BitField)
	case MTypePiece:
		if err = binary.Write(buf, binary.BigEndian, m.Index); err != nil {
			return
		}
		if err = binary.Write(buf, binary.BigEndian, m.Begin); err != nil {
			return
		}
		_, err = buf.Write(m.Piece)
	default:
		err = errors.Wrapf(ErrProtocolViolation, "cannot encode message id %d", m.Type)
	}

	return
}
