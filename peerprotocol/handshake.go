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

package peerprotocol

import (
	"io"

	"github.com/pkg/errors"

	"github.com/medialib/bt/metainfo"
)

// ProtocolHeader is the leading 20 bytes of the handshake frame:
// the length byte 19 followed by the protocol identifier.
const ProtocolHeader = "\x13BitTorrent protocol"

// HandshakeLen is the fixed total length of the handshake frame.
const HandshakeLen = len(ProtocolHeader) + 8 + metainfo.HashSize*2

// ErrHandshakeMismatch is returned when the remote peer answers the
// handshake with a different content identifier than expected.
var ErrHandshakeMismatch = errors.New("handshake infohash mismatch")

// ExtensionBits is the 8 reserved capability-flag bytes of the handshake.
type ExtensionBits [8]byte

// HandshakeMsg is the fixed-layout handshake exchanged before any framed
// message: protocol identifier, capability flags, content identifier and
// peer identity.
type HandshakeMsg struct {
	ExtensionBits ExtensionBits
	InfoHash      metainfo.Hash
	PeerID        metainfo.Hash
}

// WriteHandshake writes the handshake frame for msg to w.
func WriteHandshake(w io.Writer, msg HandshakeMsg) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, ProtocolHeader...)
	buf = append(buf, msg.ExtensionBits[:]...)
	buf = append(buf, msg.InfoHash[:]...)
	buf = append(buf, msg.PeerID[:]...)
	_, err := w.Write(buf)
	return errors.Wrap(err, "writing handshake")
}

// ReadHandshake reads one handshake frame from r.
func ReadHandshake(r io.Reader) (msg HandshakeMsg, err error) {
	buf := make([]byte, HandshakeLen)
	if _, err = io.ReadFull(r, buf); err != nil {
		return msg, errors.Wrap(err, "reading handshake")
	}
	if string(buf[:len(ProtocolHeader)]) != ProtocolHeader {
		return msg, errors.Wrap(ErrProtocolViolation, "unknown handshake protocol identifier")
	}

	b := buf[len(ProtocolHeader):]
	copy(msg.ExtensionBits[:], b[:8])
	msg.InfoHash = metainfo.NewHash(b[8 : 8+metainfo.HashSize])
	msg.PeerID = metainfo.NewHash(b[8+metainfo.HashSize:])
	return
}
