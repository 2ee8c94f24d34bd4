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
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/medialib/bt/metainfo"
)

// ConnState represents the lifecycle state of a peer connection.
type ConnState int32

// Predefine the connection states.
const (
	ConnConnecting ConnState = iota
	ConnHandshaking
	ConnEstablished
	ConnClosing
	ConnClosed
	ConnErrored
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnHandshaking:
		return "handshaking"
	case ConnEstablished:
		return "established"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	case ConnErrored:
		return "errored"
	}
	return "unknown"
}

// PeerConn is one peer wire connection after dialing: it performs the
// handshake, frames messages in both directions and tracks the protocol
// state negotiated with the remote peer.
//
// Both sides start choked and not interested.
type PeerConn struct {
	Conn net.Conn

	// ID is the id of the local peer.
	ID metainfo.Hash

	// InfoHash is the content identifier the connection is scoped to.
	InfoHash metainfo.Hash

	// PeerID is the id the remote peer declared in the handshake.
	PeerID metainfo.Hash

	// ExtBits is sent as the reserved handshake bytes.
	// PeerExtBits is what the remote peer sent.
	ExtBits     ExtensionBits
	PeerExtBits ExtensionBits

	// MaxLength bounds the length of an inbound frame. The default is
	// 256KB, which accommodates a full 16KB block message with headroom.
	MaxLength uint32

	// Timeout is the inbound idle timeout applied per read. The remote
	// peer is expected to send keep-alive frames well within it.
	// The default is 5 minutes.
	Timeout time.Duration

	// WriteTimeout bounds every outbound frame write, so a remote peer
	// that stops draining its socket cannot park the sender.
	// The default is 30 seconds.
	WriteTimeout time.Duration

	// Choked, Interested and PeerInterested are owned by the goroutine
	// reading the connection.
	//
	// Choked reports whether the remote peer chokes the local one.
	Choked bool

	// Interested reports whether the local peer is interested in the
	// remote one. PeerInterested is the reverse.
	Interested     bool
	PeerInterested bool

	// BitField is the set of pieces the remote peer claims to have.
	BitField BitField

	// peerChoked crosses goroutines: the choker toggles it through
	// SendChoke/SendUnchoke while the read loop consults it to gate
	// uploads.
	peerChoked atomic.Bool

	state atomic.Int32
	wmu   sync.Mutex
	wbuf  bytes.Buffer
}

// NewPeerConn wraps an established network connection.
func NewPeerConn(conn net.Conn, id, infohash metainfo.Hash) *PeerConn {
	pc := &PeerConn{
		Conn:         conn,
		ID:           id,
		InfoHash:     infohash,
		MaxLength:    256 * 1024,
		Timeout:      5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		Choked:       true,
	}
	pc.peerChoked.Store(true)
	pc.SetState(ConnHandshaking)
	return pc
}

// NewPeerConnByDial dials addr on TCP and returns the wrapped connection.
func NewPeerConnByDial(addr string, id, infohash metainfo.Hash,
	timeout time.Duration) (*PeerConn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing peer %q", addr)
	}
	return NewPeerConn(conn, id, infohash), nil
}

// State returns the current connection state.
func (pc *PeerConn) State() ConnState { return ConnState(pc.state.Load()) }

// SetState sets the connection state.
func (pc *PeerConn) SetState(s ConnState) { pc.state.Store(int32(s)) }

// PeerChoked reports whether the local peer chokes the remote one.
func (pc *PeerConn) PeerChoked() bool { return pc.peerChoked.Load() }

// RemoteAddr returns the address of the remote peer.
func (pc *PeerConn) RemoteAddr() net.Addr { return pc.Conn.RemoteAddr() }

// Close closes the underlying connection.
func (pc *PeerConn) Close() error {
	if pc.State() != ConnErrored {
		pc.SetState(ConnClosed)
	}
	return pc.Conn.Close()
}

// Handshake performs the outbound handshake: it sends the local frame,
// reads the remote one, and verifies the content identifier.
//
// It returns ErrHandshakeMismatch when the remote peer serves a different
// content than expected.
func (pc *PeerConn) Handshake() error {
	if pc.Timeout > 0 {
		pc.Conn.SetDeadline(time.Now().Add(pc.Timeout))
		defer pc.Conn.SetDeadline(time.Time{})
	}

	out := HandshakeMsg{ExtensionBits: pc.ExtBits, InfoHash: pc.InfoHash, PeerID: pc.ID}
	if err := WriteHandshake(pc.Conn, out); err != nil {
		pc.SetState(ConnErrored)
		return err
	}

	in, err := ReadHandshake(pc.Conn)
	if err != nil {
		pc.SetState(ConnErrored)
		return err
	}
	if in.InfoHash != pc.InfoHash {
		pc.SetState(ConnErrored)
		return errors.Wrapf(ErrHandshakeMismatch, "got %s, want %s",
			in.InfoHash.HexString(), pc.InfoHash.HexString())
	}

	pc.PeerID = in.PeerID
	pc.PeerExtBits = in.ExtensionBits
	pc.SetState(ConnEstablished)
	return nil
}

// AnswerHandshake completes an inbound handshake whose remote frame has
// already been read off the connection: it sends the local frame back and
// adopts the remote identity. The caller has matched in.InfoHash to the
// content this connection is scoped to.
func (pc *PeerConn) AnswerHandshake(in HandshakeMsg) error {
	if pc.Timeout > 0 {
		pc.Conn.SetDeadline(time.Now().Add(pc.Timeout))
		defer pc.Conn.SetDeadline(time.Time{})
	}

	out := HandshakeMsg{ExtensionBits: pc.ExtBits, InfoHash: pc.InfoHash, PeerID: pc.ID}
	if err := WriteHandshake(pc.Conn, out); err != nil {
		pc.SetState(ConnErrored)
		return err
	}

	pc.PeerID = in.PeerID
	pc.PeerExtBits = in.ExtensionBits
	pc.SetState(ConnEstablished)
	return nil
}

// ReadMsg reads the next frame from the remote peer, honoring Timeout
// and MaxLength.
func (pc *PeerConn) ReadMsg() (msg Message, err error) {
	if pc.Timeout > 0 {
		pc.Conn.SetReadDeadline(time.Now().Add(pc.Timeout))
	}
	err = msg.Decode(pc.Conn, pc.MaxLength)
	return
}

// WriteMsg encodes msg and writes the frame to the remote peer,
// honoring WriteTimeout.
func (pc *PeerConn) WriteMsg(msg Message) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()

	if err := msg.Encode(&pc.wbuf); err != nil {
		return err
	}
	if pc.WriteTimeout > 0 {
		pc.Conn.SetWriteDeadline(time.Now().Add(pc.WriteTimeout))
	}
	_, err := pc.Conn.Write(pc.wbuf.Bytes())
	return errors.Wrap(err, "writing frame")
}

// SendKeepalive sends an empty frame to prevent the idle timeout.
func (pc *PeerConn) SendKeepalive() error {
	return pc.WriteMsg(Message{Keepalive: true})
}

// SendChoke notifies the remote peer that it is choked.
func (pc *PeerConn) SendChoke() error {
	if err := pc.WriteMsg(Message{Type: MTypeChoke}); err != nil {
		return err
	}
	pc.peerChoked.Store(true)
	return nil
}

// SendUnchoke notifies the remote peer that it is unchoked.
func (pc *PeerConn) SendUnchoke() error {
	if err := pc.WriteMsg(Message{Type: MTypeUnchoke}); err != nil {
		return err
	}
	pc.peerChoked.Store(false)
	return nil
}

// SendInterested declares interest in the remote peer's pieces.
func (pc *PeerConn) SendInterested() error {
	if err := pc.WriteMsg(Message{Type: MTypeInterested}); err != nil {
		return err
	}
	pc.Interested = true
	return nil
}

// SendNotInterested withdraws interest.
func (pc *PeerConn) SendNotInterested() error {
	if err := pc.WriteMsg(Message{Type: MTypeNotInterested}); err != nil {
		return err
	}
	pc.Interested = false
	return nil
}

// SendHave announces a newly verified piece.
func (pc *PeerConn) SendHave(index uint32) error {
	return pc.WriteMsg(Message{Type: MTypeHave, Index: index})
}

// SendBitField sends the full local bitfield, once, right after the
// handshake.
func (pc *PeerConn) SendBitField(bf BitField) error {
	return pc.WriteMsg(Message{Type: MTypeBitField, BitField: bf})
}

// SendRequest requests the block (index, begin, length).
func (pc *PeerConn) SendRequest(index, begin, length uint32) error {
	return pc.WriteMsg(Message{Type: MTypeRequest, Index: index, Begin: begin, Length: length})
}

// SendCancel cancels a previously sent request.
func (pc *PeerConn) SendCancel(index, begin, length uint32) error {
	return pc.WriteMsg(Message{Type: MTypeCancel, Index: index, Begin: begin, Length: length})
}

// SendPiece serves the block (index, begin) to the remote peer.
func (pc *PeerConn) SendPiece(index, begin uint32, data []byte) error {
	return pc.WriteMsg(Message{Type: MTypePiece, Index: index, Begin: begin, Piece: data})
}
