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
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/medialib/bt/metainfo"
)

func pipePeerConns(infoA, infoB metainfo.Hash) (*PeerConn, *PeerConn) {
	ca, cb := net.Pipe()
	pa := NewPeerConn(ca, metainfo.NewRandomHash(), infoA)
	pb := NewPeerConn(cb, metainfo.NewRandomHash(), infoB)
	return pa, pb
}

func TestHandshake(t *testing.T) {
	infohash := metainfo.NewRandomHash()
	pa, pb := pipePeerConns(infohash, infohash)
	defer pa.Close()
	defer pb.Close()

	errs := make(chan error, 1)
	go func() { errs <- pb.Handshake() }()

	if err := pa.Handshake(); err != nil {
		t.Fatalf("handshake a: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("handshake b: %v", err)
	}

	if pa.PeerID != pb.ID || pb.PeerID != pa.ID {
		t.Errorf("peer ids not exchanged")
	}
	if pa.State() != ConnEstablished || pb.State() != ConnEstablished {
		t.Errorf("states: %s / %s", pa.State(), pb.State())
	}
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	pa, pb := pipePeerConns(metainfo.NewRandomHash(), metainfo.NewRandomHash())
	defer pa.Close()
	defer pb.Close()

	go pb.Handshake()

	err := pa.Handshake()
	if err == nil {
		t.Fatalf("handshake accepted a mismatched infohash")
	}
	if !errors.Is(err, ErrHandshakeMismatch) {
		t.Errorf("error %v does not wrap ErrHandshakeMismatch", err)
	}
	if pa.State() != ConnErrored {
		t.Errorf("state: got %s, want errored", pa.State())
	}
}

func TestAnswerHandshake(t *testing.T) {
	infohash := metainfo.NewRandomHash()
	ca, cb := net.Pipe()
	pa := NewPeerConn(ca, metainfo.NewRandomHash(), infohash)
	defer pa.Close()

	errs := make(chan error, 1)
	go func() { errs <- pa.Handshake() }()

	// The accept side reads the frame first to learn the infohash, then
	// answers on a connection scoped to it.
	in, err := ReadHandshake(cb)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if in.InfoHash != infohash {
		t.Fatalf("inbound infohash: got %s", in.InfoHash.HexString())
	}

	pb := NewPeerConn(cb, metainfo.NewRandomHash(), in.InfoHash)
	defer pb.Close()
	if err = pb.AnswerHandshake(in); err != nil {
		t.Fatalf("AnswerHandshake: %v", err)
	}
	if err = <-errs; err != nil {
		t.Fatalf("handshake a: %v", err)
	}

	if pa.PeerID != pb.ID || pb.PeerID != pa.ID {
		t.Errorf("peer ids not exchanged")
	}
	if pa.State() != ConnEstablished || pb.State() != ConnEstablished {
		t.Errorf("states: %s / %s", pa.State(), pb.State())
	}
}

func TestPeerConnMessages(t *testing.T) {
	infohash := metainfo.NewRandomHash()
	pa, pb := pipePeerConns(infohash, infohash)
	defer pa.Close()
	defer pb.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)

		msg, err := pb.ReadMsg()
		if err != nil || msg.Type != MTypeUnchoke {
			t.Errorf("unchoke: %+v, %v", msg, err)
			return
		}
		msg, err = pb.ReadMsg()
		if err != nil || msg.Type != MTypeRequest || msg.Index != 1 ||
			msg.Begin != 16384 || msg.Length != 16384 {
			t.Errorf("request: %+v, %v", msg, err)
			return
		}
		if err = pb.SendPiece(1, 16384, []byte("data")); err != nil {
			t.Errorf("SendPiece: %v", err)
		}
	}()

	if err := pa.SendUnchoke(); err != nil {
		t.Fatalf("SendUnchoke: %v", err)
	}
	if pa.PeerChoked() {
		t.Errorf("PeerChoked still set after SendUnchoke")
	}
	if err := pa.SendRequest(1, 16384, 16384); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	msg, err := pa.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if msg.Type != MTypePiece || string(msg.Piece) != "data" {
		t.Errorf("piece: got %+v", msg)
	}
	<-done
}

// The choker toggles the choke flag from its own goroutine while the
// connection's read loop consults it, and a context callback may flip the
// state concurrently with reads. Run with -race.
func TestPeerConnConcurrentChokeState(t *testing.T) {
	infohash := metainfo.NewRandomHash()
	pa, pb := pipePeerConns(infohash, infohash)
	defer pa.Close()
	defer pb.Close()

	go io.Copy(io.Discard, pb.Conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if pa.SendChoke() != nil || pa.SendUnchoke() != nil {
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		_ = pa.PeerChoked()
		pa.SetState(ConnEstablished)
		_ = pa.State()
	}
	<-done

	if pa.PeerChoked() {
		t.Errorf("PeerChoked set after the final SendUnchoke")
	}
}

func TestPeerConnWriteTimeout(t *testing.T) {
	infohash := metainfo.NewRandomHash()
	pa, pb := pipePeerConns(infohash, infohash)
	defer pa.Close()
	defer pb.Close()

	// Nothing reads pb, so the write can only end by deadline.
	pa.WriteTimeout = 50 * time.Millisecond

	errs := make(chan error, 1)
	go func() { errs <- pa.SendChoke() }()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("write to a stalled peer succeeded")
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Errorf("error %v is not a timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("write to a stalled peer never returned")
	}
}
