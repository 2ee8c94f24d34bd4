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

package engine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/medialib/bt/piece"

	pp "github.com/medialib/bt/peerprotocol"
)

type blockKey struct {
	index uint32
	begin uint32
}

// peerLink drives one peer connection: it exchanges bitfields, manages
// interest, keeps the request pipeline full from the picker, routes
// received blocks to the store and the disk writer, and serves requests
// for verified pieces while the remote peer is unchoked.
//
// Each link runs as its own goroutine; cross-link coordination goes
// through the session's picker, store and swarm, never through shared
// access to another link's connection.
type peerLink struct {
	addr string
	conn *pp.PeerConn
	s    *Session
	log  *logrus.Entry

	// mu guards the remote bitfield and the outstanding set, which the
	// swarm reads for rarity snapshots and cancel routing.
	mu          sync.Mutex
	bitfield    pp.BitField
	outstanding map[blockKey]piece.Block

	// downloadedDelta and uploadedDelta accumulate payload bytes between
	// choke ticks; rate is the smoothed bytes/sec owned by the choker.
	downloadedDelta atomic.Int64
	uploadedDelta   atomic.Int64
	rate            float64

	badPieces atomic.Int32
}

func newPeerLink(s *Session, conn *pp.PeerConn) *peerLink {
	addr := conn.RemoteAddr().String()
	return &peerLink{
		addr:        addr,
		conn:        conn,
		s:           s,
		log:         s.log.WithField("peer", addr),
		bitfield:    pp.NewBitField(s.info.CountPieces()),
		outstanding: make(map[blockKey]piece.Block),
	}
}

// snapshotBitfield returns an independent copy of the remote bitfield.
func (l *peerLink) snapshotBitfield() pp.BitField {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bitfield.Clone()
}

// takeDownloaded returns and resets the bytes downloaded since the last
// choke tick; takeUploaded does the same for the served bytes.
func (l *peerLink) takeDownloaded() int64 {
	return l.downloadedDelta.Swap(0)
}

func (l *peerLink) takeUploaded() int64 {
	return l.uploadedDelta.Swap(0)
}

// run is the read loop of the link. It returns when the connection
// breaks, the peer violates the protocol, or ctx is canceled.
func (l *peerLink) run(ctx context.Context) {
	defer l.s.swarm.removeLink(l)

	if err := l.conn.SendBitField(l.s.store.Bitfield()); err != nil {
		l.log.WithError(err).Debug("sending bitfield")
		return
	}

	stopKeepalive := l.startKeepalive(ctx)
	defer stopKeepalive()

	// Unblock the read loop when the session stops.
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetState(pp.ConnClosing)
		l.conn.Conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msg, err := l.conn.ReadMsg()
		if err != nil {
			if ctx.Err() != nil || err == io.EOF {
				return
			}
			if errors.Is(err, pp.ErrProtocolViolation) {
				l.log.WithError(err).Warn("protocol violation, closing link")
				l.conn.SetState(pp.ConnErrored)
			} else {
				l.log.WithError(err).Debug("read failed, closing link")
			}
			return
		}

		if msg.Keepalive {
			continue
		}
		if err := l.handleMessage(msg); err != nil {
			if errors.Is(err, pp.ErrProtocolViolation) {
				l.log.WithError(err).Warn("protocol violation, closing link")
				l.conn.SetState(pp.ConnErrored)
			}
			return
		}
	}
}

func (l *peerLink) startKeepalive(ctx context.Context) func() {
	ticker := time.NewTicker(l.s.conf.KeepaliveInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.conn.SendKeepalive(); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (l *peerLink) handleMessage(msg pp.Message) error {
	switch msg.Type {
	case pp.MTypeChoke:
		l.conn.Choked = true
		// The remote peer drops our queued requests; put the blocks back
		// on the table so other links can pick them up.
		l.s.picker.OnPeerGone(l.addr)
		l.mu.Lock()
		l.outstanding = make(map[blockKey]piece.Block)
		l.mu.Unlock()
		return nil
	case pp.MTypeUnchoke:
		l.conn.Choked = false
		return l.fill()
	case pp.MTypeInterested:
		l.conn.PeerInterested = true
		return nil
	case pp.MTypeNotInterested:
		l.conn.PeerInterested = false
		return nil
	case pp.MTypeHave:
		if int(msg.Index) >= l.s.info.CountPieces() {
			return errors.Wrapf(pp.ErrProtocolViolation, "have for piece %d of %d",
				msg.Index, l.s.info.CountPieces())
		}
		l.mu.Lock()
		l.bitfield.Set(msg.Index)
		l.mu.Unlock()
		if err := l.updateInterest(); err != nil {
			return err
		}
		return l.fill()
	case pp.MTypeBitField:
		if len(msg.BitField) != len(pp.NewBitField(l.s.info.CountPieces())) {
			return errors.Wrapf(pp.ErrProtocolViolation, "bitfield length %d, want %d",
				len(msg.BitField), len(pp.NewBitField(l.s.info.CountPieces())))
		}
		l.mu.Lock()
		l.bitfield = msg.BitField.Clone()
		l.mu.Unlock()
		if err := l.updateInterest(); err != nil {
			return err
		}
		return l.fill()
	case pp.MTypeRequest:
		return l.serveRequest(msg)
	case pp.MTypePiece:
		return l.handlePiece(msg)
	case pp.MTypeCancel:
		// Uploads are served synchronously, so there is no queued
		// request to cancel.
		return nil
	default:
		return errors.Wrapf(pp.ErrProtocolViolation, "unhandled message id %d", msg.Type)
	}
}

// updateInterest declares or withdraws interest based on whether the
// remote peer has any wanted piece we are missing.
func (l *peerLink) updateInterest() error {
	bf := l.snapshotBitfield()
	interested := false
	for _, i := range bf.Sets() {
		if l.s.picker.IsWanted(int(i)) && !l.s.store.IsVerified(int(i)) {
			interested = true
			break
		}
	}

	if interested && !l.conn.Interested {
		return l.conn.SendInterested()
	}
	if !interested && l.conn.Interested {
		return l.conn.SendNotInterested()
	}
	return nil
}

// fill tops the request pipeline up to the configured depth.
func (l *peerLink) fill() error {
	if l.conn.Choked || !l.conn.Interested {
		return nil
	}

	l.mu.Lock()
	need := l.s.conf.MaxPipeline - len(l.outstanding)
	l.mu.Unlock()
	if need <= 0 {
		return nil
	}

	peerBits := l.snapshotBitfield()
	swarmBits := l.s.swarm.snapshotBitfields()
	blocks := l.s.picker.Pick(l.addr, peerBits, swarmBits, need)

	for _, b := range blocks {
		l.mu.Lock()
		l.outstanding[blockKey{index: b.Index, begin: b.Begin}] = b
		l.mu.Unlock()
		if err := l.conn.SendRequest(b.Index, b.Begin, b.Length); err != nil {
			return err
		}
	}
	return nil
}

// handlePiece routes one received block. Blocks that are no longer
// outstanding on this link (canceled, or satisfied by an endgame
// duplicate) are silently discarded.
func (l *peerLink) handlePiece(msg pp.Message) error {
	key := blockKey{index: msg.Index, begin: msg.Begin}

	l.mu.Lock()
	want, ok := l.outstanding[key]
	if ok {
		delete(l.outstanding, key)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if uint32(len(msg.Piece)) != want.Length {
		return errors.Wrapf(pp.ErrProtocolViolation, "block (%d, %d) has length %d, want %d",
			msg.Index, msg.Begin, len(msg.Piece), want.Length)
	}

	l.downloadedDelta.Add(int64(len(msg.Piece)))
	l.s.downloaded.Add(int64(len(msg.Piece)))

	// First arrival wins: cancel the endgame duplicates elsewhere.
	for _, dup := range l.s.picker.OnBlockReceived(l.addr, msg.Index, msg.Begin) {
		l.s.swarm.cancelBlock(dup, want)
	}

	res, whole, err := l.s.store.MarkBlockReceived(int(msg.Index), msg.Begin, msg.Piece)
	if err != nil {
		return errors.Wrapf(pp.ErrProtocolViolation, "rejected block: %s", err)
	}

	switch res {
	case piece.ReceiveVerified:
		if err := l.s.writer.WritePiece(int(msg.Index), whole); err != nil {
			l.s.fail(err)
			return err
		}
		l.s.onPieceVerified(int(msg.Index))
	case piece.ReceiveHashMismatch:
		l.log.WithField("piece", msg.Index).Warn("piece failed hash verification")
		if l.badPieces.Add(1) >= int32(l.s.conf.SuspectThreshold) {
			l.log.Warn("peer flagged suspect, disconnecting")
			return errors.New("suspect peer")
		}
	}

	return l.fill()
}

// serveRequest answers an upload request for a verified piece while the
// remote peer is unchoked.
func (l *peerLink) serveRequest(msg pp.Message) error {
	if l.conn.PeerChoked() {
		return nil
	}
	if int(msg.Index) >= l.s.info.CountPieces() || !l.s.store.IsVerified(int(msg.Index)) {
		return nil
	}
	if msg.Length == 0 || msg.Length > 2*piece.BlockSize ||
		int64(msg.Begin)+int64(msg.Length) > l.s.info.PieceSize(int(msg.Index)) {
		return errors.Wrapf(pp.ErrProtocolViolation, "bad request (%d, %d, %d)",
			msg.Index, msg.Begin, msg.Length)
	}

	data, err := l.s.writer.ReadBlock(int(msg.Index), msg.Begin, msg.Length)
	if err != nil {
		l.log.WithError(err).Warn("reading block for upload")
		return nil
	}
	if err = l.conn.SendPiece(msg.Index, msg.Begin, data); err != nil {
		return err
	}
	l.uploadedDelta.Add(int64(len(data)))
	l.s.uploaded.Add(int64(len(data)))
	return nil
}

// setChoked applies the choker's decision to the remote peer, sending
// the transition frame only on change.
func (l *peerLink) setChoked(choked bool) {
	if l.conn.PeerChoked() == choked {
		return
	}
	var err error
	if choked {
		err = l.conn.SendChoke()
	} else {
		err = l.conn.SendUnchoke()
	}
	if err != nil {
		l.log.WithError(err).Debug("sending choke transition")
	}
}
