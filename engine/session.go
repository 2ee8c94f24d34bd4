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
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medialib/bt/metainfo"
	"github.com/medialib/bt/piece"
	"github.com/medialib/bt/storage"
	"github.com/medialib/bt/tracker"

	pp "github.com/medialib/bt/peerprotocol"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

// Predefine the session lifecycle states.
const (
	StateStarting SessionState = iota
	StateDownloading
	StateSeeding
	StateCompleted
	StateStopped
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionStats is a point-in-time snapshot of a session's progress.
type SessionStats struct {
	State          SessionState
	InfoHash       metainfo.Hash
	Name           string
	VerifiedPieces int
	TotalPieces    int
	Peers          int
	Downloaded     int64
	Uploaded       int64
	Left           int64
}

// Session downloads and seeds one torrent. It owns the piece store, the
// picker, the disk writer, the tracker announcer and the swarm of peer
// links, and checkpoints its progress to the resume store so a restart
// never re-downloads verified pieces.
type Session struct {
	conf      Config
	info      metainfo.Info
	infohash  metainfo.Hash
	infoBytes []byte
	trackers  []string
	dir       string
	log       *logrus.Entry

	store     *piece.Store
	picker    *piece.Picker
	writer    *storage.Writer
	announcer *tracker.Announcer
	swarm     *swarm
	resume    *storage.ResumeStore
	bus       *eventBus

	downloaded atomic.Int64
	uploaded   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state    atomic.Int32
	failOnce sync.Once
	stopOnce sync.Once
	doneOnce sync.Once

	mu          sync.Mutex
	wantedFiles []bool
	dirtyPieces int // verified pieces since the last checkpoint
}

// newSession assembles a session from a parsed descriptor and an optional
// restored resume record. Verified pieces in the record are trusted; their
// data is assumed intact on disk.
func newSession(conf Config, mi *metainfo.MetaInfo, wantedFiles []bool,
	dir string, resume *storage.ResumeStore, restored *storage.Record) (*Session, error) {

	info := mi.Info()
	infohash := mi.InfoHash()

	s := &Session{
		conf:        conf,
		info:        info,
		infohash:    infohash,
		infoBytes:   mi.InfoBytes,
		trackers:    mi.Announces(),
		dir:         dir,
		resume:      resume,
		bus:         newEventBus(),
		wantedFiles: wantedFiles,
		log: conf.Logger.WithFields(logrus.Fields{
			"infohash": infohash.HexString(),
			"name":     info.Name,
		}),
	}
	s.state.Store(int32(StateStarting))

	var have pp.BitField
	if restored != nil {
		have = restored.Bitfield
		s.downloaded.Store(restored.Downloaded)
		s.uploaded.Store(restored.Uploaded)
	}
	s.store = piece.NewStore(info, have)
	s.picker = piece.NewPicker(s.store, wantedFiles)
	s.writer = storage.NewWriter(info, dir, storage.WriterConfig{
		WantedFiles: wantedFiles,
		ErrorLog:    s.errorLog,
	})
	s.swarm = newSwarm(s)

	var err error
	if s.announcer, err = tracker.NewAnnouncer(tracker.AnnouncerConfig{
		Trackers:   append([]string(nil), s.trackers...),
		InfoHash:   infohash,
		ID:         conf.ID,
		Port:       conf.ListenPort,
		Stats:      s.trackerStats,
		OnDegraded: s.onDegraded,
		ErrorLog:   s.errorLog,
	}); err != nil {
		s.writer.Close()
		return nil, err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) errorLog(format string, args ...interface{}) {
	s.log.Errorf(format, args...)
}

// start brings the session up: the swarm, the candidate feed and the
// announce loop. A session that is already complete goes straight to
// seeding or finishing.
func (s *Session) start() {
	if s.picker.AllWantedVerified() {
		s.log.Info("all wanted pieces already verified")
		s.finish()
		if !s.conf.Seed {
			return
		}
	} else {
		s.state.Store(int32(StateDownloading))
	}

	s.log.WithFields(logrus.Fields{
		"pieces":   s.info.CountPieces(),
		"verified": s.store.VerifiedCount(),
		"trackers": len(s.trackers),
	}).Info("session starting")

	s.swarm.start(s.ctx)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.scatterPeers()
	}()
	go func() {
		defer s.wg.Done()
		s.announcer.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.feedCandidates()
	}()
}

// scatterPeers queries every tracker once, concurrently, to seed the
// swarm before the periodic announce loop settles on a single tracker.
func (s *Session) scatterPeers() {
	trackers := append([]string(nil), s.trackers...)
	for _, res := range tracker.GetPeers(s.ctx, s.conf.ID, s.infohash, trackers) {
		if res.Error != nil {
			s.log.WithField("tracker", res.Tracker).WithError(res.Error).Debug("initial scatter failed")
			continue
		}
		for _, addr := range res.Resp.Peers {
			s.swarm.addCandidate(addr)
		}
	}
}

// feedCandidates moves tracker-provided addresses into the swarm.
func (s *Session) feedCandidates() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case addr := <-s.announcer.Peers():
			s.swarm.addCandidate(addr)
		}
	}
}

// trackerStats supplies the announce byte counters. Left is the size of
// the wanted pieces still missing verification, so the tracker sees
// completion exactly when the selection is done.
func (s *Session) trackerStats() (uploaded, downloaded, left int64) {
	for _, i := range s.picker.WantedPieces().Sets() {
		if !s.store.IsVerified(int(i)) {
			left += s.info.PieceSize(int(i))
		}
	}
	return s.uploaded.Load(), s.downloaded.Load(), left
}

func (s *Session) onDegraded(failures int) {
	s.log.WithField("failures", failures).Warn("all trackers unreachable")
	s.bus.publish(Event{Type: EventDegraded, InfoHash: s.infohash})
}

func (s *Session) publishPeerCount(count int) {
	s.bus.publish(Event{Type: EventPeerCountChanged, InfoHash: s.infohash, Peers: count})
}

// onPieceVerified is called by the peer link whose block completed the
// piece, after the piece has been queued for writing.
func (s *Session) onPieceVerified(index int) {
	verified := s.store.VerifiedCount()
	s.bus.publish(Event{
		Type:           EventPieceVerified,
		InfoHash:       s.infohash,
		Piece:          index,
		VerifiedPieces: verified,
		TotalPieces:    s.info.CountPieces(),
	})

	s.swarm.broadcastHave(uint32(index))

	s.mu.Lock()
	s.dirtyPieces++
	checkpoint := s.dirtyPieces >= s.conf.CheckpointPieces
	if checkpoint {
		s.dirtyPieces = 0
	}
	s.mu.Unlock()
	if checkpoint {
		if err := s.checkpoint(s.ctx); err != nil {
			s.log.WithError(err).Error("checkpoint failed")
		}
	}

	if s.picker.AllWantedVerified() {
		s.finish()
	}
}

// finish handles download completion: flush the writer, checkpoint, tell
// the tracker and either stay seeding or stop.
func (s *Session) finish() {
	s.doneOnce.Do(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.writer.Flush(flushCtx); err != nil {
			s.failWith(err)
			return
		}
		if err := s.checkpoint(flushCtx); err != nil {
			s.log.WithError(err).Error("final checkpoint failed")
		}

		s.announcer.TriggerEvent(tracker.EventCompleted)
		s.bus.publish(Event{
			Type:           EventCompleted,
			InfoHash:       s.infohash,
			VerifiedPieces: s.store.VerifiedCount(),
			TotalPieces:    s.info.CountPieces(),
		})

		if s.conf.Seed {
			s.state.Store(int32(StateSeeding))
			s.log.Info("download complete, seeding")
			return
		}
		s.state.Store(int32(StateCompleted))
		s.log.Info("download complete")
		go s.shutdown(false)
	})
}

// fail stops the session terminally, preserving the resume record so a
// later start can pick up from the last checkpoint.
func (s *Session) fail(err error) { s.failWith(err) }

func (s *Session) failWith(err error) {
	s.failOnce.Do(func() {
		s.state.Store(int32(StateFailed))
		s.log.WithError(err).Error("session failed")
		s.bus.publish(Event{Type: EventFailed, InfoHash: s.infohash, Err: err})
		go s.shutdown(false)
	})
}

// Stop pauses the session: a final checkpoint is taken and the tracker is
// told "stopped". The resume record stays, so the session can be started
// again later from where it left off.
func (s *Session) Stop() {
	if st := s.State(); st != StateFailed && st != StateCompleted {
		s.state.Store(int32(StateStopped))
	}
	s.shutdown(true)
}

// shutdown tears the session down exactly once. When publishStopped is
// set, an EventStopped is emitted before the bus closes.
func (s *Session) shutdown(publishStopped bool) {
	s.stopOnce.Do(func() {
		s.cancel()
		s.swarm.closeAll()
		s.wg.Wait()

		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.writer.Flush(flushCtx); err != nil {
			s.log.WithError(err).Error("final flush failed")
		}
		if err := s.checkpoint(flushCtx); err != nil {
			s.log.WithError(err).Error("final checkpoint failed")
		}
		if err := s.writer.Close(); err != nil {
			s.log.WithError(err).Error("closing disk writer")
		}

		if publishStopped {
			s.bus.publish(Event{Type: EventStopped, InfoHash: s.infohash})
		}
		s.bus.close()
		s.log.Info("session stopped")
	})
}

// drop stops the session and deletes its resume record and is used when
// the caller removes the torrent instead of pausing it.
func (s *Session) drop(ctx context.Context) error {
	s.Stop()
	if s.resume == nil {
		return nil
	}
	return s.resume.Delete(ctx, s.infohash)
}

// checkpoint persists the current verified bitfield and byte counters.
func (s *Session) checkpoint(ctx context.Context) error {
	if s.resume == nil {
		return nil
	}

	s.mu.Lock()
	wanted := s.wantedFiles
	s.mu.Unlock()

	return s.resume.Put(ctx, storage.Record{
		InfoHash:    s.infohash,
		InfoBytes:   s.infoBytes,
		Bitfield:    s.store.Bitfield(),
		WantedFiles: wanted,
		Trackers:    append([]string(nil), s.trackers...),
		Dir:         s.dir,
		Uploaded:    s.uploaded.Load(),
		Downloaded:  s.downloaded.Load(),
		UpdatedAt:   time.Now(),
	})
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// active reports whether the session still exchanges pieces with peers.
func (s *Session) active() bool {
	switch s.State() {
	case StateStarting, StateDownloading, StateSeeding:
		return true
	}
	return false
}

// InfoHash returns the content identifier of the session's torrent.
func (s *Session) InfoHash() metainfo.Hash { return s.infohash }

// Info returns the parsed info dictionary.
func (s *Session) Info() metainfo.Info { return s.info }

// Stats returns a snapshot of the session's progress.
func (s *Session) Stats() SessionStats {
	_, _, left := s.trackerStats()
	return SessionStats{
		State:          s.State(),
		InfoHash:       s.infohash,
		Name:           s.info.Name,
		VerifiedPieces: s.store.VerifiedCount(),
		TotalPieces:    s.info.CountPieces(),
		Peers:          s.swarm.peerCount(),
		Downloaded:     s.downloaded.Load(),
		Uploaded:       s.uploaded.Load(),
		Left:           left,
	}
}

// Subscribe registers for the session's progress events. The returned
// function unsubscribes; the channel closes when the session stops.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.bus.subscribe(buffer)
}

// Wait blocks until the session has fully stopped or ctx is canceled.
func (s *Session) Wait(ctx context.Context) error {
	events, unsubscribe := s.bus.subscribe(1)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return nil
			}
		}
	}
}
