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
	"net"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/medialib/bt/metainfo"
	"github.com/medialib/bt/storage"
)

// ErrSessionExists is returned when starting a torrent that already has a
// running session.
var ErrSessionExists = errors.New("session already exists")

// ErrSessionNotFound is returned when no session or resume record exists
// for the torrent.
var ErrSessionNotFound = errors.New("session not found")

// Engine manages the download sessions of a media library: one session
// per torrent, all sharing the peer id, the configuration and the resume
// database.
type Engine struct {
	conf   Config
	log    *logrus.Entry
	resume *storage.ResumeStore

	ln   net.Listener
	lnWG sync.WaitGroup

	mu       sync.Mutex
	sessions map[metainfo.Hash]*Session
	closed   bool
}

// New returns a new Engine, opens its resume database and binds the peer
// port for inbound connections. A peer port that cannot be bound is not
// fatal: the engine keeps working with the peers it dials itself.
func New(conf ...Config) (*Engine, error) {
	var c Config
	c.set(conf...)
	if c.ResumePath == "" {
		c.ResumePath = filepath.Join(c.DownloadDir, "resume.db")
	}

	resume, err := storage.OpenResumeStore(c.ResumePath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		conf:     c,
		log:      c.Logger.WithField("id", c.ID.HexString()),
		resume:   resume,
		sessions: make(map[metainfo.Hash]*Session),
	}
	e.listen()
	return e, nil
}

// StartTorrent starts downloading the torrent described by mi into dir,
// resuming from the persisted record when one exists.
//
// wantedFiles selects the files to download, indexed like Info().Files;
// nil wants every file, and also falls back to the persisted selection on
// resume. dir falls back to the configured DownloadDir.
func (e *Engine) StartTorrent(ctx context.Context, mi *metainfo.MetaInfo,
	wantedFiles []bool, dir string) (*Session, error) {

	infohash := mi.InfoHash()
	if dir == "" {
		dir = e.conf.DownloadDir
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("engine closed")
	}
	if s, ok := e.sessions[infohash]; ok && s.State() != StateStopped &&
		s.State() != StateFailed && s.State() != StateCompleted {
		e.mu.Unlock()
		return s, ErrSessionExists
	}
	e.mu.Unlock()

	var restored *storage.Record
	rec, ok, err := e.resume.Get(ctx, infohash)
	if err != nil {
		return nil, err
	}
	if ok {
		restored = &rec
		if wantedFiles == nil {
			wantedFiles = trimWanted(rec.WantedFiles, len(mi.Info().Files))
		}
		if rec.Dir != "" {
			dir = rec.Dir
		}
	}

	s, err := newSession(e.conf, mi, wantedFiles, dir, e.resume, restored)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.sessions[infohash] = s
	e.mu.Unlock()

	s.start()
	return s, nil
}

// ResumeTorrent restarts the torrent from its resume record alone, with no
// descriptor file: the info dictionary is rebuilt from the persisted raw
// bytes.
func (e *Engine) ResumeTorrent(ctx context.Context, infohash metainfo.Hash) (*Session, error) {
	rec, ok, err := e.resume.Get(ctx, infohash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrSessionNotFound, infohash.HexString())
	}

	mi, err := metainfo.FromInfoBytes(rec.InfoBytes, rec.Trackers)
	if err != nil {
		return nil, err
	}
	return e.StartTorrent(ctx, mi, nil, rec.Dir)
}

// ResumeAll restarts every torrent persisted in the resume database.
func (e *Engine) ResumeAll(ctx context.Context) ([]*Session, error) {
	hashes, err := e.resume.List(ctx)
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(hashes))
	for _, h := range hashes {
		s, err := e.ResumeTorrent(ctx, h)
		if err != nil {
			e.log.WithField("infohash", h.HexString()).WithError(err).Error("resume failed")
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// DropTorrent stops the torrent's session and deletes its resume record.
// The downloaded files are left on disk.
func (e *Engine) DropTorrent(ctx context.Context, infohash metainfo.Hash) error {
	e.mu.Lock()
	s, ok := e.sessions[infohash]
	if ok {
		delete(e.sessions, infohash)
	}
	e.mu.Unlock()

	if ok {
		return s.drop(ctx)
	}
	return e.resume.Delete(ctx, infohash)
}

// Session returns the session of the torrent, if any.
func (e *Engine) Session(infohash metainfo.Hash) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[infohash]
	return s, ok
}

// Sessions returns every session of the engine.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Close stops every session, taking their final checkpoints, and closes
// the resume database.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	if e.ln != nil {
		e.ln.Close()
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	e.lnWG.Wait()

	return e.resume.Close()
}

// trimWanted cuts a persisted selection mask back down to the file count.
// The mask round-trips through a bitfield, which pads it to a multiple of
// eight entries.
func trimWanted(wanted []bool, n int) []bool {
	if wanted == nil || len(wanted) <= n {
		return wanted
	}
	return wanted[:n]
}
