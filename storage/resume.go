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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	// SQLite driver for the resume database.
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/medialib/bt/metainfo"
	pp "github.com/medialib/bt/peerprotocol"
)

// Record is the persisted snapshot of one torrent: everything needed to
// resume without re-fetching the descriptor or re-verifying pieces.
//
// It is a write-ahead checkpoint, not live state: the in-memory session
// is always reconstructible from the last Record, never the reverse.
type Record struct {
	// InfoHash is the content identifier.
	InfoHash metainfo.Hash

	// InfoBytes is the raw bencoded info dictionary.
	InfoBytes []byte

	// Bitfield marks the pieces verified so far.
	Bitfield pp.BitField

	// WantedFiles is the file-selection mask; nil wants every file.
	WantedFiles []bool

	// Trackers is the flattened tracker URL list.
	Trackers []string

	// Dir is the save location.
	Dir string

	// Uploaded and Downloaded are the lifetime byte counters reported
	// to the tracker.
	Uploaded   int64
	Downloaded int64

	// UpdatedAt is the time of the last checkpoint.
	UpdatedAt time.Time
}

// ResumeStore persists one Record per torrent in a SQLite database.
//
// The schema is migrated automatically on open; writes go through an
// UPSERT so a checkpoint is atomic.
type ResumeStore struct {
	db *sql.DB

	upsert    *sql.Stmt
	selectOne *sql.Stmt
	deleteOne *sql.Stmt
	selectAll *sql.Stmt
}

const resumeSchema = `
CREATE TABLE IF NOT EXISTS torrents (
	info_hash    TEXT PRIMARY KEY,
	info_bytes   BLOB NOT NULL,
	bitfield     BLOB NOT NULL,
	wanted_files BLOB,
	trackers     TEXT NOT NULL,
	dir          TEXT NOT NULL,
	uploaded     INTEGER NOT NULL DEFAULT 0,
	downloaded   INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL
);
`

// OpenResumeStore opens (creating if needed) the resume database at path.
func OpenResumeStore(path string) (*ResumeStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrapf(err, "opening resume database %q", path)
	}
	if _, err = db.Exec(resumeSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating resume schema")
	}

	s := &ResumeStore{db: db}
	if err = s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ResumeStore) prepare() (err error) {
	if s.upsert, err = s.db.Prepare(`
		INSERT INTO torrents
			(info_hash, info_bytes, bitfield, wanted_files, trackers, dir, uploaded, downloaded, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(info_hash) DO UPDATE SET
			info_bytes = excluded.info_bytes,
			bitfield = excluded.bitfield,
			wanted_files = excluded.wanted_files,
			trackers = excluded.trackers,
			dir = excluded.dir,
			uploaded = excluded.uploaded,
			downloaded = excluded.downloaded,
			updated_at = excluded.updated_at`); err != nil {
		return errors.Wrap(err, "preparing upsert")
	}
	if s.selectOne, err = s.db.Prepare(`
		SELECT info_bytes, bitfield, wanted_files, trackers, dir, uploaded, downloaded, updated_at
		FROM torrents WHERE info_hash = ?`); err != nil {
		return errors.Wrap(err, "preparing select")
	}
	if s.deleteOne, err = s.db.Prepare(
		`DELETE FROM torrents WHERE info_hash = ?`); err != nil {
		return errors.Wrap(err, "preparing delete")
	}
	if s.selectAll, err = s.db.Prepare(
		`SELECT info_hash FROM torrents ORDER BY updated_at DESC`); err != nil {
		return errors.Wrap(err, "preparing list")
	}
	return nil
}

// Put checkpoints the record, replacing any previous snapshot.
func (s *ResumeStore) Put(ctx context.Context, rec Record) error {
	trackers, err := json.Marshal(rec.Trackers)
	if err != nil {
		return errors.Wrap(err, "encoding trackers")
	}
	var wanted []byte
	if rec.WantedFiles != nil {
		wanted = pp.NewBitFieldFromBools(rec.WantedFiles)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = s.upsert.ExecContext(ctx,
		rec.InfoHash.HexString(), rec.InfoBytes, []byte(rec.Bitfield), wanted,
		string(trackers), rec.Dir, rec.Uploaded, rec.Downloaded, updated.Unix())
	return errors.Wrap(err, "checkpointing resume record")
}

// Get loads the record of the torrent, reporting ok=false when absent.
func (s *ResumeStore) Get(ctx context.Context, infohash metainfo.Hash) (rec Record, ok bool, err error) {
	var (
		bitfield, wanted []byte
		trackers         string
		updatedAt        int64
	)
	row := s.selectOne.QueryRowContext(ctx, infohash.HexString())
	err = row.Scan(&rec.InfoBytes, &bitfield, &wanted, &trackers,
		&rec.Dir, &rec.Uploaded, &rec.Downloaded, &updatedAt)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, errors.Wrap(err, "loading resume record")
	}

	rec.InfoHash = infohash
	rec.Bitfield = pp.BitField(bitfield)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if err = json.Unmarshal([]byte(trackers), &rec.Trackers); err != nil {
		return rec, false, errors.Wrap(err, "decoding trackers")
	}
	if wanted != nil {
		rec.WantedFiles = pp.BitField(wanted).Bools()
	}
	return rec, true, nil
}

// Delete removes the record of the torrent, if any.
func (s *ResumeStore) Delete(ctx context.Context, infohash metainfo.Hash) error {
	_, err := s.deleteOne.ExecContext(ctx, infohash.HexString())
	return errors.Wrap(err, "deleting resume record")
}

// List returns the content identifiers of every persisted torrent,
// most recently checkpointed first.
func (s *ResumeStore) List(ctx context.Context) (hashes []metainfo.Hash, err error) {
	rows, err := s.selectAll.QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing resume records")
	}
	defer rows.Close()

	for rows.Next() {
		var hexHash string
		if err = rows.Scan(&hexHash); err != nil {
			return nil, errors.Wrap(err, "scanning resume record")
		}
		h, err := metainfo.NewHashFromString(hexHash)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, errors.Wrap(rows.Err(), "iterating resume records")
}

// Close closes the database.
func (s *ResumeStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.upsert, s.selectOne, s.deleteOne, s.selectAll} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
