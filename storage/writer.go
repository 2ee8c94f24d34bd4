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

// Package storage maps the flat piece address space onto the on-disk file
// layout and persists the resume records.
package storage

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/medialib/bt/metainfo"
)

// ErrDiskWrite is returned when a write to the download directory fails
// (disk full, permission denied). It is fatal to the session; pieces
// already written are not rolled back.
var ErrDiskWrite = errors.New("disk write failure")

// ErrWriterClosed is returned when a write is submitted after Close.
var ErrWriterClosed = errors.New("disk writer closed")

// WriterConfig is used to configure the Writer.
type WriterConfig struct {
	// QueueSize bounds the pending write queue. The default is 64.
	QueueSize int

	// WantedFiles is the file-selection mask, indexed like Info.Files;
	// nil wants every file. A piece overlapping any wanted file is
	// written in full, including bytes belonging to unwanted files;
	// pieces exclusive to unwanted files are skipped.
	WantedFiles []bool

	// ErrorLog is used to log the error.
	//
	// The default is log.Printf.
	ErrorLog func(format string, args ...interface{})
}

func (c *WriterConfig) set(conf ...WriterConfig) {
	if len(conf) > 0 {
		*c = conf[0]
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ErrorLog == nil {
		c.ErrorLog = log.Printf
	}
}

type writeReq struct {
	index int
	data  []byte
	flush chan struct{}
}

// Writer is the single serialization point for disk I/O of one session:
// all writes queue behind one goroutine, so overlapping file regions are
// never interleaved.
type Writer struct {
	conf WriterConfig
	info metainfo.Info
	dir  string

	reqs chan writeReq
	done chan struct{}

	mu     sync.Mutex
	files  map[int]*os.File
	err    error
	closed bool
}

// NewWriter returns a Writer placing the torrent's files under dir and
// starts its write loop.
func NewWriter(info metainfo.Info, dir string, conf ...WriterConfig) *Writer {
	w := &Writer{
		info:  info,
		dir:   dir,
		files: make(map[int]*os.File, len(info.Files)),
		done:  make(chan struct{}),
	}
	w.conf.set(conf...)
	w.reqs = make(chan writeReq, w.conf.QueueSize)

	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)
	for req := range w.reqs {
		if req.flush != nil {
			close(req.flush)
			continue
		}
		if err := w.writePiece(req.index, req.data); err != nil {
			w.mu.Lock()
			if w.err == nil {
				w.err = err
			}
			w.mu.Unlock()
			w.conf.ErrorLog("writing piece %d: %s", req.index, err)
		}
	}
}

// Err returns the first write failure, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// WritePiece queues the verified piece for writing.
//
// It fails fast once a previous write has failed or the writer is closed.
func (w *Writer) WritePiece(index int, data []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()

	w.reqs <- writeReq{index: index, data: data}
	return nil
}

// Flush blocks until every write queued before it has been applied.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.mu.Unlock()

	flushed := make(chan struct{})
	select {
	case w.reqs <- writeReq{flush: flushed}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-flushed:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, closes every file handle and stops the loop.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.reqs)
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		f.Close()
	}
	w.files = nil
	return w.err
}

// writePiece maps the piece onto its file segments and writes each one.
func (w *Writer) writePiece(index int, data []byte) error {
	if !w.pieceWanted(index) {
		return nil
	}

	var consumed int64
	for _, seg := range w.info.PieceSegments(index) {
		f, err := w.file(seg.FileIndex)
		if err != nil {
			return err
		}
		chunk := data[consumed : consumed+seg.Length]
		if _, err = f.WriteAt(chunk, seg.Offset); err != nil {
			return errors.Wrapf(ErrDiskWrite, "%s at %d: %s",
				w.info.Files[seg.FileIndex].RelPath(w.info), seg.Offset, err)
		}
		consumed += seg.Length
	}
	return nil
}

// ReadPiece reads the whole piece back from disk, for serving uploads and
// for re-verification. Reads go through ReadAt and are safe concurrently
// with the write loop on verified pieces.
func (w *Writer) ReadPiece(index int) ([]byte, error) {
	data := make([]byte, w.info.PieceSize(index))
	var consumed int64
	for _, seg := range w.info.PieceSegments(index) {
		f, err := w.file(seg.FileIndex)
		if err != nil {
			return nil, err
		}
		if _, err = f.ReadAt(data[consumed:consumed+seg.Length], seg.Offset); err != nil {
			return nil, errors.Wrapf(err, "reading %s at %d",
				w.info.Files[seg.FileIndex].RelPath(w.info), seg.Offset)
		}
		consumed += seg.Length
	}
	return data, nil
}

// ReadBlock reads the byte range [begin, begin+length) of the piece.
func (w *Writer) ReadBlock(index int, begin, length uint32) ([]byte, error) {
	data := make([]byte, length)
	offset := w.info.PieceOffset(index) + int64(begin)
	var consumed int64
	for _, seg := range w.info.Segments(offset, int64(length)) {
		f, err := w.file(seg.FileIndex)
		if err != nil {
			return nil, err
		}
		if _, err = f.ReadAt(data[consumed:consumed+seg.Length], seg.Offset); err != nil {
			return nil, errors.Wrapf(err, "reading %s at %d",
				w.info.Files[seg.FileIndex].RelPath(w.info), seg.Offset)
		}
		consumed += seg.Length
	}
	return data, nil
}

func (w *Writer) pieceWanted(index int) bool {
	if w.conf.WantedFiles == nil {
		return true
	}
	for _, seg := range w.info.PieceSegments(index) {
		if seg.FileIndex >= len(w.conf.WantedFiles) || w.conf.WantedFiles[seg.FileIndex] {
			return true
		}
	}
	return false
}

// file returns the lazily opened handle of the file at index, creating
// the file and its parent directories on first use.
func (w *Writer) file(index int) (*os.File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if f, ok := w.files[index]; ok {
		return f, nil
	}

	path := filepath.Join(w.dir, w.info.Files[index].RelPath(w.info))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(ErrDiskWrite, "creating directory for %s: %s", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(ErrDiskWrite, "opening %s: %s", path, err)
	}
	w.files[index] = f
	return f, nil
}
