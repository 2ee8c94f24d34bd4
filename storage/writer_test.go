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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/medialib/bt/metainfo"
)

// testLayout builds a two-file layout whose piece 3 straddles the file
// boundary, with deterministic content.
func testLayout() (metainfo.Info, []byte) {
	info := metainfo.Info{
		Name:        "show",
		PieceLength: 32768,
		Files: []metainfo.File{
			{Length: 108304, Path: []string{"e01.mkv"}},
			{Length: 60000, Path: []string{"e02.mkv"}},
		},
	}
	total := info.TotalLength()
	info.Pieces = make([]metainfo.Hash, (total+info.PieceLength-1)/info.PieceLength)

	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i*13 + 3)
	}
	return info, data
}

func pieceOf(info metainfo.Info, data []byte, index int) []byte {
	off := info.PieceOffset(index)
	return data[off : off+info.PieceSize(index)]
}

func flush(t *testing.T, w *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestWriterStraddlingPiece(t *testing.T) {
	info, data := testLayout()
	dir := t.TempDir()
	w := NewWriter(info, dir)
	defer w.Close()

	// Piece 3 covers the last 10000 bytes of the first file and the
	// first 22768 bytes of the second.
	if err := w.WritePiece(3, pieceOf(info, data, 3)); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	flush(t, w)

	f0, err := os.ReadFile(filepath.Join(dir, "show", "e01.mkv"))
	if err != nil {
		t.Fatalf("reading first file: %v", err)
	}
	if int64(len(f0)) != info.Files[0].Length {
		t.Fatalf("first file length: got %d, want %d", len(f0), info.Files[0].Length)
	}
	if !bytes.Equal(f0[98304:], data[98304:108304]) {
		t.Errorf("first file tail does not match the piece bytes")
	}

	f1, err := os.ReadFile(filepath.Join(dir, "show", "e02.mkv"))
	if err != nil {
		t.Fatalf("reading second file: %v", err)
	}
	if !bytes.Equal(f1[:22768], data[108304:131072]) {
		t.Errorf("second file head does not match the piece bytes")
	}
}

func TestWriterReadBack(t *testing.T) {
	info, data := testLayout()
	w := NewWriter(info, t.TempDir())
	defer w.Close()

	for i := 0; i < info.CountPieces(); i++ {
		if err := w.WritePiece(i, pieceOf(info, data, i)); err != nil {
			t.Fatalf("WritePiece(%d): %v", i, err)
		}
	}
	flush(t, w)

	for i := 0; i < info.CountPieces(); i++ {
		got, err := w.ReadPiece(i)
		if err != nil {
			t.Fatalf("ReadPiece(%d): %v", i, err)
		}
		if !bytes.Equal(got, pieceOf(info, data, i)) {
			t.Errorf("piece %d read back differs", i)
		}
	}

	// A block read crossing the file boundary.
	got, err := w.ReadBlock(3, 9000, 2000)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	off := info.PieceOffset(3) + 9000
	if !bytes.Equal(got, data[off:off+2000]) {
		t.Errorf("block read back differs")
	}
}

func TestWriterSkipsUnwantedPieces(t *testing.T) {
	info, data := testLayout()
	dir := t.TempDir()
	w := NewWriter(info, dir, WriterConfig{WantedFiles: []bool{false, true}})
	defer w.Close()

	// Piece 0 lies entirely in the deselected file; piece 3 straddles
	// into the selected one and must be written in full.
	if err := w.WritePiece(0, pieceOf(info, data, 0)); err != nil {
		t.Fatalf("WritePiece(0): %v", err)
	}
	if err := w.WritePiece(3, pieceOf(info, data, 3)); err != nil {
		t.Fatalf("WritePiece(3): %v", err)
	}
	flush(t, w)

	f0, err := os.ReadFile(filepath.Join(dir, "show", "e01.mkv"))
	if err != nil {
		t.Fatalf("reading first file: %v", err)
	}
	for i := 0; i < 32768; i++ {
		if f0[i] != 0 {
			t.Fatalf("piece 0 written despite the file being deselected")
		}
	}
	if !bytes.Equal(f0[98304:], data[98304:108304]) {
		t.Errorf("straddling piece not written in full")
	}
}

func TestWriterClose(t *testing.T) {
	info, data := testLayout()
	w := NewWriter(info, t.TempDir())

	if err := w.WritePiece(0, pieceOf(info, data, 0)); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.WritePiece(1, pieceOf(info, data, 1)); err != ErrWriterClosed {
		t.Errorf("write after close: got %v, want ErrWriterClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
