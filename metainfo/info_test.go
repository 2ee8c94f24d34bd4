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

package metainfo

import (
	"path/filepath"
	"testing"
)

// twoFileLayout is a multi-file layout whose piece 3 straddles the file
// boundary: the last 10000 bytes of the first file plus the first 22768
// bytes of the second.
func twoFileLayout() Info {
	info := Info{
		Name:        "show",
		PieceLength: 32768,
		Files: []File{
			{Length: 108304, Path: []string{"e01.mkv"}},
			{Length: 60000, Path: []string{"e02.mkv"}},
		},
	}
	numPieces := (info.TotalLength() + info.PieceLength - 1) / info.PieceLength
	info.Pieces = make([]Hash, numPieces)
	return info
}

func TestPieceSize(t *testing.T) {
	info := twoFileLayout()
	if got := info.CountPieces(); got != 6 {
		t.Fatalf("pieces: got %d, want 6", got)
	}
	for i := 0; i < 5; i++ {
		if got := info.PieceSize(i); got != 32768 {
			t.Errorf("piece %d size: got %d, want 32768", i, got)
		}
	}
	if got := info.PieceSize(5); got != 4464 {
		t.Errorf("last piece size: got %d, want 4464", got)
	}
}

func TestPieceSegmentsStraddle(t *testing.T) {
	info := twoFileLayout()

	segs := info.PieceSegments(3)
	if len(segs) != 2 {
		t.Fatalf("segments: got %d, want 2: %+v", len(segs), segs)
	}
	if segs[0].FileIndex != 0 || segs[0].Offset != 98304 || segs[0].Length != 10000 {
		t.Errorf("first segment: got %+v", segs[0])
	}
	if segs[1].FileIndex != 1 || segs[1].Offset != 0 || segs[1].Length != 22768 {
		t.Errorf("second segment: got %+v", segs[1])
	}
	if segs[0].Length+segs[1].Length != info.PieceSize(3) {
		t.Errorf("segment lengths do not cover the piece")
	}

	// A piece inside one file yields exactly one segment.
	segs = info.PieceSegments(0)
	if len(segs) != 1 || segs[0].FileIndex != 0 || segs[0].Offset != 0 || segs[0].Length != 32768 {
		t.Errorf("piece 0 segments: got %+v", segs)
	}
}

func TestSegmentsArbitraryRange(t *testing.T) {
	info := twoFileLayout()

	// A 16KiB block crossing the file boundary at offset 108304.
	segs := info.Segments(108304-100, 16384)
	if len(segs) != 2 {
		t.Fatalf("segments: got %d, want 2: %+v", len(segs), segs)
	}
	if segs[0].FileIndex != 0 || segs[0].Offset != 108204 || segs[0].Length != 100 {
		t.Errorf("first segment: got %+v", segs[0])
	}
	if segs[1].FileIndex != 1 || segs[1].Offset != 0 || segs[1].Length != 16284 {
		t.Errorf("second segment: got %+v", segs[1])
	}
}

func TestPiecesOverlappingFile(t *testing.T) {
	info := twoFileLayout()

	first, last, ok := info.PiecesOverlappingFile(0)
	if !ok || first != 0 || last != 3 {
		t.Errorf("file 0: got (%d, %d, %v), want (0, 3, true)", first, last, ok)
	}
	first, last, ok = info.PiecesOverlappingFile(1)
	if !ok || first != 3 || last != 5 {
		t.Errorf("file 1: got (%d, %d, %v), want (3, 5, true)", first, last, ok)
	}

	info.Files = append(info.Files, File{Length: 0, Path: []string{"empty"}})
	if _, _, ok = info.PiecesOverlappingFile(2); ok {
		t.Errorf("empty file reported overlapping pieces")
	}
}

func TestRelPath(t *testing.T) {
	single := Info{Name: "video.mkv", Files: []File{{Length: 1}}}
	if got := single.Files[0].RelPath(single); got != "video.mkv" {
		t.Errorf("single-file: got %q", got)
	}
	if single.IsDir() {
		t.Errorf("single-file torrent reported as directory")
	}

	multi := twoFileLayout()
	want := filepath.Join("show", "e01.mkv")
	if got := multi.Files[0].RelPath(multi); got != want {
		t.Errorf("multi-file: got %q, want %q", got, want)
	}
	if !multi.IsDir() {
		t.Errorf("multi-file torrent not reported as directory")
	}
}

func TestFileOffset(t *testing.T) {
	info := twoFileLayout()
	if got := info.FileOffset(0); got != 0 {
		t.Errorf("file 0 offset: got %d", got)
	}
	if got := info.FileOffset(1); got != 108304 {
		t.Errorf("file 1 offset: got %d, want 108304", got)
	}
}
