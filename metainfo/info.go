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
	"strings"
)

// File represents one file of the torrent.
type File struct {
	// Length is the length of the file in bytes.
	Length int64

	// Path is the path elements of the file relative to the torrent root.
	// It is empty for a single-file torrent.
	Path []string
}

// RelPath returns the path of the file relative to the download directory,
// including the torrent name as the leading element for multi-file torrents.
func (f File) RelPath(info Info) string {
	if len(f.Path) == 0 {
		return filepath.FromSlash(info.Name)
	}
	return filepath.FromSlash(info.Name + "/" + strings.Join(f.Path, "/"))
}

// Info represents the parsed info dictionary of the torrent descriptor.
type Info struct {
	// Name is the name of the file for a single-file torrent,
	// or the name of the root directory for a multi-file torrent.
	Name string

	// PieceLength is the length of each piece in bytes,
	// except that the last piece may be shorter.
	PieceLength int64

	// Pieces is the SHA-1 hash of each piece in order.
	Pieces []Hash

	// Files is the ordered list of the files. For a single-file torrent
	// it contains exactly one File with an empty Path.
	Files []File
}

// IsDir reports whether the torrent is a multi-file torrent.
func (info Info) IsDir() bool {
	return len(info.Files) > 1 || (len(info.Files) == 1 && len(info.Files[0].Path) > 0)
}

// TotalLength returns the total length of all the files in bytes.
func (info Info) TotalLength() (n int64) {
	for _, f := range info.Files {
		n += f.Length
	}
	return
}

// CountPieces returns the number of the pieces.
func (info Info) CountPieces() int { return len(info.Pieces) }

// PieceSize returns the size of the piece at index,
// which is PieceLength except for the trailing piece.
func (info Info) PieceSize(index int) int64 {
	if index == info.CountPieces()-1 {
		if size := info.TotalLength() % info.PieceLength; size != 0 {
			return size
		}
	}
	return info.PieceLength
}

// PieceOffset returns the offset of the piece in the flat piece address space.
func (info Info) PieceOffset(index int) int64 {
	return int64(index) * info.PieceLength
}

// FileSegment is a contiguous byte range of one file, produced by mapping
// a range of the flat piece address space onto the on-disk layout.
type FileSegment struct {
	// FileIndex is the index of the file in Info.Files.
	FileIndex int

	// Offset is the offset of the segment within the file.
	Offset int64

	// Length is the length of the segment in bytes.
	Length int64
}

// FileOffset returns the offset of the file at index in the flat piece
// address space, which is the sum of the lengths of the preceding files.
func (info Info) FileOffset(index int) (offset int64) {
	for i := 0; i < index; i++ {
		offset += info.Files[i].Length
	}
	return
}

// Segments maps the byte range [offset, offset+length) of the flat piece
// address space onto the ordered list of the file segments it overlaps.
// A range straddling a file boundary yields one segment per file.
func (info Info) Segments(offset, length int64) (segs []FileSegment) {
	var fileStart int64
	for i, f := range info.Files {
		fileEnd := fileStart + f.Length
		if offset < fileEnd && offset+length > fileStart {
			segStart := offset
			if segStart < fileStart {
				segStart = fileStart
			}
			segEnd := offset + length
			if segEnd > fileEnd {
				segEnd = fileEnd
			}
			segs = append(segs, FileSegment{
				FileIndex: i,
				Offset:    segStart - fileStart,
				Length:    segEnd - segStart,
			})
		}
		fileStart = fileEnd
	}
	return
}

// PieceSegments returns the file segments overlapped by the piece at index.
func (info Info) PieceSegments(index int) []FileSegment {
	return info.Segments(info.PieceOffset(index), info.PieceSize(index))
}

// PiecesOverlappingFile returns the inclusive range of the piece indexes
// overlapping the file at index. An empty file yields ok=false.
func (info Info) PiecesOverlappingFile(index int) (first, last int, ok bool) {
	f := info.Files[index]
	if f.Length == 0 {
		return 0, 0, false
	}
	begin := info.FileOffset(index)
	end := begin + f.Length
	first = int(begin / info.PieceLength)
	last = int((end - 1) / info.PieceLength)
	return first, last, true
}
