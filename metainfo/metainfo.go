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
	"bytes"
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// MetaInfo represents the torrent descriptor.
//
// The info dictionary is kept as the byte-exact slice of the original
// encoding, so the content identifier is a pure function of those bytes.
type MetaInfo struct {
	// Announce is the primary tracker URL.
	Announce string

	// AnnounceList is the tiered tracker URL list (BEP 12). It may be empty,
	// in which case Announce is the only tracker.
	AnnounceList [][]string

	// InfoBytes is the bencoded info dictionary, byte-exact.
	InfoBytes []byte

	info     Info
	infoHash Hash
}

type bencodeFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeInfo struct {
	Name        string        `bencode:"name"`
	PieceLength int64         `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
	Length      int64         `bencode:"length"`
	Files       []bencodeFile `bencode:"files"`
}

type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         bencodeInfo `bencode:"info"`
}

// Load reads and parses a bencoded torrent descriptor from r.
//
// It returns an error wrapping ErrMalformedDescriptor on any structural
// violation.
func Load(r io.Reader) (*MetaInfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading descriptor")
	}

	var bt bencodeTorrent
	if err = bencode.Unmarshal(bytes.NewReader(raw), &bt); err != nil {
		return nil, errors.Wrapf(ErrMalformedDescriptor, "bencode: %s", err)
	}

	infoBytes, err := extractInfoBytes(raw)
	if err != nil {
		return nil, err
	}

	info, err := parseInfo(bt.Info)
	if err != nil {
		return nil, err
	}

	return &MetaInfo{
		Announce:     bt.Announce,
		AnnounceList: bt.AnnounceList,
		InfoBytes:    infoBytes,
		info:         info,
		infoHash:     NewHashFromBytes(infoBytes),
	}, nil
}

// LoadFromFile is like Load but reads the descriptor from the file at path.
func LoadFromFile(path string) (*MetaInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening descriptor %q", path)
	}
	defer f.Close()
	return Load(f)
}

// FromInfoBytes reconstructs a MetaInfo from a persisted raw info dictionary
// and tracker list, so a resumed session need not re-fetch the descriptor.
func FromInfoBytes(infoBytes []byte, trackers []string) (*MetaInfo, error) {
	var bi bencodeInfo
	if err := bencode.Unmarshal(bytes.NewReader(infoBytes), &bi); err != nil {
		return nil, errors.Wrapf(ErrMalformedDescriptor, "bencode: %s", err)
	}

	info, err := parseInfo(bi)
	if err != nil {
		return nil, err
	}

	mi := &MetaInfo{
		InfoBytes: append([]byte(nil), infoBytes...),
		info:      info,
		infoHash:  NewHashFromBytes(infoBytes),
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
		mi.AnnounceList = [][]string{trackers}
	}
	return mi, nil
}

func parseInfo(bi bencodeInfo) (info Info, err error) {
	if bi.Name == "" {
		return info, errors.Wrap(ErrMalformedDescriptor, "missing name")
	}
	if bi.PieceLength <= 0 {
		return info, errors.Wrap(ErrMalformedDescriptor, "missing or non-positive piece length")
	}
	if len(bi.Pieces) == 0 || len(bi.Pieces)%HashSize != 0 {
		return info, errors.Wrapf(ErrMalformedDescriptor,
			"piece hashes length %d is not a positive multiple of %d", len(bi.Pieces), HashSize)
	}

	info.Name = bi.Name
	info.PieceLength = bi.PieceLength
	info.Pieces = make([]Hash, 0, len(bi.Pieces)/HashSize)
	for i := 0; i < len(bi.Pieces); i += HashSize {
		info.Pieces = append(info.Pieces, NewHash([]byte(bi.Pieces[i:i+HashSize])))
	}

	switch {
	case len(bi.Files) > 0:
		info.Files = make([]File, len(bi.Files))
		for i, f := range bi.Files {
			if len(f.Path) == 0 {
				return info, errors.Wrapf(ErrMalformedDescriptor, "file %d has no path", i)
			}
			if f.Length < 0 {
				return info, errors.Wrapf(ErrMalformedDescriptor, "file %d has negative length", i)
			}
			info.Files[i] = File{Length: f.Length, Path: f.Path}
		}
	case bi.Length >= 0:
		info.Files = []File{{Length: bi.Length}}
	default:
		return info, errors.Wrap(ErrMalformedDescriptor, "negative length")
	}

	total := info.TotalLength()
	want := (total + info.PieceLength - 1) / info.PieceLength
	if int64(len(info.Pieces)) != want {
		return info, errors.Wrapf(ErrMalformedDescriptor,
			"%d piece hashes for total length %d with piece length %d (want %d)",
			len(info.Pieces), total, info.PieceLength, want)
	}
	return info, nil
}

// Info returns the parsed info dictionary.
func (mi *MetaInfo) Info() Info { return mi.info }

// InfoHash returns the content identifier, the SHA-1 of InfoBytes.
func (mi *MetaInfo) InfoHash() Hash { return mi.infoHash }

// Announces returns the flattened tracker URL list in tier order,
// with Announce as the fallback when no tiers are declared.
func (mi *MetaInfo) Announces() (urls []string) {
	seen := make(map[string]bool, 4)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			if u != "" && !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	if len(urls) == 0 && mi.Announce != "" {
		urls = append(urls, mi.Announce)
	}
	return
}

// Save writes the descriptor to w, splicing the original info bytes so
// the content identifier survives a round trip.
func (mi *MetaInfo) Save(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('d')
	if mi.Announce != "" {
		writeBenString(&buf, "announce")
		writeBenString(&buf, mi.Announce)
	}
	if len(mi.AnnounceList) > 0 {
		writeBenString(&buf, "announce-list")
		buf.WriteByte('l')
		for _, tier := range mi.AnnounceList {
			buf.WriteByte('l')
			for _, u := range tier {
				writeBenString(&buf, u)
			}
			buf.WriteByte('e')
		}
		buf.WriteByte('e')
	}
	writeBenString(&buf, "info")
	buf.Write(mi.InfoBytes)
	buf.WriteByte('e')

	_, err := w.Write(buf.Bytes())
	return errors.Wrap(err, "writing descriptor")
}

func writeBenString(buf *bytes.Buffer, s string) {
	fmt.Fprintf(buf, "%d:%s", len(s), s)
}
