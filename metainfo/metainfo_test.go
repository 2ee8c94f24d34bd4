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
	"crypto/sha1"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

// benInfoSingle builds the bencoded info dictionary of a single-file
// torrent with the right number of placeholder piece hashes.
func benInfoSingle(name string, length, pieceLength int64) []byte {
	numPieces := (length + pieceLength - 1) / pieceLength
	pieces := strings.Repeat("01234567890123456789", int(numPieces))
	return []byte(fmt.Sprintf("d6:lengthi%de4:name%d:%s12:piece lengthi%de6:pieces%d:%se",
		length, len(name), name, pieceLength, len(pieces), pieces))
}

func benTorrent(announce string, info []byte) []byte {
	return []byte(fmt.Sprintf("d8:announce%d:%s4:info%se", len(announce), announce, info))
}

func TestLoadSingleFile(t *testing.T) {
	info := benInfoSingle("video.mkv", 40000, 16384)
	raw := benTorrent("http://tracker.example.com/announce", info)

	mi, err := Load(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mi.Announce != "http://tracker.example.com/announce" {
		t.Errorf("announce: got %q", mi.Announce)
	}
	if got := mi.Info().Name; got != "video.mkv" {
		t.Errorf("name: got %q", got)
	}
	if got := mi.Info().TotalLength(); got != 40000 {
		t.Errorf("total length: got %d", got)
	}
	if got := mi.Info().CountPieces(); got != 3 {
		t.Errorf("pieces: got %d, want 3", got)
	}
	if got := mi.Info().PieceSize(2); got != 40000-2*16384 {
		t.Errorf("last piece size: got %d", got)
	}
	if !bytes.Equal(mi.InfoBytes, info) {
		t.Errorf("InfoBytes is not byte-exact")
	}
	if want := Hash(sha1.Sum(info)); mi.InfoHash() != want {
		t.Errorf("infohash: got %s, want %s", mi.InfoHash().HexString(), want.HexString())
	}
}

func TestInfoHashIgnoresOuterDictionary(t *testing.T) {
	info := benInfoSingle("a", 16384, 16384)

	a := benTorrent("http://a.example.com/announce", info)
	b := []byte(fmt.Sprintf("d8:announce24:http://b.example.com/ann7:comment5:hello4:info%s12:other numberi7ee", info))

	ma, err := Load(bytes.NewReader(a))
	if err != nil {
		t.Fatalf("Load a: %v", err)
	}
	mb, err := Load(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("Load b: %v", err)
	}
	if ma.InfoHash() != mb.InfoHash() {
		t.Errorf("infohash differs across descriptors with identical info: %s vs %s",
			ma.InfoHash().HexString(), mb.InfoHash().HexString())
	}
}

func TestLoadMalformed(t *testing.T) {
	pieces20 := "01234567890123456789"
	tests := []struct {
		name string
		raw  string
	}{
		{"not bencode", "this is not a descriptor"},
		{"no info key", "d8:announce3:urle"},
		{"missing name", benTorrentStr(fmt.Sprintf(
			"d6:lengthi16384e12:piece lengthi16384e6:pieces20:%se", pieces20))},
		{"zero piece length", benTorrentStr(fmt.Sprintf(
			"d6:lengthi16384e4:name1:a12:piece lengthi0e6:pieces20:%se", pieces20))},
		{"pieces not multiple of 20", benTorrentStr(
			"d6:lengthi16384e4:name1:a12:piece lengthi16384e6:pieces5:abcdee")},
		{"piece count mismatch", benTorrentStr(fmt.Sprintf(
			"d6:lengthi50000e4:name1:a12:piece lengthi16384e6:pieces20:%se", pieces20))},
		{"truncated", "d8:announce3:url4:info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.raw))
			if err == nil {
				t.Fatalf("Load accepted malformed descriptor")
			}
			if !errors.Is(err, ErrMalformedDescriptor) {
				t.Errorf("error %v does not wrap ErrMalformedDescriptor", err)
			}
		})
	}
}

func benTorrentStr(info string) string {
	return string(benTorrent("http://t.example.com/announce", []byte(info)))
}

// The scanner must reject absurd string lengths on its own: a ~20-digit
// length would overflow the accumulator and turn the slice bounds
// negative.
func TestExtractInfoBytesOverflowingLength(t *testing.T) {
	for _, raw := range []string{
		"d99999999999999999999:x4:infod1:ai1eee",
		"d4:info99999999999999999999:xe",
		"d4:infod1:a99999999999999999999:xee",
	} {
		_, err := extractInfoBytes([]byte(raw))
		if err == nil {
			t.Errorf("%q: accepted", raw)
			continue
		}
		if !errors.Is(err, ErrMalformedDescriptor) {
			t.Errorf("%q: error %v does not wrap ErrMalformedDescriptor", raw, err)
		}
	}
}

func TestAnnounces(t *testing.T) {
	mi := &MetaInfo{
		Announce: "http://primary.example.com/announce",
		AnnounceList: [][]string{
			{"http://t1.example.com/announce", "http://t2.example.com/announce"},
			{"http://t1.example.com/announce", "http://t3.example.com/announce"},
		},
	}
	got := mi.Announces()
	want := []string{
		"http://t1.example.com/announce",
		"http://t2.example.com/announce",
		"http://t3.example.com/announce",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("announce %d: got %q, want %q", i, got[i], want[i])
		}
	}

	mi.AnnounceList = nil
	if got := mi.Announces(); len(got) != 1 || got[0] != mi.Announce {
		t.Errorf("fallback: got %v", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	raw := benTorrent("http://tracker.example.com/announce", benInfoSingle("a", 40000, 16384))
	mi, err := Load(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	mi.AnnounceList = [][]string{{"http://t1.example.com/announce"}}

	var buf bytes.Buffer
	if err = mi.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mi2, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load saved descriptor: %v", err)
	}
	if mi2.InfoHash() != mi.InfoHash() {
		t.Errorf("infohash changed across save/load")
	}
	if mi2.Announce != mi.Announce {
		t.Errorf("announce: got %q, want %q", mi2.Announce, mi.Announce)
	}
	if len(mi2.AnnounceList) != 1 || mi2.AnnounceList[0][0] != "http://t1.example.com/announce" {
		t.Errorf("announce list: got %v", mi2.AnnounceList)
	}
}

func TestFromInfoBytes(t *testing.T) {
	raw := benTorrent("http://tracker.example.com/announce", benInfoSingle("a", 40000, 16384))
	mi, err := Load(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	trackers := []string{"http://t1.example.com/announce", "http://t2.example.com/announce"}
	mi2, err := FromInfoBytes(mi.InfoBytes, trackers)
	if err != nil {
		t.Fatalf("FromInfoBytes: %v", err)
	}
	if mi2.InfoHash() != mi.InfoHash() {
		t.Errorf("infohash: got %s, want %s", mi2.InfoHash().HexString(), mi.InfoHash().HexString())
	}
	if mi2.Info().Name != mi.Info().Name || mi2.Info().CountPieces() != mi.Info().CountPieces() {
		t.Errorf("parsed info differs after reconstruction")
	}
	if got := mi2.Announces(); len(got) != 2 || got[0] != trackers[0] {
		t.Errorf("trackers: got %v", got)
	}

	if _, err = FromInfoBytes([]byte("garbage"), nil); err == nil {
		t.Errorf("FromInfoBytes accepted garbage")
	}
}
