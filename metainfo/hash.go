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

// Package metainfo parses the bencoded torrent descriptor, derives the
// 20-byte content identifier, and exposes the piece/file layout.
package metainfo

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"

	"github.com/pkg/errors"
)

// HashSize is the number of bytes of the SHA-1 content identifier.
const HashSize = 20

// Hash represents a 20-byte SHA-1 hash, which is used as the content
// identifier, the per-piece hash and the peer id.
type Hash [HashSize]byte

// NewHash converts the 20-byte slice b to a Hash.
func NewHash(b []byte) (h Hash) {
	copy(h[:], b)
	return
}

// NewHashFromBytes returns the SHA-1 hash of data.
func NewHashFromBytes(data []byte) Hash {
	return Hash(sha1.Sum(data))
}

// NewHashFromString parses the 40-character hexadecimal string s to a Hash.
func NewHashFromString(s string) (h Hash, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrap(err, "invalid hex hash")
	}
	if len(b) != HashSize {
		return h, errors.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return
}

// NewRandomHash returns a random Hash, which is used as the local peer id.
func NewRandomHash() (h Hash) {
	if _, err := rand.Read(h[:]); err != nil {
		panic(err)
	}
	return
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// BytesString returns the hash as a raw 20-byte string, which is the form
// sent to the tracker.
func (h Hash) BytesString() string { return string(h[:]) }

// HexString returns the hexadecimal representation of the hash.
func (h Hash) HexString() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.HexString() }

// IsZero reports whether the whole hash is zero.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
