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

// Package piece tracks per-piece completion state and decides which block
// to request next.
package piece

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/medialib/bt/metainfo"
	pp "github.com/medialib/bt/peerprotocol"
)

// BlockSize is the size of a block of the piece, the request granularity
// of the wire protocol. The trailing block of a piece may be shorter.
const BlockSize = 16384 // 16KiB.

// State represents the lifecycle state of one piece.
type State int

// Predefine the piece states.
const (
	Missing State = iota
	Partial
	Verifying
	Verified
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Partial:
		return "partial"
	case Verifying:
		return "verifying"
	case Verified:
		return "verified"
	}
	return "unknown"
}

// ReceiveResult reports the outcome of feeding one block to the store.
type ReceiveResult int

const (
	// ReceiveIgnored means the block was redundant: the piece is already
	// verified or being verified, or the block was buffered before.
	ReceiveIgnored ReceiveResult = iota

	// ReceiveBuffered means the block was accepted and the piece is still
	// incomplete.
	ReceiveBuffered

	// ReceiveVerified means the block completed the piece and the hash
	// matched. The assembled piece bytes are returned alongside.
	ReceiveVerified

	// ReceiveHashMismatch means the block completed the piece but the hash
	// did not match: every buffered block was discarded and the piece is
	// Missing again.
	ReceiveHashMismatch
)

type pieceState struct {
	mu       sync.Mutex
	state    State
	blocks   [][]byte
	received int
}

// Store is the shared piece state mutated by every connected peer link.
// Block-received updates and hash verification are serialized per piece,
// so two peers racing on the same last block cannot double-credit it:
// the first to verify wins and the loser's block is ignored.
type Store struct {
	info metainfo.Info

	mu       sync.RWMutex
	bitfield pp.BitField
	verified int

	pieces []pieceState
}

// NewStore returns a Store for the given layout.
//
// have marks pieces restored from a persisted record: they start Verified
// and are never re-requested nor re-verified.
func NewStore(info metainfo.Info, have pp.BitField) *Store {
	n := info.CountPieces()
	s := &Store{
		info:     info,
		bitfield: pp.NewBitField(n),
		pieces:   make([]pieceState, n),
	}
	for i := 0; i < n; i++ {
		if have.IsSet(uint32(i)) {
			s.pieces[i].state = Verified
			s.bitfield.Set(uint32(i))
			s.verified++
		}
	}
	return s
}

// NumBlocks returns the number of blocks of the piece at index.
func (s *Store) NumBlocks(index int) int {
	return int((s.info.PieceSize(index) + BlockSize - 1) / BlockSize)
}

// BlockLength returns the length of the block at (index, block).
func (s *Store) BlockLength(index, block int) int {
	size := s.info.PieceSize(index)
	if rest := size - int64(block)*BlockSize; rest < BlockSize {
		return int(rest)
	}
	return BlockSize
}

// MarkBlockReceived feeds one received block to the store.
//
// offset must be block-aligned. When the block completes its piece, the
// concatenation of the buffered blocks is hashed under the piece lock and
// compared to the expected hash; on a match the assembled piece bytes are
// returned for the disk writer, on a mismatch every block is discarded.
func (s *Store) MarkBlockReceived(index int, offset uint32, data []byte) (ReceiveResult, []byte, error) {
	if index < 0 || index >= s.info.CountPieces() {
		return ReceiveIgnored, nil, errors.Errorf("piece index %d out of range", index)
	}
	if offset%BlockSize != 0 {
		return ReceiveIgnored, nil, errors.Errorf("block offset %d is not block-aligned", offset)
	}
	block := int(offset / BlockSize)
	numBlocks := s.NumBlocks(index)
	if block >= numBlocks {
		return ReceiveIgnored, nil, errors.Errorf("block offset %d out of piece %d", offset, index)
	}
	if len(data) != s.BlockLength(index, block) {
		return ReceiveIgnored, nil, errors.Errorf("block (%d, %d) has length %d, want %d",
			index, offset, len(data), s.BlockLength(index, block))
	}

	ps := &s.pieces[index]
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch ps.state {
	case Verified, Verifying:
		return ReceiveIgnored, nil, nil
	case Missing:
		ps.blocks = make([][]byte, numBlocks)
		ps.state = Partial
	}

	if ps.blocks[block] != nil {
		return ReceiveIgnored, nil, nil
	}
	ps.blocks[block] = append([]byte(nil), data...)
	ps.received++
	if ps.received < numBlocks {
		return ReceiveBuffered, nil, nil
	}

	// Last block arrived: verify while still holding the piece lock.
	ps.state = Verifying
	whole := make([]byte, 0, s.info.PieceSize(index))
	for _, b := range ps.blocks {
		whole = append(whole, b...)
	}
	ps.blocks = nil
	ps.received = 0

	if metainfo.NewHashFromBytes(whole) != s.info.Pieces[index] {
		ps.state = Missing
		return ReceiveHashMismatch, nil, nil
	}

	ps.state = Verified
	s.mu.Lock()
	s.bitfield.Set(uint32(index))
	s.verified++
	s.mu.Unlock()
	return ReceiveVerified, whole, nil
}

// PieceState returns the current state of the piece at index.
func (s *Store) PieceState(index int) State {
	ps := &s.pieces[index]
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

// HasBlock reports whether the block of the piece has been buffered or the
// whole piece verified.
func (s *Store) HasBlock(index, block int) bool {
	ps := &s.pieces[index]
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.state == Verified || ps.state == Verifying {
		return true
	}
	return ps.blocks != nil && block < len(ps.blocks) && ps.blocks[block] != nil
}

// IsVerified reports whether the piece at index is verified.
func (s *Store) IsVerified(index int) bool {
	return s.PieceState(index) == Verified
}

// Bitfield returns an independent snapshot of the verified-piece bitfield.
func (s *Store) Bitfield() pp.BitField {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bitfield.Clone()
}

// VerifiedCount returns the number of verified pieces.
func (s *Store) VerifiedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified
}

// MissingPieces returns the indexes of the pieces not yet verified.
func (s *Store) MissingPieces() (missing []int) {
	bf := s.Bitfield()
	for i := 0; i < s.info.CountPieces(); i++ {
		if !bf.IsSet(uint32(i)) {
			missing = append(missing, i)
		}
	}
	return
}
