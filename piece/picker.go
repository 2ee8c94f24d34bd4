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

package piece

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/medialib/bt/metainfo"
	pp "github.com/medialib/bt/peerprotocol"
)

// Block identifies one request unit: (piece index, byte offset, length).
type Block struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

type blockKey struct {
	index uint32
	begin uint32
}

// Picker decides which block a peer link should request next.
//
// Selection is rarest-first over the advertised bitfields of the connected
// peers, with ties broken uniformly at random so that concurrent sessions
// do not herd onto the same piece. Within a piece, blocks are taken in
// ascending offset order. When the number of still-needed blocks drops to
// the connected-peer count, endgame mode allows the same trailing block to
// be requested from several peers at once.
//
// The picker never holds a reference to the swarm: callers pass an
// immutable snapshot of the peer bitfields per decision.
type Picker struct {
	store *Store
	info  metainfo.Info

	mu          sync.Mutex
	wanted      pp.BitField
	outstanding map[blockKey]map[string]struct{}
	rnd         *rand.Rand
}

// NewPicker returns a Picker over store.
//
// wantedFiles selects which files are wanted, indexed like Info.Files;
// nil selects every file. A piece is requestable iff it overlaps at least
// one wanted file, so a piece straddling a wanted and an unwanted file is
// still downloaded in full.
func NewPicker(store *Store, wantedFiles []bool) *Picker {
	p := &Picker{
		store:       store,
		info:        store.info,
		outstanding: make(map[blockKey]map[string]struct{}),
		rnd:         rand.New(rand.NewSource(rand.Int63())),
	}
	p.setWanted(wantedFiles)
	return p
}

// SetWantedFiles replaces the file-selection mask.
func (p *Picker) SetWantedFiles(wantedFiles []bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setWanted(wantedFiles)
}

func (p *Picker) setWanted(wantedFiles []bool) {
	n := p.info.CountPieces()
	bf := pp.NewBitField(n)
	if wantedFiles == nil {
		for i := 0; i < n; i++ {
			bf.Set(uint32(i))
		}
	} else {
		for fi := range p.info.Files {
			if fi < len(wantedFiles) && !wantedFiles[fi] {
				continue
			}
			if first, last, ok := p.info.PiecesOverlappingFile(fi); ok {
				for i := first; i <= last; i++ {
					bf.Set(uint32(i))
				}
			}
		}
	}
	p.wanted = bf
}

// WantedPieces returns a snapshot of the wanted-piece set.
func (p *Picker) WantedPieces() pp.BitField {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wanted.Clone()
}

// IsWanted reports whether the piece overlaps a wanted file.
func (p *Picker) IsWanted(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wanted.IsSet(uint32(index))
}

// AllWantedVerified reports whether every wanted piece is verified.
func (p *Picker) AllWantedVerified() bool {
	p.mu.Lock()
	wanted := p.wanted.Clone()
	p.mu.Unlock()

	for _, i := range wanted.Sets() {
		if !p.store.IsVerified(int(i)) {
			return false
		}
	}
	return true
}

// Pick selects up to n blocks for the peer and registers them as
// outstanding under its name.
//
// peerBits is the bitfield the peer advertised; swarm is a snapshot of the
// bitfields of every connected peer, used for the rarity census. Verified
// pieces, received blocks and blocks the peer already has in flight are
// never picked; blocks in flight to other peers are picked only in
// endgame mode.
func (p *Picker) Pick(peer string, peerBits pp.BitField, swarm []pp.BitField, n int) []Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	endgame := p.remainingBlocksLocked() <= len(swarm)

	type candidate struct {
		index  int
		rarity int
	}
	var candidates []candidate
	for i := 0; i < p.info.CountPieces(); i++ {
		if !p.wanted.IsSet(uint32(i)) || !peerBits.IsSet(uint32(i)) {
			continue
		}
		if st := p.store.PieceState(i); st == Verified || st == Verifying {
			continue
		}
		rarity := 0
		for _, bf := range swarm {
			if bf.IsSet(uint32(i)) {
				rarity++
			}
		}
		candidates = append(candidates, candidate{index: i, rarity: rarity})
	}

	// Shuffle before the stable sort so equal-rarity pieces come out in
	// uniformly random order.
	p.rnd.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].rarity < candidates[j].rarity
	})

	var picked []Block
	for _, c := range candidates {
		if len(picked) >= n {
			break
		}
		numBlocks := p.store.NumBlocks(c.index)
		for b := 0; b < numBlocks && len(picked) < n; b++ {
			if p.store.HasBlock(c.index, b) {
				continue
			}
			key := blockKey{index: uint32(c.index), begin: uint32(b * BlockSize)}
			holders := p.outstanding[key]
			if _, mine := holders[peer]; mine {
				continue
			}
			if len(holders) > 0 && !endgame {
				continue
			}
			if holders == nil {
				holders = make(map[string]struct{}, 1)
				p.outstanding[key] = holders
			}
			holders[peer] = struct{}{}
			picked = append(picked, Block{
				Index:  key.index,
				Begin:  key.begin,
				Length: uint32(p.store.BlockLength(c.index, b)),
			})
		}
	}
	return picked
}

// remainingBlocksLocked counts the blocks of wanted pieces not yet
// received, whether or not they are in flight.
func (p *Picker) remainingBlocksLocked() (n int) {
	for i := 0; i < p.info.CountPieces(); i++ {
		if !p.wanted.IsSet(uint32(i)) {
			continue
		}
		if st := p.store.PieceState(i); st == Verified || st == Verifying {
			continue
		}
		for b := 0; b < p.store.NumBlocks(i); b++ {
			if !p.store.HasBlock(i, b) {
				n++
			}
		}
	}
	return
}

// InEndgame reports whether duplicate requests are currently allowed,
// given the number of connected peers.
func (p *Picker) InEndgame(numPeers int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingBlocksLocked() <= numPeers
}

// OnBlockReceived clears the outstanding entry for the block and returns
// the names of the other peers it is still in flight to, so the caller can
// cancel the duplicates.
func (p *Picker) OnBlockReceived(peer string, index, begin uint32) (duplicates []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := blockKey{index: index, begin: begin}
	for holder := range p.outstanding[key] {
		if holder != peer {
			duplicates = append(duplicates, holder)
		}
	}
	delete(p.outstanding, key)
	return
}

// OnPeerGone releases every block the peer had in flight so it can be
// reassigned.
func (p *Picker) OnPeerGone(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, holders := range p.outstanding {
		if _, ok := holders[peer]; ok {
			delete(holders, peer)
			if len(holders) == 0 {
				delete(p.outstanding, key)
			}
		}
	}
}

// OutstandingCount returns the number of blocks currently in flight.
func (p *Picker) OutstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}
