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

package peerprotocol

import (
	"fmt"
	"math/bits"
)

// BitField records which pieces are held, one bit per piece, most
// significant bit first within each byte.
type BitField []uint8

// NewBitField returns a new BitField able to hold pieceNum pieces.
//
// If set is set to true, it will set all the bit fields to 1.
func NewBitField(pieceNum int, set ...bool) BitField {
	_len := (pieceNum + 7) / 8
	bf := make(BitField, _len)
	if len(set) > 0 && set[0] {
		for i := 0; i < _len; i++ {
			bf[i] = 0xff
		}
	}
	return bf
}

// NewBitFieldFromBools returns a new BitField from the bool list.
func NewBitFieldFromBools(bs []bool) BitField {
	bf := NewBitField(len(bs))
	for i, has := range bs {
		if has {
			bf.Set(uint32(i))
		}
	}
	return bf
}

func (bf BitField) String() string {
	return fmt.Sprintf("%b", bf)
}

// Clone returns an independent copy of the bit field.
func (bf BitField) Clone() BitField {
	c := make(BitField, len(bf))
	copy(c, bf)
	return c
}

// Bools converts the bit field to []bool.
func (bf BitField) Bools() []bool {
	bs := make([]bool, 0, len(bf)*8)
	for _, b := range bf {
		for i := 7; i >= 0; i-- {
			bs = append(bs, (b>>byte(i))&1 == 1)
		}
	}
	return bs
}

// Sets returns the indexes of all the pieces that are set to 1.
func (bf BitField) Sets() (pieces []uint32) {
	_len := len(bf) * 8
	for i := 0; i < _len; i++ {
		if bf.IsSet(uint32(i)) {
			pieces = append(pieces, uint32(i))
		}
	}
	return
}

// Count returns the number of the pieces that are set to 1.
func (bf BitField) Count() (n int) {
	for _, b := range bf {
		n += bits.OnesCount8(b)
	}
	return
}

// Set sets the bit of the piece to 1 by its index.
func (bf BitField) Set(index uint32) {
	if i := int(index) / 8; i < len(bf) {
		bf[i] |= 1 << byte(7-index%8)
	}
}

// Unset sets the bit of the piece to 0 by its index.
func (bf BitField) Unset(index uint32) {
	if i := int(index) / 8; i < len(bf) {
		bf[i] &^= 1 << byte(7-index%8)
	}
}

// IsSet reports whether the bit of the piece is set to 1.
func (bf BitField) IsSet(index uint32) (set bool) {
	if i := int(index) / 8; i < len(bf) {
		set = bf[i]&(1<<byte(7-index%8)) != 0
	}
	return
}
