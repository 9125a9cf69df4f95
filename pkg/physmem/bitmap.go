// Copyright 2026 The gVisor Authors.
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

package physmem

import "math/bits"

// bitmap tracks used frames, one bit per frame.
type bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. Each uint64 holds 64 entries.
	bitBlock []uint64

	// size is the number of valid bits.
	size uint32
}

func newBitmap(size uint32) bitmap {
	return bitmap{
		bitBlock: make([]uint64, (size+63)/64),
		size:     size,
	}
}

// firstZero returns the first unset bit in [start, size), wrapping around to
// the beginning once. ok is false if every bit is set.
func (b *bitmap) firstZero(start uint32) (uint32, bool) {
	if b.numOnes == b.size {
		return 0, false
	}
	if start >= b.size {
		start = 0
	}
	if bit, ok := b.scanZero(start, b.size); ok {
		return bit, true
	}
	return b.scanZero(0, start)
}

func (b *bitmap) scanZero(start, end uint32) (uint32, bool) {
	for i := int(start / 64); i < len(b.bitBlock); i++ {
		w := b.bitBlock[i]
		if i == int(start/64) {
			w |= (1 << (start % 64)) - 1
		}
		if w == ^uint64(0) {
			continue
		}
		bit := uint32(i*64 + bits.TrailingZeros64(^w))
		if bit >= end {
			return 0, false
		}
		return bit, true
	}
	return 0, false
}

func (b *bitmap) has(i uint32) bool {
	return b.bitBlock[i/64]&(1<<(i%64)) != 0
}

func (b *bitmap) add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		b.bitBlock[blockNum] |= mask
		b.numOnes++
	}
}

func (b *bitmap) remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		b.bitBlock[blockNum] &^= mask
		b.numOnes--
	}
}
