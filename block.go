// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package sbmalloc

import (
	"unsafe"
)

// blockState is the allocation state of a block, kept in the low 3 bits
// of the size word (possible because sizes are always RoundTo-aligned).
type blockState uintptr

const (
	stFree  blockState = 0 // on the free list, links valid
	stAlloc blockState = 1 // payload owned by the user
	stFence blockState = 2 // zero-payload chunk boundary sentinel

	stateMask = uintptr(0b111)
)

// blockHdr is the in-band metadata prefix of every block.
// Only the first two words are real header; nxtFree/prvFree overlay the
// start of the payload and are meaningful only while the block is free.
type blockHdr struct {
	sizeState uintptr // payload size | state tag
	prevSize  uintptr // payload size of the block to the left in memory

	nxtFree *blockHdr // next block in the free list
	prvFree *blockHdr // previous block in the free list
}

const ptrSize = unsafe.Sizeof((*blockHdr)(nil))

// hdrSize is the real per-block overhead: the link words belong to the
// payload region.
const hdrSize = unsafe.Sizeof(blockHdr{}) - 2*ptrSize

// fullHdrSize is the header together with the link words; the smallest
// footprint a block can have and still carry free-list links.
const fullHdrSize = unsafe.Sizeof(blockHdr{})

// minAllocSize is the smallest payload handed out, so that the links fit
// once the block is freed.
const minAllocSize = 2 * ptrSize

// size returns the payload size, with the state tag stripped.
func (b *blockHdr) size() uintptr {
	return b.sizeState &^ stateMask
}

// state returns the allocation state of the block.
func (b *blockHdr) state() blockState {
	return blockState(b.sizeState & stateMask)
}

// setSize changes the payload size, keeping the state tag.
func (b *blockHdr) setSize(size uintptr) {
	b.sizeState = size | (b.sizeState & stateMask)
}

// setState changes the state tag, keeping the size.
func (b *blockHdr) setState(state blockState) {
	b.sizeState = (b.sizeState &^ stateMask) | uintptr(state)
}

// setSizeState sets both at once. The size is masked and not assumed to
// have clean low bits.
func (b *blockHdr) setSizeState(size uintptr, state blockState) {
	b.sizeState = (size &^ stateMask) | (uintptr(state) & stateMask)
}

// isFree returns true if this block is on the free list.
func (b *blockHdr) isFree() bool { return b.state() == stFree }

// isFence returns true if this block is a chunk boundary sentinel.
func (b *blockHdr) isFence() bool { return b.state() == stFence }

// addr returns the usable (payload) address of the block.
func (b *blockHdr) addr() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), hdrSize)
}

// hdrOf recovers the block header from a payload pointer previously
// returned by addr().
func hdrOf(p unsafe.Pointer) *blockHdr {
	return (*blockHdr)(unsafe.Add(p, -int(hdrSize)))
}

// next returns the block physically to the right.
func (b *blockHdr) next() *blockHdr {
	return (*blockHdr)(unsafe.Add(unsafe.Pointer(b), hdrSize+b.size()))
}

// prev returns the block physically to the left, navigating through the
// boundary tag. prevSize must be valid (invariant 2).
func (b *blockHdr) prev() *blockHdr {
	off := b.prevSize + hdrSize
	return (*blockHdr)(unsafe.Add(unsafe.Pointer(b), -int(off)))
}
