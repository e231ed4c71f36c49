// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package sbmalloc

// splitting and coalescing
//
// All merge arithmetic folds the eliminated header(s) back into the
// payload: joining two blocks recovers exactly one hdrSize of payload.

// splitBlock shrinks the free block b to want bytes and carves the
// remainder into a new free block inserted at the head of the free list.
// The caller must guarantee b.size() - want >= fullHdrSize so the
// remainder can carry free-list links; want must be RoundTo aligned.
// b stays free, the caller marks it allocated afterwards.
func (h *Heap) splitBlock(b *blockHdr, want uintptr) {
	total := b.size()
	b.setSizeState(want, stFree)

	rest := b.next()
	restSize := total - want - hdrSize
	rest.setSizeState(restSize, stFree)
	rest.prevSize = want
	h.insertFree(rest)

	rest.next().prevSize = restSize
	h.addOverhead(hdrSize)
}

// coalescePrev merges the newly freed block f into its free left
// neighbour. The left block keeps its current free-list position.
func (h *Heap) coalescePrev(f *blockHdr) {
	prev := f.prev()
	size := f.size() + prev.size() + hdrSize
	prev.setSizeState(size, stFree)
	prev.next().prevSize = size
	h.subOverhead(hdrSize)
}

// coalesceNext merges the free right neighbour into the newly freed
// block f. f takes over the right block's place in the free list instead
// of being re-inserted at the head, so the list order is undisturbed.
func (h *Heap) coalesceNext(f *blockHdr) {
	next := f.next()
	size := f.size() + next.size() + hdrSize
	f.setSizeState(size, stFree)
	f.prvFree = next.prvFree
	f.nxtFree = next.nxtFree
	if f.prvFree != nil {
		f.prvFree.nxtFree = f
	}
	if f.nxtFree != nil {
		f.nxtFree.prvFree = f
	}
	if next == h.freeHead {
		h.freeHead = f
	}
	f.next().prevSize = size
	h.subOverhead(hdrSize)
}

// coalesceBoth merges the newly freed block f and its free right
// neighbour into the free left neighbour. The right block leaves the
// free list; the left block keeps its current position.
func (h *Heap) coalesceBoth(f *blockHdr) {
	prev := f.prev()
	next := f.next()
	size := f.size() + prev.size() + next.size() + 2*hdrSize
	h.detachFree(next)
	prev.setSizeState(size, stFree)
	prev.next().prevSize = size
	h.subOverhead(2 * hdrSize)
}
