// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package sbmalloc

// ArenaSize is the granularity of OS segment extensions; every chunk
// request is rounded up to a multiple of it.
const ArenaSize = 4096

// chunkCreate extends the OS segment so that a free block of at least
// size payload bytes fits between a fresh pair of fenceposts, and lays
// the chunk out as [fence | free block | fence].
// It returns the interior free block (not yet on the free list), or nil
// with h.err set on failure.
func (h *Heap) chunkCreate(size uintptr) *blockHdr {
	// room for the interior header and the two fenceposts
	raw := size + 3*hdrSize
	if raw%ArenaSize != 0 {
		raw += ArenaSize - raw%ArenaSize
	}

	// the segment break must still be where the last extension left it;
	// anybody else moving it invalidates lastFence and the chunk layout
	cur, err := h.brk.Sbrk(0)
	if err != nil {
		h.err = err
		return nil
	}
	if uintptr(cur) != h.curBrk {
		ERR("segment break moved externally (%p, expected 0x%x),"+
			" refusing to grow\n", cur, h.curBrk)
		h.err = ErrBrkMoved
		return nil
	}

	chunk, err := h.brk.Sbrk(raw)
	if err != nil {
		h.err = err
		return nil
	}
	if uintptr(chunk)%RoundTo != 0 {
		ERR("segment extension returned a misaligned chunk %p\n", chunk)
		h.err = ErrNoMem
		return nil
	}
	h.curBrk = uintptr(chunk) + raw
	h.size += uint64(raw)
	h.addOverhead(3 * hdrSize)
	if h.Debug() && DBGon() {
		DBG("new chunk: %d bytes at %p\n", raw, chunk)
	}

	payload := raw - 3*hdrSize

	left := (*blockHdr)(chunk)
	left.setSizeState(0, stFence)
	left.prevSize = 0

	b := left.next()
	b.setSizeState(payload, stFree)
	b.prevSize = 0

	right := b.next()
	right.setSizeState(0, stFence)
	right.prevSize = payload

	return b
}

// chunkTryCoalesce stitches a freshly created chunk onto the previous one
// when the two are physically adjacent, absorbing the shared fencepost
// pair (and the previous chunk's tail block if it is free). On success
// the merged free block is head-inserted and lastFence is advanced; the
// caller must not insert b itself.
func (h *Heap) chunkTryCoalesce(b *blockHdr) bool {
	if h.lastFence == nil {
		// first chunk ever
		return false
	}

	leftFence := b.prev()
	// a left fencepost has prevSize 0, so prev() lands exactly where the
	// previous chunk's right fencepost would be if the chunks touch
	prevFence := leftFence.prev()
	if prevFence != h.lastFence {
		return false
	}

	size := b.size()
	tail := prevFence.prev()

	var merged *blockHdr
	if tail.isFree() {
		// absorb both fenceposts and the free tail; detach the tail so
		// the union can be re-inserted at the head like any fresh block
		merged = tail
		size += tail.size() + 3*hdrSize
		h.detachFree(merged)
		h.subOverhead(3 * hdrSize)
	} else {
		// the tail stays allocated, only the fencepost pair goes away
		merged = prevFence
		size += 2 * hdrSize
		merged.prevSize = tail.size()
		h.subOverhead(2 * hdrSize)
	}

	merged.setSizeState(size, stFree)

	right := merged.next()
	right.prevSize = size
	h.lastFence = right

	h.insertFree(merged)
	return true
}
