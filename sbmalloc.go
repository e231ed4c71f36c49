// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package sbmalloc provides a boundary-tag malloc library over a
// growable data segment.
//
// Blocks carry their metadata in-band: a two-word header holds the
// payload size (with the allocation state packed in its low bits) and
// the left neighbour's payload size, so both physical neighbours are
// reachable in O(1) for coalescing. Every OS chunk is bracketed by a
// pair of zero-payload fencepost blocks; chunks that land adjacent in
// memory are stitched together by absorbing the shared fencepost pair.
// A single doubly-linked free list is searched first-fit (or best-fit
// when built with the "bestfit" tag).
package sbmalloc

import (
	"sync"
	"unsafe"
)

const NAME = "sbmalloc"

// size we round to; payload addresses and sizes are always multiples of
// RoundTo, which is what frees the low 3 bits of the size word for the
// state tag.
const (
	RoundTo     = 8
	RoundToMask = ^(uintptr(RoundTo) - 1)
)

var BuildTags []string

// MUsed contains the sbmalloc memory usage statistics.
type MUsed struct {
	Used        uint64 // total size allocated
	RealUsed    uint64 // real size = Used + malloc overhead
	MaxRealUsed uint64
}

// Options encodes various configuration flags for a Heap.
type Options uint32

const (
	SBDebug          Options = 1 << iota
	SBDumpStatsShort         // dump status in log, short version
	SBDefaultOptions Options = 0
)

// Heap is the allocator context: the growable segment together with all
// the bookkeeping information and the classical malloc functions (as
// methods).
type Heap struct {
	options Options
	brk     Brk
	size    uint64 // total bytes obtained from the OS
	used    MUsed  // statistics

	heapStart unsafe.Pointer // segment break recorded at Init
	curBrk    uintptr        // segment break after the last extension

	freeHead  *blockHdr
	lastFence *blockHdr // right fencepost of the most recent chunk

	err error // last failure, errno style

	bigLock sync.Mutex
}

// Debug returns true if malloc debugging is turned on.
func (h *Heap) Debug() bool { return h.options&SBDebug != 0 }

// DumpStatsShort returns true if status dumps are abbreviated.
func (h *Heap) DumpStatsShort() bool {
	return h.options&SBDumpStatsShort != 0
}

func (h *Heap) lock() {
	h.bigLock.Lock()
}
func (h *Heap) unlock() {
	h.bigLock.Unlock()
}

// addUsed increases the "used" stats with the given size.
func (h *Heap) addUsed(size uintptr) {
	h.used.Used += uint64(size)
	h.used.RealUsed += uint64(size)
	if h.used.MaxRealUsed < h.used.RealUsed {
		h.used.MaxRealUsed = h.used.RealUsed
	}
}

// subUsed subtracts size from the "used" stats.
func (h *Heap) subUsed(size uintptr) {
	h.used.Used -= uint64(size)
	h.used.RealUsed -= uint64(size)
}

// addOverhead adds block metadata overhead to the internal bookkeeping.
func (h *Heap) addOverhead(overhead uintptr) {
	h.used.RealUsed += uint64(overhead)
	if h.used.MaxRealUsed < h.used.RealUsed {
		h.used.MaxRealUsed = h.used.RealUsed
	}
}

// subOverhead subtracts block metadata overhead from the internal
// bookkeeping.
func (h *Heap) subOverhead(overhead uintptr) {
	h.used.RealUsed -= uint64(overhead)
}

// MUsage returns current memory usage values.
func (h *Heap) MUsage() MUsed {
	return h.used
}

// Available returns how many bytes are available for allocation
// (free payload in already-obtained chunks; the segment may still grow).
func (h *Heap) Available() uint64 {
	return h.size - h.used.RealUsed
}

// LastError returns the failure recorded by the last unsuccessful
// operation (ErrNoMem, ErrBrkMoved or a Brk backend error).
func (h *Heap) LastError() error {
	return h.err
}

// Init initialises a heap over the given segment backend.
// It records the current segment break as the heap start and verifies
// its alignment; no memory is obtained until the first allocation.
// It returns true on success and false otherwise.
func (h *Heap) Init(brk Brk, options Options) bool {
	*h = Heap{} // zero, in case of re-init
	if brk == nil {
		ERR("Init called with no segment backend\n")
		return false
	}
	start, err := brk.Sbrk(0)
	if err != nil {
		ERR("cannot query the segment break: %s\n", err)
		return false
	}
	if uintptr(start)%RoundTo != 0 {
		ERR("segment break %p is not %d-byte aligned\n", start, RoundTo)
		return false
	}
	h.brk = brk
	h.heapStart = start
	h.curBrk = uintptr(start)
	h.options = options
	return true
}

// roundUp rounds up a size to the next RoundTo multiple.
func roundUp(s uintptr) uintptr {
	return (s + (RoundTo - 1)) & RoundToMask
}

// roundDown rounds down a size to the next RoundTo multiple.
func roundDown(s uintptr) uintptr {
	return s & RoundToMask
}

// Owns returns whether or not p was allocated from this heap
// (the address is inside the heap's segment).
// Behaviour is undefined if p was Free()d.
func (h *Heap) Owns(p unsafe.Pointer) bool {
	return uintptr(p) > uintptr(h.heapStart) && uintptr(p) < h.curBrk
}

// MallocUnsafe is the unsafe (not locking) Malloc version.
// For more details see Malloc.
// On failure (size 0 or out of memory) it returns nil.
func (h *Heap) MallocUnsafe(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	// make sure the free-list links fit once the block comes back
	if size < minAllocSize {
		size = minAllocSize
	}
	size = roundUp(size)

	b := h.findFree(size)
	if b == nil {
		// no suitable free block, grow the segment and retry
		chunk := h.chunkCreate(size)
		if chunk == nil {
			if h.err == nil {
				h.err = ErrNoMem
			}
			return nil
		}
		if !h.chunkTryCoalesce(chunk) {
			h.insertFree(chunk)
			h.lastFence = chunk.next()
		}
		b = h.findFree(size)
		if b == nil {
			h.err = ErrNoMem
			return nil
		}
	}
	if h.Debug() {
		b.debug(h)
	}

	h.detachFree(b)
	if b.size()-size >= fullHdrSize {
		// the slack can hold a whole linked free block
		h.splitBlock(b, size)
	}
	b.setState(stAlloc)
	h.addUsed(b.size())
	return b.addr()
}

// FreeUnsafe releases the memory associated with p (p must have been
// previously allocated from this heap).
// This is the unsafe non-locking version (see also Free).
func (h *Heap) FreeUnsafe(p unsafe.Pointer) {
	if p == nil {
		WARN("free(nil) called\n")
		return
	}
	if !h.Owns(p) {
		PANIC("BUG: Free called with pointer %p outside the heap"+
			" (range %p-0x%x)\n", p, h.heapStart, h.curBrk)
		return
	}
	f := hdrOf(p)
	if h.Debug() {
		f.debug(h)
	}
	if f.isFree() {
		h.dumpStatus()
		PANIC("BUG: attempt to free already freed pointer %p\n", p)
		return
	}
	h.subUsed(f.size())

	prev := f.prev()
	next := f.next()
	switch {
	case prev.isFree() && next.isFree():
		h.coalesceBoth(f)
	case prev.isFree():
		h.coalescePrev(f)
	case next.isFree():
		h.coalesceNext(f)
	default:
		f.setState(stFree)
		h.insertFree(f)
	}
}

// CallocUnsafe is the unsafe (not locking) Calloc version.
// For more details see Calloc.
func (h *Heap) CallocUnsafe(n, size uintptr) unsafe.Pointer {
	if n == 0 || size == 0 {
		return nil
	}
	if ^uintptr(0)/n < size {
		// n*size overflows
		return nil
	}
	p := h.MallocUnsafe(n * size)
	if p == nil {
		return nil
	}
	payload := unsafe.Slice((*byte)(p), hdrOf(p).size())
	for i := range payload {
		payload[i] = 0
	}
	return p
}

// ReallocUnsafe tries to resize a previously allocated pointer.
// This is the unsafe non-locking version. For more details see Realloc.
func (h *Heap) ReallocUnsafe(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if p != nil && !h.Owns(p) {
		PANIC("BUG: Realloc called with pointer %p outside the heap"+
			" (range %p-0x%x)\n", p, h.heapStart, h.curBrk)
		return nil
	}
	if size == 0 {
		// it is actually a free
		if p != nil {
			h.FreeUnsafe(p)
		}
		return nil
	}
	if p == nil {
		// it's a malloc
		return h.MallocUnsafe(size)
	}
	f := hdrOf(p)
	if h.Debug() {
		f.debug(h)
	}
	if f.isFree() {
		PANIC("BUG: attempt to realloc an already freed pointer %p\n", p)
		return nil
	}
	oldSize := f.size()

	// allocate-copy-free; no in-place shrink or grow
	np := h.MallocUnsafe(size)
	if np == nil {
		// the original allocation stays valid
		return nil
	}
	n := oldSize
	if size < n {
		n = size
	}
	copy(unsafe.Slice((*byte)(np), n), unsafe.Slice((*byte)(p), n))
	h.FreeUnsafe(p)
	return np
}

// Malloc allocates size bytes of memory and returns a pointer to it.
// The payload is uninitialised, its address and size are RoundTo
// aligned. On failure (size 0 or out of memory) it returns nil; for out
// of memory the cause is recorded and available via LastError.
func (h *Heap) Malloc(size uintptr) unsafe.Pointer {
	h.lock()
	p := h.MallocUnsafe(size)
	h.unlock()
	return p
}

// Free releases the memory associated with p (p must have been
// previously allocated with Malloc). Freeing nil is a no-op; freeing a
// pointer twice is a fatal error (panic).
func (h *Heap) Free(p unsafe.Pointer) {
	h.lock()
	h.FreeUnsafe(p)
	h.unlock()
}

// Calloc allocates memory for n elements of size bytes each, zeroes it
// and returns a pointer to it. It returns nil if either argument is 0,
// if n*size overflows or on out of memory.
func (h *Heap) Calloc(n, size uintptr) unsafe.Pointer {
	h.lock()
	p := h.CallocUnsafe(n, size)
	h.unlock()
	return p
}

// Realloc resizes a previously Malloc allocated pointer to a new size.
// A nil pointer behaves like Malloc(size); size 0 behaves like Free(p)
// and returns nil. Otherwise a new block is allocated, the common prefix
// copied over and the old pointer freed. If not enough memory is
// available it returns nil and the original pointer stays valid.
func (h *Heap) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	h.lock()
	res := h.ReallocUnsafe(p, size)
	h.unlock()
	return res
}
