// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package sbmalloc

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/intuitivelabs/slog"
)

// debug is a helper function that does sanity checks on a block.
// On failure it dumps the heap status and panics (corrupted).
// Gated by the SBDebug option at the public entry points.
func (b *blockHdr) debug(h *Heap) {
	if blockState(b.sizeState&stateMask) > stFence {
		h.dumpStatus()
		PANIC("BUG: block %p (offset %d) "+
			"has an invalid state tag (0x%x)!\n",
			b, h.relAddr(b), b.sizeState&stateMask)
	}
	if !b.isFence() && b.size() < minAllocSize {
		h.dumpStatus()
		PANIC("BUG: block %p (offset %d) "+
			"smaller than the minimum payload (%d)!\n",
			b, h.relAddr(b), b.size())
	}
	next := b.next()
	if uintptr(unsafe.Pointer(next)) < h.curBrk && next.prevSize != b.size() {
		h.dumpStatus()
		PANIC("BUG: block %p (offset %d) "+
			"boundary tag overwritten (%d != %d)!\n",
			b, h.relAddr(b), next.prevSize, b.size())
	}
}

// relAddr returns the offset of a block header from the heap start.
func (h *Heap) relAddr(b *blockHdr) uintptr {
	return uintptr(unsafe.Pointer(b)) - uintptr(h.heapStart)
}

// dumpHdr writes one block header record to out.
func (h *Heap) dumpHdr(out io.Writer, b *blockHdr) {
	if b == nil {
		fmt.Fprintf(out, "[NIL]\n")
		return
	}
	switch b.state() {
	case stFree:
		fmt.Fprintf(out, "[FREE]\n")
	case stAlloc:
		fmt.Fprintf(out, "[ALLOCATED]\n")
	case stFence:
		fmt.Fprintf(out, "[FENCEPOST]\n")
	default:
		fmt.Fprintf(out, "[INVALID BLOCK]\n")
	}
	fmt.Fprintf(out, "  address:   %d\n", h.relAddr(b))
	fmt.Fprintf(out, "  size:      %d\n", b.size())
	fmt.Fprintf(out, "  prev_size: %d\n", b.prevSize)
	if b.isFree() {
		if b.prvFree == nil {
			fmt.Fprintf(out, "  prev:      NIL\n")
		} else {
			fmt.Fprintf(out, "  prev:      %d\n", h.relAddr(b.prvFree))
		}
		if b.nxtFree == nil {
			fmt.Fprintf(out, "  next:      NIL\n")
		} else {
			fmt.Fprintf(out, "  next:      %d\n", h.relAddr(b.nxtFree))
		}
	}
}

// DumpHeap walks the physical blocks between start and end and writes
// each header to out. start defaults (nil) to the heap start and end to
// the current segment break. Read-only with respect to heap state; the
// caller must make sure no allocation runs concurrently.
func (h *Heap) DumpHeap(out io.Writer, start, end unsafe.Pointer) {
	if start == nil {
		start = h.heapStart
	}
	if end == nil {
		var err error
		if end, err = h.brk.Sbrk(0); err != nil {
			ERR("cannot query the segment break: %s\n", err)
			return
		}
	}
	for b := (*blockHdr)(start); uintptr(unsafe.Pointer(b)) < uintptr(end); b = b.next() {
		h.dumpHdr(out, b)
		if uintptr(unsafe.Pointer(b.next())) < uintptr(end) {
			fmt.Fprintf(out, "-----------------\n")
		}
	}
}

// DumpFreeList walks the free list head to tail and writes each header
// to out. Read-only with respect to heap state; the caller must make
// sure no allocation runs concurrently.
func (h *Heap) DumpFreeList(out io.Writer) {
	for b := h.freeHead; b != nil; b = b.nxtFree {
		h.dumpHdr(out, b)
		if b.nxtFree != nil {
			fmt.Fprintf(out, "-----------------\n")
		}
	}
}

// dumpStatus will write current status information in the log
func (h *Heap) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "sb_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", h)
	if h == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "heap size= %d\n", h.size)
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		h.used.Used, h.used.RealUsed, h.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		h.used.MaxRealUsed)
	if h.DumpStatsShort() {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all alloc'ed blocks:\n")
	i := 0
	for b := (*blockHdr)(h.heapStart); uintptr(unsafe.Pointer(b)) < h.curBrk; b = b.next() {
		if b.state() == stAlloc {
			Log.LLog(lev, 0, prefix,
				"   %3d.    address=%p hdr=%p offs=%d size=%d\n",
				i, b.addr(), b, h.relAddr(b), b.size())
		}
		i++
	}
	n := 0
	freeBytes := uint64(0)
	for b := h.freeHead; b != nil; b = b.nxtFree {
		n++
		freeBytes += uint64(b.size())
	}
	Log.LLog(lev, 0, prefix, "free list: %d blocks, %d bytes\n",
		n, freeBytes)
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}
