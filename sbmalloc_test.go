// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package sbmalloc

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestHeap builds a heap over a SliceBrk so block offsets are
// deterministic (hdrSize 16, ArenaSize 4096).
func newTestHeap(t *testing.T, size int) *Heap {
	t.Helper()
	if size == 0 {
		size = 1 << 20
	}
	sb := NewSliceBrk(make([]byte, size))
	require.NotNil(t, sb)
	h := &Heap{}
	require.True(t, h.Init(sb, SBDefaultOptions))
	return h
}

func off(h *Heap, p unsafe.Pointer) uintptr {
	return uintptr(p) - uintptr(h.heapStart)
}

func hdrAt(h *Heap, offs uintptr) *blockHdr {
	return (*blockHdr)(unsafe.Add(h.heapStart, offs))
}

// checkInvariants walks the whole heap and the free list and verifies
// the structural invariants that must hold between public operations.
func checkInvariants(t *testing.T, h *Heap) {
	t.Helper()
	if h.curBrk == uintptr(h.heapStart) {
		require.Nil(t, h.freeHead, "free list on an empty heap")
		return
	}

	first := (*blockHdr)(h.heapStart)
	require.True(t, first.isFence(), "heap must start with a fencepost")

	freePhys := make(map[*blockHdr]bool)
	var prevBlk *blockHdr
	for b := first; uintptr(unsafe.Pointer(b)) < h.curBrk; b = b.next() {
		require.Zero(t, b.size()%RoundTo,
			"payload size %d not aligned at offset %d", b.size(), h.relAddr(b))
		if prevBlk != nil {
			require.Equal(t, prevBlk.size(), b.prevSize,
				"boundary tag mismatch at offset %d", h.relAddr(b))
			if prevBlk.isFree() {
				require.False(t, b.isFree(),
					"adjacent free blocks at offset %d", h.relAddr(b))
			}
		}
		if b.isFree() {
			require.GreaterOrEqual(t, b.size(), minAllocSize,
				"free block too small for its links")
			freePhys[b] = true
		}
		prevBlk = b
	}
	require.NotNil(t, prevBlk)
	require.True(t, prevBlk.isFence(), "heap must end with a fencepost")
	require.Equal(t, h.curBrk, uintptr(unsafe.Pointer(prevBlk))+hdrSize,
		"trailing fencepost not flush with the segment break")
	require.Equal(t, h.lastFence, prevBlk)

	n := 0
	for f := h.freeHead; f != nil; f = f.nxtFree {
		require.True(t, freePhys[f],
			"free-list entry at offset %d is not a free block", h.relAddr(f))
		delete(freePhys, f)
		n++
		require.Less(t, n, 1<<20, "free list cycle")
	}
	require.Empty(t, freePhys, "free blocks missing from the free list")
}

func TestMallocZero(t *testing.T) {
	h := newTestHeap(t, 0)
	require.Nil(t, h.Malloc(0))
	require.Equal(t, uint64(0), h.size, "size 0 must not grow the heap")
}

func TestFreeNil(t *testing.T) {
	h := newTestHeap(t, 0)
	h.Free(nil) // no-op
	checkInvariants(t, h)
}

func TestMallocAlignment(t *testing.T) {
	h := newTestHeap(t, 0)
	for _, size := range []uintptr{1, 7, 8, 9, 16, 17, 4095, 4096, 4097} {
		p := h.Malloc(size)
		require.NotNil(t, p, "Malloc(%d)", size)
		assert.Zero(t, uintptr(p)%RoundTo, "Malloc(%d) misaligned", size)
		b := hdrOf(p)
		assert.GreaterOrEqual(t, b.size(), minAllocSize)
		assert.Zero(t, b.size()%RoundTo)
		assert.GreaterOrEqual(t, b.size(), size)
		checkInvariants(t, h)
	}
}

func TestMallocRoundTrip(t *testing.T) {
	for _, size := range []uintptr{1, 7, 8, 9, 16, 17, 4095, 4096, 4097} {
		h := newTestHeap(t, 0)
		p := h.Malloc(size)
		require.NotNil(t, p, "Malloc(%d)", size)

		buf := unsafe.Slice((*byte)(p), size)
		for i := range buf {
			buf[i] = byte(i*31 + 7)
		}
		for i := range buf {
			require.Equal(t, byte(i*31+7), buf[i],
				"size %d corrupted at byte %d", size, i)
		}
		h.Free(p)
		checkInvariants(t, h)
	}
}

func TestMallocFreeReuse(t *testing.T) {
	h := newTestHeap(t, 0)
	p1 := h.Malloc(64)
	require.NotNil(t, p1)
	h.Free(p1)
	p2 := h.Malloc(64)
	require.NotNil(t, p2)
	assert.Equal(t, p1, p2, "a freed block should be handed out again")
	checkInvariants(t, h)
}

func TestDoubleFreePanics(t *testing.T) {
	h := newTestHeap(t, 0)
	p := h.Malloc(32)
	require.NotNil(t, p)
	h.Free(p)
	require.Panics(t, func() { h.FreeUnsafe(p) },
		"double free must be fatal")
}

func TestFreeForeignPointerPanics(t *testing.T) {
	h := newTestHeap(t, 0)
	require.NotNil(t, h.Malloc(32))
	var x int
	require.Panics(t, func() { h.FreeUnsafe(unsafe.Pointer(&x)) })
}

func TestCalloc(t *testing.T) {
	h := newTestHeap(t, 0)
	// dirty a block first so the zeroing is observable
	p := h.Malloc(96)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), 96)
	for i := range buf {
		buf[i] = 0xff
	}
	h.Free(p)

	q := h.Calloc(3, 32)
	require.NotNil(t, q)
	require.Equal(t, p, q, "calloc should reuse the dirty block")
	out := unsafe.Slice((*byte)(q), 96)
	for i, v := range out {
		require.Zero(t, v, "byte %d not zeroed", i)
	}
	checkInvariants(t, h)
}

func TestCallocBadArgs(t *testing.T) {
	h := newTestHeap(t, 0)
	require.Nil(t, h.Calloc(0, 8))
	require.Nil(t, h.Calloc(8, 0))
	// multiplicative overflow must fail without touching the heap
	require.Nil(t, h.Calloc(^uintptr(0), 2))
	require.Nil(t, h.Calloc(2, ^uintptr(0)))
	assert.Equal(t, uint64(0), h.size)
	assert.Nil(t, h.freeHead)
	assert.Equal(t, MUsed{}, h.MUsage())
}

func TestReallocGrowPreserves(t *testing.T) {
	h := newTestHeap(t, 0)
	p := h.Malloc(64)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), 64)
	for i := range buf {
		buf[i] = byte(i)
	}

	q := h.Realloc(p, 256)
	require.NotNil(t, q)
	out := unsafe.Slice((*byte)(q), 64)
	for i := range out {
		require.Equal(t, byte(i), out[i], "grow lost byte %d", i)
	}
	h.Free(q)
	checkInvariants(t, h)
}

func TestReallocShrinkPreserves(t *testing.T) {
	h := newTestHeap(t, 0)
	p := h.Malloc(256)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), 256)
	for i := range buf {
		buf[i] = byte(i ^ 0x35)
	}

	q := h.Realloc(p, 16)
	require.NotNil(t, q)
	out := unsafe.Slice((*byte)(q), 16)
	for i := range out {
		require.Equal(t, byte(i^0x35), out[i], "shrink lost byte %d", i)
	}
	checkInvariants(t, h)
}

func TestReallocNilIsMalloc(t *testing.T) {
	h := newTestHeap(t, 0)
	p := h.Realloc(nil, 40)
	require.NotNil(t, p)
	assert.True(t, hdrOf(p).state() == stAlloc)
	checkInvariants(t, h)
}

func TestReallocZeroIsFree(t *testing.T) {
	h := newTestHeap(t, 0)
	p := h.Malloc(40)
	require.NotNil(t, p)
	require.Nil(t, h.Realloc(p, 0))
	assert.True(t, hdrOf(p).isFree(), "realloc(p, 0) must free the block")
	checkInvariants(t, h)
}

func TestReallocAfterFreePanics(t *testing.T) {
	h := newTestHeap(t, 0)
	p := h.Malloc(40)
	require.NotNil(t, p)
	h.Free(p)
	require.Panics(t, func() { h.ReallocUnsafe(p, 80) })
}

func TestOutOfMemory(t *testing.T) {
	h := newTestHeap(t, 8192+RoundTo)
	p := h.Malloc(4096)
	require.NotNil(t, p)

	q := h.Malloc(8192)
	require.Nil(t, q)
	assert.ErrorIs(t, h.LastError(), ErrBrkExhausted)
	checkInvariants(t, h)

	// the heap must stay usable for requests that still fit
	r := h.Malloc(16)
	require.NotNil(t, r)
	checkInvariants(t, h)
}

func TestExternalBreakMovement(t *testing.T) {
	mem := make([]byte, 1<<20)
	sb := NewSliceBrk(mem)
	require.NotNil(t, sb)
	h := &Heap{}
	require.True(t, h.Init(sb, SBDefaultOptions))

	p := h.Malloc(16)
	require.NotNil(t, p)

	// somebody else moves the segment break behind our back
	sb.brk += RoundTo

	q := h.Malloc(2 * ArenaSize) // forces an arena growth
	require.Nil(t, q)
	assert.ErrorIs(t, h.LastError(), ErrBrkMoved)

	// once reverted, growth works again
	sb.brk -= RoundTo
	r := h.Malloc(2 * ArenaSize)
	require.NotNil(t, r)
	checkInvariants(t, h)
}

func TestOwns(t *testing.T) {
	h := newTestHeap(t, 0)
	p := h.Malloc(32)
	require.NotNil(t, p)
	assert.True(t, h.Owns(p))
	var x int
	assert.False(t, h.Owns(unsafe.Pointer(&x)))
	assert.False(t, h.Owns(nil))
}

func TestMUsage(t *testing.T) {
	h := newTestHeap(t, 0)
	p := h.Malloc(100) // rounds to 104
	require.NotNil(t, p)
	u := h.MUsage()
	assert.Equal(t, uint64(104), u.Used)
	assert.Greater(t, u.RealUsed, u.Used, "overhead must be accounted")

	h.Free(p)
	u = h.MUsage()
	assert.Equal(t, uint64(0), u.Used)
	assert.Equal(t, uint64(104+hdrSize), u.MaxRealUsed-u.RealUsed,
		"free must give back payload and the split header")
}

func TestReinit(t *testing.T) {
	h := newTestHeap(t, 0)
	require.NotNil(t, h.Malloc(64))

	sb := NewSliceBrk(make([]byte, 1<<16))
	require.NotNil(t, sb)
	require.True(t, h.Init(sb, SBDefaultOptions))
	assert.Nil(t, h.freeHead)
	assert.Equal(t, uint64(0), h.size)
	p := h.Malloc(16)
	require.NotNil(t, p)
	checkInvariants(t, h)
}

func TestInitBadBrk(t *testing.T) {
	h := &Heap{}
	require.False(t, h.Init(nil, 0))
}

func TestHeapConcurrent(t *testing.T) {
	h := newTestHeap(t, 4<<20)
	const workers = 8
	const rounds = 500

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed byte) {
			defer wg.Done()
			ptrs := make([]unsafe.Pointer, 0, 16)
			for i := 0; i < rounds; i++ {
				size := uintptr(8 + (i*13+int(seed))%200)
				p := h.Malloc(size)
				if p == nil {
					continue
				}
				buf := unsafe.Slice((*byte)(p), size)
				for j := range buf {
					buf[j] = seed
				}
				ptrs = append(ptrs, p)
				if len(ptrs) == cap(ptrs) {
					for _, q := range ptrs {
						h.Free(q)
					}
					ptrs = ptrs[:0]
				}
			}
			for _, q := range ptrs {
				h.Free(q)
			}
		}(byte(w + 1))
	}
	wg.Wait()
	checkInvariants(t, h)
	assert.Equal(t, uint64(0), h.MUsage().Used,
		"everything was freed")
}
