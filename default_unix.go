// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package sbmalloc

import (
	"io"
	"sync"
	"unsafe"
)

// DefaultHeap is the process-wide heap used by the package-level
// shorthands. It is initialised lazily over an mmap-backed segment on
// first use; initialisation failure is fatal.
var DefaultHeap Heap

var defaultOnce sync.Once

func defaultInit() {
	brk, err := NewMmapBrk(0)
	if err != nil {
		PANIC("cannot reserve the default heap segment: %s\n", err)
	}
	if !DefaultHeap.Init(brk, SBDefaultOptions) {
		PANIC("default heap init failed\n")
	}
}

// Malloc allocates size bytes from the default heap.
func Malloc(size uintptr) unsafe.Pointer {
	defaultOnce.Do(defaultInit)
	return DefaultHeap.Malloc(size)
}

// Free releases memory previously allocated from the default heap.
func Free(p unsafe.Pointer) {
	defaultOnce.Do(defaultInit)
	DefaultHeap.Free(p)
}

// Calloc allocates zeroed memory for n elements of size bytes each from
// the default heap.
func Calloc(n, size uintptr) unsafe.Pointer {
	defaultOnce.Do(defaultInit)
	return DefaultHeap.Calloc(n, size)
}

// Realloc resizes a pointer previously allocated from the default heap.
func Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	defaultOnce.Do(defaultInit)
	return DefaultHeap.Realloc(p, size)
}

// DumpHeap dumps the default heap's physical blocks to out.
func DumpHeap(out io.Writer, start, end unsafe.Pointer) {
	defaultOnce.Do(defaultInit)
	DefaultHeap.DumpHeap(out, start, end)
}

// DumpFreeList dumps the default heap's free list to out.
func DumpFreeList(out io.Writer) {
	defaultOnce.Do(defaultInit)
	DefaultHeap.DumpFreeList(out)
}
