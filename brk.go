// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package sbmalloc

import (
	"errors"
	"unsafe"
)

// ErrNoMem is recorded when no free block can be found and the segment
// cannot be extended.
var ErrNoMem = errors.New("sbmalloc: out of memory")

// ErrBrkMoved is recorded when the segment break no longer matches the
// position the heap last extended it to (somebody else moved it).
var ErrBrkMoved = errors.New("sbmalloc: segment break moved externally")

// ErrBrkExhausted is returned by a Brk when the backing segment cannot
// grow any further.
var ErrBrkExhausted = errors.New("sbmalloc: segment exhausted")

// Brk abstracts the OS primitive the heap grows through: extend the
// contiguous data segment by incr bytes and return the start of the
// newly added region. Sbrk(0) queries the current break without moving
// it. Successive extensions must return adjacent regions.
type Brk interface {
	Sbrk(incr uintptr) (unsafe.Pointer, error)
}

// SliceBrk emulates a data segment inside a caller-supplied byte slice.
// Useful for tests (block offsets become deterministic) and on platforms
// without an mmap-backed segment.
type SliceBrk struct {
	mem []byte
	brk uintptr // current break, offset into mem
}

// NewSliceBrk wraps mem as a segment. The break starts at the first
// RoundTo-aligned byte of mem. It returns nil if mem is too small to
// hold even that.
func NewSliceBrk(mem []byte) *SliceBrk {
	if len(mem) < RoundTo {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	off := (RoundTo - addr%RoundTo) % RoundTo
	return &SliceBrk{mem: mem, brk: off}
}

// Sbrk implements the Brk interface over the wrapped slice.
func (s *SliceBrk) Sbrk(incr uintptr) (unsafe.Pointer, error) {
	cur := unsafe.Add(unsafe.Pointer(&s.mem[0]), s.brk)
	if incr == 0 {
		return cur, nil
	}
	if incr > uintptr(len(s.mem))-s.brk {
		return nil, ErrBrkExhausted
	}
	s.brk += incr
	return cur, nil
}
