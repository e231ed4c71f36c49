// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package sbmalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultReserve is the address-space reservation of an MmapBrk created
// with size 0 (nothing is committed up front, see NewMmapBrk).
const DefaultReserve = 1 << 30 // 1 GiB

// MmapBrk is the real OS segment backend: a single PROT_NONE address
// space reservation whose accessible prefix grows on every Sbrk, giving
// a contiguous, monotonically-growable segment without ever relocating.
type MmapBrk struct {
	region []byte  // the whole reservation
	brk    uintptr // current break, offset into region
}

// NewMmapBrk reserves size bytes of address space (DefaultReserve if 0,
// rounded up to the page size). No memory is committed until Sbrk.
func NewMmapBrk(size uintptr) (*MmapBrk, error) {
	if size == 0 {
		size = DefaultReserve
	}
	pg := uintptr(unix.Getpagesize())
	if size%pg != 0 {
		size += pg - size%pg
	}
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &MmapBrk{region: region}, nil
}

// Sbrk implements the Brk interface: it makes the next incr bytes of the
// reservation accessible and advances the break.
func (m *MmapBrk) Sbrk(incr uintptr) (unsafe.Pointer, error) {
	cur := unsafe.Add(unsafe.Pointer(&m.region[0]), m.brk)
	if incr == 0 {
		return cur, nil
	}
	if incr > uintptr(len(m.region))-m.brk {
		return nil, ErrBrkExhausted
	}
	pg := uintptr(unix.Getpagesize())
	lo := m.brk &^ (pg - 1)
	hi := m.brk + incr
	if hi%pg != 0 {
		hi += pg - hi%pg
	}
	if err := unix.Mprotect(m.region[lo:hi], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, err
	}
	m.brk += incr
	return cur, nil
}

// Close returns the whole reservation to the OS. The heap built on top
// of it must not be used afterwards.
func (m *MmapBrk) Close() error {
	region := m.region
	m.region = nil
	if region == nil {
		return nil
	}
	return unix.Munmap(region)
}
