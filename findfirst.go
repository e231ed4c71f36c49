// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !bestfit

package sbmalloc

func init() {
	BuildTags = append(BuildTags, "first_fit")
}

// findFree returns the first free block with a payload of at least size
// bytes, or nil if the list holds none (first-fit policy).
func (h *Heap) findFree(size uintptr) *blockHdr {
	f := h.freeHead
	for f != nil && f.size() < size {
		f = f.nxtFree
	}
	return f
}
