// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package sbmalloc

// free list handling
//
// A single doubly-linked list threaded through the payloads of free
// blocks (see blockHdr). No address or size order is maintained: inserts
// always push at the head, so the list reflects recency of freeing.

// insertFree pushes a block at the head of the free list.
func (h *Heap) insertFree(b *blockHdr) {
	b.prvFree = nil
	b.nxtFree = h.freeHead
	if h.freeHead != nil {
		h.freeHead.prvFree = b
	}
	h.freeHead = b
}

// detachFree unlinks a block from the free list using its own links.
func (h *Heap) detachFree(b *blockHdr) {
	if b.prvFree != nil {
		b.prvFree.nxtFree = b.nxtFree
	}
	if b.nxtFree != nil {
		b.nxtFree.prvFree = b.prvFree
	}
	if b == h.freeHead {
		h.freeHead = b.nxtFree
	}
}
