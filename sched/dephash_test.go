// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/pgrt"
)

// TestHashGptr verifies determinism and bucket range, and that
// aligned allocations spread across buckets instead of clustering in
// the low slots.
func TestHashGptr(t *testing.T) {
	fz := fuzz.New()
	seen := make(map[int]bool)
	for i := 0; i < 10000; i++ {
		var addr uint64
		fz.Fuzz(&addr)
		addr &^= 7 // 8-byte aligned, as allocators produce
		ptr := pgrt.Gptr{Addr: addr}
		slot := hashGptr(ptr)
		if slot != hashGptr(ptr) {
			t.Fatalf("hash of %v not deterministic", ptr)
		}
		if slot < 0 || slot >= numBuckets {
			t.Fatalf("hash of %v out of range: %d", ptr, slot)
		}
		seen[slot] = true
	}
	// With 10k samples over 1024 buckets, a healthy hash touches
	// most of them.
	if len(seen) < numBuckets/2 {
		t.Errorf("only %d of %d buckets used", len(seen), numBuckets)
	}
}

// TestHashSequential checks that densely packed 8-byte slots, the
// common allocation pattern, do not collide pathologically.
func TestHashSequential(t *testing.T) {
	counts := make(map[int]int)
	const n = 4096
	for i := uint64(0); i < n; i++ {
		counts[hashGptr(pgrt.Gptr{Addr: 0x10000 + 8*i})]++
	}
	for slot, c := range counts {
		if c > 64 {
			t.Errorf("bucket %d has %d of %d sequential entries", slot, c, n)
		}
	}
}

// TestFreeList verifies that recycled entries are reused rather than
// reallocated, and come back zeroed.
func TestFreeList(t *testing.T) {
	var g graph
	task := &Task{}
	e := g.alloc(localRef(task), pgrt.Dep{Ptr: pgrt.Gptr{Addr: 0x1000}, Kind: pgrt.DepOut})
	e.phase = 7
	g.recycle(e)
	e2 := g.alloc(localRef(task), pgrt.Dep{Kind: pgrt.DepIn})
	if e2 != e {
		t.Error("free list entry not reused")
	}
	if e2.phase != 0 || e2.next != nil {
		t.Error("recycled entry not zeroed")
	}
	if g.free != nil {
		t.Error("free list should be empty")
	}
}

// TestBucketInsertOrder verifies LIFO chains: the most recent access
// sits at the bucket head.
func TestBucketInsertOrder(t *testing.T) {
	var g graph
	dep := pgrt.Dep{Ptr: pgrt.Gptr{Addr: 0x2000}, Kind: pgrt.DepIn}
	first := g.alloc(localRef(&Task{}), dep)
	second := g.alloc(localRef(&Task{}), dep)
	g.insert(first)
	g.insert(second)
	slot := hashGptr(dep.Ptr)
	if g.buckets[slot] != second || second.next != first {
		t.Error("bucket chain not in LIFO order")
	}
}

// TestReset verifies that reset recycles every chain.
func TestReset(t *testing.T) {
	var g graph
	for i := uint64(0); i < 100; i++ {
		g.insert(g.alloc(localRef(&Task{}), pgrt.Dep{Ptr: pgrt.Gptr{Addr: 8 * i}}))
	}
	g.reset()
	for i, e := range g.buckets {
		if e != nil {
			t.Fatalf("bucket %d not empty after reset", i)
		}
	}
	n := 0
	for e := g.free; e != nil; e = e.next {
		n++
	}
	if got, want := n, 100; got != want {
		t.Errorf("got %v entries on free list, want %v", got, want)
	}
}
