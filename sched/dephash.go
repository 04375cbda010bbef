// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"sync"

	"github.com/grailbio/pgrt"
)

// numBuckets is the size of the dependency hash table.
const numBuckets = 1024

// A taskRef refers to either a local task or a task on a peer unit,
// named by its handle. Exactly one of the fields is set.
type taskRef struct {
	local  *Task
	remote pgrt.TaskHandle
}

func localRef(t *Task) taskRef            { return taskRef{local: t} }
func remoteRef(h pgrt.TaskHandle) taskRef { return taskRef{remote: h} }

// An entry links one task's dependency into a dephash bucket chain.
// Entries are also used on task remote-successor lists and on the
// unhandled-remote deferral list; recycled entries return to a shared
// free list.
type entry struct {
	next  *entry
	task  taskRef
	dep   pgrt.Dep
	phase uint64
}

// A graph is the per-unit dependency table: buckets of entry chains
// keyed by address hash, the entry free list, and the deferral list
// for remote dependency requests that arrived before their local
// writer. One mutex guards all three; it is ordered before any task
// mutex.
type graph struct {
	mu        sync.Mutex
	buckets   [numBuckets]*entry
	free      *entry
	unhandled *entry
}

// hashGptr returns the bucket slot for ptr. The low three address
// bits are discarded (allocations are 8-byte aligned) and the rest is
// XOR-folded through the Marsaglia shift triplet (7, 11, 17).
func hashGptr(ptr pgrt.Gptr) int {
	off := ptr.Addr >> 3
	return int((off ^ (off >> 7) ^ (off >> 11) ^ (off >> 17)) % numBuckets)
}

// alloc returns a zeroed entry, reusing one from the free list when
// possible. The free-list head is peeked without the lock; the pop
// itself reconfirms under g.mu.
func (g *graph) alloc(task taskRef, dep pgrt.Dep) *entry {
	var e *entry
	if g.free != nil {
		g.mu.Lock()
		if g.free != nil {
			e = g.free
			g.free = e.next
			e.next = nil
		}
		g.mu.Unlock()
	}
	if e == nil {
		e = new(entry)
	}
	e.task = task
	e.dep = dep
	return e
}

// allocLocked is alloc for callers already holding g.mu.
func (g *graph) allocLocked(task taskRef, dep pgrt.Dep) *entry {
	e := g.free
	if e != nil {
		g.free = e.next
		e.next = nil
	} else {
		e = new(entry)
	}
	e.task = task
	e.dep = dep
	return e
}

// recycle zeroes e and pushes it onto the free list.
func (g *graph) recycle(e *entry) {
	if e == nil {
		return
	}
	*e = entry{}
	g.mu.Lock()
	e.next = g.free
	g.free = e
	g.mu.Unlock()
}

// recycleLocked is recycle for callers already holding g.mu.
func (g *graph) recycleLocked(e *entry) {
	*e = entry{}
	e.next = g.free
	g.free = e
}

// insert pushes e onto the head of its bucket chain, making it the
// most recent access to its address.
func (g *graph) insert(e *entry) {
	slot := hashGptr(e.dep.Ptr)
	g.mu.Lock()
	e.next = g.buckets[slot]
	g.buckets[slot] = e
	g.mu.Unlock()
}

// reset recycles every bucket chain. The unhandled list is left in
// place; it is drained by the phase-end flush.
func (g *graph) reset() {
	g.mu.Lock()
	for i := range g.buckets {
		for e := g.buckets[i]; e != nil; {
			next := e.next
			g.recycleLocked(e)
			e = next
		}
		g.buckets[i] = nil
	}
	g.mu.Unlock()
}
