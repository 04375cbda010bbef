// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package pgrt implements the core of a partitioned global address
	space (PGAS) task runtime. Users submit tasks annotated with read
	and write dependencies on globally addressable memory; the runtime
	executes them in an order that preserves serial semantics per
	address, both within a process and across the processes ("units")
	of a distributed job.

	The package itself holds the fundamental types: global pointers,
	dependency annotations, and the opaque task handles exchanged
	between units. Scheduling lives in package sched, message delivery
	in package transport, and the hardware locality hierarchy in
	package locality.

	The runtime does not move user data. Containers, allocators and
	the wire transport are external collaborators: they provide the
	runtime with addressing (global pointer to absolute address),
	identity (unit id, job size) and messaging; the runtime provides
	them with task submission, progress and phase boundaries.
*/
package pgrt

// A Unit identifies one participant process in a distributed job.
// Units are numbered densely from zero.
type Unit uint16

// Cluster describes the membership of the running job. It is
// implemented by the host runtime.
type Cluster interface {
	// Myid returns the calling process's own unit id.
	Myid() Unit
	// Size returns the number of units in the job.
	Size() int
}

// Addressing resolves global pointers in segment form into
// unit-absolute addresses. It is implemented by the host runtime's
// memory allocator.
type Addressing interface {
	// Resolve returns the absolute address of the memory named by ptr.
	// Pointers already in absolute form are returned unchanged.
	Resolve(ptr Gptr) (uint64, error)
}
