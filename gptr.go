// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgrt

import "fmt"

// A Gptr addresses memory anywhere in a distributed job. It names the
// owning unit, the memory segment in which the memory was allocated,
// and either a segment-relative offset or an absolute address. A Gptr
// with segment zero is always in absolute form.
type Gptr struct {
	// Unit is the unit that owns the addressed memory.
	Unit Unit
	// Seg is the allocation segment. Negative segments are reserved
	// for runtime-internal allocations.
	Seg int16
	// Flags holds allocator-defined bits. They are carried across the
	// wire but never interpreted by the runtime.
	Flags uint16
	// Addr is the segment-relative offset or, after resolution, the
	// unit-absolute address.
	Addr uint64
}

// NilGptr is the zero global pointer. It addresses no memory.
var NilGptr = Gptr{}

// IsNil tells whether p is the nil global pointer.
func (p Gptr) IsNil() bool {
	return p == NilGptr
}

// Equal tells whether p and q address the same memory. Two pointers
// are equal when they agree on the owning unit and the (resolved)
// address; segment and flags do not participate so that aliases of
// the same allocation compare equal.
func (p Gptr) Equal(q Gptr) bool {
	return p.Unit == q.Unit && p.Addr == q.Addr
}

// String returns a compact human-readable rendering of p,
// formatted as:
//
//	u{unit}:s{seg}@{addr}
func (p Gptr) String() string {
	return fmt.Sprintf("u%d:s%d@%#x", p.Unit, p.Seg, p.Addr)
}
