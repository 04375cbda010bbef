// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgrt

// A DepKind describes how a task accesses a dependency's memory.
type DepKind int16

const (
	// DepIn declares that the task reads the addressed memory.
	DepIn DepKind = iota
	// DepOut declares that the task overwrites the addressed memory.
	DepOut
	// DepInOut declares that the task both reads and overwrites the
	// addressed memory. It orders exactly like DepOut.
	DepInOut
	// DepDirect declares an explicit task-to-task edge carrying no
	// address. Direct dependencies are created by the runtime itself
	// when synchronizing across units.
	DepDirect
)

var depKinds = [...]string{
	DepIn:     "IN",
	DepOut:    "OUT",
	DepInOut:  "INOUT",
	DepDirect: "DIRECT",
}

// String returns the dependency kind as an upper-case string.
func (k DepKind) String() string {
	if k < 0 || int(k) >= len(depKinds) {
		return "INVALID"
	}
	return depKinds[k]
}

// IsWrite tells whether the kind orders like a write. Both DepOut and
// DepInOut do: a writer must wait for every earlier access to the
// same address, and every later access must wait for the writer.
func (k DepKind) IsWrite() bool {
	return k == DepOut || k == DepInOut
}

// A Dep annotates one task dependency: an access of the given kind to
// the memory addressed by Ptr.
type Dep struct {
	Ptr  Gptr
	Kind DepKind
}

// In returns a read dependency on ptr.
func In(ptr Gptr) Dep { return Dep{Ptr: ptr, Kind: DepIn} }

// Out returns a write dependency on ptr.
func Out(ptr Gptr) Dep { return Dep{Ptr: ptr, Kind: DepOut} }

// InOut returns a read-write dependency on ptr.
func InOut(ptr Gptr) Dep { return Dep{Ptr: ptr, Kind: DepInOut} }

// String returns a human-readable rendering of d.
func (d Dep) String() string {
	return d.Kind.String() + "(" + d.Ptr.String() + ")"
}
