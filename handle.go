// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgrt

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
)

// HandleSize is the wire size of a task handle in bytes.
const HandleSize = 16

// A TaskHandle names a task across unit boundaries. Handles are
// opaque to every unit but the one that issued them: peers store and
// echo them verbatim in protocol messages, and the issuing unit maps
// them back to its local task. The zero handle names no task.
type TaskHandle [HandleSize]byte

// NilHandle is the zero task handle.
var NilHandle = TaskHandle{}

// IsNil tells whether h is the nil handle.
func (h TaskHandle) IsNil() bool {
	return h == NilHandle
}

// String returns the handle as a hexadecimal string.
func (h TaskHandle) String() string {
	return fmt.Sprintf("%x", h[:])
}

// handleSeq feeds NewHandle. Sequence numbers are never reused within
// a process lifetime.
var handleSeq uint64

// NewHandle mints a fresh handle for a task on the given unit. The
// handle embeds a murmur3 mix of the unit id and a process-global
// sequence number so that handles from different units never collide
// and stale handles are recognizably distinct.
func NewHandle(unit Unit) TaskHandle {
	seq := atomic.AddUint64(&handleSeq, 1)
	var src [10]byte
	binary.BigEndian.PutUint16(src[0:], uint16(unit))
	binary.BigEndian.PutUint64(src[2:], seq)
	lo, hi := murmur3.Sum128(src[:])
	var h TaskHandle
	binary.BigEndian.PutUint16(h[0:], uint16(unit))
	binary.BigEndian.PutUint64(h[2:], lo)
	binary.BigEndian.PutUint32(h[10:], uint32(hi))
	binary.BigEndian.PutUint16(h[14:], uint16(hi>>32))
	return h
}

// Unit returns the unit that issued h.
func (h TaskHandle) Unit() Unit {
	return Unit(binary.BigEndian.Uint16(h[0:]))
}
