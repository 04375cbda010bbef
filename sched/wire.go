// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"encoding/binary"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pgrt"
	"github.com/grailbio/pgrt/transport"
)

// Protocol message kinds. The transport carries the kind out of band;
// payloads are fixed-layout, big-endian records.
const (
	kindRemoteDep transport.Kind = 1 + iota
	kindDirectDep
	kindRelease
)

// Wire layout sizes.
const (
	gptrSize = 16 // unit u16, seg i16, flags u16, reserved u16, addr u64
	depSize  = 2 + gptrSize
)

func putGptr(p []byte, ptr pgrt.Gptr) {
	binary.BigEndian.PutUint16(p[0:], uint16(ptr.Unit))
	binary.BigEndian.PutUint16(p[2:], uint16(ptr.Seg))
	binary.BigEndian.PutUint16(p[4:], ptr.Flags)
	binary.BigEndian.PutUint16(p[6:], 0)
	binary.BigEndian.PutUint64(p[8:], ptr.Addr)
}

func getGptr(p []byte) pgrt.Gptr {
	return pgrt.Gptr{
		Unit:  pgrt.Unit(binary.BigEndian.Uint16(p[0:])),
		Seg:   int16(binary.BigEndian.Uint16(p[2:])),
		Flags: binary.BigEndian.Uint16(p[4:]),
		Addr:  binary.BigEndian.Uint64(p[8:]),
	}
}

func putDep(p []byte, dep pgrt.Dep) {
	binary.BigEndian.PutUint16(p[0:], uint16(dep.Kind))
	putGptr(p[2:], dep.Ptr)
}

func getDep(p []byte) pgrt.Dep {
	return pgrt.Dep{
		Kind: pgrt.DepKind(binary.BigEndian.Uint16(p[0:])),
		Ptr:  getGptr(p[2:]),
	}
}

// remoteDepMsg registers a dependency of a remote task on local
// memory: the named remote task reads the addressed memory in the
// given phase.
type remoteDepMsg struct {
	origin pgrt.Unit
	phase  uint64
	dep    pgrt.Dep
	task   pgrt.TaskHandle
}

func (m remoteDepMsg) encode() []byte {
	p := make([]byte, 2+8+depSize+pgrt.HandleSize)
	binary.BigEndian.PutUint16(p[0:], uint16(m.origin))
	binary.BigEndian.PutUint64(p[2:], m.phase)
	putDep(p[10:], m.dep)
	copy(p[10+depSize:], m.task[:])
	return p
}

func decodeRemoteDep(p []byte) (remoteDepMsg, error) {
	var m remoteDepMsg
	if len(p) != 2+8+depSize+pgrt.HandleSize {
		return m, errors.E(errors.Invalid, "short REMOTE_DEP message")
	}
	m.origin = pgrt.Unit(binary.BigEndian.Uint16(p[0:]))
	m.phase = binary.BigEndian.Uint64(p[2:])
	m.dep = getDep(p[10:])
	copy(m.task[:], p[10+depSize:])
	return m, nil
}

// directDepMsg asks the receiving unit to notify the sender's
// dependent task when the receiver's predecessor task (named by pred,
// a handle the receiver itself issued) finishes.
type directDepMsg struct {
	origin    pgrt.Unit
	dep       pgrt.Dep
	pred      pgrt.TaskHandle
	dependent pgrt.TaskHandle
}

func (m directDepMsg) encode() []byte {
	p := make([]byte, 2+depSize+2*pgrt.HandleSize)
	binary.BigEndian.PutUint16(p[0:], uint16(m.origin))
	putDep(p[2:], m.dep)
	copy(p[2+depSize:], m.pred[:])
	copy(p[2+depSize+pgrt.HandleSize:], m.dependent[:])
	return p
}

func decodeDirectDep(p []byte) (directDepMsg, error) {
	var m directDepMsg
	if len(p) != 2+depSize+2*pgrt.HandleSize {
		return m, errors.E(errors.Invalid, "short DIRECT_DEP message")
	}
	m.origin = pgrt.Unit(binary.BigEndian.Uint16(p[0:]))
	m.dep = getDep(p[2:])
	copy(m.pred[:], p[2+depSize:])
	copy(m.dependent[:], p[2+depSize+pgrt.HandleSize:])
	return m, nil
}

// releaseMsg tells the origin unit that the dependency its task
// (named by the echoed handle) registered has been satisfied.
type releaseMsg struct {
	origin pgrt.Unit
	dep    pgrt.Dep
	task   pgrt.TaskHandle
}

func (m releaseMsg) encode() []byte {
	p := make([]byte, 2+depSize+pgrt.HandleSize)
	binary.BigEndian.PutUint16(p[0:], uint16(m.origin))
	putDep(p[2:], m.dep)
	copy(p[2+depSize:], m.task[:])
	return p
}

func decodeRelease(p []byte) (releaseMsg, error) {
	var m releaseMsg
	if len(p) != 2+depSize+pgrt.HandleSize {
		return m, errors.E(errors.Invalid, "short RELEASE message")
	}
	m.origin = pgrt.Unit(binary.BigEndian.Uint16(p[0:]))
	m.dep = getDep(p[2:])
	copy(m.task[:], p[2+depSize:])
	return m, nil
}
