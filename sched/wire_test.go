// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"encoding/binary"
	"testing"

	"github.com/grailbio/pgrt"
)

func TestWireRoundTrip(t *testing.T) {
	dep := pgrt.Dep{
		Ptr:  pgrt.Gptr{Unit: 3, Seg: -2, Flags: 0x8001, Addr: 0xdeadbeef00},
		Kind: pgrt.DepIn,
	}
	handle := pgrt.NewHandle(3)

	rd := remoteDepMsg{origin: 3, phase: 42, dep: dep, task: handle}
	got, err := decodeRemoteDep(rd.encode())
	if err != nil {
		t.Fatal(err)
	}
	if got != rd {
		t.Errorf("got %+v, want %+v", got, rd)
	}

	dd := directDepMsg{
		origin:    1,
		dep:       pgrt.Dep{Kind: pgrt.DepDirect},
		pred:      handle,
		dependent: pgrt.NewHandle(1),
	}
	gotd, err := decodeDirectDep(dd.encode())
	if err != nil {
		t.Fatal(err)
	}
	if gotd != dd {
		t.Errorf("got %+v, want %+v", gotd, dd)
	}

	rl := releaseMsg{origin: 2, dep: dep, task: handle}
	gotr, err := decodeRelease(rl.encode())
	if err != nil {
		t.Fatal(err)
	}
	if gotr != rl {
		t.Errorf("got %+v, want %+v", gotr, rl)
	}
}

// TestWireLayout pins the network byte order layout: 2-byte origin,
// 8-byte phase, then the dependency record of 2-byte kind and
// 16-byte gptr.
func TestWireLayout(t *testing.T) {
	m := remoteDepMsg{
		origin: 0x0102,
		phase:  0x1122334455667788,
		dep: pgrt.Dep{
			Ptr:  pgrt.Gptr{Unit: 0xa0b0, Seg: 5, Addr: 0x0807060504030201},
			Kind: pgrt.DepIn,
		},
	}
	p := m.encode()
	if got, want := binary.BigEndian.Uint16(p[0:]), uint16(0x0102); got != want {
		t.Errorf("origin: got %#x, want %#x", got, want)
	}
	if got, want := binary.BigEndian.Uint64(p[2:]), uint64(0x1122334455667788); got != want {
		t.Errorf("phase: got %#x, want %#x", got, want)
	}
	if got, want := binary.BigEndian.Uint16(p[10:]), uint16(pgrt.DepIn); got != want {
		t.Errorf("dep kind: got %#x, want %#x", got, want)
	}
	if got, want := binary.BigEndian.Uint16(p[12:]), uint16(0xa0b0); got != want {
		t.Errorf("gptr unit: got %#x, want %#x", got, want)
	}
	if got, want := binary.BigEndian.Uint64(p[20:]), uint64(0x0807060504030201); got != want {
		t.Errorf("gptr addr: got %#x, want %#x", got, want)
	}
}

func TestWireShortPayload(t *testing.T) {
	if _, err := decodeRemoteDep(nil); err == nil {
		t.Error("expected error for empty REMOTE_DEP")
	}
	if _, err := decodeDirectDep(make([]byte, 3)); err == nil {
		t.Error("expected error for truncated DIRECT_DEP")
	}
	if _, err := decodeRelease(make([]byte, depSize)); err == nil {
		t.Error("expected error for truncated RELEASE")
	}
}
