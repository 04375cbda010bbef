// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/pgrt"
	"github.com/grailbio/pgrt/transport"
	"golang.org/x/sync/errgroup"
)

// startPair starts two single-worker sessions connected by a
// loopback mesh. The returned shutdown function stops both.
func startPair() (s0, s1 *Session, shutdown func()) {
	mesh := transport.NewMesh(2)
	s0 = Start(testCluster{0, 2}, absAddressing{}, mesh.Unit(0), Parallelism(1))
	s1 = Start(testCluster{1, 2}, absAddressing{}, mesh.Unit(1), Parallelism(1))
	return s0, s1, func() {
		s0.Shutdown()
		s1.Shutdown()
	}
}

func waitBoth(t *testing.T, s0, s1 *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error { return s0.WaitAll(ctx) })
	g.Go(func() error { return s1.WaitAll(ctx) })
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// settle polls a session's transport until cond holds or the
// deadline passes.
func settle(t *testing.T, s *Session, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); {
		if err := s.ProgressOnce(ctx); err != nil {
			t.Fatal(err)
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition did not settle")
}

// TestRemoteRead verifies the cross-unit read-after-write protocol:
// a reader on unit 0 with an IN dependency on memory written by unit
// 1 registers with unit 1's writer and is released when it finishes.
func TestRemoteRead(t *testing.T) {
	s0, s1, shutdown := startPair()
	defer shutdown()
	var (
		ctx  = context.Background()
		gate = make(chan struct{})
		ptr  = pgrt.Gptr{Unit: 1, Addr: 0x4000}
	)
	tw, err := s1.Submit(ctx, func(interface{}) { <-gate }, nil, pgrt.Out(ptr))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := s0.Submit(ctx, func(interface{}) {}, nil, pgrt.In(ptr))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := tr.UnresolvedDeps(), 1; got != want {
		t.Errorf("got %v unresolved deps, want %v", got, want)
	}
	// Unit 1 binds the inbound request to its writer.
	settle(t, s1, func() bool {
		tw.Lock()
		defer tw.Unlock()
		return tw.remoteSucc != nil
	})
	close(gate)
	waitBoth(t, s0, s1)
	if got, want := tr.State(), TaskFinished; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestDeferredRemoteDep verifies that a remote dependency arriving
// before its local writer is parked on the deferral list and
// reconciled when a writer of the same phase is submitted.
func TestDeferredRemoteDep(t *testing.T) {
	s0, s1, shutdown := startPair()
	defer shutdown()
	var (
		ctx = context.Background()
		ptr = pgrt.Gptr{Unit: 1, Addr: 0x5000}
	)
	tr, err := s0.Submit(ctx, func(interface{}) {}, nil, pgrt.In(ptr))
	if err != nil {
		t.Fatal(err)
	}
	settle(t, s1, func() bool {
		s1.graph.mu.Lock()
		defer s1.graph.mu.Unlock()
		return s1.graph.unhandled != nil
	})
	if _, err := s1.Submit(ctx, func(interface{}) {}, nil, pgrt.Out(ptr)); err != nil {
		t.Fatal(err)
	}
	s1.graph.mu.Lock()
	unhandled := s1.graph.unhandled
	s1.graph.mu.Unlock()
	if unhandled != nil {
		t.Error("deferral list not cleared by matching writer")
	}
	waitBoth(t, s0, s1)
	if got, want := tr.State(), TaskFinished; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestEndPhaseFlush verifies that deferred remote dependencies whose
// writer never materializes are released at the phase boundary.
func TestEndPhaseFlush(t *testing.T) {
	s0, s1, shutdown := startPair()
	defer shutdown()
	var (
		ctx = context.Background()
		ptr = pgrt.Gptr{Unit: 1, Addr: 0x6000}
	)
	tr, err := s0.Submit(ctx, func(interface{}) {}, nil, pgrt.In(ptr))
	if err != nil {
		t.Fatal(err)
	}
	settle(t, s1, func() bool {
		s1.graph.mu.Lock()
		defer s1.graph.mu.Unlock()
		return s1.graph.unhandled != nil
	})
	if err := s1.EndPhase(ctx, 1); err != nil {
		t.Fatal(err)
	}
	s1.graph.mu.Lock()
	unhandled := s1.graph.unhandled
	s1.graph.mu.Unlock()
	if unhandled != nil {
		t.Error("deferral list not empty after phase end")
	}
	waitBoth(t, s0, s1)
	if got, want := tr.State(), TaskFinished; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestCrossPhaseDirectDep verifies the direct-dependency protocol: a
// writer submitted in a later phase than a deferred remote read must
// wait for the remote reader to finish before it may overwrite the
// data.
func TestCrossPhaseDirectDep(t *testing.T) {
	s0, s1, shutdown := startPair()
	defer shutdown()
	var (
		ctx  = context.Background()
		gate = make(chan struct{})
		ptr  = pgrt.Gptr{Unit: 1, Addr: 0x7000}
	)
	// Unit 1 is already in phase 1; unit 0 still submits in phase 0.
	if err := s1.EndPhase(ctx, 1); err != nil {
		t.Fatal(err)
	}
	tr, err := s0.Submit(ctx, func(interface{}) { <-gate }, nil, pgrt.In(ptr))
	if err != nil {
		t.Fatal(err)
	}
	settle(t, s1, func() bool {
		s1.graph.mu.Lock()
		defer s1.graph.mu.Unlock()
		return s1.graph.unhandled != nil
	})
	tw, err := s1.Submit(ctx, func(interface{}) {}, nil, pgrt.Out(ptr))
	if err != nil {
		t.Fatal(err)
	}
	// The phase-0 request stays deferred; the writer waits on the
	// remote reader through a direct dependency.
	if got, want := tw.UnresolvedDeps(), 1; got != want {
		t.Errorf("got %v unresolved deps, want %v", got, want)
	}
	// Unit 0 attaches the direct dependency to its reader.
	settle(t, s0, func() bool {
		tr.Lock()
		defer tr.Unlock()
		return tr.remoteSucc != nil
	})
	// The reader itself is released at unit 1's next phase end.
	if err := s1.EndPhase(ctx, 2); err != nil {
		t.Fatal(err)
	}
	close(gate)
	waitBoth(t, s0, s1)
	if got, want := tw.State(), TaskFinished; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestReleaseTimeDirectDep verifies that when a writer with a remote
// reader finishes while a later local writer is still pending, the
// later writer is synchronized with the remote reader.
func TestReleaseTimeDirectDep(t *testing.T) {
	s0, s1, shutdown := startPair()
	defer shutdown()
	var (
		ctx   = context.Background()
		wgate = make(chan struct{})
		rgate = make(chan struct{})
		rdone = make(chan struct{})
		ptr   = pgrt.Gptr{Unit: 1, Addr: 0x8000}
	)
	tw, err := s1.Submit(ctx, func(interface{}) { <-wgate }, nil, pgrt.Out(ptr))
	if err != nil {
		t.Fatal(err)
	}
	_, err = s0.Submit(ctx, func(interface{}) {
		<-rgate
		close(rdone)
	}, nil, pgrt.In(ptr))
	if err != nil {
		t.Fatal(err)
	}
	settle(t, s1, func() bool {
		tw.Lock()
		defer tw.Unlock()
		return tw.remoteSucc != nil
	})
	// A second writer on unit 1 waits locally on the first.
	tw2, err := s1.Submit(ctx, func(interface{}) {
		select {
		case <-rdone:
		default:
			t.Error("second writer ran before the remote reader finished")
		}
	}, nil, pgrt.Out(ptr))
	if err != nil {
		t.Fatal(err)
	}
	// First writer finishes: it must send a direct-dependency request
	// for the pending second writer before releasing the reader.
	close(wgate)
	settle(t, s1, func() bool { return tw.State() == TaskFinished })
	settle(t, s0, func() bool { return tw2.UnresolvedDeps() == 1 })
	close(rgate)
	waitBoth(t, s0, s1)
	if got, want := tw2.State(), TaskFinished; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestRemoteWriteRejected verifies that inbound remote dependencies
// of kind other than IN are rejected without disturbing the session.
func TestRemoteWriteRejected(t *testing.T) {
	_, s1, shutdown := startPair()
	defer shutdown()
	var (
		ctx = context.Background()
		ptr = pgrt.Gptr{Unit: 1, Addr: 0x9000}
	)
	msg := remoteDepMsg{
		origin: 0,
		phase:  0,
		dep:    pgrt.Dep{Ptr: ptr, Kind: pgrt.DepOut},
		task:   pgrt.NewHandle(0),
	}
	if err := s1.handleRemoteDep(ctx, msg.encode()); err == nil {
		t.Error("expected error for remote OUT dependency")
	}
	s1.graph.mu.Lock()
	unhandled := s1.graph.unhandled
	s1.graph.mu.Unlock()
	if unhandled != nil {
		t.Error("rejected dependency left state behind")
	}
}
