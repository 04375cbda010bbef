// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pgrt"
)

// resolveDeps wires task t into the dependency graph: for every
// declared dependency it installs predecessor edges against earlier
// accesses of the same address, posts remote dependency requests for
// addresses owned by peers, records t as the latest access, and
// reconciles remote requests that were deferred waiting for a local
// writer.
//
// The scan of each bucket chain stops at the first write access to
// the address: a writer is totally ordered against every earlier
// access, so earlier entries are already transitively ordered
// through it.
func (s *Session) resolveDeps(ctx context.Context, t *Task, deps []pgrt.Dep) error {
	var out []outMsg
	for i, dep := range deps {
		if dep.Kind == pgrt.DepDirect {
			return errors.E(errors.Invalid, "direct dependencies cannot be user-submitted")
		}
		addr, err := s.addressing.Resolve(dep.Ptr)
		if err != nil {
			return errors.E(err, "pgrt: resolving dependency", i)
		}
		dep.Ptr.Addr = addr

		if dep.Ptr.Unit != s.self {
			// The owning unit tracks this dependency; it will send a
			// release once the latest writer there has finished.
			t.addDep()
			s.handles.register(t)
			out = append(out, outMsg{
				target: dep.Ptr.Unit,
				kind:   kindRemoteDep,
				payload: remoteDepMsg{
					origin: s.self,
					phase:  t.Phase,
					dep:    dep,
					task:   t.Handle,
				}.encode(),
			})
			continue
		}

		e := s.graph.alloc(localRef(t), dep)
		e.phase = t.Phase
		slot := hashGptr(dep.Ptr)

		s.graph.mu.Lock()
		for cur := s.graph.buckets[slot]; cur != nil; cur = cur.next {
			if cur.dep.Ptr.Addr != dep.Ptr.Addr {
				continue
			}
			pred := cur.task.local
			if pred == t {
				// The task already accesses this address through an
				// earlier dependency; it cannot wait for itself.
				continue
			}
			pred.Lock()
			if pred.state != TaskFinished &&
				(dep.Kind.IsWrite() || cur.dep.Kind.IsWrite()) {
				n := t.addDep()
				pred.localSucc = append(pred.localSucc, t)
				log.Debug.Printf("pgrt: %s waits for %s (%d unresolved)", t, pred, n)
			}
			pred.Unlock()
			if cur.dep.Kind.IsWrite() {
				// Earlier accesses are ordered through this writer.
				break
			}
		}
		e.next = s.graph.buckets[slot]
		s.graph.buckets[slot] = e

		if dep.Kind.IsWrite() {
			out = append(out, s.reconcileDeferredLocked(t, dep)...)
		}
		s.graph.mu.Unlock()
	}
	return s.sendAll(ctx, out)
}

// reconcileDeferredLocked scans the unhandled-remote deferral list for
// requests on the same address as the new write dependency dep of
// task t. A request from t's own phase is transferred onto t's remote
// successor list; a request from an earlier phase instead makes t
// wait for the remote reader through a direct dependency, and stays
// on the list for later writers. Caller holds the graph mutex.
func (s *Session) reconcileDeferredLocked(t *Task, dep pgrt.Dep) []outMsg {
	var (
		out  []outMsg
		prev *entry
	)
	for e := s.graph.unhandled; e != nil; {
		next := e.next
		if e.dep.Ptr.Addr != dep.Ptr.Addr {
			prev = e
			e = next
			continue
		}
		switch {
		case e.phase == t.Phase:
			if prev == nil {
				s.graph.unhandled = next
			} else {
				prev.next = next
			}
			log.Debug.Printf("pgrt: deferred remote dependency %s from unit %d handled by %s",
				e.dep, e.dep.Ptr.Unit, t)
			t.Lock()
			e.next = t.remoteSucc
			t.remoteSucc = e
			t.Unlock()
		case e.phase < t.Phase:
			// The remote reader predates t: t must not overwrite the
			// data before the reader is done with it.
			t.addDep()
			s.handles.register(t)
			out = append(out, outMsg{
				target: e.dep.Ptr.Unit,
				kind:   kindDirectDep,
				payload: directDepMsg{
					origin:    s.self,
					dep:       pgrt.Dep{Kind: pgrt.DepDirect},
					pred:      e.task.remote,
					dependent: t.Handle,
				}.encode(),
			})
			prev = e
		default:
			prev = e
		}
		e = next
	}
	return out
}

// finish retires task t: it notifies remote successors first, then
// local ones, and finally drops t's handle registration. Remote
// releases go out before local successors run so that a local
// successor cannot overwrite an address before the peer has observed
// the release that covers the previous value.
func (s *Session) finish(ctx context.Context, t *Task, w *worker) {
	t.setState(TaskFinished)

	t.Lock()
	rs := t.remoteSucc
	t.remoteSucc = nil
	t.Unlock()
	var out []outMsg
	for e := rs; e != nil; {
		next := e.next
		if e.dep.Kind != pgrt.DepDirect {
			out = append(out, s.directDepsFor(e)...)
		}
		out = append(out, outMsg{
			target: e.dep.Ptr.Unit,
			kind:   kindRelease,
			payload: releaseMsg{
				origin: s.self,
				dep:    e.dep,
				task:   e.task.remote,
			}.encode(),
		})
		s.handles.forget(e.task.remote)
		s.graph.recycle(e)
		e = next
	}
	if err := s.sendAll(ctx, out); err != nil {
		log.Error.Printf("pgrt: releasing remote successors of %s: %v", t, err)
	}

	t.Lock()
	succ := t.localSucc
	t.localSucc = nil
	t.Unlock()
	for _, next := range succ {
		s.releaseDep(next, w)
	}

	s.handles.drop(t.Handle)
	s.taskDone()
}

// releaseDep drops one unresolved dependency of t, enqueueing it when
// none remain. A negative count indicates a double release.
func (s *Session) releaseDep(t *Task, w *worker) {
	switch n := t.dropDep(); {
	case n < 0:
		log.Panicf("pgrt: %s released twice (unresolved %d)", t, n)
	case n == 0:
		s.enqueue(t, w)
	default:
		log.Debug.Printf("pgrt: %s has %d dependencies left", t, n)
	}
}

// directDepsFor collects direct-dependency requests for local write
// tasks that must wait for the remote reader named by the remote
// successor entry e. The bucket scan stops at the first task with no
// unresolved dependencies: that task is already (being) executed, and
// every earlier entry has been released as well.
func (s *Session) directDepsFor(e *entry) []outMsg {
	var out []outMsg
	slot := hashGptr(e.dep.Ptr)
	s.graph.mu.Lock()
	for cur := s.graph.buckets[slot]; cur != nil; cur = cur.next {
		if cur.task.local.UnresolvedDeps() == 0 {
			break
		}
		if cur.dep.Ptr.Addr == e.dep.Ptr.Addr && cur.dep.Kind.IsWrite() {
			waiter := cur.task.local
			waiter.addDep()
			s.handles.register(waiter)
			out = append(out, outMsg{
				target: e.dep.Ptr.Unit,
				kind:   kindDirectDep,
				payload: directDepMsg{
					origin:    s.self,
					dep:       pgrt.Dep{Kind: pgrt.DepDirect},
					pred:      e.task.remote,
					dependent: waiter.Handle,
				}.encode(),
			})
			log.Debug.Printf("pgrt: %s directly depends on remote task %s", waiter, e.task.remote)
		}
	}
	s.graph.mu.Unlock()
	return out
}
