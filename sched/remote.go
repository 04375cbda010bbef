// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pgrt"
	"github.com/grailbio/pgrt/transport"
)

// outMsg is an outbound protocol message, buffered while graph or
// task locks are held and sent after they are dropped.
type outMsg struct {
	target  pgrt.Unit
	kind    transport.Kind
	payload []byte
}

func (s *Session) sendAll(ctx context.Context, out []outMsg) error {
	for _, m := range out {
		if err := s.transport.Send(ctx, m.target, m.kind, m.payload); err != nil {
			return errors.E(err, "pgrt: sending protocol message")
		}
	}
	return nil
}

// A handleMap tracks task handles crossing the wire in both
// directions: handles this unit issued (so inbound RELEASE and
// DIRECT_DEP messages can find their task) and handles received from
// peers together with their origin (so conflicting registrations can
// be detected).
type handleMap struct {
	mu      sync.Mutex
	tasks   map[pgrt.TaskHandle]*Task
	origins map[pgrt.TaskHandle]pgrt.Unit
}

func newHandleMap() *handleMap {
	return &handleMap{
		tasks:   make(map[pgrt.TaskHandle]*Task),
		origins: make(map[pgrt.TaskHandle]pgrt.Unit),
	}
}

// register makes t reachable by its handle. Idempotent.
func (h *handleMap) register(t *Task) {
	h.mu.Lock()
	h.tasks[t.Handle] = t
	h.mu.Unlock()
}

// lookup resolves a handle this unit issued.
func (h *handleMap) lookup(handle pgrt.TaskHandle) (*Task, bool) {
	h.mu.Lock()
	t, ok := h.tasks[handle]
	h.mu.Unlock()
	return t, ok
}

// drop removes a handle this unit issued.
func (h *handleMap) drop(handle pgrt.TaskHandle) {
	h.mu.Lock()
	delete(h.tasks, handle)
	h.mu.Unlock()
}

// observe records a foreign handle and its origin. It returns false,
// recording nothing, if the handle was previously observed with a
// different origin, and true otherwise.
func (h *handleMap) observe(handle pgrt.TaskHandle, origin pgrt.Unit) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.origins[handle]; ok && prev != origin {
		return false
	}
	h.origins[handle] = origin
	return true
}

// forget removes a foreign handle observation.
func (h *handleMap) forget(handle pgrt.TaskHandle) {
	h.mu.Lock()
	delete(h.origins, handle)
	h.mu.Unlock()
}

// ProgressOnce drains the transport's inbound queue, dispatching any
// pending protocol messages. It never blocks waiting for messages and
// is safe to call from any goroutine, repeatedly. Handler errors are
// logged; they do not abort the receiver.
func (s *Session) ProgressOnce(ctx context.Context) error {
	return s.transport.Poll(ctx, func(kind transport.Kind, payload []byte) error {
		var err error
		switch kind {
		case kindRemoteDep:
			err = s.handleRemoteDep(ctx, payload)
		case kindDirectDep:
			err = s.handleDirectDep(ctx, payload)
		case kindRelease:
			err = s.handleRelease(payload)
		default:
			err = errors.E(errors.Invalid, "unknown message kind", int(kind))
		}
		if err != nil {
			log.Error.Printf("pgrt: handling inbound message kind %d: %v", kind, err)
		}
		return nil
	})
}

// handleRemoteDep binds an inbound remote dependency request to the
// latest local writer of its address. With no such writer yet, the
// request is deferred until a matching writer is submitted or the
// phase ends. Requests against an already finished writer are
// released immediately.
func (s *Session) handleRemoteDep(ctx context.Context, payload []byte) error {
	m, err := decodeRemoteDep(payload)
	if err != nil {
		return err
	}
	if m.dep.Kind != pgrt.DepIn {
		return errors.E(errors.Invalid, "remote dependencies must be of kind IN, got", m.dep.Kind)
	}
	if !s.handles.observe(m.task, m.origin) {
		return errors.E(errors.Precondition,
			"remote task handle registered with conflicting origin", m.origin)
	}

	// The entry's gptr unit field carries the origin from here on, so
	// that release knows where to send.
	dep := m.dep
	dep.Ptr.Unit = m.origin

	slot := hashGptr(m.dep.Ptr)
	s.graph.mu.Lock()
	for cur := s.graph.buckets[slot]; cur != nil; cur = cur.next {
		if cur.dep.Ptr.Addr != m.dep.Ptr.Addr || !cur.dep.Kind.IsWrite() {
			continue
		}
		writer := cur.task.local
		writer.Lock()
		if writer.state != TaskFinished {
			e := s.graph.allocLocked(remoteRef(m.task), dep)
			e.phase = m.phase
			e.next = writer.remoteSucc
			writer.remoteSucc = e
			writer.Unlock()
			s.graph.mu.Unlock()
			log.Debug.Printf("pgrt: %s satisfies remote dependency of task %s from unit %d",
				writer, m.task, m.origin)
			return nil
		}
		writer.Unlock()
		s.graph.mu.Unlock()
		// The writer has already finished: release right away.
		s.handles.forget(m.task)
		return s.sendAll(ctx, []outMsg{{
			target:  m.origin,
			kind:    kindRelease,
			payload: releaseMsg{origin: s.self, dep: m.dep, task: m.task}.encode(),
		}})
	}
	// No local writer yet; defer until one is submitted.
	e := s.graph.allocLocked(remoteRef(m.task), dep)
	e.phase = m.phase
	e.next = s.graph.unhandled
	s.graph.unhandled = e
	s.graph.mu.Unlock()
	log.Debug.Printf("pgrt: no local task satisfies remote dependency %s from unit %d; deferred",
		m.dep, m.origin)
	return nil
}

// handleDirectDep attaches a remote dependent task to one of our own
// tasks, named by a handle we issued earlier. The dependent is
// released like any other remote successor when our task finishes.
func (s *Session) handleDirectDep(ctx context.Context, payload []byte) error {
	m, err := decodeDirectDep(payload)
	if err != nil {
		return err
	}
	pred, ok := s.handles.lookup(m.pred)
	if !ok {
		return errors.E(errors.Precondition, "direct dependency names unknown task handle", m.pred)
	}
	dep := m.dep
	dep.Ptr.Unit = m.origin
	e := s.graph.alloc(remoteRef(m.dependent), dep)
	pred.Lock()
	if pred.state != TaskFinished {
		e.next = pred.remoteSucc
		pred.remoteSucc = e
		pred.Unlock()
		log.Debug.Printf("pgrt: direct dependency on %s from unit %d", pred, m.origin)
		return nil
	}
	pred.Unlock()
	s.graph.recycle(e)
	return s.sendAll(ctx, []outMsg{{
		target:  m.origin,
		kind:    kindRelease,
		payload: releaseMsg{origin: s.self, dep: dep, task: m.dependent}.encode(),
	}})
}

// handleRelease satisfies one remote dependency of a local task.
func (s *Session) handleRelease(payload []byte) error {
	m, err := decodeRelease(payload)
	if err != nil {
		return err
	}
	t, ok := s.handles.lookup(m.task)
	if !ok {
		return errors.E(errors.Precondition, "release names unknown task handle", m.task)
	}
	log.Debug.Printf("pgrt: release of %s from unit %d", t, m.origin)
	s.releaseDep(t, nil)
	return nil
}

// EndPhase advances the session to the given phase and flushes the
// unhandled-remote deferral list: a deferred request whose writer
// never materialized is vacuously satisfied for the ending phase, so
// a release is sent back to its origin.
func (s *Session) EndPhase(ctx context.Context, phase uint64) error {
	s.mu.Lock()
	if phase > s.phase {
		s.phase = phase
	}
	s.mu.Unlock()

	var out []outMsg
	s.graph.mu.Lock()
	for e := s.graph.unhandled; e != nil; {
		next := e.next
		log.Debug.Printf("pgrt: releasing remote task %s from unit %d, unhandled in phase %d",
			e.task.remote, e.dep.Ptr.Unit, e.phase)
		dep := e.dep
		out = append(out, outMsg{
			target:  dep.Ptr.Unit,
			kind:    kindRelease,
			payload: releaseMsg{origin: s.self, dep: dep, task: e.task.remote}.encode(),
		})
		s.handles.forget(e.task.remote)
		s.graph.recycleLocked(e)
		e = next
	}
	s.graph.unhandled = nil
	s.graph.mu.Unlock()
	return s.sendAll(ctx, out)
}
