// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sched implements the pgrt task dependency engine: a
// per-unit scheduler that accepts tasks annotated with read/write
// dependencies on global memory and runs them in an order preserving
// serial semantics per address, locally and across units.
//
// A Session owns the unit's dependency graph, its worker goroutines
// and its view of the transport. Tasks are submitted with
// Session.Submit; Session.WaitAll blocks until every submitted task
// has finished, servicing the transport while it waits.
package sched

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/pgrt"
	"github.com/grailbio/pgrt/locality"
	"github.com/grailbio/pgrt/transport"
)

// idleInterval is how long an idle worker sleeps between transport
// polls when no wakeup arrives.
const idleInterval = 100 * time.Microsecond

// waitPollInterval bounds how long WaitAll goes between transport
// polls.
const waitPollInterval = time.Millisecond

// An Option configures a Session.
type Option func(*Session)

// Parallelism sets the number of worker goroutines. The default is
// runtime.GOMAXPROCS(0), or the value configured in the pgrt config
// profile.
func Parallelism(n int) Option {
	return func(s *Session) { s.p = n }
}

// Status directs per-task status reporting to the provided group.
func Status(group *status.Group) Option {
	return func(s *Session) { s.status = group }
}

// BackgroundProgress starts a goroutine that polls the transport
// continuously, for units whose workers may all be busy in long
// tasks.
func BackgroundProgress() Option {
	return func(s *Session) { s.backgroundProgress = true }
}

// Locality attaches a locality tree to the session, making it
// available through Session.Domain and Session.UnitLocality.
func Locality(tree *locality.Tree) Option {
	return func(s *Session) { s.locality = tree }
}

// A Session is one unit's task dependency engine.
type Session struct {
	self       pgrt.Unit
	cluster    pgrt.Cluster
	addressing pgrt.Addressing
	transport  transport.Transport

	graph   graph
	handles *handleMap

	mu          sync.Mutex
	cond        *ctxsync.Cond
	outstanding int
	phase       uint64
	nextID      uint64
	rr          int

	p                  int
	status             *status.Group
	backgroundProgress bool
	locality           *locality.Tree

	workers []*worker
	wakec   chan struct{}
	donec   chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Start creates a session for this unit and launches its workers.
func Start(cluster pgrt.Cluster, addressing pgrt.Addressing, tp transport.Transport, options ...Option) *Session {
	s := &Session{
		self:       cluster.Myid(),
		cluster:    cluster,
		addressing: addressing,
		transport:  tp,
		handles:    newHandleMap(),
		wakec:      make(chan struct{}, 1),
		donec:      make(chan struct{}),
	}
	s.cond = ctxsync.NewCond(&s.mu)
	for _, opt := range options {
		opt(s)
	}
	if s.p <= 0 {
		s.p = runtime.GOMAXPROCS(0)
	}
	s.workers = make([]*worker, s.p)
	for i := range s.workers {
		s.workers[i] = &worker{sess: s, index: i}
		s.wg.Add(1)
		go s.workers[i].run()
	}
	if s.backgroundProgress {
		s.wg.Add(1)
		go s.progressLoop()
	}
	log.Debug.Printf("pgrt: session started: unit %d of %d, %d workers",
		s.self, s.cluster.Size(), s.p)
	return s
}

// Phase returns the session's current phase.
func (s *Session) Phase() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Domain resolves a locality domain tag on the session's locality
// tree.
func (s *Session) Domain(tag string) (*locality.Domain, error) {
	if s.locality == nil {
		return nil, errors.E(errors.Invalid, "pgrt: session has no locality tree")
	}
	return s.locality.Domain(tag)
}

// UnitLocality returns the locality record of the given unit.
func (s *Session) UnitLocality(u pgrt.Unit) (*locality.UnitLocality, error) {
	if s.locality == nil {
		return nil, errors.E(errors.Invalid, "pgrt: session has no locality tree")
	}
	return s.locality.Unit(u)
}

// Submit creates a task running fn with arg once every declared
// dependency is satisfied. The returned task may already be queued,
// running, or finished by the time Submit returns.
func (s *Session) Submit(ctx context.Context, fn TaskFunc, arg interface{}, deps ...pgrt.Dep) (*Task, error) {
	if fn == nil {
		return nil, errors.E(errors.Invalid, "pgrt: nil task function")
	}
	s.mu.Lock()
	s.nextID++
	t := &Task{
		Fn:    fn,
		Arg:   arg,
		Phase: s.phase,
		id:    s.nextID,
		// The submission hold keeps the task off the queue until
		// every dependency has been examined.
		unresolvedDeps: 1,
		Handle:         pgrt.NewHandle(s.self),
	}
	s.outstanding++
	s.mu.Unlock()
	log.Debug.Printf("pgrt: %s submitted with %d dependencies", t, len(deps))
	if err := s.resolveDeps(ctx, t, deps); err != nil {
		t.setState(TaskCancelled)
		s.taskDone()
		return nil, err
	}
	s.releaseDep(t, nil)
	return t, nil
}

// WaitAll blocks until every task submitted to the session has
// finished, polling the transport while it waits so that remote
// releases keep flowing even when all workers are parked.
func (s *Session) WaitAll(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.outstanding == 0 {
			s.mu.Unlock()
			return nil
		}
		waitc := s.cond.Done()
		if err := s.ProgressOnce(ctx); err != nil {
			return err
		}
		select {
		case <-waitc:
		case <-time.After(waitPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops the session's workers and recycles the dependency
// table. Tasks still queued are abandoned; Shutdown is intended to be
// called after WaitAll.
func (s *Session) Shutdown() {
	s.once.Do(func() { close(s.donec) })
	s.wg.Wait()
	s.graph.reset()
}

func (s *Session) progressLoop() {
	defer s.wg.Done()
	ctx := backgroundcontext.Get()
	for {
		select {
		case <-s.donec:
			return
		case <-time.After(idleInterval):
		}
		if err := s.ProgressOnce(ctx); err != nil {
			log.Error.Printf("pgrt: background progress: %v", err)
		}
	}
}

// enqueue makes t runnable. Tasks released by a worker go onto that
// worker's own queue; everything else is spread round-robin.
func (s *Session) enqueue(t *Task, w *worker) {
	t.setState(TaskQueued)
	if w == nil {
		s.mu.Lock()
		w = s.workers[s.rr%len(s.workers)]
		s.rr++
		s.mu.Unlock()
	}
	w.queue.push(t)
	select {
	case s.wakec <- struct{}{}:
	default:
	}
}

// taskDone retires one outstanding task, waking WaitAll.
func (s *Session) taskDone() {
	s.mu.Lock()
	s.outstanding--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// steal takes a task from some other worker's queue.
func (s *Session) steal(self int) *Task {
	for i, w := range s.workers {
		if i == self {
			continue
		}
		if t := w.queue.steal(); t != nil {
			return t
		}
	}
	return nil
}

// A worker owns one local task queue and executes tasks to
// completion, with no preemption. Idle workers steal from siblings
// and cooperatively service the transport.
type worker struct {
	sess  *Session
	index int
	queue taskQueue
}

func (w *worker) run() {
	defer w.sess.wg.Done()
	ctx := backgroundcontext.Get()
	for {
		select {
		case <-w.sess.donec:
			return
		default:
		}
		t := w.queue.pop()
		if t == nil {
			t = w.sess.steal(w.index)
		}
		if t == nil {
			if err := w.sess.ProgressOnce(ctx); err != nil {
				log.Error.Printf("pgrt: worker %d progress: %v", w.index, err)
			}
			select {
			case <-w.sess.wakec:
			case <-time.After(idleInterval):
			case <-w.sess.donec:
				return
			}
			continue
		}
		w.exec(ctx, t)
	}
}

func (w *worker) exec(ctx context.Context, t *Task) {
	t.setState(TaskRunning)
	var st *status.Task
	if w.sess.status != nil {
		st = w.sess.status.Startf("task %d", t.id)
	}
	t.Fn(t.Arg)
	if st != nil {
		st.Done()
	}
	w.sess.finish(ctx, t, w)
}
