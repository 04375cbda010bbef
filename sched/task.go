// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/pgrt"
)

// TaskState represents the runtime state of a Task. TaskState values
// are defined so that their magnitudes correspond with task
// progression.
type TaskState int

const (
	// TaskCreated is the initial state of a task: it has been
	// submitted and its dependencies are being resolved.
	TaskCreated TaskState = iota
	// TaskQueued indicates that all of the task's dependencies have
	// been satisfied and the task sits on a worker queue.
	TaskQueued
	// TaskRunning is the state of a task that is currently executing
	// on a worker. After a task is in state TaskRunning, it can only
	// enter a larger-valued state.
	TaskRunning
	// TaskFinished indicates that the task has run to completion. The
	// state is set before the release path notifies the task's
	// successors; no successor is attached to a task in this state.
	TaskFinished
	// TaskCancelled indicates that the task was retired without
	// running because resolving its dependencies failed at submission.
	TaskCancelled

	maxState
)

var states = [...]string{
	TaskCreated:   "CREATED",
	TaskQueued:    "QUEUED",
	TaskRunning:   "RUNNING",
	TaskFinished:  "FINISHED",
	TaskCancelled: "CANCELLED",
}

// String returns the task's state as an upper-case string.
func (s TaskState) String() string {
	return states[s]
}

// TaskFunc is the user-supplied body of a task. It is invoked with
// the argument payload given at submission.
type TaskFunc func(arg interface{})

// A Task is one unit of user work together with the bookkeeping the
// scheduler needs to order it: the unresolved-dependency counter,
// the successor lists populated by the dependency resolver, and a
// mutex coordinating resolver, release path and remote handlers.
//
// Tasks are created by Session.Submit and owned by the scheduler
// until they reach TaskFinished, after which the release path drains
// both successor lists.
type Task struct {
	// Fn and Arg are the task body and its argument payload.
	Fn  TaskFunc
	Arg interface{}

	// Phase is the user-chosen epoch in which the task was submitted.
	Phase uint64

	// Handle names this task to peer units. It is minted at
	// submission and registered while the task has remote
	// predecessors.
	Handle pgrt.TaskHandle

	// id is a session-unique sequence number, used only for logging.
	id uint64

	// unresolvedDeps counts predecessors that have not yet finished,
	// plus one submission hold that is dropped when the resolver has
	// seen every declared dependency. The task is enqueued when the
	// count reaches zero. Accessed atomically.
	unresolvedDeps int32

	sync.Mutex

	// state is guarded by the task's mutex.
	state TaskState

	// localSucc holds same-unit tasks that must wait for this task.
	// Guarded by the task's mutex until the task is finished, after
	// which only the release path touches it.
	localSucc []*Task

	// remoteSucc heads a LIFO list of dephash entries naming peer
	// tasks (and direct dependents) to notify on completion. Guarded
	// by the task's mutex.
	remoteSucc *entry
}

// String returns a short, human-readable string describing the task's
// state. State is read without the task's mutex so that String is
// safe to call while the lock is held.
func (t *Task) String() string {
	return fmt.Sprintf("task %d [phase %d] %s", t.id, t.Phase, t.state)
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.Lock()
	state := t.state
	t.Unlock()
	return state
}

func (t *Task) setState(state TaskState) {
	t.Lock()
	t.state = state
	t.Unlock()
}

// UnresolvedDeps returns the task's current count of unsatisfied
// dependencies. It is advisory: the value may change as soon as it is
// read.
func (t *Task) UnresolvedDeps() int {
	return int(atomic.LoadInt32(&t.unresolvedDeps))
}

func (t *Task) addDep() int32 {
	return atomic.AddInt32(&t.unresolvedDeps, 1)
}

func (t *Task) dropDep() int32 {
	return atomic.AddInt32(&t.unresolvedDeps, -1)
}
