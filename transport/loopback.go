// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pgrt"
)

// A Mesh connects a set of in-process units with FIFO message
// queues. Meshes stand in for a real cluster in tests and when a job
// runs all of its units inside one process.
type Mesh struct {
	mu     sync.Mutex
	queues [][]message
}

type message struct {
	kind    Kind
	payload []byte
}

// NewMesh returns a mesh connecting n units.
func NewMesh(n int) *Mesh {
	return &Mesh{queues: make([][]message, n)}
}

// Unit returns the transport endpoint for unit u of the mesh.
func (m *Mesh) Unit(u pgrt.Unit) Transport {
	return &loopback{mesh: m, unit: u}
}

func (m *Mesh) send(target pgrt.Unit, kind Kind, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(target) >= len(m.queues) {
		return errors.E(errors.Invalid, "loopback: no such unit", target)
	}
	// Payloads are copied so that callers may reuse their buffers.
	p := make([]byte, len(payload))
	copy(p, payload)
	m.queues[target] = append(m.queues[target], message{kind, p})
	return nil
}

func (m *Mesh) drain(u pgrt.Unit) []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.queues[u]
	m.queues[u] = nil
	return msgs
}

// A loopback is one unit's endpoint of a mesh.
type loopback struct {
	mesh *Mesh
	unit pgrt.Unit
}

func (l *loopback) Send(ctx context.Context, target pgrt.Unit, kind Kind, payload []byte) error {
	return l.mesh.send(target, kind, payload)
}

func (l *loopback) Poll(ctx context.Context, deliver Handler) error {
	for _, msg := range l.mesh.drain(l.unit) {
		if err := deliver(msg.kind, msg.payload); err != nil {
			return err
		}
	}
	return nil
}
