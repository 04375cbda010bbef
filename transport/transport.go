// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport defines the messaging surface consumed by the
// pgrt scheduler and provides two implementations: an in-process
// loopback mesh, used by tests and single-process jobs, and a
// bigmachine-backed transport for distributed jobs.
//
// The scheduler requires very little of a transport: asynchronous,
// non-blocking sends that preserve order between any pair of units,
// and a non-blocking poll that drains inbound messages. Payloads are
// opaque to the transport; the scheduler's wire codec interprets
// them.
package transport

import (
	"context"

	"github.com/grailbio/pgrt"
)

// A Kind discriminates protocol messages. Kinds are assigned by the
// scheduler; the transport carries them verbatim.
type Kind uint16

// Handler receives inbound messages during a Poll.
type Handler func(kind Kind, payload []byte) error

// Transport delivers protocol messages between the units of a job.
// Implementations must preserve order per (sender, receiver) pair and
// must not block in Send or Poll.
type Transport interface {
	// Send enqueues payload for delivery to the target unit. Send
	// returns as soon as the message is accepted for delivery.
	Send(ctx context.Context, target pgrt.Unit, kind Kind, payload []byte) error

	// Poll drains currently available inbound messages, invoking
	// deliver for each. Poll does not wait for messages to arrive;
	// it returns once the inbound queue is observed empty or deliver
	// returns an error.
	Poll(ctx context.Context, deliver Handler) error
}
