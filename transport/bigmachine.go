// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/gob"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/pgrt"
)

func init() {
	gob.Register(&depService{})
}

// retryPolicy is the backoff applied to failed machine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// maxOutbound bounds the number of concurrent outbound Deliver calls
// per unit.
const maxOutbound = 64

// A Msg is the gob-encoded unit of exchange between depServices.
type Msg struct {
	Target  pgrt.Unit
	Kind    Kind
	Payload []byte
}

// A Cluster runs one bigmachine machine per peer unit and routes
// protocol messages between them. The driver process is unit 0;
// machines are units 1..n-1. Peer machines deliver to each other
// directly; messages for the driver are buffered on the sending
// machine and collected by the driver's Poll.
type Cluster struct {
	b        *bigmachine.B
	n        int
	machines []*bigmachine.Machine
}

// StartCluster starts n-1 machines on the provided bigmachine system
// and wires a depService on each, returning the assembled cluster.
// StartCluster returns after every machine is running and configured
// with its unit id and the peer address table.
func StartCluster(ctx context.Context, system bigmachine.System, n int) (*Cluster, error) {
	c := &Cluster{
		b: bigmachine.Start(system),
		n: n,
	}
	machines, err := c.b.Start(ctx, n-1, bigmachine.Services{"Dep": &depService{}})
	if err != nil {
		return nil, errors.E(err, "pgrt: starting dependency transport machines")
	}
	c.machines = machines
	addrs := make([]string, n)
	for i, m := range machines {
		<-m.Wait(bigmachine.Running)
		addrs[i+1] = m.Addr
	}
	err = traverse.Each(len(machines), func(i int) error {
		cfg := depConfig{Unit: pgrt.Unit(i + 1), N: n, Addrs: addrs}
		return machines[i].RetryCall(ctx, "Dep.Configure", cfg, nil)
	})
	if err != nil {
		return nil, errors.E(err, "pgrt: configuring dependency transport")
	}
	return c, nil
}

// Driver returns the driver's (unit 0's) transport endpoint.
func (c *Cluster) Driver() Transport {
	return &driverTransport{c}
}

// Shutdown tears the cluster's machines down.
func (c *Cluster) Shutdown() {
	c.b.Shutdown()
}

// driverTransport is the unit-0 view of a cluster. Sends go straight
// to the target machine; polls collect driver-bound messages that the
// machines have buffered.
type driverTransport struct {
	c *Cluster
}

func (d *driverTransport) Send(ctx context.Context, target pgrt.Unit, kind Kind, payload []byte) error {
	if target == 0 || int(target) >= d.c.n {
		return errors.E(errors.Invalid, "pgrt: bad send target", target)
	}
	m := d.c.machines[target-1]
	msg := Msg{Target: target, Kind: kind, Payload: payload}
	return m.RetryCall(ctx, "Dep.Deliver", msg, nil)
}

func (d *driverTransport) Poll(ctx context.Context, deliver Handler) error {
	for _, m := range d.c.machines {
		var msgs []Msg
		if err := m.RetryCall(ctx, "Dep.Fetch", struct{}{}, &msgs); err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := deliver(msg.Kind, msg.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// depConfig carries a machine's unit assignment and the cluster's
// address table.
type depConfig struct {
	Unit  pgrt.Unit
	N     int
	Addrs []string
}

// depService runs on every machine of a cluster. It buffers inbound
// messages for the local scheduler's Poll and relays outbound
// messages to peer machines, dialing them lazily by address.
type depService struct {
	b *bigmachine.B

	mu     sync.Mutex
	unit   pgrt.Unit
	n      int
	addrs  []string
	inbox  []Msg
	outbox []Msg // messages bound for the driver
	peers  map[pgrt.Unit]*bigmachine.Machine

	lim *limiter.Limiter
}

// Init implements bigmachine's service initialization.
func (s *depService) Init(b *bigmachine.B) error {
	s.b = b
	s.lim = limiter.New()
	s.lim.Release(maxOutbound)
	return nil
}

// Configure assigns the service its unit id and peer address table.
func (s *depService) Configure(ctx context.Context, cfg depConfig, _ *struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unit = cfg.Unit
	s.n = cfg.N
	s.addrs = cfg.Addrs
	s.peers = make(map[pgrt.Unit]*bigmachine.Machine)
	return nil
}

// Deliver accepts a message from a peer, queueing it for the local
// scheduler.
func (s *depService) Deliver(ctx context.Context, msg Msg, _ *struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, msg)
	return nil
}

// Fetch returns and clears the messages this machine has buffered for
// the driver.
func (s *depService) Fetch(ctx context.Context, _ struct{}, msgs *[]Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*msgs = s.outbox
	s.outbox = nil
	return nil
}

func (s *depService) dial(ctx context.Context, target pgrt.Unit) (*bigmachine.Machine, error) {
	s.mu.Lock()
	m, ok := s.peers[target]
	addr := s.addrs[target]
	s.mu.Unlock()
	if ok {
		return m, nil
	}
	m, err := s.b.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.peers[target] = m
	s.mu.Unlock()
	return m, nil
}

// Send implements Transport for the machine-local scheduler.
func (s *depService) Send(ctx context.Context, target pgrt.Unit, kind Kind, payload []byte) error {
	if int(target) >= s.n {
		return errors.E(errors.Invalid, "pgrt: bad send target", target)
	}
	msg := Msg{Target: target, Kind: kind, Payload: payload}
	if target == 0 {
		s.mu.Lock()
		s.outbox = append(s.outbox, msg)
		s.mu.Unlock()
		return nil
	}
	if err := s.lim.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lim.Release(1)
	m, err := s.dial(ctx, target)
	if err != nil {
		return err
	}
	for retries := 0; ; retries++ {
		err = m.Call(ctx, "Dep.Deliver", msg, nil)
		if err == nil || !(errors.Is(errors.Net, err) || errors.IsTemporary(err)) {
			return err
		}
		log.Error.Printf("pgrt: deliver to unit %d: %v (retrying)", target, err)
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return err
		}
	}
}

// Poll implements Transport for the machine-local scheduler.
func (s *depService) Poll(ctx context.Context, deliver Handler) error {
	s.mu.Lock()
	msgs := s.inbox
	s.inbox = nil
	s.mu.Unlock()
	for _, msg := range msgs {
		if err := deliver(msg.Kind, msg.Payload); err != nil {
			return err
		}
	}
	return nil
}
