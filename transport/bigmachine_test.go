// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/bigmachine/testsystem"
)

// TestCluster starts an in-process bigmachine cluster and pushes a
// message through the driver's endpoint.
func TestCluster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := StartCluster(ctx, testsystem.New(), 2)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()
	driver := c.Driver()
	if err := driver.Send(ctx, 1, Kind(3), []byte("hello")); err != nil {
		t.Fatal(err)
	}
	// The machine buffered the message for its local scheduler;
	// nothing is bound for the driver.
	if err := driver.Poll(ctx, func(Kind, []byte) error {
		t.Error("unexpected driver-bound message")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := driver.Send(ctx, 0, 0, nil); err == nil {
		t.Error("expected error sending to the driver itself")
	}
}
