// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/pgrt"
	"github.com/grailbio/pgrt/transport"
)

func init() {
	config.Register("pgrt", func(inst *config.Constructor) {
		var parallelism int
		inst.IntVar(&parallelism, "parallelism", 0,
			"number of worker goroutines per unit (0 = GOMAXPROCS)")
		inst.Doc = "pgrt configures a single-unit session of the task dependency engine"
		inst.New = func() (interface{}, error) {
			return Start(soloCluster{}, soloAddressing{},
				transport.NewMesh(1).Unit(0), Parallelism(parallelism)), nil
		}
	})
}

// soloCluster is the membership of a profile-built session: the job
// is just this process.
type soloCluster struct{}

func (soloCluster) Myid() pgrt.Unit { return 0 }
func (soloCluster) Size() int       { return 1 }

// soloAddressing treats every global pointer as already absolute; a
// single-unit job has no segment translation to do.
type soloAddressing struct{}

func (soloAddressing) Resolve(p pgrt.Gptr) (uint64, error) { return p.Addr, nil }
