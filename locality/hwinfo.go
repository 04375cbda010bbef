// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package locality

import "github.com/grailbio/pgrt"

// HWInfo describes the hardware visible to one unit or one locality
// domain. Records are populated by the host runtime's introspection
// layer; the locality tree only copies and narrows them.
type HWInfo struct {
	// NumaID and CPUID locate the unit on its module. They are -1
	// when unknown.
	NumaID int
	CPUID  int
	// NumCores is the number of physical cores available in the
	// domain.
	NumCores int
	// MinThreads and MaxThreads bound the hardware threads per core.
	MinThreads int
	MaxThreads int
	// MinCPUMhz and MaxCPUMhz bound the core clock.
	MinCPUMhz int
	MaxCPUMhz int
	// NumModules is the number of processing modules in the domain.
	NumModules int
	// NumNUMA is the number of NUMA nodes in the domain.
	NumNUMA int
}

// A UnitInfo is the per-unit input to tree construction: the unit's
// id, the host it runs on, and its observed hardware.
type UnitInfo struct {
	Unit pgrt.Unit
	Host string
	HW   HWInfo
}

// A UnitLocality records where in the built tree a unit landed. The
// DomainTag names the CORE-scope leaf owning the unit.
type UnitLocality struct {
	Unit      pgrt.Unit
	DomainTag string
	Host      string
	HW        HWInfo
}
