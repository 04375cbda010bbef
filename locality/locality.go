// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package locality models the hardware locality of a distributed job
// as a tree of nested domains: the global job at the root, then
// nodes, processing modules, NUMA nodes, and finally one CORE-scope
// leaf per unit. The scheduler does not consult the tree: it neither
// pins workers nor chooses queues by locality, and only exposes the
// tree through its session accessors. Users query it by domain tag, a
// dot-separated path of child indices such as ".0.1.3".
package locality

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pgrt"
)

// Scope identifies a level of the locality hierarchy.
type Scope int

const (
	ScopeUndefined Scope = iota
	ScopeGlobal
	ScopeNode
	ScopeModule
	ScopeNUMA
	ScopeCore
)

var scopes = [...]string{
	ScopeUndefined: "UNDEFINED",
	ScopeGlobal:    "GLOBAL",
	ScopeNode:      "NODE",
	ScopeModule:    "MODULE",
	ScopeNUMA:      "NUMA",
	ScopeCore:      "CORE",
}

// String returns the scope as an upper-case string.
func (s Scope) String() string {
	if s < 0 || int(s) >= len(scopes) {
		return "INVALID"
	}
	return scopes[s]
}

// A Domain is one node of the locality tree.
type Domain struct {
	// Scope is the domain's level in the hierarchy.
	Scope Scope
	// Tag is the dot-path from the root, e.g. ".0.1.3". The root's
	// tag is ".".
	Tag string
	// Host is the host name the domain maps to.
	Host string
	// Level is the domain's depth; the root is at level 0.
	Level int
	// RelIndex is the domain's index in its parent's child list.
	RelIndex int
	// NodeID is the id of the node the domain belongs to.
	NodeID int
	// NumNodes is the number of compute nodes covered by the domain.
	NumNodes int
	// HW describes the hardware of the domain, narrowed from the
	// parent's at each level.
	HW HWInfo
	// Units lists the units owned by the domain.
	Units []pgrt.Unit

	Parent   *Domain
	Children []*Domain
}

// A Tree is a fully built locality hierarchy together with the
// per-unit locality records its leaves populated.
type Tree struct {
	Root  *Domain
	units map[pgrt.Unit]*UnitLocality
}

// hostTopology groups the job's units by host and classifies hosts
// into nodes and their modules. A host whose name extends another
// host's name (e.g. an accelerator card "nid0001-mic0" on node
// "nid0001") is a module of that node.
type hostTopology struct {
	nodes   []string            // node hosts, in first-seen order
	modules map[string][]string // node host -> module hosts (node first)
	units   map[string][]pgrt.Unit
}

func buildHostTopology(units []UnitInfo) hostTopology {
	topo := hostTopology{
		modules: make(map[string][]string),
		units:   make(map[string][]pgrt.Unit),
	}
	var hosts []string
	for _, u := range units {
		if _, ok := topo.units[u.Host]; !ok {
			hosts = append(hosts, u.Host)
		}
		topo.units[u.Host] = append(topo.units[u.Host], u.Unit)
	}
	// A host is a node unless its name extends another host's name.
	parent := make(map[string]string)
	for _, h := range hosts {
		for _, p := range hosts {
			if p != h && strings.HasPrefix(h, p) {
				parent[h] = p
				break
			}
		}
	}
	for _, h := range hosts {
		if _, sub := parent[h]; !sub {
			topo.nodes = append(topo.nodes, h)
			topo.modules[h] = []string{h}
		}
	}
	for _, h := range hosts {
		if p, sub := parent[h]; sub {
			topo.modules[p] = append(topo.modules[p], h)
		}
	}
	return topo
}

// nodeUnits returns all units on the node, including those of its
// module sub-hosts.
func (t hostTopology) nodeUnits(node string) []pgrt.Unit {
	var units []pgrt.Unit
	for _, h := range t.modules[node] {
		units = append(units, t.units[h]...)
	}
	return units
}

func (t hostTopology) numModules() int {
	n := 0
	for _, mods := range t.modules {
		n += len(mods)
	}
	return n
}

// Build constructs the locality tree for the given per-unit records.
// The records must cover every unit of the job exactly once.
// Construction fails if any unit's observed hardware contradicts the
// implied child counts; downstream consumers rely on a complete tree.
func Build(units []UnitInfo) (*Tree, error) {
	if len(units) == 0 {
		return nil, errors.E(errors.Invalid, "locality: no units")
	}
	topo := buildHostTopology(units)
	byUnit := make(map[pgrt.Unit]UnitInfo, len(units))
	for _, u := range units {
		if _, ok := byUnit[u.Unit]; ok {
			return nil, errors.E(errors.Invalid, "locality: duplicate unit", u.Unit)
		}
		byUnit[u.Unit] = u
	}
	tree := &Tree{units: make(map[pgrt.Unit]*UnitLocality, len(units))}
	for _, u := range units {
		tree.units[u.Unit] = &UnitLocality{Unit: u.Unit, Host: u.Host, HW: u.HW}
	}

	root := &Domain{
		Scope:    ScopeGlobal,
		Tag:      ".",
		Host:     units[0].Host,
		NumNodes: len(topo.nodes),
		HW:       units[0].HW,
	}
	root.HW.NumModules = topo.numModules()
	for _, u := range units {
		root.Units = append(root.Units, u.Unit)
	}
	log.Debug.Printf("locality: building tree: %d units, %d nodes, %d modules",
		len(units), root.NumNodes, root.HW.NumModules)
	if err := buildSubdomains(root, topo, byUnit, tree); err != nil {
		return nil, err
	}
	tree.Root = root
	return tree, nil
}

// buildSubdomains recursively populates dom's children according to
// the split rule for its scope.
func buildSubdomains(dom *Domain, topo hostTopology, byUnit map[pgrt.Unit]UnitInfo, tree *Tree) error {
	var n int
	switch dom.Scope {
	case ScopeGlobal:
		n = len(topo.nodes)
	case ScopeNode:
		n = len(topo.modules[dom.Host])
	case ScopeModule:
		n = dom.HW.NumNUMA
		if n <= 0 {
			n = 1
		}
	case ScopeNUMA:
		n = len(dom.Units)
	case ScopeCore:
		return nil
	default:
		return errors.E(errors.Invalid, "locality: undefined scope")
	}
	dom.Children = make([]*Domain, n)
	for i := range dom.Children {
		sub := &Domain{
			Host:     dom.Host,
			Level:    dom.Level + 1,
			RelIndex: i,
			NodeID:   dom.NodeID,
			NumNodes: 1,
			HW:       dom.HW,
			Parent:   dom,
		}
		if dom.Level == 0 {
			sub.Tag = fmt.Sprintf(".%d", i)
		} else {
			sub.Tag = fmt.Sprintf("%s.%d", dom.Tag, i)
		}
		var err error
		switch dom.Scope {
		case ScopeGlobal:
			err = splitGlobal(dom, sub, topo)
		case ScopeNode:
			err = splitNode(dom, sub, topo, byUnit)
		case ScopeModule:
			err = splitModule(dom, sub, byUnit)
		case ScopeNUMA:
			err = splitNUMA(dom, sub, tree)
		}
		if err != nil {
			return err
		}
		dom.Children[i] = sub
		if err := buildSubdomains(sub, topo, byUnit, tree); err != nil {
			return err
		}
	}
	return nil
}

// splitGlobal assigns one node per child: the relative index at
// global scope is the node id.
func splitGlobal(dom, sub *Domain, topo hostTopology) error {
	sub.Scope = ScopeNode
	sub.Host = topo.nodes[sub.RelIndex]
	sub.NodeID = sub.RelIndex
	sub.Units = topo.nodeUnits(sub.Host)
	sub.HW.NumModules = len(topo.modules[sub.Host])
	if len(sub.Units) == 0 {
		return errors.E(errors.Invalid, "locality: node without units", sub.Host)
	}
	return nil
}

// splitNode assigns one processing module per child. Usually there is
// only one module, the host system itself; co-processor sub-hosts
// make the partitioning heterogenous.
func splitNode(dom, sub *Domain, topo hostTopology, byUnit map[pgrt.Unit]UnitInfo) error {
	sub.Scope = ScopeModule
	sub.Host = topo.modules[dom.Host][sub.RelIndex]
	sub.Units = topo.units[sub.Host]
	sub.HW.NumModules = 1
	if len(sub.Units) == 0 {
		return errors.E(errors.Invalid, "locality: module without units", sub.Host)
	}
	// The module's NUMA count comes from its units' observed
	// hardware, not the parent's.
	sub.HW.NumNUMA = byUnit[sub.Units[0]].HW.NumNUMA
	for _, u := range sub.Units {
		if id := byUnit[u].HW.NumaID; id >= sub.HW.NumNUMA {
			return errors.E(errors.Invalid,
				fmt.Sprintf("locality: unit %d has numa id %d outside module's %d NUMA nodes",
					u, id, sub.HW.NumNUMA))
		}
	}
	return nil
}

// splitModule assigns units to NUMA children by their observed numa
// id. Two passes: count, then assign. A unit's numa id is assumed to
// equal the child's relative index.
func splitModule(dom, sub *Domain, byUnit map[pgrt.Unit]UnitInfo) error {
	sub.Scope = ScopeNUMA
	count := 0
	for _, u := range dom.Units {
		if numaID(byUnit[u]) == sub.RelIndex {
			count++
		}
	}
	sub.Units = make([]pgrt.Unit, 0, count)
	for _, u := range dom.Units {
		if numaID(byUnit[u]) == sub.RelIndex {
			sub.Units = append(sub.Units, u)
		}
	}
	sub.HW.NumModules = 1
	sub.HW.NumNUMA = 1
	sub.HW.NumCores = count
	return nil
}

func numaID(u UnitInfo) int {
	if u.HW.NumaID < 0 {
		return 0
	}
	return u.HW.NumaID
}

// splitNUMA creates one CORE-scope leaf per unit and writes the
// leaf's tag back into the unit's locality record.
func splitNUMA(dom, sub *Domain, tree *Tree) error {
	sub.Scope = ScopeCore
	sub.Units = []pgrt.Unit{dom.Units[sub.RelIndex]}
	sub.HW.NumModules = 1
	sub.HW.NumNUMA = 1
	sub.HW.NumCores = 1
	if n := len(dom.Units); n > 0 && dom.HW.NumCores >= n {
		sub.HW.NumCores = dom.HW.NumCores / n
	}
	ul := tree.units[sub.Units[0]]
	ul.DomainTag = sub.Tag
	ul.Host = sub.Host
	return nil
}

// Domain resolves a domain tag to its domain, descending from the
// root one child index per tag part.
func (t *Tree) Domain(tag string) (*Domain, error) {
	if tag == "" || tag[0] != '.' {
		return nil, errors.E(errors.Invalid, "locality: malformed domain tag", tag)
	}
	dom := t.Root
	if tag == "." {
		return dom, nil
	}
	for _, part := range strings.Split(tag[1:], ".") {
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 {
			return nil, errors.E(errors.Invalid, "locality: malformed domain tag", tag)
		}
		if len(dom.Children) == 0 {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("locality: domain %q: tag %q descends past a leaf", dom.Tag, tag))
		}
		if idx >= len(dom.Children) {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("locality: domain %q: child index %d out of bounds (%d children)",
					dom.Tag, idx, len(dom.Children)))
		}
		dom = dom.Children[idx]
	}
	return dom, nil
}

// Unit returns the locality record of the given unit.
func (t *Tree) Unit(u pgrt.Unit) (*UnitLocality, error) {
	ul, ok := t.units[u]
	if !ok {
		return nil, errors.E(errors.Invalid, "locality: unknown unit", u)
	}
	return ul, nil
}
