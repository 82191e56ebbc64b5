// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trdp

import "sync"

// regKey identifies one (comID, srcIP) sequence lineage in a Registry.
type regKey struct {
	comID uint32
	srcIP string
}

// Registry is the explicit, non-ambient replacement for a process-wide
// session list: every Session sharing one Registry can consult the highest
// sequence counter any of them has emitted for a given (comID, srcIP), so
// that redundant senders in the same process agree on a coherent sequence
// after a leadership handover. A Registry has no package-level instance;
// callers construct one and pass it to every Session that should share it.
type Registry struct {
	mu  sync.Mutex
	hi  map[regKey]uint32
	set map[regKey]bool
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		hi:  make(map[regKey]uint32),
		set: make(map[regKey]bool),
	}
}

// HighestSeq implements pdengine.SeqRegistry.
func (r *Registry) HighestSeq(comID uint32, srcIP string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := regKey{comID, srcIP}
	if !r.set[k] {
		return 0, false
	}
	return r.hi[k], true
}

// Record is called by a Session after every PD send, so other sessions in
// the process publishing the same (comID, srcIP) observe a monotonic
// lineage even across a redundancy handover.
func (r *Registry) Record(comID uint32, srcIP string, seq uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := regKey{comID, srcIP}
	if !r.set[k] || seq > r.hi[k] {
		r.hi[k] = seq
		r.set[k] = true
	}
}
