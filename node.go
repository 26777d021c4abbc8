// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package thmap

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	stateLocked  = uint32(1) << 31
	stateDeleted = uint32(1) << 30
	countMask    = uint32(0x3fffffff)
)

// rootFanout and levelFanout are the fixed slot-array lengths for the
// root and every non-root level respectively.
const (
	rootFanout  = 64
	levelFanout = 16
)

// node is the on-arena header of an interior node. Its slots array
// immediately follows the header in memory, flexible-array style, and is
// accessed through slotsOf; callers must know the fanout for the node's
// level since the header itself carries no length field.
type node struct {
	state  uint32
	parent slot
}

var nodeHeaderSize = unsafe.Sizeof(node{})

func fanoutAt(level uint) uintptr {
	if level == 0 {
		return rootFanout
	}
	return levelFanout
}

func nodeSize(level uint) uintptr {
	return nodeHeaderSize + fanoutAt(level)*unsafe.Sizeof(slot(0))
}

func (m *Map) nodeAt(off slot) *node {
	return (*node)(m.deref(off))
}

// slotsOf returns unchecked access to n's slot array. The caller must know
// n's fanout (i.e. whether n is the root) since it is not stored in the
// node itself.
func (n *node) slotsOf() unsafeSlice[slot] {
	return makeUnsafeSlice[slot](unsafe.Add(unsafe.Pointer(n), nodeHeaderSize))
}

func count(state uint32) uint32   { return state & countMask }
func isLocked(state uint32) bool  { return state&stateLocked != 0 }
func isDeleted(state uint32) bool { return state&stateDeleted != 0 }

// nodeCreate allocates a level node for the given level (fanout-sized,
// zero-initialized slots), initializes state to LOCKED (i.e. returned
// already owned by the caller), and records the parent offset. Returns
// (0, false) on OOM.
func (m *Map) nodeCreate(level uint, parent slot) (slot, bool) {
	off, ok := m.ops.Alloc(nodeSize(level))
	if !ok {
		return 0, false
	}
	if !isAligned(off) {
		panic("thmap: misaligned interior node allocation")
	}
	n := m.nodeAt(off)
	n.state = stateLocked
	n.parent = parent
	slots := n.slotsOf()
	for i := uintptr(0); i < fanoutAt(level); i++ {
		*slots.At(i) = 0
	}
	return off, true
}

// nodeInsert publishes child into slot i of n. Precondition: n is LOCKED,
// not DELETED, and slots.At(i) is empty. The whole state word is updated
// in one store (not just the count field) because LOCKED is set and
// DELETED is clear, so addition on state yields the correct result.
func (n *node) nodeInsert(i uintptr, child slot) {
	n.slotsOf().At(i).store(child)
	atomic.AddUint32(&n.state, 1)
}

// nodeRemove clears slot i of n and decrements COUNT. Precondition: n is
// LOCKED, not DELETED, and slots.At(i) is occupied.
func (n *node) nodeRemove(i uintptr) {
	n.slotsOf().At(i).store(0)
	atomic.AddUint32(&n.state, ^uint32(0))
}

// load/store on *slot give readers and writers the acquire/release
// semantics the map's ordering contract requires on every slot access:
// Go's memory model guarantees a sync/atomic load observes every store
// that happens-before the corresponding store it synchronizes with,
// which is exactly the acquire/release pairing readers and writers rely
// on here.
func (s *slot) load() slot   { return slot(atomic.LoadUintptr((*uintptr)(s))) }
func (s *slot) store(v slot) { atomic.StoreUintptr((*uintptr)(s), uintptr(v)) }

// lock spin-CASes LOCKED into n's state, backing off between failed
// attempts. The successful CAS has acquire-release semantics: it
// acquires everything the previous owner released on unlock, and
// publishes nothing of its own until a subsequent store.
func (n *node) lock() {
	backoff := time.Microsecond
	for {
		s := atomic.LoadUint32(&n.state)
		if !isLocked(s) && atomic.CompareAndSwapUint32(&n.state, s, s|stateLocked) {
			return
		}
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// unlock asserts LOCKED, then clears it with a release store: every write
// performed under the lock must become visible before the bit clears.
func (n *node) unlock() {
	s := atomic.LoadUint32(&n.state)
	if !isLocked(s) {
		panic("thmap: unlock of unlocked node")
	}
	atomic.StoreUint32(&n.state, s&^stateLocked)
}

// markDeleted asserts LOCKED and sets DELETED. Once set, DELETED is never
// unset (invariant 3).
func (n *node) markDeleted() {
	s := atomic.LoadUint32(&n.state)
	if !isLocked(s) {
		panic("thmap: markDeleted of unlocked node")
	}
	atomic.StoreUint32(&n.state, s|stateDeleted)
}

// checkInvariants re-derives COUNT from the slot array and panics with a
// dump (debugString) on mismatch. Compiled out of hot paths by the debug
// flag.
func (m *Map) checkInvariants(off slot, level uint) {
	if !debug {
		return
	}
	n := m.nodeAt(off)
	s := atomic.LoadUint32(&n.state)
	if isDeleted(s) {
		return
	}
	slots := n.slotsOf()
	var found uint32
	for i := uintptr(0); i < fanoutAt(level); i++ {
		if slots.At(i).load() != 0 {
			found++
		}
	}
	if found != count(s) {
		panic(fmt.Sprintf("thmap: invariant failed: node(%d) has %d occupied slots, state says %d\n%s",
			off, found, count(s), m.debugString(off, level)))
	}
}

func (m *Map) debugString(off slot, level uint) string {
	n := m.nodeAt(off)
	s := atomic.LoadUint32(&n.state)
	var buf strings.Builder
	fmt.Fprintf(&buf, "node(%d) level=%d state=%#x locked=%v deleted=%v count=%d\n",
		off, level, s, isLocked(s), isDeleted(s), count(s))
	slots := n.slotsOf()
	for i := uintptr(0); i < fanoutAt(level); i++ {
		v := slots.At(i).load()
		if v == 0 {
			continue
		}
		if v.isLeaf() {
			fmt.Fprintf(&buf, "  [%d]: leaf@%d\n", i, v.clearTag())
		} else {
			fmt.Fprintf(&buf, "  [%d]: node@%d\n", i, v)
		}
	}
	return buf.String()
}
