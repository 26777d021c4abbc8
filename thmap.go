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

// Package thmap is a concurrent trie-hash map: an associative container
// keyed by arbitrary byte strings, supporting lookup, insertion, and
// deletion under multi-reader/multi-writer concurrency with lock-free
// reads. It is designed to live in a caller-provided address range (so the
// structure may reside in shared memory, see MmapOps) and to integrate
// with an external reclamation scheme (see GC).
//
// The implementation is a hash trie: the root fans out on the low 6 bits
// of a key's hash into 64 slots, and every deeper level fans out on 4
// further hash bits into 16 slots, growing a new level only where two keys
// actually collide.
package thmap

import (
	"sync/atomic"
	"unsafe"
)

// debug gates the invariant-checking and dump machinery in node.go
// (checkInvariants/debugString). Flip to true only while developing
// against this package; it adds an O(fanout) walk to every Put.
const debug = false

// Flag values passed to New through WithFlags.
type Flag uint32

// FlagNoCopyKeys disables key copying: the caller's key pointer is stored
// verbatim and must outlive the entry. Without this flag (the default),
// every inserted key is copied into the map's own arena.
const FlagNoCopyKeys Flag = 1 << 0

// Map is a concurrent trie-hash map handle.
type Map struct {
	base   uintptr
	root   slot
	flags  Flag
	ops    Ops
	hasher Hasher

	reclaimHead unsafe.Pointer // *reclaimEntry, see reclaim.go
}

// New constructs a Map rooted in the address range starting at base. base
// must be 4-byte aligned (low two bits zero); every Ops.Alloc return must
// likewise be aligned, or the tag discipline in offset.go breaks.
//
// If the caller does not supply WithOps, New installs a heap-backed
// default allocator and base should be 0: the default allocator returns
// absolute Go heap addresses as offsets, which only resolve correctly
// against a zero base. A caller using MmapOps should pass that Ops's
// Base() as base (see MmapOps's doc comment).
func New(base uintptr, opts ...Option) (*Map, error) {
	if !isAligned(slot(base)) {
		return nil, ErrMisalignedBase
	}

	m := &Map{
		base:   base,
		ops:    newDefaultOps(),
		hasher: murmur3Hasher{},
	}
	for _, opt := range opts {
		opt.apply(m)
	}

	rootOff, ok := m.ops.Alloc(nodeSize(0))
	if !ok {
		return nil, ErrOutOfMemory
	}
	if !isAligned(rootOff) {
		panic("thmap: misaligned root allocation")
	}
	root := m.nodeAt(rootOff)
	root.state = 0
	root.parent = 0
	slots := root.slotsOf()
	for i := uintptr(0); i < rootFanout; i++ {
		*slots.At(i) = 0
	}
	m.root = rootOff
	return m, nil
}

// Close frees the root and the handle. It does not walk the tree: callers
// must have removed all entries, or accept that outstanding allocations
// are leaked. Ownership of leaf key and value memory is the caller's; see
// DestroyWalk for a variant that reclaims everything reachable.
func (m *Map) Close() error {
	m.ops.Free(m.root, nodeSize(0))
	return nil
}

// DestroyWalk post-order walks every reachable interior node and leaf,
// invoking onLeaf with each leaf's stored value before freeing the leaf
// (and its owned key copy, unless FlagNoCopyKeys is set) and every
// interior node, then frees the root and handle like Close. Unlike Close,
// it assumes no concurrent access is in flight: it is meant for final
// teardown, not for use alongside live readers or writers.
//
// This supplements Close's deliberately non-walking behavior as an
// additive, opt-in operation; it does not change Close's behavior or
// meaning.
func (m *Map) DestroyWalk(onLeaf func(val uintptr)) error {
	m.destroyWalkNode(m.root, 0, onLeaf)
	return m.Close()
}

func (m *Map) destroyWalkNode(off slot, level uint, onLeaf func(val uintptr)) {
	n := m.nodeAt(off)
	slots := n.slotsOf()
	fanout := fanoutAt(level)
	for i := uintptr(0); i < fanout; i++ {
		child := *slots.At(i)
		if child.isEmpty() {
			continue
		}
		if child.isLeaf() {
			leafOff := child.clearTag()
			l := m.leafAt(leafOff)
			if onLeaf != nil {
				onLeaf(l.val)
			}
			if m.flags&FlagNoCopyKeys == 0 && l.keyLen > 0 {
				m.ops.Free(l.keyRef, l.keyLen)
			}
			m.ops.Free(leafOff, leafHeaderSize)
			continue
		}
		m.destroyWalkNode(child, level+1, onLeaf)
	}
	if off != m.root {
		m.ops.Free(off, nodeSize(level))
	}
}

// edgeLock runs findEdgeNode, locks the returned parent, and re-checks
// that (a) the parent was not concurrently marked DELETED and (b) the
// target slot is still empty or still a leaf (not freshly replaced by an
// interior node by a racing writer). If either check fails the lock is
// released and the whole descent restarts from the root with level reset
// to zero.
func (m *Map) edgeLock(c *cursor) (parentOff slot, parent *node, slotIdx uintptr) {
	for {
		parentOff, slotIdx = m.findEdgeNode(c)
		parent = m.nodeAt(parentOff)
		parent.lock()

		state := atomic.LoadUint32(&parent.state)
		cur := parent.slotsOf().At(slotIdx).load()
		if !isDeleted(state) && !cur.isInterior() {
			return parentOff, parent, slotIdx
		}
		parent.unlock()
	}
}

// Put inserts (key, val). On a fresh insert, stored==val and fresh==true.
// On a duplicate key, the *existing* value is returned with fresh==false
// and val is discarded; the existing leaf is not replaced. err is non-nil
// only on allocator exhaustion, in which case any partial allocation has
// already been freed synchronously.
func (m *Map) Put(key []byte, val uintptr) (stored uintptr, fresh bool, err error) {
	newLeafOff, ok := m.newLeaf(key, val)
	if !ok {
		return 0, false, ErrOutOfMemory
	}

	c := newCursor(m.hasher, key)
	parentOff, parent, i := m.edgeLock(&c)

	cur := parent.slotsOf().At(i).load()
	switch {
	case cur.isEmpty():
		parent.nodeInsert(i, newLeafOff)
		parent.unlock()
		m.checkInvariants(parentOff, c.level)
		return val, true, nil

	case m.leafKeyEquals(m.leafAt(cur.clearTag()), key):
		existing := m.leafAt(cur.clearTag()).val
		m.freeLeaf(newLeafOff.clearTag())
		parent.unlock()
		return existing, false, nil

	default:
		return m.expand(parentOff, parent, i, &c, cur, newLeafOff)
	}
}

// expand resolves a collision between the leaf already occupying slot i
// of parent (other) and the newly-allocated leaf being inserted, by
// growing one or more interior levels until their hashes diverge. parent
// is held locked on entry; at every step of the loop a newly-created,
// already-locked child takes over as the new parent before the old one is
// released, so there is never a window where an expansion-in-progress
// interior node is reachable but unlocked.
func (m *Map) expand(parentOff slot, parent *node, i uintptr, c *cursor, other, newLeafOff slot) (uintptr, bool, error) {
	otherLeaf := m.leafAt(other.clearTag())
	otherKey := append([]byte(nil), m.leafKey(otherLeaf)...)
	newVal := m.leafAt(newLeafOff.clearTag()).val

	for {
		childOff, ok := m.nodeCreate(c.level+1, parentOff)
		if !ok {
			parent.unlock()
			m.freeLeaf(newLeafOff.clearTag())
			return 0, false, ErrOutOfMemory
		}
		c.level++
		child := m.nodeAt(childOff)

		otherSlot := uintptr(slotAt(m.hasher, otherKey, c.level))
		child.nodeInsert(otherSlot, other)

		// The store into child above (via nodeInsert's atomic slot store)
		// is release-ordered; the plain store of childOff into parent's
		// slot below publishes the new subtree, and a reader that
		// observes it via an acquire load is guaranteed to also observe
		// other already in place inside child.
		parent.slotsOf().At(i).store(childOff)
		parent.unlock()

		parentOff, parent = childOff, child
		newSlot := uintptr(c.slotIndex())

		if newSlot == otherSlot {
			// Another collision at this deeper level: child (now parent)
			// stays locked and gets its own child carved under it at
			// otherSlot on the next iteration.
			i = otherSlot
			continue
		}

		parent.nodeInsert(newSlot, newLeafOff)
		parent.unlock()
		m.checkInvariants(parentOff, c.level)
		return newVal, true, nil
	}
}

// Del removes key, returning its stored value and ok=true, or ok=false if
// key was not present.
func (m *Map) Del(key []byte) (removed uintptr, ok bool) {
	c := newCursor(m.hasher, key)
	parentOff, parent, i := m.edgeLock(&c)

	cur := parent.slotsOf().At(i).load()
	if !cur.isLeaf() {
		parent.unlock()
		return 0, false
	}
	l := m.leafAt(cur.clearTag())
	if !m.leafKeyEquals(l, key) {
		parent.unlock()
		return 0, false
	}

	val := l.val
	parent.nodeRemove(i)
	m.collapse(parentOff, parent, &c)

	if m.flags&FlagNoCopyKeys == 0 && l.keyLen > 0 {
		m.stage(l.keyRef, l.keyLen)
	}
	m.stage(cur.clearTag(), leafHeaderSize)
	return val, true
}

// collapse ascends from parent (held locked on entry) while it is not the
// root and has dropped to zero occupied slots, marking each emptied node
// DELETED and clearing its slot in the grandparent. The last node reached,
// possibly parent itself, is unlocked before returning.
func (m *Map) collapse(parentOff slot, parent *node, c *cursor) {
	for parentOff != m.root && count(atomic.LoadUint32(&parent.state)) == 0 {
		c.level--
		grandSlot := uintptr(c.slotIndex())

		grandOff := parent.parent
		grand := m.nodeAt(grandOff)
		grand.lock()
		if isDeleted(atomic.LoadUint32(&grand.state)) {
			panic("thmap: grandparent deleted while held by a live child")
		}

		parent.markDeleted()
		parent.unlock()

		grand.nodeRemove(grandSlot)
		m.stage(parentOff, nodeSize(c.level+1))

		parentOff, parent = grandOff, grand
	}
	parent.unlock()
}
