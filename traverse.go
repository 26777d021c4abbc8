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

// findEdgeNode performs the lock-free descent from the root and locates
// the edge node for key: the deepest interior node reached, and the slot
// within it that either already holds key's leaf or would hold it.
//
// Every parent->child hop is an atomic (acquire) load of the child slot,
// which pairs with the release store an inserter performs before
// publishing a newly-constructed interior node into that slot (see
// thmap.go's expansion loop). That pairing guarantees a reader that
// observes the new child pointer also observes its fully-initialized
// contents.
func (m *Map) findEdgeNode(c *cursor) (parentOff slot, slotIdx uintptr) {
	c.level = 0
	parentOff = m.root
	slotIdx = uintptr(c.slotIndex())

	parent := m.nodeAt(parentOff)
	child := parent.slotsOf().At(slotIdx).load()

	for child.isInterior() {
		c.level++
		slotIdx = uintptr(c.slotIndex())
		parentOff = child.clearTag()
		parent = m.nodeAt(parentOff)
		child = parent.slotsOf().At(slotIdx).load()
	}
	return parentOff, slotIdx
}

// Get is the lock-free, wait-free-modulo-retries reader path. It never
// writes to shared state and never inspects a node's state word.
func (m *Map) Get(key []byte) (val uintptr, ok bool) {
	c := newCursor(m.hasher, key)
	parentOff, i := m.findEdgeNode(&c)
	parent := m.nodeAt(parentOff)
	v := parent.slotsOf().At(i).load()
	if !v.isLeaf() {
		return 0, false
	}
	l := m.leafAt(v.clearTag())
	if !m.leafKeyEquals(l, key) {
		return 0, false
	}
	return l.val, true
}
