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
	"bytes"
	"unsafe"
)

// leafHeader is the on-arena representation of a leaf record: a key
// reference (either an owning copy's offset, or the caller's pointer
// retained verbatim under FlagNoCopyKeys), the key length in bytes, and an
// opaque value word.
type leafHeader struct {
	keyRef slot
	keyLen uintptr
	val    uintptr
}

var leafHeaderSize = unsafe.Sizeof(leafHeader{})

func (m *Map) leafAt(off slot) *leafHeader {
	return (*leafHeader)(m.deref(off))
}

// leafKey returns the bytes of a leaf's key, following keyRef into the
// arena when the map owns a copy, or dereferencing the caller's retained
// pointer verbatim when FlagNoCopyKeys is set.
func (m *Map) leafKey(l *leafHeader) []byte {
	n := int(l.keyLen)
	if n == 0 {
		return nil
	}
	var ptr unsafe.Pointer
	if m.flags&FlagNoCopyKeys != 0 {
		ptr = unsafe.Pointer(l.keyRef)
	} else {
		ptr = m.deref(l.keyRef)
	}
	return unsafe.Slice((*byte)(ptr), n)
}

// newLeaf allocates a leaf record and, unless FlagNoCopyKeys is set, a copy
// of key. Returns (0, false) on OOM; any partial allocation is freed
// synchronously before returning.
func (m *Map) newLeaf(key []byte, val uintptr) (slot, bool) {
	off, ok := m.ops.Alloc(leafHeaderSize)
	if !ok {
		return 0, false
	}
	if !isAligned(off) {
		panic("thmap: misaligned leaf allocation")
	}
	l := m.leafAt(off)
	l.keyLen = uintptr(len(key))
	l.val = val

	if m.flags&FlagNoCopyKeys != 0 {
		var ptr unsafe.Pointer
		if len(key) > 0 {
			ptr = unsafe.Pointer(unsafe.SliceData(key))
		}
		l.keyRef = slot(uintptr(ptr))
		return tagLeaf(off), true
	}

	if len(key) == 0 {
		l.keyRef = 0
		return tagLeaf(off), true
	}

	koff, ok := m.ops.Alloc(uintptr(len(key)))
	if !ok {
		m.ops.Free(off, leafHeaderSize)
		return 0, false
	}
	copy(unsafe.Slice((*byte)(m.deref(koff)), len(key)), key)
	l.keyRef = koff
	return tagLeaf(off), true
}

// freeLeaf frees the key copy if owned, frees the leaf record, and returns
// the stored value. Used only for synchronous cleanup of Put's
// pre-allocated leaf, on a losing duplicate-insert race or when expansion
// runs out of memory; deletions go through deferred reclamation instead
// (see reclaim.go).
func (m *Map) freeLeaf(off slot) uintptr {
	l := m.leafAt(off)
	val := l.val
	if m.flags&FlagNoCopyKeys == 0 && l.keyLen > 0 {
		m.ops.Free(l.keyRef, l.keyLen)
	}
	m.ops.Free(off, leafHeaderSize)
	return val
}

// leafKeyEquals compares a leaf's key against key without allocating.
func (m *Map) leafKeyEquals(l *leafHeader, key []byte) bool {
	if int(l.keyLen) != len(key) {
		return false
	}
	return bytes.Equal(m.leafKey(l), key)
}
