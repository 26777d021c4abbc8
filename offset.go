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

import "unsafe"

// slot is a base-relative offset with the leaf tag folded into its low
// bit. A zero slot means "empty". Every non-zero slot is either a
// leaf-tagged leaf offset or an untagged interior node offset.
type slot uintptr

// Slot is the exported name of the offset word, so that Ops can be
// implemented outside this package. Alloc must return offsets with the low
// two bits zero; see Ops.
type Slot = slot

// leafBit is the tag reserved in the low bit of a slot word. Set means the
// slot holds a leaf; clear means it holds an interior node (or is empty
// when the whole word is zero).
const leafBit = slot(1)

// alignMask catches allocator returns that are not 4-byte aligned. Tag bits
// live in the low two bits of a slot word, so every allocation must leave
// them free.
const alignMask = slot(3)

func (s slot) isEmpty() bool    { return s == 0 }
func (s slot) isLeaf() bool     { return s&leafBit != 0 }
func (s slot) isInterior() bool { return s != 0 && s&leafBit == 0 }

func (s slot) clearTag() slot { return s &^ leafBit }
func tagLeaf(s slot) slot     { return s | leafBit }

func isAligned(s slot) bool { return s&alignMask == 0 }

// deref translates a base-relative offset into a live pointer. The base
// address is fixed for the lifetime of the Map, so this is the only place
// the offset/pointer duality is resolved.
func (m *Map) deref(off slot) unsafe.Pointer {
	return unsafe.Pointer(m.base + uintptr(off.clearTag()))
}

// unsafeSlice provides semi-ergonomic, unchecked access to a run of
// fixed-size elements starting at an arbitrary pointer. It exists for the
// same reason any such helper would: the node's slot array and
// a leaf's key bytes are not ordinary Go slices, they are raw spans inside
// arena memory handed back by Ops.Alloc.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](p unsafe.Pointer) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: p}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}
