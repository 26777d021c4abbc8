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
	"sync/atomic"
	"unsafe"
)

// reclaimEntry is a staged (offset, length) pair awaiting deferred
// reclamation, forming a singly-linked lock-free stack. These nodes are
// allocated with the Go runtime's own allocator rather than through the
// map's injected Ops: the queue is process-private bookkeeping even when
// the map's own arena is shared memory.
type reclaimEntry struct {
	off  slot
	len  uintptr
	next *reclaimEntry
}

// stage records a freed memory region for later reclamation. It never
// blocks: on CAS contention it reloads the stack head and retries.
func (m *Map) stage(off slot, length uintptr) {
	e := &reclaimEntry{off: off, len: length}
	for {
		head := atomic.LoadPointer(&m.reclaimHead)
		e.next = (*reclaimEntry)(head)
		if atomic.CompareAndSwapPointer(&m.reclaimHead, head, unsafe.Pointer(e)) {
			return
		}
	}
}

// GC atomically swaps the stack head with empty, then frees every staged
// region through Ops.Free. The caller is responsible for ensuring
// quiescence (no outstanding readers that could still observe any staged
// offset) before calling GC — staging does not itself establish that.
func (m *Map) GC() {
	head := atomic.SwapPointer(&m.reclaimHead, nil)
	for e := (*reclaimEntry)(head); e != nil; {
		m.ops.Free(e.off, e.len)
		next := e.next
		e = next
	}
}
