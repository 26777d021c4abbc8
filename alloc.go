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
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

// Ops is the injected allocator pair. Alloc returns a base-relative-usable
// machine word (an offset, in the sense offset.go's deref resolves it);
// ok=false signals out-of-memory, and a zero offset with ok=true is a valid
// allocation (MmapOps hands out offset 0 first). Free's len mirrors the Alloc call;
// implementations may ignore it (plain heap allocators) or use it (arena
// or shared-memory allocators). Every Alloc return must be 4-byte aligned;
// violating this breaks the tag discipline in offset.go.
type Ops interface {
	Alloc(size uintptr) (off Slot, ok bool)
	Free(off Slot, size uintptr)
}

// ErrOutOfMemory is returned when Ops.Alloc fails during Put and no leaf,
// key copy, or interior node could be allocated for the operation.
var ErrOutOfMemory = errors.New("thmap: out of memory")

// ErrMisalignedBase is returned by New when base does not satisfy the
// tag-discipline alignment requirement (low two bits zero).
var ErrMisalignedBase = errors.New("thmap: misaligned base address")

// defaultOps is a heap-backed Ops, the standard malloc/free pair New
// installs when no Option overrides it. Because a Map only ever
// retains offsets, not real Go pointers, into the arena it allocates from,
// a live allocation that is reachable only through a slot word would
// otherwise be invisible to the garbage collector. defaultOps pins every
// outstanding allocation in a registry keyed by its address, and releases
// the pin on Free.
type defaultOps struct {
	mu   sync.Mutex
	live map[uintptr][]byte
}

func newDefaultOps() *defaultOps {
	return &defaultOps{live: make(map[uintptr][]byte)}
}

func (d *defaultOps) Alloc(size uintptr) (Slot, bool) {
	// Round up to the word size: the runtime's tiny allocator only
	// guarantees byte alignment for odd-sized pointer-free allocations,
	// and the tag discipline needs the low two bits of every offset free.
	buf := make([]byte, (size+alignSize-1)&^uintptr(alignSize-1))
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	d.mu.Lock()
	d.live[addr] = buf
	d.mu.Unlock()
	return slot(addr), true
}

func (d *defaultOps) Free(off Slot, _ uintptr) {
	addr := uintptr(off)
	d.mu.Lock()
	delete(d.live, addr)
	d.mu.Unlock()
}

// ErrMaxMappingsReached is returned by NewMmapOps when the process-wide
// active-mapping ceiling (maxMmapCount) has been reached.
var ErrMaxMappingsReached = errors.New("thmap: maximum mmap count reached")

// maxMmapCount caps the number of live MmapOps arenas process-wide, leaving
// headroom for the rest of the process's own mappings.
var maxMmapCount uint64 = 60000

var mmapCount uint64

// MmapOps is an Ops backed by a single anonymous mmap arena, so that a
// Map's offsets are valid base-relative addresses inside a real OS mapping
// rather than Go heap allocations. The arena is one fixed-size region and
// Alloc/Free hand out and reclaim offsets relative to its start, exactly
// like the Map's own offsets are relative to Base(). The region is a
// private anonymous mapping (MAP_ANON|MAP_PRIVATE), and the allocator's
// bump pointer and free lists live in this Go struct, not in the arena;
// New always allocates a fresh root, so there is no way to attach a Map
// to an arena that already holds one.
type MmapOps struct {
	mu       sync.Mutex
	region   []byte
	base     uintptr
	next     uintptr
	freeList map[uintptr][]uintptr // size -> stack of freed offsets of that size
}

// NewMmapOps maps an anonymous region of at least size bytes and returns
// an Ops that allocates offsets within it.
func NewMmapOps(size uintptr) (*MmapOps, error) {
	if newCount := atomic.AddUint64(&mmapCount, 1); newCount > maxMmapCount {
		atomic.AddUint64(&mmapCount, ^uint64(0))
		return nil, ErrMaxMappingsReached
	}
	pageSize := uintptr(syscall.Getpagesize())
	mapLen := (size + pageSize - 1) &^ (pageSize - 1)
	if mapLen == 0 {
		mapLen = pageSize
	}
	data, err := syscall.Mmap(-1, 0, int(mapLen), syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		atomic.AddUint64(&mmapCount, ^uint64(0))
		return nil, errors.Wrap(err, "thmap: mmap")
	}
	return &MmapOps{
		region:   data,
		base:     uintptr(unsafe.Pointer(unsafe.SliceData(data))),
		freeList: make(map[uintptr][]uintptr),
	}, nil
}

// Base returns the arena's start address in this process. Pass it to New
// as the base address alongside this MmapOps.
func (o *MmapOps) Base() uintptr { return o.base }

// Close releases the underlying mapping. It is invalid to use the Ops or
// any Map built over it afterward.
func (o *MmapOps) Close() error {
	o.mu.Lock()
	data := o.region
	o.region = nil
	o.mu.Unlock()
	if data == nil {
		return nil
	}
	err := syscall.Munmap(data)
	atomic.AddUint64(&mmapCount, ^uint64(0))
	return err
}

func (o *MmapOps) Alloc(size uintptr) (Slot, bool) {
	aligned := (size + alignSize - 1) &^ (alignSize - 1)

	o.mu.Lock()
	defer o.mu.Unlock()

	if free := o.freeList[aligned]; len(free) > 0 {
		off := free[len(free)-1]
		o.freeList[aligned] = free[:len(free)-1]
		return slot(off), true
	}
	if o.next+aligned > uintptr(len(o.region)) {
		return 0, false
	}
	off := o.next
	o.next += aligned
	return slot(off), true
}

func (o *MmapOps) Free(off Slot, size uintptr) {
	aligned := (size + alignSize - 1) &^ (alignSize - 1)
	o.mu.Lock()
	o.freeList[aligned] = append(o.freeList[aligned], uintptr(off))
	o.mu.Unlock()
}

// alignSize is the allocation granularity MmapOps rounds every request up
// to, keeping every returned offset 4-byte aligned as the tag discipline
// in offset.go requires.
const alignSize = 8
