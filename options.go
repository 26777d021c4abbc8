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

// Option configures a Map at construction time. See WithOps, WithHasher,
// and WithFlags.
type Option interface {
	apply(m *Map)
}

type opsOption struct {
	ops Ops
}

func (o opsOption) apply(m *Map) { m.ops = o.ops }

// WithOps overrides the default heap-backed allocator with ops. Use this to
// back a Map with shared memory (see MmapOps) or any other allocation
// scheme; base passed to New must be consistent with whatever ops.Alloc
// returns.
func WithOps(ops Ops) Option {
	return opsOption{ops}
}

type hasherOption struct {
	hasher Hasher
}

func (o hasherOption) apply(m *Map) { m.hasher = o.hasher }

// WithHasher overrides the default murmur3-backed Hasher. Two Map handles
// over the same underlying arena must agree on the Hasher or lookups will
// disagree about which slot a key belongs in.
func WithHasher(hasher Hasher) Option {
	return hasherOption{hasher}
}

type flagsOption struct {
	flags Flag
}

func (o flagsOption) apply(m *Map) { m.flags = o.flags }

// WithFlags sets the Flag bits recorded on the Map, e.g. FlagNoCopyKeys.
func WithFlags(flags Flag) Option {
	return flagsOption{flags}
}
