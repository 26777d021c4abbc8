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

import "github.com/spaolacci/murmur3"

// Hasher is the injected hash collaborator. Hash must be deterministic and
// depend on the block index i, so that distinct block indices produce
// independent slot distributions for the same key.
type Hasher interface {
	Hash(key []byte, i uint32) uint32
}

// murmur3Hasher is the default Hasher, backed by murmur3.Sum32WithSeed. The
// block index i is used directly as the seed, turning a single hash
// function into a family of independent hashes: vary the seed, not the
// algorithm.
type murmur3Hasher struct{}

func (murmur3Hasher) Hash(key []byte, i uint32) uint32 {
	return murmur3.Sum32WithSeed(key, i)
}
