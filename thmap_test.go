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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsMisalignedBase(t *testing.T) {
	_, err := New(1)
	require.ErrorIs(t, err, ErrMisalignedBase)
}

func TestPutGetSingleEntry(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)
	defer m.Close()

	stored, fresh, err := m.Put([]byte("hello"), 42)
	require.NoError(t, err)
	require.True(t, fresh)
	require.EqualValues(t, 42, stored)

	val, ok := m.Get([]byte("hello"))
	require.True(t, ok)
	require.EqualValues(t, 42, val)

	_, ok = m.Get([]byte("missing"))
	require.False(t, ok)
}

func TestPutDuplicateKeyReturnsExisting(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)
	defer m.Close()

	stored, fresh, err := m.Put([]byte("hello"), 1)
	require.NoError(t, err)
	require.True(t, fresh)
	require.EqualValues(t, 1, stored)

	stored, fresh, err = m.Put([]byte("hello"), 2)
	require.NoError(t, err)
	require.False(t, fresh)
	require.EqualValues(t, 1, stored, "duplicate put must return the prior value, not the new one")

	val, ok := m.Get([]byte("hello"))
	require.True(t, ok)
	require.EqualValues(t, 1, val)
}

func TestPutCollisionForcesExpansion(t *testing.T) {
	// Real murmur3 hashing diverges too quickly to reliably exercise the
	// multi-level expansion path, so drive it with a hasher that forces a
	// deliberate collision across several levels.
	h := collideThenDivergeHasher{}
	m, err := New(0, WithHasher(h))
	require.NoError(t, err)
	defer m.Close()

	_, fresh, err := m.Put([]byte("a"), 100)
	require.NoError(t, err)
	require.True(t, fresh)

	_, fresh, err = m.Put([]byte("b"), 200)
	require.NoError(t, err)
	require.True(t, fresh)

	va, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 100, va)

	vb, ok := m.Get([]byte("b"))
	require.True(t, ok)
	require.EqualValues(t, 200, vb)
}

// collideThenDivergeHasher forces "a" and "b" into the same slot at the
// root and at levels 1 and 2, diverging only at level 3, so an insert of
// the second key has to grow a three-deep spine of interior nodes.
type collideThenDivergeHasher struct{}

func (collideThenDivergeHasher) Hash(key []byte, i uint32) uint32 {
	if i != 0 {
		return 0
	}
	switch string(key) {
	case "a":
		return 0x00100005
	case "b":
		return 0x00200005
	default:
		return murmur3Hasher{}.Hash(key, i)
	}
}

func TestDeleteCollapsesExpandedLevels(t *testing.T) {
	h := collideThenDivergeHasher{}
	m, err := New(0, WithHasher(h))
	require.NoError(t, err)
	defer m.Close()

	_, _, err = m.Put([]byte("a"), 1)
	require.NoError(t, err)
	_, _, err = m.Put([]byte("b"), 2)
	require.NoError(t, err)

	removed, ok := m.Del([]byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 1, removed)

	_, ok = m.Get([]byte("a"))
	require.False(t, ok)
	vb, ok := m.Get([]byte("b"))
	require.True(t, ok)
	require.EqualValues(t, 2, vb)

	removed, ok = m.Del([]byte("b"))
	require.True(t, ok)
	require.EqualValues(t, 2, removed)

	root := m.nodeAt(m.root)
	require.EqualValues(t, 0, count(root.state), "deleting every key should collapse back to an empty root")
}

func TestDeleteMissingKey(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)
	defer m.Close()

	_, ok := m.Del([]byte("nope"))
	require.False(t, ok)
}

func TestFlagNoCopyKeysRetainsCallerPointer(t *testing.T) {
	m, err := New(0, WithFlags(FlagNoCopyKeys))
	require.NoError(t, err)
	defer m.Close()

	key := []byte("borrowed")
	_, fresh, err := m.Put(key, 7)
	require.NoError(t, err)
	require.True(t, fresh)

	val, ok := m.Get(key)
	require.True(t, ok)
	require.EqualValues(t, 7, val)

	// Mutating the caller's backing array changes what the map sees too,
	// proving no copy was made.
	key[0] = 'B'
	_, ok = m.Get([]byte("Borrowed"))
	require.True(t, ok)
}

func TestCopiedKeysAreImmuneToCallerMutation(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)
	defer m.Close()

	key := []byte("owned")
	_, _, err = m.Put(key, 9)
	require.NoError(t, err)

	key[0] = 'O'
	val, ok := m.Get([]byte("owned"))
	require.True(t, ok)
	require.EqualValues(t, 9, val)
	_, ok = m.Get([]byte("Owned"))
	require.False(t, ok)
}

func TestDestroyWalkVisitsEveryLeaf(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)

	const n = 200
	want := map[uintptr]bool{}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		_, fresh, err := m.Put(key, uintptr(i))
		require.NoError(t, err)
		require.True(t, fresh)
		want[uintptr(i)] = true
	}

	got := map[uintptr]bool{}
	err = m.DestroyWalk(func(val uintptr) {
		got[val] = true
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestGetOnEmptyMap(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)
	defer m.Close()

	_, ok := m.Get([]byte("anything"))
	require.False(t, ok)
}

func TestManyKeysRoundTrip(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)
	defer m.Close()

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("round-trip-key-%d", i))
		_, fresh, err := m.Put(key, uintptr(i))
		require.NoError(t, err)
		require.True(t, fresh)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("round-trip-key-%d", i))
		val, ok := m.Get(key)
		require.True(t, ok)
		require.EqualValues(t, i, val)
	}
	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("round-trip-key-%d", i))
		_, ok := m.Del(key)
		require.True(t, ok)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("round-trip-key-%d", i))
		val, ok := m.Get(key)
		if i%2 == 0 {
			require.False(t, ok)
		} else {
			require.True(t, ok)
			require.EqualValues(t, i, val)
		}
	}
}
