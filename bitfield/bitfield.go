// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package bitfield implements the packed, MSB-first bit vector used to track
// which pieces of a torrent a peer has, with an amortized O(1) popcount.
package bitfield

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// BitField is a fixed-length, thread-safe bit vector over piece indices
// [0, n). It mirrors the wire bitfield message layout: MSB-first within each
// byte, trailing bits beyond n always zero.
type BitField struct {
	mu    sync.RWMutex
	b     *bitset.BitSet
	n     uint
	count uint
}

// New returns an empty BitField of length n.
func New(n uint) *BitField {
	return &BitField{b: bitset.New(n), n: n}
}

// CreateFull returns a BitField of length n with every bit set.
func CreateFull(n uint) *BitField {
	f := New(n)
	for i := uint(0); i < n; i++ {
		f.b.Set(i)
	}
	f.count = n
	return f
}

// FromBytes decodes a wire-format bitfield (MSB-first, ⌈n/8⌉ bytes) of length
// n. Trailing bits beyond n are ignored but must be zero per the wire
// protocol; callers that need strict validation should check them before
// calling FromBytes.
func FromBytes(buf []byte, n uint) (*BitField, error) {
	want := (n + 7) / 8
	if uint(len(buf)) != want {
		return nil, fmt.Errorf("bitfield: expected %d bytes for %d bits, got %d", want, n, len(buf))
	}
	f := New(n)
	for i := uint(0); i < n; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if buf[byteIdx]&(1<<bitIdx) != 0 {
			f.b.Set(i)
			f.count++
		}
	}
	return f, nil
}

// Len returns the logical number of pieces this BitField tracks.
func (f *BitField) Len() uint {
	return f.n
}

// Get reports whether bit i is set. Panics if i >= Len().
func (f *BitField) Get(i uint) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	f.checkRange(i)
	return f.b.Test(i)
}

// Set assigns bit i to v, maintaining the cached count.
func (f *BitField) Set(i uint, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkRange(i)
	was := f.b.Test(i)
	if was == v {
		return
	}
	f.b.SetTo(i, v)
	if v {
		f.count++
	} else {
		f.count--
	}
}

// Count returns the number of set bits, O(1) amortized via the cached delta
// maintained by Set.
func (f *BitField) Count() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// HasAll reports whether every one of the n bits is set.
func (f *BitField) HasAll() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count == f.n
}

// HasNone reports whether no bit is set.
func (f *BitField) HasNone() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count == 0
}

// Clone returns an independent copy of f.
func (f *BitField) Clone() *BitField {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &BitField{b: f.b.Clone(), n: f.n, count: f.count}
}

// ToBytes encodes the BitField into wire-format ⌈n/8⌉ bytes, MSB-first, with
// trailing bits beyond n zeroed.
func (f *BitField) ToBytes() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	buf := make([]byte, (f.n+7)/8)
	for i := uint(0); i < f.n; i++ {
		if f.b.Test(i) {
			byteIdx := i / 8
			bitIdx := 7 - (i % 8)
			buf[byteIdx] |= 1 << bitIdx
		}
	}
	return buf
}

// InvalidateCount forces a recount, for use after any external mutation of
// the underlying buffer that bypassed Set.
func (f *BitField) InvalidateCount() {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c uint
	for i := uint(0); i < f.n; i++ {
		if f.b.Test(i) {
			c++
		}
	}
	f.count = c
}

// Intersection returns the bitwise AND of f and other as a plain *bitset.BitSet.
func (f *BitField) Intersection(other *BitField) *bitset.BitSet {
	f.mu.RLock()
	other.mu.RLock()
	defer f.mu.RUnlock()
	defer other.mu.RUnlock()
	return f.b.Intersection(other.b)
}

// Raw returns a clone of the underlying bitset, for callers (e.g. the piece
// picker) that need direct bitset operations.
func (f *BitField) Raw() *bitset.BitSet {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.b.Clone()
}

func (f *BitField) checkRange(i uint) {
	if i >= f.n {
		panic(fmt.Sprintf("bitfield: index %d out of range [0, %d)", i, f.n))
	}
}
