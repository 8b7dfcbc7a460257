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
package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitField_SetAndCount(t *testing.T) {
	f := New(10)
	require.Equal(t, uint(0), f.Count())
	f.Set(3, true)
	f.Set(7, true)
	require.Equal(t, uint(2), f.Count())
	require.True(t, f.Get(3))
	require.False(t, f.Get(4))

	f.Set(3, false)
	require.Equal(t, uint(1), f.Count())
}

func TestBitField_CreateFull(t *testing.T) {
	f := CreateFull(13)
	require.True(t, f.HasAll())
	require.Equal(t, uint(13), f.Count())
}

func TestBitField_RoundTripBytes(t *testing.T) {
	f := New(12)
	for _, i := range []uint{0, 2, 9, 11} {
		f.Set(i, true)
	}
	buf := f.ToBytes()
	require.Len(t, buf, 2)

	g, err := FromBytes(buf, 12)
	require.NoError(t, err)
	for i := uint(0); i < 12; i++ {
		require.Equal(t, f.Get(i), g.Get(i), "bit %d", i)
	}
}

func TestBitField_FromBytes_MSBFirst(t *testing.T) {
	// bit 0 is the MSB of the first byte.
	f, err := FromBytes([]byte{0x80}, 8)
	require.NoError(t, err)
	require.True(t, f.Get(0))
	for i := uint(1); i < 8; i++ {
		require.False(t, f.Get(i))
	}
}

func TestBitField_FromBytes_WrongLength(t *testing.T) {
	_, err := FromBytes([]byte{0x00}, 9)
	require.Error(t, err)
}

func TestBitField_HasNone(t *testing.T) {
	f := New(5)
	require.True(t, f.HasNone())
	f.Set(2, true)
	require.False(t, f.HasNone())
}

func TestBitField_Clone(t *testing.T) {
	f := New(4)
	f.Set(1, true)
	g := f.Clone()
	g.Set(2, true)
	require.False(t, f.Get(2))
	require.True(t, g.Get(2))
	require.Equal(t, uint(1), f.Count())
	require.Equal(t, uint(2), g.Count())
}

func TestBitField_SetSameValueIsNoop(t *testing.T) {
	f := New(4)
	f.Set(0, false)
	require.Equal(t, uint(0), f.Count())
}
