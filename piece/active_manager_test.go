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
package piece

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/btcore/engine/core"
	"github.com/stretchr/testify/require"
)

func TestActivePieceManager_GetOrCreateRespectsCaps(t *testing.T) {
	m := NewActivePieceManager(ActiveManagerConfig{MaxActivePieces: 1}, clock.NewMock())

	p1, ok := m.GetOrCreate(0, 16, 16)
	require.True(t, ok)
	require.NotNil(t, p1)

	_, ok = m.GetOrCreate(1, 16, 16)
	require.False(t, ok)

	// Re-fetching the same index is always allowed.
	p1Again, ok := m.GetOrCreate(0, 16, 16)
	require.True(t, ok)
	require.Same(t, p1, p1Again)
}

func TestActivePieceManager_GetOrCreateRespectsByteCap(t *testing.T) {
	m := NewActivePieceManager(ActiveManagerConfig{MaxBufferedBytes: 20}, clock.NewMock())

	_, ok := m.GetOrCreate(0, 16, 16)
	require.True(t, ok)
	_, ok = m.GetOrCreate(1, 16, 16)
	require.False(t, ok)
}

func TestActivePieceManager_ClearRequestsForPeer(t *testing.T) {
	mockClock := clock.NewMock()
	m := NewActivePieceManager(ActiveManagerConfig{}, mockClock)
	p, ok := m.GetOrCreate(0, 32, 16)
	require.True(t, ok)

	peerA := core.PeerID{'a'}
	peerB := core.PeerID{'b'}
	p.Request(peerA, 0, mockClock.Now())
	p.Request(peerB, 16, mockClock.Now())

	freed := m.ClearRequestsForPeer(peerA)
	require.Equal(t, []BlockRef{{Index: 0, Begin: 0}}, freed)

	_, ok = p.RequestedBy(0)
	require.False(t, ok)
	_, ok = p.RequestedBy(16)
	require.True(t, ok)
}

func TestActivePieceManager_SweepExpiredRequests(t *testing.T) {
	mockClock := clock.NewMock()
	m := NewActivePieceManager(ActiveManagerConfig{RequestTimeout: 30 * time.Second}, mockClock)
	p, ok := m.GetOrCreate(0, 16, 16)
	require.True(t, ok)

	p.Request(core.PeerID{'a'}, 0, mockClock.Now())
	mockClock.Add(31 * time.Second)

	freed := m.SweepExpiredRequests()
	require.Equal(t, []BlockRef{{Index: 0, Begin: 0, PeerID: core.PeerID{'a'}}}, freed)
}

func TestActivePieceManager_SweepStale(t *testing.T) {
	mockClock := clock.NewMock()
	m := NewActivePieceManager(ActiveManagerConfig{StaleAfter: 60 * time.Second}, mockClock)
	p, ok := m.GetOrCreate(0, 16, 16)
	require.True(t, ok)
	p.Request(core.PeerID{'a'}, 0, mockClock.Now())

	mockClock.Add(61 * time.Second)
	freed := m.SweepStale()
	require.Equal(t, []BlockRef{{Index: 0, Begin: 0, PeerID: core.PeerID{'a'}}}, freed)
	require.False(t, m.Has(0))
}

func TestActivePiece_PutBlockAndComplete(t *testing.T) {
	mockClock := clock.NewMock()
	m := NewActivePieceManager(ActiveManagerConfig{}, mockClock)
	p, _ := m.GetOrCreate(0, 32, 16)

	require.True(t, p.PutBlock(0, []byte("0123456789abcdef"), mockClock.Now()))
	require.False(t, p.Complete())
	require.False(t, p.PutBlock(0, []byte("0123456789abcdef"), mockClock.Now()), "duplicate block must be rejected")

	require.True(t, p.PutBlock(16, []byte("fedcba9876543210"), mockClock.Now()))
	require.True(t, p.Complete())
}
