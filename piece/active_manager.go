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
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/btcore/engine/core"
)

// ActivePieceManager lazily instantiates ActivePiece buffers on first block
// request and enforces the maxActivePieces / maxBufferedBytes caps (§4.3).
type ActivePieceManager struct {
	clk    clock.Clock
	config ActiveManagerConfig

	mu            sync.Mutex
	pieces        map[int]*ActivePiece
	totalBuffered int64
}

// NewActivePieceManager constructs a manager with the given config (zero
// values replaced with defaults) and clock.
func NewActivePieceManager(config ActiveManagerConfig, clk clock.Clock) *ActivePieceManager {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &ActivePieceManager{
		clk:    clk,
		config: config,
		pieces: make(map[int]*ActivePiece),
	}
}

// GetOrCreate returns the ActivePiece for index, creating it if absent. ok is
// false if the manager is at the maxActivePieces or maxBufferedBytes cap and
// index is not already active.
func (m *ActivePieceManager) GetOrCreate(index int, length, blockSize int64) (piece *ActivePiece, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, exists := m.pieces[index]; exists {
		return p, true
	}
	if len(m.pieces) >= m.config.MaxActivePieces {
		return nil, false
	}
	if m.totalBuffered+length > m.config.MaxBufferedBytes {
		return nil, false
	}
	p := newActivePiece(index, length, blockSize, m.clk.Now())
	m.pieces[index] = p
	m.totalBuffered += length
	return p, true
}

// Get returns the ActivePiece for index if it exists.
func (m *ActivePieceManager) Get(index int) (*ActivePiece, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pieces[index]
	return p, ok
}

// Has reports whether index has an active buffer.
func (m *ActivePieceManager) Has(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pieces[index]
	return ok
}

// Remove drops index from the manager, on verify or abandon, freeing its
// buffered bytes.
func (m *ActivePieceManager) Remove(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pieces[index]; ok {
		m.totalBuffered -= p.Length()
		delete(m.pieces, index)
	}
}

// CleanupInterval returns the tick period a caller should use to drive
// SweepExpiredRequests/SweepStale, after defaulting.
func (m *ActivePieceManager) CleanupInterval() time.Duration {
	return m.config.CleanupInterval
}

// BufferedBytes returns the current total buffered bytes across all active
// pieces, which must never exceed MaxBufferedBytes.
func (m *ActivePieceManager) BufferedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBuffered
}

// StartedPieces returns the indices of all currently active pieces.
func (m *ActivePieceManager) StartedPieces() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.pieces))
	for i := range m.pieces {
		out = append(out, i)
	}
	return out
}

// ClearRequestsForPeer walks every active piece and drops outstanding
// requests attributed to peerID, returning the (index, begin) pairs that are
// now free for re-request.
func (m *ActivePieceManager) ClearRequestsForPeer(peerID core.PeerID) []BlockRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	var freed []BlockRef
	for index, p := range m.pieces {
		for _, begin := range p.requestsByPeer(peerID) {
			p.CancelRequest(begin)
			freed = append(freed, BlockRef{Index: index, Begin: begin})
		}
	}
	return freed
}

// BlockRef identifies a single block within a torrent, and the peer it was
// outstanding to at the time it was freed (zero PeerID if the caller already
// knows the peer, as with ClearRequestsForPeer).
type BlockRef struct {
	Index  int
	Begin  int64
	PeerID core.PeerID
}

// SweepExpiredRequests removes request entries outstanding longer than
// RequestTimeout across all active pieces, returning the freed blocks along
// with the peer each was requested from so the caller can reconcile the
// peer connection's own outstanding set. The piece itself is not dropped;
// only wholesale inactivity (SweepStale) kills it.
func (m *ActivePieceManager) SweepExpiredRequests() []BlockRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var freed []BlockRef
	for index, p := range m.pieces {
		for _, begin := range p.expiredRequests(now, m.config.RequestTimeout) {
			peerID, _ := p.RequestedBy(begin)
			p.CancelRequest(begin)
			freed = append(freed, BlockRef{Index: index, Begin: begin, PeerID: peerID})
		}
	}
	return freed
}

// SweepStale removes pieces that have had no activity for StaleAfter and
// have received no blocks at all, returning the blocks that were still
// outstanding on them so the caller can reconcile each owning peer
// connection's outstanding set.
func (m *ActivePieceManager) SweepStale() []BlockRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var freed []BlockRef
	for index, p := range m.pieces {
		if p.ReceivedCount() == 0 && now.Sub(p.lastActivityAt) > m.config.StaleAfter {
			for begin, r := range p.requests {
				freed = append(freed, BlockRef{Index: index, Begin: begin, PeerID: r.PeerID})
			}
			m.totalBuffered -= p.Length()
			delete(m.pieces, index)
		}
	}
	return freed
}
