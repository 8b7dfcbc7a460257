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

// Package piece is the authority on which pieces the local client has, which
// are in flight, block-level buffering, hash verification, and rarity
// tracking across connected peers.
package piece

import (
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/btcore/engine/bitfield"
	"github.com/btcore/engine/core"
	"github.com/uber-go/tally"
)

// Priority levels for a piece, derived as the max priority of any file
// overlapping it.
const (
	PrioritySkip   uint8 = 0
	PriorityNormal uint8 = 1
	PriorityHigh   uint8 = 2
)

// Manager owns the authoritative own-bitfield, the per-piece SHA-1 hashes,
// priority vector, and peer availability counts for a single torrent.
//
// Manager is not safe for concurrent use except where noted; callers must
// confine it to the owning Torrent's single-task context (§5 of the design).
type Manager struct {
	own             *bitfield.BitField
	hashes          [][20]byte
	pieceLength     int64
	lastPieceLength int64
	numPieces       int

	mu           sync.Mutex
	priority     []uint8
	availability []uint16
	peerBitsets  map[core.PeerID]*bitfield.BitField

	stats tally.Scope
}

// NewManager builds a Manager for a torrent with the given per-piece SHA-1
// hashes, piece length, and total content length. All pieces start at
// PriorityNormal.
func NewManager(hashes [][20]byte, pieceLength, totalLength int64, stats tally.Scope) *Manager {
	n := len(hashes)
	last := totalLength - pieceLength*int64(n-1)
	priority := make([]uint8, n)
	for i := range priority {
		priority[i] = PriorityNormal
	}
	return &Manager{
		own:             bitfield.New(uint(n)),
		hashes:          hashes,
		pieceLength:     pieceLength,
		lastPieceLength: last,
		numPieces:       n,
		priority:        priority,
		availability:    make([]uint16, n),
		peerBitsets:     make(map[core.PeerID]*bitfield.BitField),
		stats:           stats,
	}
}

// NumPieces returns N.
func (m *Manager) NumPieces() int { return m.numPieces }

// PieceLength returns len_i, the number of bytes in piece i.
func (m *Manager) PieceLength(i int) int64 {
	if i == m.numPieces-1 {
		return m.lastPieceLength
	}
	return m.pieceLength
}

// OwnBitField returns the manager's own bitfield.
func (m *Manager) OwnBitField() *bitfield.BitField { return m.own }

// Hash returns the expected SHA-1 sum of piece index, from the torrent's
// metadata.
func (m *Manager) Hash(index int) [20]byte {
	return m.hashes[index]
}

// VerifyPiece computes the SHA-1 of buf (which must be exactly len_i bytes)
// and compares it against the stored hash for index. Hash origin is trusted
// metadata; constant-time comparison is not required.
func (m *Manager) VerifyPiece(index int, buf []byte) bool {
	sum := sha1.Sum(buf)
	return sum == m.hashes[index]
}

// MarkVerified sets the own bitfield bit for index. Callers are responsible
// for emitting the corresponding `pieceVerified` notification to the Torrent.
func (m *Manager) MarkVerified(index int) {
	m.own.Set(uint(index), true)
	if m.stats != nil {
		m.stats.Counter("piece.verified").Inc(1)
	}
}

// OnPeerBitfield records a peer's full bitfield and folds it into the
// availability vector.
func (m *Manager) OnPeerBitfield(peerID core.PeerID, bf *bitfield.BitField) error {
	if bf.Len() != uint(m.numPieces) {
		return fmt.Errorf("piece: bitfield length %d does not match torrent size %d", bf.Len(), m.numPieces)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.peerBitsets[peerID]; ok {
		m.decrementLocked(old)
	}
	clone := bf.Clone()
	m.peerBitsets[peerID] = clone
	m.incrementLocked(clone)
	return nil
}

// OnPeerHave records a single-piece HAVE from a peer, updating its tracked
// bitfield (creating one lazily if the peer hasn't sent a bitfield yet) and
// the availability vector.
func (m *Manager) OnPeerHave(peerID core.PeerID, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerBitsets[peerID]
	if !ok {
		bf = bitfield.New(uint(m.numPieces))
		m.peerBitsets[peerID] = bf
	}
	if bf.Get(uint(index)) {
		return
	}
	bf.Set(uint(index), true)
	if m.availability[index] < 65535 {
		m.availability[index]++
	}
}

// OnPeerDisconnect decrements the availability vector by the peer's most
// recently known bitfield and forgets it.
func (m *Manager) OnPeerDisconnect(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerBitsets[peerID]
	if !ok {
		return
	}
	m.decrementLocked(bf)
	delete(m.peerBitsets, peerID)
}

func (m *Manager) incrementLocked(bf *bitfield.BitField) {
	for i := 0; i < m.numPieces; i++ {
		if bf.Get(uint(i)) && m.availability[i] < 65535 {
			m.availability[i]++
		}
	}
}

func (m *Manager) decrementLocked(bf *bitfield.BitField) {
	for i := 0; i < m.numPieces; i++ {
		if bf.Get(uint(i)) && m.availability[i] > 0 {
			m.availability[i]--
		}
	}
}

// Availability returns the number of connected peers known to advertise
// piece i.
func (m *Manager) Availability(i int) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availability[i]
}

// AvailabilitySnapshot returns a copy of the full availability vector, for
// use by the piece picker.
func (m *Manager) AvailabilitySnapshot() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint16, m.numPieces)
	copy(out, m.availability)
	return out
}

// Priority returns the priority of piece i.
func (m *Manager) Priority(i int) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priority[i]
}

// PrioritySnapshot returns a copy of the full priority vector.
func (m *Manager) PrioritySnapshot() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint8, m.numPieces)
	copy(out, m.priority)
	return out
}

// SetPriority sets the priority of piece i directly. Torrent.setFilePriority
// is responsible for recomputing the full vector as max-over-overlapping-files
// and calling this once per affected piece.
func (m *Manager) SetPriority(i int, p uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority[i] = p
}

// FirstNeededPiece returns the lowest index where the own bitfield bit is
// unset and priority is non-zero, used to cheapen picker scans late in a
// download. Returns ok=false if every wanted piece is already verified.
func (m *Manager) FirstNeededPiece() (index int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.numPieces; i++ {
		if !m.own.Get(uint(i)) && m.priority[i] != PrioritySkip {
			return i, true
		}
	}
	return 0, false
}
