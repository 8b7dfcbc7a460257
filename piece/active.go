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
	"time"

	"github.com/btcore/engine/core"
)

// BlockRequest records who a block was requested from and when, so a single
// outstanding request always has exactly one owner.
type BlockRequest struct {
	PeerID      core.PeerID
	RequestedAt time.Time
}

// ActivePiece is the mutable per-piece state for a piece that has at least
// one block requested or received: a dense buffer, which blocks have
// arrived, and which blocks are outstanding and to whom.
type ActivePiece struct {
	Index     int
	blockSize int64
	buf       []byte
	received  []bool
	requests  map[int64]*BlockRequest // keyed by block start offset

	createdAt      time.Time
	lastActivityAt time.Time
}

func newActivePiece(index int, length, blockSize int64, now time.Time) *ActivePiece {
	numBlocks := (length + blockSize - 1) / blockSize
	return &ActivePiece{
		Index:          index,
		blockSize:      blockSize,
		buf:            make([]byte, length),
		received:       make([]bool, numBlocks),
		requests:       make(map[int64]*BlockRequest),
		createdAt:      now,
		lastActivityAt: now,
	}
}

// Length returns the total byte length of the piece.
func (a *ActivePiece) Length() int64 { return int64(len(a.buf)) }

// blockLength returns the length of the block starting at begin.
func (a *ActivePiece) blockLength(begin int64) int64 {
	if begin+a.blockSize > int64(len(a.buf)) {
		return int64(len(a.buf)) - begin
	}
	return a.blockSize
}

func (a *ActivePiece) blockIndex(begin int64) int {
	return int(begin / a.blockSize)
}

// HasReceived reports whether the block at begin has already been received.
func (a *ActivePiece) HasReceived(begin int64) bool {
	bi := a.blockIndex(begin)
	if bi < 0 || bi >= len(a.received) {
		return false
	}
	return a.received[bi]
}

// Request records that the block at begin was requested from peerID,
// provided it is not already outstanding or received.
func (a *ActivePiece) Request(peerID core.PeerID, begin int64, now time.Time) {
	if a.HasReceived(begin) {
		return
	}
	if _, outstanding := a.requests[begin]; outstanding {
		return
	}
	a.requests[begin] = &BlockRequest{PeerID: peerID, RequestedAt: now}
}

// CancelRequest drops the outstanding request record for begin, freeing the
// block for re-request.
func (a *ActivePiece) CancelRequest(begin int64) {
	delete(a.requests, begin)
}

// RequestedBy reports the peer a block is currently outstanding to, if any.
func (a *ActivePiece) RequestedBy(begin int64) (core.PeerID, bool) {
	r, ok := a.requests[begin]
	if !ok {
		return core.PeerID{}, false
	}
	return r.PeerID, true
}

// PutBlock copies data into the buffer at begin, marks the block received,
// and clears its outstanding request. Returns false if the block was already
// received (caller must drop the message) or the range is invalid.
func (a *ActivePiece) PutBlock(begin int64, data []byte, now time.Time) bool {
	if begin < 0 || begin+int64(len(data)) > int64(len(a.buf)) {
		return false
	}
	if a.HasReceived(begin) {
		return false
	}
	copy(a.buf[begin:], data)
	a.received[a.blockIndex(begin)] = true
	delete(a.requests, begin)
	a.lastActivityAt = now
	return true
}

// Complete reports whether every block has been received.
func (a *ActivePiece) Complete() bool {
	for _, r := range a.received {
		if !r {
			return false
		}
	}
	return true
}

// Buffer returns the piece's dense byte buffer. Only valid to read once
// Complete() is true.
func (a *ActivePiece) Buffer() []byte { return a.buf }

// ReceivedCount returns the number of blocks received so far.
func (a *ActivePiece) ReceivedCount() int {
	n := 0
	for _, r := range a.received {
		if r {
			n++
		}
	}
	return n
}

// expiredRequests returns the begin offsets of requests outstanding longer
// than timeout, as of now, without mutating state.
func (a *ActivePiece) expiredRequests(now time.Time, timeout time.Duration) []int64 {
	var out []int64
	for begin, r := range a.requests {
		if now.Sub(r.RequestedAt) > timeout {
			out = append(out, begin)
		}
	}
	return out
}

// requestsByPeer returns the begin offsets currently requested from peerID.
func (a *ActivePiece) requestsByPeer(peerID core.PeerID) []int64 {
	var out []int64
	for begin, r := range a.requests {
		if r.PeerID == peerID {
			out = append(out, begin)
		}
	}
	return out
}
