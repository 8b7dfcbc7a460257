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

// Package picker implements rarest-first, priority-aware piece selection as
// a pure function of its inputs (§4.4). It holds no state of its own.
package picker

import (
	"sort"

	"github.com/btcore/engine/bitfield"
	"github.com/btcore/engine/piece"
)

// Input is the full set of per-piece facts the picker needs to rank
// candidates. It never mutates its arguments.
type Input struct {
	PeerBitfield    *bitfield.BitField
	OwnBitfield     *bitfield.BitField
	PiecePriority   []uint8
	PieceAvailability []uint16
	StartedPieces   map[int]bool
	MaxPieces       int
}

// Stats reports why each skipped index was filtered, for diagnostics and
// tests; it does not affect the selection.
type Stats struct {
	SkippedOwned      int
	SkippedPeerLacks  int
	SkippedLowPriority int
}

// Output is the result of SelectPieces: the chosen indices, in rank order,
// and the filter stats.
type Output struct {
	Pieces []int
	Stats  Stats
}

// SelectPieces applies, in order, the owned/peer-lacks/low-priority filters
// to every index in [0, N), then ranks survivors by the tuple
// (-priority, -started, availability, index) ascending, returning the first
// MaxPieces. The index tie-break makes the output deterministic.
func SelectPieces(in Input) Output {
	n := int(in.OwnBitfield.Len())
	type candidate struct {
		index        int
		priority     uint8
		started      bool
		availability uint16
	}

	var stats Stats
	candidates := make([]candidate, 0, n)
	for i := 0; i < n; i++ {
		if in.OwnBitfield.Get(uint(i)) {
			stats.SkippedOwned++
			continue
		}
		if !in.PeerBitfield.Get(uint(i)) {
			stats.SkippedPeerLacks++
			continue
		}
		if in.PiecePriority[i] == piece.PrioritySkip {
			stats.SkippedLowPriority++
			continue
		}
		candidates = append(candidates, candidate{
			index:        i,
			priority:     in.PiecePriority[i],
			started:      in.StartedPieces[i],
			availability: in.PieceAvailability[i],
		})
	}

	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.priority != cb.priority {
			return ca.priority > cb.priority // -priority ascending == priority descending
		}
		if ca.started != cb.started {
			return ca.started // started pieces sort first
		}
		if ca.availability != cb.availability {
			return ca.availability < cb.availability // rarest first
		}
		return ca.index < cb.index
	})

	limit := in.MaxPieces
	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]int, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].index
	}
	return Output{Pieces: out, Stats: stats}
}
