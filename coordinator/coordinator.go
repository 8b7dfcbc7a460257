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

// Package coordinator implements the PeerCoordinator (§4.5): the unchoke
// algorithm (tit-for-tat + optimistic unchoke) and the download optimizer
// (drop recommendations), invoked together on a fixed evaluation tick. It
// generalizes the per-peer rate bookkeeping in
// lib/torrent/scheduler/dispatch/peer.go's peerStats to the full unchoke
// and drop policy the spec describes, which kraken's piece-granular
// dispatcher does not implement.
package coordinator

import (
	"math/rand"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/btcore/engine/core"
)

// PeerSnapshot is the subset of a connected peer's state the coordinator
// needs to evaluate unchoke and drop decisions.
type PeerSnapshot struct {
	ID               core.PeerID
	PeerInterested   bool
	AmChoking        bool
	PeerChoking      bool
	DownloadRate     float64
	ConnectedAt      time.Time
	LastDataReceived time.Time
}

// UnchokeAction is one decision from the unchoke algorithm.
type UnchokeAction struct {
	PeerID core.PeerID
	Action string // "choke" or "unchoke"
	Reason string // "tit_for_tat", "optimistic", "replaced"
}

// Unchoke action/reason constants.
const (
	ActionChoke   = "choke"
	ActionUnchoke = "unchoke"

	ReasonTitForTat  = "tit_for_tat"
	ReasonOptimistic = "optimistic"
	ReasonReplaced   = "replaced"
)

// DropRecommendation is one decision from the download optimizer.
type DropRecommendation struct {
	PeerID core.PeerID
	Reason string
}

// Drop reasons.
const (
	ReasonChokedTimeout  = "choked_timeout"
	ReasonTooSlow        = "too_slow"
	ReasonBelowAverage   = "below_average"
)

// Config holds every tunable of §4.5.
type Config struct {
	MaxUploadSlots             int           `yaml:"max_upload_slots"`
	NewPeerThreshold           time.Duration `yaml:"new_peer_threshold"`
	OptimisticRotationInterval time.Duration `yaml:"optimistic_rotation_interval"`
	EvalInterval               time.Duration `yaml:"eval_interval"`

	ChokedTimeout          time.Duration `yaml:"choked_timeout"`
	MinConnectionAge       time.Duration `yaml:"min_connection_age"`
	MinSpeedBytes          float64       `yaml:"min_speed_bytes"`
	DropBelowAverageRatio  float64       `yaml:"drop_below_average_ratio"`
	MinPeersBeforeDropping int           `yaml:"min_peers_before_dropping"`
}

func (c *Config) applyDefaults() {
	if c.MaxUploadSlots == 0 {
		c.MaxUploadSlots = 4
	}
	if c.NewPeerThreshold == 0 {
		c.NewPeerThreshold = 60 * time.Second
	}
	if c.OptimisticRotationInterval == 0 {
		c.OptimisticRotationInterval = 30 * time.Second
	}
	if c.EvalInterval == 0 {
		c.EvalInterval = 10 * time.Second
	}
	if c.ChokedTimeout == 0 {
		c.ChokedTimeout = 60 * time.Second
	}
	if c.MinConnectionAge == 0 {
		c.MinConnectionAge = 15 * time.Second
	}
	if c.DropBelowAverageRatio == 0 {
		c.DropBelowAverageRatio = 0.2
	}
	if c.MinPeersBeforeDropping == 0 {
		c.MinPeersBeforeDropping = 4
	}
}

// Coordinator runs the unchoke algorithm and download optimizer on a fixed
// tick, tracking which peer currently holds the rotating optimistic slot.
type Coordinator struct {
	clk    clock.Clock
	config Config
	rand   func() float64

	hasOptimistic     bool
	currentOptimistic core.PeerID
	lastRotation      time.Time
}

// New constructs a Coordinator. randFn defaults to rand.Float64 if nil;
// tests pass a deterministic stub (spec scenario 5's fakeRandom()).
func New(config Config, clk clock.Clock, randFn func() float64) *Coordinator {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if randFn == nil {
		randFn = rand.Float64
	}
	return &Coordinator{clk: clk, config: config, rand: randFn}
}

// Evaluate runs the unchoke algorithm once: the top MaxUploadSlots-1
// interested peers by download rate get tit-for-tat slots; one additional
// optimistic slot is chosen from the remaining interested peers, weighing
// peers younger than NewPeerThreshold 3x relative to older ones, rotating
// every OptimisticRotationInterval. It returns every action taken (choke for
// peers no longer in either slot, unchoke for peers newly admitted) and the
// protected set of peer ids that must not be dropped this tick.
func (c *Coordinator) Evaluate(peers []PeerSnapshot) ([]UnchokeAction, map[core.PeerID]bool) {
	now := c.clk.Now()

	interested := make([]PeerSnapshot, 0, len(peers))
	for _, p := range peers {
		if p.PeerInterested {
			interested = append(interested, p)
		}
	}
	sort.SliceStable(interested, func(i, j int) bool {
		return interested[i].DownloadRate > interested[j].DownloadRate
	})

	titForTatSlots := c.config.MaxUploadSlots - 1
	if titForTatSlots < 0 {
		titForTatSlots = 0
	}
	if titForTatSlots > len(interested) {
		titForTatSlots = len(interested)
	}

	protected := make(map[core.PeerID]bool)
	titForTat := interested[:titForTatSlots]
	for _, p := range titForTat {
		protected[p.ID] = true
	}

	remaining := interested[titForTatSlots:]
	optimist, ok := c.selectOptimistic(remaining, now)
	if ok {
		protected[optimist] = true
	}

	var actions []UnchokeAction
	for _, p := range peers {
		wantUnchoke := protected[p.ID]
		if wantUnchoke == !p.AmChoking {
			continue
		}
		action := UnchokeAction{PeerID: p.ID}
		if wantUnchoke {
			action.Action = ActionUnchoke
			if ok && p.ID == optimist {
				action.Reason = ReasonOptimistic
			} else {
				action.Reason = ReasonTitForTat
			}
		} else {
			action.Action = ActionChoke
			action.Reason = ReasonReplaced
		}
		actions = append(actions, action)
	}
	return actions, protected
}

func (c *Coordinator) selectOptimistic(candidates []PeerSnapshot, now time.Time) (core.PeerID, bool) {
	if len(candidates) == 0 {
		c.hasOptimistic = false
		return core.PeerID{}, false
	}

	stillCandidate := false
	if c.hasOptimistic {
		for _, p := range candidates {
			if p.ID == c.currentOptimistic {
				stillCandidate = true
				break
			}
		}
	}

	needsRotation := !c.hasOptimistic || !stillCandidate ||
		(!c.lastRotation.IsZero() && now.Sub(c.lastRotation) >= c.config.OptimisticRotationInterval)

	if !needsRotation {
		return c.currentOptimistic, true
	}

	total := 0.0
	weights := make([]float64, len(candidates))
	for i, p := range candidates {
		w := 1.0
		if now.Sub(p.ConnectedAt) < c.config.NewPeerThreshold {
			w = 3.0
		}
		weights[i] = w
		total += w
	}

	target := c.rand() * total
	chosen := candidates[len(candidates)-1].ID
	acc := 0.0
	for i, p := range candidates {
		acc += weights[i]
		if target < acc {
			chosen = p.ID
			break
		}
	}

	c.hasOptimistic = true
	c.currentOptimistic = chosen
	c.lastRotation = now
	return chosen, true
}

// RecommendDrops applies each independent rule in §4.5 and returns the
// peers it recommends dropping. protected peers (from the same tick's
// Evaluate) and skipSpeedChecks (rate-limited host) suppress the
// corresponding rules. replacementCandidates reports whether the swarm has
// any addresses to replace a dropped peer with; if not, no drops are
// recommended at all.
func (c *Coordinator) RecommendDrops(peers []PeerSnapshot, protected map[core.PeerID]bool, skipSpeedChecks bool, replacementCandidates bool) []DropRecommendation {
	if !replacementCandidates {
		return nil
	}
	if len(peers) < c.config.MinPeersBeforeDropping {
		return nil
	}

	now := c.clk.Now()
	var avg float64
	for _, p := range peers {
		avg += p.DownloadRate
	}
	if len(peers) > 0 {
		avg /= float64(len(peers))
	}

	var drops []DropRecommendation
	for _, p := range peers {
		if protected[p.ID] {
			continue
		}
		if p.PeerChoking && now.Sub(p.LastDataReceived) > c.config.ChokedTimeout {
			drops = append(drops, DropRecommendation{PeerID: p.ID, Reason: ReasonChokedTimeout})
			continue
		}
		if skipSpeedChecks {
			continue
		}
		age := now.Sub(p.ConnectedAt)
		if age >= c.config.MinConnectionAge && p.DownloadRate < c.config.MinSpeedBytes {
			drops = append(drops, DropRecommendation{PeerID: p.ID, Reason: ReasonTooSlow})
			continue
		}
		if p.DownloadRate < c.config.DropBelowAverageRatio*avg {
			drops = append(drops, DropRecommendation{PeerID: p.ID, Reason: ReasonBelowAverage})
		}
	}
	return drops
}
