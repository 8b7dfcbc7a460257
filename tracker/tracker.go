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

// Package tracker implements TrackerManager (§4.9): one worker per announce
// URL, each driven by its own reported interval, with peer unions de-duped
// before being handed to the Swarm. The UDP/HTTP tracker wire formats
// themselves are out of scope (§1) and are supplied by the host as a
// Tracker implementation; this package owns only the scheduling,
// de-duplication, and failure backoff around those implementations. Modeled
// on lib/torrent/scheduler/announcer.Announcer's single-client interval
// rescheduling, generalized to a worker per tracker URL instead of one
// shared client, since kraken only ever talks to its own origin cluster.
package tracker

import (
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/btcore/engine/core"
)

// Event is the BEP 3 announce event.
type Event string

// Announce events.
const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// AnnounceResult is what a Tracker returns for one announce.
type AnnounceResult struct {
	Peers    []core.PeerInfo
	Interval time.Duration
}

// Tracker is the external collaborator that speaks the actual HTTP or UDP
// tracker wire protocol for one announce URL. Supplied by the host.
type Tracker interface {
	Announce(infoHash core.InfoHash, event Event) (AnnounceResult, error)
	URL() string
}

// AnnounceGate bounds how many announce requests may be in flight at once
// across every Manager sharing it. Generalizes
// lib/torrent/scheduler/announcequeue.Queue's one-torrent-announcing-at-a-time
// discipline to a configurable concurrency limit shared across a process's
// Managers, since this design runs one Manager per torrent rather than one
// scheduler polling a single shared queue.
type AnnounceGate struct {
	sem chan struct{}
}

// NewAnnounceGate constructs a gate admitting at most maxConcurrent
// in-flight announces at once. maxConcurrent <= 0 is treated as 1.
func NewAnnounceGate(maxConcurrent int) *AnnounceGate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &AnnounceGate{sem: make(chan struct{}, maxConcurrent)}
}

func (g *AnnounceGate) acquire() { g.sem <- struct{}{} }
func (g *AnnounceGate) release() { <-g.sem }

// Config controls interval bounds and failure backoff.
type Config struct {
	MinInterval           time.Duration `yaml:"min_interval"`
	MaxBackoff            time.Duration `yaml:"max_backoff"`
	FailuresBeforeBackoff int           `yaml:"failures_before_backoff"`

	// Gate, if set, bounds concurrent in-flight announces across every
	// Manager sharing it. Nil means unbounded.
	Gate *AnnounceGate
}

func (c *Config) applyDefaults() {
	if c.MinInterval == 0 {
		c.MinInterval = 30 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 15 * time.Minute
	}
	if c.FailuresBeforeBackoff == 0 {
		c.FailuresBeforeBackoff = 3
	}
}

// PeerHandler receives the de-duped union of peers from every announce.
type PeerHandler func(peers []core.PeerInfo)

// workerState is the mutable per-tracker bookkeeping the Manager's worker
// goroutines maintain.
type workerState struct {
	consecutiveFailures int
	interval            time.Duration
}

// Manager runs one worker goroutine per Tracker, re-announcing at each
// tracker's own reported interval (respecting MinInterval), and unions +
// de-dupes the resulting peers across all trackers before invoking onPeers.
type Manager struct {
	config   Config
	trackers []Tracker
	infoHash core.InfoHash
	onPeers  PeerHandler
	clk      clock.Clock
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	seen  map[string][]core.PeerInfo // per-tracker last-known peer set, keyed by tracker URL

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager over trackers. onPeers is invoked after every
// successful announce with the current de-duped union across all trackers;
// a failed announce does not invoke it.
func New(config Config, trackers []Tracker, infoHash core.InfoHash, onPeers PeerHandler, clk clock.Clock, logger *zap.SugaredLogger) *Manager {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		config:   config,
		trackers: trackers,
		infoHash: infoHash,
		onPeers:  onPeers,
		clk:      clk,
		logger:   logger,
		seen:     make(map[string][]core.PeerInfo),
		stopCh:   make(chan struct{}),
	}
}

// Start announces to every tracker with event=started and begins each
// tracker's re-announce loop.
func (m *Manager) Start() {
	for _, t := range m.trackers {
		t := t
		m.wg.Add(1)
		go m.run(t)
	}
}

// Stop announces event=stopped to every tracker and halts all workers.
func (m *Manager) Stop() {
	for _, t := range m.trackers {
		_, _ = t.Announce(m.infoHash, EventStopped)
	}
	close(m.stopCh)
	m.wg.Wait()
}

// Completed announces event=completed to every tracker, out of band from
// the regular re-announce schedule.
func (m *Manager) Completed() {
	for _, t := range m.trackers {
		_, _ = t.Announce(m.infoHash, EventCompleted)
	}
}

func (m *Manager) run(t Tracker) {
	defer m.wg.Done()

	state := &workerState{interval: m.config.MinInterval}
	m.announce(t, EventStarted, state)

	for {
		timer := m.clk.Timer(state.interval)
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			m.announce(t, EventNone, state)
		}
	}
}

func (m *Manager) announce(t Tracker, event Event, state *workerState) {
	if m.config.Gate != nil {
		m.config.Gate.acquire()
		defer m.config.Gate.release()
	}

	result, err := t.Announce(m.infoHash, event)
	if err != nil {
		state.consecutiveFailures++
		if m.logger != nil {
			m.logger.Errorw("tracker announce failed", "url", t.URL(), "error", err)
		}
		if state.consecutiveFailures >= m.config.FailuresBeforeBackoff {
			doubled := state.interval * 2
			if doubled > m.config.MaxBackoff {
				doubled = m.config.MaxBackoff
			}
			state.interval = doubled
		}
		return
	}

	state.consecutiveFailures = 0
	state.interval = result.Interval
	if state.interval < m.config.MinInterval {
		state.interval = m.config.MinInterval
	}

	m.mu.Lock()
	m.seen[t.URL()] = result.Peers
	union := m.dedupedUnionLocked()
	m.mu.Unlock()

	if m.onPeers != nil {
		m.onPeers(union)
	}
}

// dedupedUnionLocked must be called with mu held.
func (m *Manager) dedupedUnionLocked() []core.PeerInfo {
	byKey := make(map[string]core.PeerInfo)
	for _, peers := range m.seen {
		for _, p := range peers {
			byKey[p.IP+":"+strconv.Itoa(p.Port)] = p
		}
	}
	out := make([]core.PeerInfo, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	return out
}
