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

// Package swarm implements the address-keyed peer registry with connect and
// quick-disconnect backoff (§4.7). It generalizes
// lib/torrent/scheduler/connstate.State, which tracks peers by PeerID only,
// to the address-keyed model with exponential backoff the spec requires.
package swarm

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/btcore/engine/core"
	"github.com/btcore/engine/peerconn"
)

// State is a SwarmPeer's lifecycle state.
type State int

// SwarmPeer states, per §3.
const (
	Idle State = iota
	Connecting
	Connected
	Failed
	Banned
)

const maxBackoff = 15 * time.Minute
const quickDisconnectThreshold = 30 * time.Second

// Addr identifies a peer by network address: "ip:port" for IPv4,
// "[ipv6]:port" for IPv6.
type Addr struct {
	IP   string
	Port int
	IPv6 bool
}

// Key returns the canonical registry key for this address.
func (a Addr) Key() string {
	if a.IPv6 {
		return fmt.Sprintf("[%s]:%d", a.IP, a.Port)
	}
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// entry is the Swarm's per-address bookkeeping record.
type entry struct {
	addr             Addr
	source           string
	state            State
	connectFailures  int
	quickDisconnects int
	connectedAt      time.Time
	lastDisconnect   time.Time
	banReason        string
	peerID           *core.PeerID
	clientVersion    string
	downloaded       int64
	uploaded         int64
	conn             *peerconn.Conn
}

// Swarm is the address-keyed peer registry for one torrent.
type Swarm struct {
	mu    sync.Mutex
	clk   clock.Clock
	peers map[string]*entry
}

// New constructs an empty Swarm.
func New(clk clock.Clock) *Swarm {
	if clk == nil {
		clk = clock.New()
	}
	return &Swarm{clk: clk, peers: make(map[string]*entry)}
}

// AddPeer registers addr from source if not already known. No-op if the
// address is already present.
func (s *Swarm) AddPeer(addr Addr, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addPeerLocked(addr, source)
}

func (s *Swarm) addPeerLocked(addr Addr, source string) {
	if _, ok := s.peers[addr.Key()]; ok {
		return
	}
	s.peers[addr.Key()] = &entry{addr: addr, source: source, state: Idle}
}

// AddPeers registers addrs from source, de-duping against existing entries.
func (s *Swarm) AddPeers(addrs []Addr, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		s.addPeerLocked(a, source)
	}
}

// MarkConnecting transitions addr to Connecting.
func (s *Swarm) MarkConnecting(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.peers[key]; ok {
		e.state = Connecting
	}
}

// MarkConnected transitions addr to Connected and attaches the live
// connection. A long-lived connection (tracked by MarkDisconnected) resets
// quickDisconnects.
func (s *Swarm) MarkConnected(key string, conn *peerconn.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[key]
	if !ok {
		return
	}
	e.state = Connected
	e.conn = conn
	e.connectedAt = s.clk.Now()
	e.connectFailures = 0
}

// MarkConnectFailed transitions addr to Failed and increments its
// connect-failure count, entering exponential backoff.
func (s *Swarm) MarkConnectFailed(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[key]
	if !ok {
		return
	}
	e.state = Failed
	e.connectFailures++
	e.lastDisconnect = s.clk.Now()
}

// MarkDisconnected transitions addr back to Idle, clears the live
// connection pointer, and updates the quick-disconnect counter: connections
// shorter than quickDisconnectThreshold increment it, longer ones reset it
// to zero.
func (s *Swarm) MarkDisconnected(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[key]
	if !ok {
		return
	}
	now := s.clk.Now()
	if !e.connectedAt.IsZero() && now.Sub(e.connectedAt) < quickDisconnectThreshold {
		e.quickDisconnects++
	} else {
		e.quickDisconnects = 0
	}
	e.conn = nil
	e.state = Idle
	e.lastDisconnect = now
	e.connectedAt = time.Time{}
}

// Ban transitions addr to Banned with reason, blocking all reconnect
// attempts until unbanned.
func (s *Swarm) Ban(key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[key]
	if !ok {
		return
	}
	e.state = Banned
	e.banReason = reason
	e.conn = nil
}

// Unban transitions addr back to Idle regardless of ban reason.
func (s *Swarm) Unban(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[key]
	if !ok || e.state != Banned {
		return
	}
	e.state = Idle
	e.banReason = ""
}

// CorruptDataReason is the one ban reason that survives UnbanRecoverable.
const CorruptDataReason = "corrupt data"

// UnbanRecoverable unbans every peer whose ban reason is not "corrupt data".
func (s *Swarm) UnbanRecoverable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.peers {
		if e.state == Banned && e.banReason != CorruptDataReason {
			e.state = Idle
			e.banReason = ""
		}
	}
}

// SetIdentity records the wire peer-id and client name observed after
// handshake.
func (s *Swarm) SetIdentity(key string, peerID core.PeerID, clientName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.peers[key]; ok {
		id := peerID
		e.peerID = &id
		e.clientVersion = clientName
	}
}

// CreditTraffic adds downloaded/uploaded byte counts to a peer's lifetime
// totals.
func (s *Swarm) CreditTraffic(key string, downloaded, uploaded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.peers[key]; ok {
		e.downloaded += downloaded
		e.uploaded += uploaded
	}
}

func backoffDuration(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	secs := math.Pow(2, float64(failures))
	d := time.Duration(secs) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (s *Swarm) connectable(e *entry, now time.Time) bool {
	switch e.state {
	case Connecting, Connected, Banned:
		return false
	}
	if e.connectFailures > 0 {
		if now.Sub(e.lastDisconnect) < backoffDuration(e.connectFailures) {
			return false
		}
	}
	if e.quickDisconnects > 0 {
		if now.Sub(e.lastDisconnect) < backoffDuration(e.quickDisconnects) {
			return false
		}
	}
	return true
}

// GetConnectablePeers returns up to n addresses eligible
// for a new outgoing connection: excludes connecting/connected/banned peers
// and any currently in connect-failure or quick-disconnect backoff.
func (s *Swarm) GetConnectablePeers(n int) []Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	var out []Addr
	for _, e := range s.peers {
		if len(out) >= n {
			break
		}
		if s.connectable(e, now) {
			out = append(out, e.addr)
		}
	}
	return out
}

// Len returns the number of known peers, connected or not.
func (s *Swarm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ConnectedCount returns the number of peers currently in the Connected
// state.
func (s *Swarm) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.peers {
		if e.state == Connected {
			n++
		}
	}
	return n
}

// StateOf returns the current state of addr's registry key, if known.
func (s *Swarm) StateOf(key string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[key]
	if !ok {
		return 0, false
	}
	return e.state, true
}
