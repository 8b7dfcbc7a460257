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

// Package connmgr implements ConnectionManager: the maintenance loop that
// keeps a torrent's peer slots full by dialing addresses the Swarm offers up,
// performing the wire handshake, and handing established connections off to
// the owning Torrent. Modeled on lib/torrent/scheduler.scheduler's
// tickerLoop/clock.Tick idiom, generalized from that scheduler's single
// global dial path to a per-torrent maintenance loop driven by Swarm state.
package connmgr

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btcore/engine/core"
	"github.com/btcore/engine/peerconn"
	"github.com/btcore/engine/swarm"
	"github.com/btcore/engine/wire"
)

// Config controls slot filling and dial behavior.
type Config struct {
	MaxConnections     int           `yaml:"max_connections"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
}

func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 50
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = 5 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// Dialer abstracts outbound TCP dialing so tests can substitute an in-memory
// transport.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnEstablished is handed to the owning Torrent for every successful
// outgoing connection, after the wire handshake has completed.
type ConnEstablished struct {
	Addr   swarm.Addr
	Conn   *peerconn.Conn
	PeerID core.PeerID
}

// Manager runs the maintenance loop for one torrent: it polls the Swarm for
// connectable addresses, fills free slots by dialing and handshaking, and
// reports connection outcomes back to the Swarm.
type Manager struct {
	config      Config
	swarm       *swarm.Swarm
	dialer      Dialer
	clk         clock.Clock
	logger      *zap.SugaredLogger
	metrics     tally.Scope
	infoHash    core.InfoHash
	localPeerID core.PeerID
	numPieces   int
	peerConfig  peerconn.Config
	events      peerconn.Events
	onConn      func(ConnEstablished)

	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a Manager. onConn is invoked once per successful handshake;
// the Torrent is expected to register the resulting *peerconn.Conn and wire
// its Events.
func New(
	config Config,
	sw *swarm.Swarm,
	dialer Dialer,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	numPieces int,
	peerConfig peerconn.Config,
	events peerconn.Events,
	onConn func(ConnEstablished),
	clk clock.Clock,
	logger *zap.SugaredLogger,
	metrics tally.Scope,
) *Manager {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = tally.NoopScope
	}
	return &Manager{
		config:      config,
		swarm:       sw,
		dialer:      dialer,
		clk:         clk,
		logger:      logger,
		metrics:     metrics,
		infoHash:    infoHash,
		localPeerID: localPeerID,
		numPieces:   numPieces,
		peerConfig:  peerConfig,
		events:      events,
		onConn:      onConn,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the maintenance loop, filling slots every MaintenanceInterval
// until Stop is called.
func (m *Manager) Start() {
	go m.maintenanceLoop()
}

// Stop halts the maintenance loop. Does not close already-established
// connections; the owning Torrent does that directly.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.done
}

func (m *Manager) maintenanceLoop() {
	defer close(m.done)
	tick := m.clk.Tick(m.config.MaintenanceInterval)
	for {
		select {
		case <-m.stopCh:
			return
		case <-tick:
			m.fillSlots()
		}
	}
}

// fillSlots dials enough connectable peers to bring the active connection
// count up to MaxConnections.
func (m *Manager) fillSlots() {
	free := m.config.MaxConnections - m.swarm.ConnectedCount()
	if free <= 0 {
		return
	}
	for _, addr := range m.swarm.GetConnectablePeers(free) {
		addr := addr
		m.swarm.MarkConnecting(addr.Key())
		go m.dialAndHandshake(addr)
	}
}

func (m *Manager) dialAndHandshake(addr swarm.Addr) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
	defer cancel()

	netConn, err := m.dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", addr.IP, addr.Port))
	if err != nil {
		m.metrics.Counter("connmgr.dial_failed").Inc(1)
		m.swarm.MarkConnectFailed(addr.Key())
		return
	}

	remoteHandshake, err := m.performHandshake(netConn)
	if err != nil {
		netConn.Close()
		m.metrics.Counter("connmgr.handshake_failed").Inc(1)
		m.swarm.MarkConnectFailed(addr.Key())
		return
	}

	conn := peerconn.NewWithExtensions(
		netConn, m.infoHash, m.localPeerID, remoteHandshake.PeerID, false,
		remoteHandshake.Extension, m.numPieces, m.peerConfig, m.events, m.clk, m.logger,
	)
	m.swarm.SetIdentity(addr.Key(), remoteHandshake.PeerID, "")
	m.swarm.MarkConnected(addr.Key(), conn)
	m.metrics.Counter("connmgr.connected").Inc(1)

	if m.onConn != nil {
		m.onConn(ConnEstablished{Addr: addr, Conn: conn, PeerID: remoteHandshake.PeerID})
	}
}

func (m *Manager) performHandshake(netConn net.Conn) (wire.Handshake, error) {
	out := wire.Handshake{InfoHash: m.infoHash, PeerID: m.localPeerID, Extension: true}
	if err := wire.WriteHandshake(netConn, out); err != nil {
		return wire.Handshake{}, fmt.Errorf("write handshake: %w", err)
	}
	in, err := wire.ReadHandshake(netConn)
	if err != nil {
		return wire.Handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	if in.InfoHash != m.infoHash {
		return wire.Handshake{}, fmt.Errorf("info hash mismatch")
	}
	return in, nil
}
