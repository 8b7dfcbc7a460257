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
package connmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/btcore/engine/core"
	"github.com/btcore/engine/peerconn"
	"github.com/btcore/engine/swarm"
	"github.com/btcore/engine/wire"
)

// pipeDialer hands back one side of a net.Pipe per dial, with the other side
// driven by a fake remote peer that performs the handshake and then idles.
type pipeDialer struct {
	infoHash    core.InfoHash
	remotePeer  core.PeerID
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go func() {
		in, err := wire.ReadHandshake(server)
		if err != nil {
			server.Close()
			return
		}
		wire.WriteHandshake(server, wire.Handshake{InfoHash: in.InfoHash, PeerID: d.remotePeer})
	}()
	return client, nil
}

func TestManager_FillSlotsDialsAndHandshakes(t *testing.T) {
	var infoHash core.InfoHash
	infoHash[0] = 0xAB
	var localID, remoteID core.PeerID
	localID[0] = 1
	remoteID[0] = 2

	mockClock := clock.NewMock()
	sw := swarm.New(mockClock)
	addr := swarm.Addr{IP: "10.0.0.1", Port: 6881}
	sw.AddPeer(addr, "tracker")

	established := make(chan ConnEstablished, 1)
	mgr := New(
		Config{MaxConnections: 5, MaintenanceInterval: time.Second},
		sw,
		&pipeDialer{infoHash: infoHash, remotePeer: remoteID},
		infoHash, localID, 10,
		peerconn.Config{},
		nil,
		func(ce ConnEstablished) { established <- ce },
		mockClock, nil, nil,
	)

	mgr.fillSlots()

	select {
	case ce := <-established:
		require.Equal(t, remoteID, ce.PeerID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection to establish")
	}

	st, ok := sw.StateOf(addr.Key())
	require.True(t, ok)
	require.Equal(t, swarm.Connected, st)
}

func TestManager_DialFailureBacksOff(t *testing.T) {
	var infoHash core.InfoHash
	mockClock := clock.NewMock()
	sw := swarm.New(mockClock)
	addr := swarm.Addr{IP: "10.0.0.2", Port: 6881}
	sw.AddPeer(addr, "tracker")

	mgr := New(
		Config{MaxConnections: 5},
		sw,
		failingDialer{},
		infoHash, core.PeerID{}, 10,
		peerconn.Config{},
		nil, nil,
		mockClock, nil, nil,
	)
	mgr.fillSlots()
	require.Eventually(t, func() bool {
		st, _ := sw.StateOf(addr.Key())
		return st == swarm.Failed
	}, time.Second, 10*time.Millisecond, "failed dial should transition peer to failed with backoff pending")

	require.Empty(t, sw.GetConnectablePeers(10), "should be in backoff immediately after failure")
}

type failingDialer struct{}

func (failingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, context.DeadlineExceeded
}
