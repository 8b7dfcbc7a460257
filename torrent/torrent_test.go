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
package torrent

import (
	"crypto/sha1"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/btcore/engine/bitfield"
	"github.com/btcore/engine/core"
	"github.com/btcore/engine/peerconn"
	"github.com/btcore/engine/storage"
	"github.com/btcore/engine/swarm"
	"github.com/btcore/engine/wire"
)

func newTestTorrent(t *testing.T, pieceData [][]byte) *Torrent {
	dir := t.TempDir()
	var total int64
	for _, p := range pieceData {
		total += int64(len(p))
	}
	hashes := make([][20]byte, len(pieceData))
	for i, p := range pieceData {
		hashes[i] = sha1.Sum(p)
	}

	config := Config{
		PieceLength: int64(len(pieceData[0])),
		TotalLength: total,
		PieceHashes: hashes,
		Files:       []storage.FileEntry{{Path: filepath.Join(dir, "content"), Length: total}},
		InfoHash:    core.InfoHash{0xAB},
		LocalPeerID: core.PeerID{1},
	}

	tr, err := New(config, nil, nil, nil, clock.NewMock(), nil, nil)
	require.NoError(t, err)
	return tr
}

// connectFakePeer wires up a peerconn.Conn over an in-memory pipe, with tr as
// the Events implementation, and registers it the way onConnEstablished would
// after a real handshake. Returns the server side of the pipe, which the test
// drives directly to simulate the remote peer.
func connectFakePeer(t *testing.T, tr *Torrent, remoteID core.PeerID, numPieces int) net.Conn {
	client, server := net.Pipe()
	conn := peerconn.New(client, tr.config.InfoHash, tr.config.LocalPeerID, remoteID, false, numPieces, peerconn.Config{}, tr, clock.NewMock(), nil)
	tr.mu.Lock()
	tr.addrKeys[remoteID] = swarm.Addr{IP: "10.0.0.1", Port: 6881}.Key()
	tr.mu.Unlock()
	tr.registerConn(conn)
	return server
}

func TestTorrent_EndToEndSinglePieceDownload(t *testing.T) {
	piece0 := []byte("hello world, this is piece zero")
	tr := newTestTorrent(t, [][]byte{piece0})

	remoteID := core.PeerID{2}
	server := connectFakePeer(t, tr, remoteID, 1)

	// Drain our own (empty) bitfield that registerConn sent.
	_, err := wire.ReadMessage(server)
	require.NoError(t, err)

	// Announce piece 0 as available.
	bf := bitfield.New(1)
	bf.Set(0, true)
	require.NoError(t, wire.WriteMessage(server, wire.Message{ID: wire.MsgBitfield, Payload: bf.ToBytes()}))

	// fillRequests sends "interested" before pipelining any requests.
	interestedMsg, err := wire.ReadMessage(server)
	require.NoError(t, err)
	require.Equal(t, wire.MsgInterested, interestedMsg.ID)

	// Expect a request for the whole piece (single block).
	reqMsg, err := wire.ReadMessage(server)
	require.NoError(t, err)
	req, err := wire.DecodeRequest(reqMsg)
	require.NoError(t, err)
	require.EqualValues(t, 0, req.Index)
	require.EqualValues(t, 0, req.Begin)
	require.EqualValues(t, len(piece0), req.Length)

	require.NoError(t, wire.WriteMessage(server, wire.EncodePiece(wire.PiecePayload{
		Index: req.Index, Begin: req.Begin, Block: piece0,
	})))

	require.Eventually(t, func() bool {
		return tr.pieces.OwnBitField().Get(0)
	}, 2*time.Second, 5*time.Millisecond, "piece should be verified and marked owned")

	require.True(t, tr.complete)

	got, err := tr.store.ReadRange(0, int64(len(piece0)))
	require.NoError(t, err)
	require.Equal(t, piece0, got)
}

func TestTorrent_HandleBlockDropsAlreadyOwnedPiece(t *testing.T) {
	piece0 := []byte("already have this one")
	tr := newTestTorrent(t, [][]byte{piece0})
	tr.pieces.MarkVerified(0)

	tr.handleBlock(core.PeerID{3}, 0, 0, piece0)
	require.False(t, tr.active.Has(0), "no active buffer should be created for an already-owned piece")
}

func TestTorrent_HandleBlockHashMismatchDoesNotMarkVerified(t *testing.T) {
	piece0 := make([]byte, 16)
	tr := newTestTorrent(t, [][]byte{piece0})

	corrupt := make([]byte, 16)
	corrupt[0] = 0xFF
	tr.handleBlock(core.PeerID{4}, 0, 0, corrupt)

	require.Eventually(t, func() bool {
		return !tr.active.Has(0)
	}, time.Second, 5*time.Millisecond)
	require.False(t, tr.pieces.OwnBitField().Get(0))
}

func TestTorrent_OnHashMismatchBansDominantContributor(t *testing.T) {
	piece0 := make([]byte, 16)
	tr := newTestTorrent(t, [][]byte{piece0})
	tr.config.CorruptBanThreshold = 0.5

	bad := core.PeerID{5}
	key := swarm.Addr{IP: "10.0.0.2", Port: 6881}.Key()
	tr.sw.AddPeer(swarm.Addr{IP: "10.0.0.2", Port: 6881}, "test")
	tr.mu.Lock()
	tr.addrKeys[bad] = key
	tr.contributors[0] = map[core.PeerID]int{bad: 100}
	tr.failureCount[0] = 1
	tr.mu.Unlock()

	tr.onHashMismatch(0)

	st, ok := tr.sw.StateOf(key)
	require.True(t, ok)
	require.Equal(t, swarm.Banned, st)
}

func TestTorrent_SetFilePriority_MaterializesCompletedPiecesFromParts(t *testing.T) {
	piece0 := []byte("file a data!!!!!")
	dir := t.TempDir()
	hashes := [][20]byte{sha1.Sum(piece0)}

	config := Config{
		PieceLength: int64(len(piece0)),
		TotalLength: int64(len(piece0)),
		PieceHashes: hashes,
		Files:       []storage.FileEntry{{Path: filepath.Join(dir, "a"), Length: int64(len(piece0))}},
		InfoHash:    core.InfoHash{0xCD},
		LocalPeerID: core.PeerID{9},
		Storage:     storage.Config{PartsFileDir: dir},
	}
	tr, err := New(config, nil, nil, nil, clock.NewMock(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, tr.SetFilePriority(0, FilePrioritySkip))

	result := <-tr.store.WritePiece(0, piece0, hashes[0], true)
	require.Equal(t, storage.WriteOK, result)
	tr.pieces.MarkVerified(0)

	require.NoError(t, tr.SetFilePriority(0, FilePriorityNormal))

	got, err := tr.store.ReadRange(0, int64(len(piece0)))
	require.NoError(t, err)
	require.Equal(t, piece0, got)
}

func TestTorrent_BitfieldAndHaveFeedAvailabilityAndDisconnectDecrements(t *testing.T) {
	piece0 := []byte("0123456789abcdef")
	piece1 := []byte("fedcba9876543210")
	tr := newTestTorrent(t, [][]byte{piece0, piece1})

	bitfieldPeer := core.PeerID{1, 1}
	bfServer := connectFakePeer(t, tr, bitfieldPeer, 2)
	_, err := wire.ReadMessage(bfServer) // our initial bitfield
	require.NoError(t, err)

	peerBF := bitfield.New(2)
	peerBF.Set(0, true)
	require.NoError(t, wire.WriteMessage(bfServer, wire.Message{ID: wire.MsgBitfield, Payload: peerBF.ToBytes()}))

	require.Eventually(t, func() bool {
		return tr.pieces.Availability(0) == 1
	}, time.Second, 5*time.Millisecond, "OnBitfield must feed piece.Manager's availability vector")
	require.Equal(t, uint16(0), tr.pieces.Availability(1))

	havePeer := core.PeerID{2, 2}
	haveServer := connectFakePeer(t, tr, havePeer, 2)
	_, err = wire.ReadMessage(haveServer) // our initial bitfield
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(haveServer, wire.EncodeHave(1)))

	require.Eventually(t, func() bool {
		return tr.pieces.Availability(1) == 1
	}, time.Second, 5*time.Millisecond, "OnHave must feed piece.Manager's availability vector")

	tr.mu.Lock()
	bfConn := tr.conns[bitfieldPeer]
	tr.mu.Unlock()
	bfConn.Close()

	require.Eventually(t, func() bool {
		return tr.pieces.Availability(0) == 0
	}, time.Second, 5*time.Millisecond, "unregisterConn must feed piece.Manager.OnPeerDisconnect")
}

func TestTorrent_EvaluateUnchokeUnchokesInterestedPeer(t *testing.T) {
	piece0 := []byte("unchoke me please!!")
	tr := newTestTorrent(t, [][]byte{piece0})

	remoteID := core.PeerID{7}
	server := connectFakePeer(t, tr, remoteID, 1)

	_, err := wire.ReadMessage(server) // our initial (empty) bitfield
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(server, wire.Message{ID: wire.MsgInterested}))

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		c, ok := tr.conns[remoteID]
		tr.mu.Unlock()
		return ok && c.State().PeerInterested
	}, time.Second, 5*time.Millisecond)

	tr.evaluateUnchoke()

	unchokeMsg, err := wire.ReadMessage(server)
	require.NoError(t, err)
	require.Equal(t, wire.MsgUnchoke, unchokeMsg.ID)

	tr.mu.Lock()
	c := tr.conns[remoteID]
	tr.mu.Unlock()
	require.False(t, c.State().AmChoking)
}
