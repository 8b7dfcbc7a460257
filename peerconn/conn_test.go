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
package peerconn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btcore/engine/bitfield"
	"github.com/btcore/engine/core"
	"github.com/btcore/engine/wire"
)

type recordingEvents struct {
	mu        sync.Mutex
	unchokes  int
	haves     []uint32
	bitfields []*bitfield.BitField
	pieces    []wire.PiecePayload
	closed    bool
}

func (r *recordingEvents) OnChoke(c *Conn)         {}
func (r *recordingEvents) OnUnchoke(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unchokes++
}
func (r *recordingEvents) OnInterested(c *Conn)    {}
func (r *recordingEvents) OnNotInterested(c *Conn) {}
func (r *recordingEvents) OnHave(c *Conn, index uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haves = append(r.haves, index)
}
func (r *recordingEvents) OnBitfield(c *Conn, bf *bitfield.BitField) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bitfields = append(r.bitfields, bf)
}
func (r *recordingEvents) OnRequest(c *Conn, req wire.RequestPayload) {}
func (r *recordingEvents) OnPiece(c *Conn, p wire.PiecePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pieces = append(r.pieces, p)
}
func (r *recordingEvents) OnCancel(c *Conn, req wire.RequestPayload) {}
func (r *recordingEvents) OnExtended(c *Conn, m wire.Message)        {}
func (r *recordingEvents) OnClosed(c *Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func newTestConn(t *testing.T, netConn net.Conn, numPieces int) (*Conn, *recordingEvents) {
	ev := &recordingEvents{}
	c := New(netConn, core.InfoHash{}, core.PeerID{'l'}, core.PeerID{'r'}, false, numPieces, Config{}, ev, clock.NewMock(), zap.NewNop().Sugar())
	return c, ev
}

func TestConn_DispatchUpdatesState(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	c, ev := newTestConn(t, clientSide, 4)
	defer c.Close()

	go func() {
		wire.WriteMessage(serverSide, wire.Message{ID: wire.MsgUnchoke})
		wire.WriteMessage(serverSide, wire.EncodeHave(2))
	}()

	require.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return ev.unchokes == 1 && len(ev.haves) == 1
	}, time.Second, time.Millisecond)

	require.False(t, c.State().PeerChoking)
}

func TestConn_PipelineRoom(t *testing.T) {
	clientSide, _ := net.Pipe()
	defer clientSide.Close()
	c, _ := newTestConn(t, clientSide, 4)
	defer c.Close()

	require.Equal(t, 16, c.PipelineRoom())
}

func TestConn_SetChokingIsIdempotent(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()
	c, _ := newTestConn(t, clientSide, 4)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		wire.ReadMessage(serverSide) // consumes the choke message
		close(done)
	}()
	require.NoError(t, c.SetChoking(true)) // already true by default... no message sent
	select {
	case <-done:
		t.Fatal("unexpected message sent for a no-op state change")
	case <-time.After(50 * time.Millisecond):
	}
}
