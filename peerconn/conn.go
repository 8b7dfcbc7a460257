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

// Package peerconn implements the per-peer connection state machine (§4.6):
// choke/interest bookkeeping, request pipelining in both directions, and
// rolling-window rate stats, on top of the raw wire package. It is modeled
// on lib/torrent/scheduler/conn.Conn's goroutine-per-direction structure,
// generalized from that package's protobuf framing to the bit-exact
// BitTorrent wire protocol.
package peerconn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/btcore/engine/bitfield"
	"github.com/btcore/engine/core"
	"github.com/btcore/engine/wire"
)

// Events receives typed callbacks for everything a Conn observes on the
// wire. Implementations (the owning Torrent) must not block for long inside
// these callbacks since they run on the connection's read goroutine.
type Events interface {
	OnChoke(c *Conn)
	OnUnchoke(c *Conn)
	OnInterested(c *Conn)
	OnNotInterested(c *Conn)
	OnHave(c *Conn, index uint32)
	OnBitfield(c *Conn, bf *bitfield.BitField)
	OnRequest(c *Conn, req wire.RequestPayload)
	OnPiece(c *Conn, p wire.PiecePayload)
	OnCancel(c *Conn, req wire.RequestPayload)
	OnExtended(c *Conn, m wire.Message)
	OnClosed(c *Conn, err error)
}

// Config controls pipeline limits (§4.6).
type Config struct {
	PipelineLimit       int `yaml:"pipeline_limit"`
	MaxQueuedUploads    int `yaml:"max_queued_uploads"`
	SendBufferSize      int `yaml:"send_buffer_size"`
}

func (c *Config) applyDefaults() {
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 16
	}
	if c.MaxQueuedUploads == 0 {
		c.MaxQueuedUploads = 256
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 100
	}
}

// Conn is one per TCP stream, post-handshake.
type Conn struct {
	netConn      net.Conn
	infoHash     core.InfoHash
	localPeerID  core.PeerID
	remotePeerID core.PeerID
	incoming     bool
	createdAt    time.Time
	clk          clock.Clock
	logger       *zap.SugaredLogger
	config       Config
	events       Events

	numPieces int

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	remoteBitfield *bitfield.BitField
	outstanding    map[blockKey]time.Time // blocks we requested from the peer
	uploadQueue    []wire.RequestPayload  // requests the peer made of us, FIFO

	downRate *rateCounter
	upRate   *rateCounter

	sendCh chan wire.Message
	done   chan struct{}
	closed *atomic.Bool
	wg     sync.WaitGroup
}

type blockKey struct {
	index uint32
	begin uint32
}

// New wraps an already-handshaken net.Conn into a Conn state machine and
// starts its read/write loops. Per §3, both booleans start choking=true,
// interested=false on each side.
func New(
	netConn net.Conn,
	infoHash core.InfoHash,
	localPeerID, remotePeerID core.PeerID,
	incoming bool,
	numPieces int,
	config Config,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Conn {
	return newConn(netConn, infoHash, localPeerID, remotePeerID, incoming, false, numPieces, config, events, clk, logger)
}

// NewWithExtensions is New, additionally sending the BEP 10 extension
// handshake (§4.6, §6) immediately after construction when remoteSupportsExt
// reports the peer advertised the extension protocol bit in its own
// handshake.
func NewWithExtensions(
	netConn net.Conn,
	infoHash core.InfoHash,
	localPeerID, remotePeerID core.PeerID,
	incoming bool,
	remoteSupportsExt bool,
	numPieces int,
	config Config,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Conn {
	return newConn(netConn, infoHash, localPeerID, remotePeerID, incoming, remoteSupportsExt, numPieces, config, events, clk, logger)
}

func newConn(
	netConn net.Conn,
	infoHash core.InfoHash,
	localPeerID, remotePeerID core.PeerID,
	incoming bool,
	sendExtHandshake bool,
	numPieces int,
	config Config,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Conn {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	c := &Conn{
		netConn:        netConn,
		infoHash:       infoHash,
		localPeerID:    localPeerID,
		remotePeerID:   remotePeerID,
		incoming:       incoming,
		createdAt:      clk.Now(),
		clk:            clk,
		logger:         logger,
		config:         config,
		events:         events,
		numPieces:      numPieces,
		amChoking:      true,
		amInterested:   false,
		peerChoking:    true,
		peerInterested: false,
		outstanding:    make(map[blockKey]time.Time),
		downRate:       newRateCounter(clk),
		upRate:         newRateCounter(clk),
		sendCh:         make(chan wire.Message, config.SendBufferSize),
		done:           make(chan struct{}),
		closed:         atomic.NewBool(false),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	if sendExtHandshake {
		msg, err := wire.EncodeExtendedHandshake(wire.ExtendedHandshake{
			M: map[string]int{wire.ExtMetadataName: 1, wire.ExtPEXName: 2},
		})
		if err == nil {
			_ = c.Send(msg)
		}
	}
	return c
}

// PeerID returns the remote peer's id.
func (c *Conn) PeerID() core.PeerID { return c.remotePeerID }

// Incoming reports whether this connection was accepted rather than dialed.
func (c *Conn) Incoming() bool { return c.incoming }

// CreatedAt returns when the connection was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer c.Close()

	for {
		m, err := wire.ReadMessage(c.netConn)
		if err != nil {
			c.closeWithErr(fmt.Errorf("peerconn: read: %w", err))
			return
		}
		if m.IsKeepAlive() {
			continue
		}
		if err := c.dispatch(m); err != nil {
			c.closeWithErr(err)
			return
		}
	}
}

func (c *Conn) dispatch(m wire.Message) error {
	switch m.ID {
	case wire.MsgChoke:
		c.mu.Lock()
		c.peerChoking = true
		// When choked, all our outstanding requests to this peer will not be
		// served; clear them so the caller can re-request elsewhere.
		c.outstanding = make(map[blockKey]time.Time)
		c.mu.Unlock()
		c.events.OnChoke(c)
	case wire.MsgUnchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
		c.events.OnUnchoke(c)
	case wire.MsgInterested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
		c.events.OnInterested(c)
	case wire.MsgNotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
		c.events.OnNotInterested(c)
	case wire.MsgHave:
		index, err := wire.DecodeHave(m)
		if err != nil {
			return fmt.Errorf("peerconn: bad have: %w", err)
		}
		c.mu.Lock()
		if c.remoteBitfield == nil {
			c.remoteBitfield = bitfield.New(uint(c.numPieces))
		}
		if uint(index) < c.remoteBitfield.Len() {
			c.remoteBitfield.Set(uint(index), true)
		}
		c.mu.Unlock()
		c.events.OnHave(c, index)
	case wire.MsgBitfield:
		if err := wire.ValidateBitfieldLength(m.Payload, c.numPieces); err != nil {
			// Trailing-bit violations are ignored per §6; length mismatches
			// are a protocol violation.
			return fmt.Errorf("peerconn: bad bitfield: %w", err)
		}
		bf, err := bitfield.FromBytes(m.Payload, uint(c.numPieces))
		if err != nil {
			return fmt.Errorf("peerconn: bad bitfield: %w", err)
		}
		c.mu.Lock()
		c.remoteBitfield = bf
		c.mu.Unlock()
		c.events.OnBitfield(c, bf)
	case wire.MsgRequest:
		req, err := wire.DecodeRequest(m)
		if err != nil {
			return fmt.Errorf("peerconn: bad request: %w", err)
		}
		if req.Length > wire.MaxRequestLength {
			return fmt.Errorf("peerconn: request length %d exceeds max", req.Length)
		}
		c.mu.Lock()
		if len(c.uploadQueue) >= c.config.MaxQueuedUploads {
			c.mu.Unlock()
			return errors.New("peerconn: too many queued upload requests")
		}
		c.uploadQueue = append(c.uploadQueue, req)
		c.mu.Unlock()
		c.events.OnRequest(c, req)
	case wire.MsgPiece:
		p, err := wire.DecodePiece(m)
		if err != nil {
			return fmt.Errorf("peerconn: bad piece: %w", err)
		}
		c.mu.Lock()
		delete(c.outstanding, blockKey{index: p.Index, begin: p.Begin})
		c.mu.Unlock()
		c.downRate.Add(int64(len(p.Block)))
		c.events.OnPiece(c, p)
	case wire.MsgCancel:
		req, err := wire.DecodeRequest(m)
		if err != nil {
			return fmt.Errorf("peerconn: bad cancel: %w", err)
		}
		c.mu.Lock()
		for i, q := range c.uploadQueue {
			if q == req {
				c.uploadQueue = append(c.uploadQueue[:i], c.uploadQueue[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		c.events.OnCancel(c, req)
	case wire.MsgExtended:
		c.events.OnExtended(c, m)
	default:
		// Unknown message ids are ignored rather than treated as fatal, to
		// tolerate future extensions.
	}
	return nil
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case m := <-c.sendCh:
			if err := wire.WriteMessage(c.netConn, m); err != nil {
				c.closeWithErr(fmt.Errorf("peerconn: write: %w", err))
				return
			}
			if m.ID == wire.MsgPiece {
				p, err := wire.DecodePiece(m)
				if err == nil {
					c.upRate.Add(int64(len(p.Block)))
				}
			}
		case <-c.done:
			return
		}
	}
}

// Send enqueues m for writing. Returns an error if the connection is closed.
func (c *Conn) Send(m wire.Message) error {
	if c.closed.Load() {
		return io.ErrClosedPipe
	}
	select {
	case c.sendCh <- m:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}

// SendRequest records the block as outstanding and sends the request
// message. Callers must check PipelineRoom first.
func (c *Conn) SendRequest(req wire.RequestPayload) error {
	c.mu.Lock()
	c.outstanding[blockKey{index: req.Index, begin: req.Begin}] = c.clk.Now()
	c.mu.Unlock()
	return c.Send(wire.EncodeRequest(wire.MsgRequest, req))
}

// CancelOutstanding removes a block from the outstanding set without
// sending a cancel message (used after a timeout; sending an actual cancel
// message to the peer is optional and left to the caller).
func (c *Conn) CancelOutstanding(index, begin uint32) {
	c.mu.Lock()
	delete(c.outstanding, blockKey{index: index, begin: begin})
	c.mu.Unlock()
}

// PipelineRoom returns how many more blocks may be requested from this peer
// before hitting the pipeline limit.
func (c *Conn) PipelineRoom() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.config.PipelineLimit - len(c.outstanding)
	if room < 0 {
		room = 0
	}
	return room
}

// NextUpload pops the oldest queued incoming request, FIFO.
func (c *Conn) NextUpload() (wire.RequestPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.uploadQueue) == 0 {
		return wire.RequestPayload{}, false
	}
	req := c.uploadQueue[0]
	c.uploadQueue = c.uploadQueue[1:]
	return req, true
}

// SetChoking sends choke/unchoke and records amChoking.
func (c *Conn) SetChoking(choking bool) error {
	c.mu.Lock()
	changed := c.amChoking != choking
	c.amChoking = choking
	c.mu.Unlock()
	if !changed {
		return nil
	}
	id := wire.MsgUnchoke
	if choking {
		id = wire.MsgChoke
	}
	return c.Send(wire.Message{ID: id})
}

// SetInterested sends interested/not_interested and records amInterested.
func (c *Conn) SetInterested(interested bool) error {
	c.mu.Lock()
	changed := c.amInterested != interested
	c.amInterested = interested
	c.mu.Unlock()
	if !changed {
		return nil
	}
	id := wire.MsgNotInterested
	if interested {
		id = wire.MsgInterested
	}
	return c.Send(wire.Message{ID: id})
}

// State snapshots the four choke/interest booleans.
type State struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

// State returns a consistent snapshot of the connection's choke/interest
// booleans.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		AmChoking:      c.amChoking,
		AmInterested:   c.amInterested,
		PeerChoking:    c.peerChoking,
		PeerInterested: c.peerInterested,
	}
}

// RemoteBitfield returns the peer's last known bitfield, or nil if none has
// been received yet.
func (c *Conn) RemoteBitfield() *bitfield.BitField {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteBitfield
}

// DownloadRate returns the trailing 10s average download rate, bytes/sec.
func (c *Conn) DownloadRate() float64 { return c.downRate.Rate() }

// UploadRate returns the trailing 10s average upload rate, bytes/sec.
func (c *Conn) UploadRate() float64 { return c.upRate.Rate() }

// LastDataReceivedAt returns when a piece payload was last received.
func (c *Conn) LastDataReceivedAt() time.Time { return c.downRate.LastDataAt() }

// ExpiredRequests returns outstanding (index, begin) pairs older than
// timeout, without clearing them; the caller decides whether to re-request.
func (c *Conn) ExpiredRequests(timeout time.Duration) []wire.RequestPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	var out []wire.RequestPayload
	for k, t := range c.outstanding {
		if now.Sub(t) > timeout {
			out = append(out, wire.RequestPayload{Index: k.index, Begin: k.begin})
		}
	}
	return out
}

// IsClosed reports whether the connection has been torn down.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Close tears down the connection idempotently.
func (c *Conn) Close() {
	c.closeWithErr(nil)
}

func (c *Conn) closeWithErr(err error) {
	if !c.closed.CAS(false, true) {
		return
	}
	close(c.done)
	c.netConn.Close()
	if c.events != nil {
		c.events.OnClosed(c, err)
	}
}

// Wait blocks until both read and write loops have exited.
func (c *Conn) Wait() { c.wg.Wait() }
