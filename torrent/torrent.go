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

// Package torrent implements the Torrent coordinator (§4.10): the aggregate
// that owns one info-hash's PieceManager, ActivePieceManager, content
// storage, tracker manager, connection manager, swarm and peer coordinator,
// and drives the request loop and block-ingestion pipeline connecting them.
// Modeled on lib/torrent/client.Torrent and
// lib/torrent/scheduler/dispatch.Dispatcher's piece-request composition,
// generalized to the rarest-first/priority/started-piece ordering and
// tit-for-tat unchoke policy the spec requires, which kraken's
// single-dispatcher design does not implement.
package torrent

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btcore/engine/bitfield"
	"github.com/btcore/engine/connmgr"
	"github.com/btcore/engine/coordinator"
	"github.com/btcore/engine/core"
	"github.com/btcore/engine/netlog"
	"github.com/btcore/engine/peerconn"
	"github.com/btcore/engine/picker"
	"github.com/btcore/engine/piece"
	"github.com/btcore/engine/ratelimit"
	"github.com/btcore/engine/storage"
	"github.com/btcore/engine/swarm"
	"github.com/btcore/engine/tracker"
	"github.com/btcore/engine/wire"
)

// FilePriority values, per §4.10.
const (
	FilePrioritySkip   uint8 = 0
	FilePriorityNormal uint8 = 1
	FilePriorityHigh   uint8 = 2
)

// Config bundles every subsystem's configuration for one torrent.
type Config struct {
	PieceLength       int64
	TotalLength       int64
	PieceHashes       [][20]byte
	Files             []storage.FileEntry
	InfoHash          core.InfoHash
	LocalPeerID       core.PeerID

	PeerConn  peerconn.Config
	ConnMgr   connmgr.Config
	Coord     coordinator.Config
	ActivePiece piece.ActiveManagerConfig
	Storage   storage.Config
	Tracker   tracker.Config

	RequestTimeout      time.Duration
	CorruptBanThreshold float64 // fraction of a repeatedly-failing piece's blocks from one peer to trigger a ban

	// DownloadLimiter, if set, is the host's shared download TokenBucket.
	// When it is currently exhausted, evaluateUnchoke skips the §4.5
	// too-slow/below-average drop rules, since a peer's low rate may just
	// reflect host-wide throttling rather than the peer itself.
	DownloadLimiter *ratelimit.TokenBucket
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.CorruptBanThreshold == 0 {
		c.CorruptBanThreshold = 0.5
	}
}

// Torrent aggregates every subsystem for one info-hash download.
type Torrent struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger
	metrics tally.Scope

	pieces       *piece.Manager
	active       *piece.ActivePieceManager
	store        *storage.Storage
	fileMap      *storage.FileMap
	sw           *swarm.Swarm
	coord        *coordinator.Coordinator
	connMgr      *connmgr.Manager
	trackerMgr   *tracker.Manager
	netlog       *netlog.Logger

	mu              sync.Mutex
	conns           map[core.PeerID]*peerconn.Conn
	addrKeys        map[core.PeerID]string // peer id -> swarm registry key, for ban lookups
	filePriority    []uint8
	failureCount    map[int]int             // pieceIndex -> consecutive hash-mismatch count
	contributors    map[int]map[core.PeerID]int // pieceIndex -> peerID -> blocks contributed since last reset
	extensions      map[core.PeerID]map[string]int // peerID -> advertised BEP 10 extension map
	seedOnly        bool
	complete        bool

	onComplete func()

	coordStopCh chan struct{}
	coordDone   chan struct{}
}

// New constructs a Torrent. dialer and trackers are supplied by the host;
// onComplete, if non-nil, is invoked exactly once when the last piece is
// verified.
func New(
	config Config,
	dialer connmgr.Dialer,
	trackers []tracker.Tracker,
	onComplete func(),
	clk clock.Clock,
	logger *zap.SugaredLogger,
	metrics tally.Scope,
) (*Torrent, error) {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = tally.NoopScope
	}

	fileMap, err := storage.NewFileMap(config.Files)
	if err != nil {
		return nil, fmt.Errorf("torrent: build file map: %w", err)
	}
	if fileMap.TotalLength != config.TotalLength {
		return nil, fmt.Errorf("torrent: file map length %d does not match total length %d", fileMap.TotalLength, config.TotalLength)
	}

	pieces := piece.NewManager(config.PieceHashes, config.PieceLength, config.TotalLength, metrics)
	active := piece.NewActivePieceManager(config.ActivePiece, clk)
	store := storage.New(config.Storage, fileMap, config.PieceLength, nil, config.InfoHash.Hex())
	sw := swarm.New(clk)
	coord := coordinator.New(config.Coord, clk, nil)

	t := &Torrent{
		config:       config,
		clk:          clk,
		logger:       logger,
		metrics:      metrics,
		pieces:       pieces,
		active:       active,
		store:        store,
		fileMap:      fileMap,
		sw:           sw,
		coord:        coord,
		conns:        make(map[core.PeerID]*peerconn.Conn),
		addrKeys:     make(map[core.PeerID]string),
		filePriority: make([]uint8, len(config.Files)),
		failureCount: make(map[int]int),
		contributors: make(map[int]map[core.PeerID]int),
		extensions:   make(map[core.PeerID]map[string]int),
		onComplete:   onComplete,
	}
	t.netlog = netlog.New(logger, config.InfoHash, config.LocalPeerID)
	for i := range t.filePriority {
		t.filePriority[i] = FilePriorityNormal
	}

	t.connMgr = connmgr.New(
		config.ConnMgr, sw, dialer, config.InfoHash, config.LocalPeerID,
		pieces.NumPieces(), config.PeerConn, t, t.onConnEstablished,
		clk, logger, metrics,
	)
	t.trackerMgr = tracker.New(config.Tracker, trackers, config.InfoHash, t.onTrackerPeers, clk, logger)

	return t, nil
}

// Start launches the tracker workers (each announces event=started from its
// own goroutine; Start does not wait for it), begins connection maintenance,
// and starts the periodic unchoke/drop evaluation loop. Content storage is
// already open by construction.
func (t *Torrent) Start() {
	t.netlog.Added()
	t.trackerMgr.Start()
	t.connMgr.Start()

	t.coordStopCh = make(chan struct{})
	t.coordDone = make(chan struct{})
	go t.coordLoop()
}

// Stop stops trackers with event=stopped, closes all peers, and drains the
// disk queue.
func (t *Torrent) Stop() {
	t.mu.Lock()
	complete := t.complete
	t.mu.Unlock()
	if !complete {
		t.netlog.Cancelled()
	}
	t.trackerMgr.Stop()
	t.connMgr.Stop()

	if t.coordStopCh != nil {
		close(t.coordStopCh)
		<-t.coordDone
	}

	t.mu.Lock()
	conns := make([]*peerconn.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	t.store.Drain()
	_ = t.store.Close()
}

// AddPeer registers addr with the Swarm as a candidate for the connection
// manager to dial.
func (t *Torrent) AddPeer(addr swarm.Addr, source string) {
	t.sw.AddPeer(addr, source)
}

// ManuallyAddPeer is AddPeer with a fixed "manual" source, for hosts exposing
// direct peer-add UI/CLI surfaces.
func (t *Torrent) ManuallyAddPeer(addr swarm.Addr) {
	t.AddPeer(addr, "manual")
}

// AddPeerHints bulk-adds addresses from an out-of-band source (PEX, DHT,
// magnet hints).
func (t *Torrent) AddPeerHints(addrs []swarm.Addr, source string) {
	for _, a := range addrs {
		t.sw.AddPeer(a, source)
	}
}

func (t *Torrent) onTrackerPeers(peers []core.PeerInfo) {
	addrs := make([]swarm.Addr, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, swarm.Addr{IP: p.IP, Port: p.Port})
	}
	t.AddPeerHints(addrs, "tracker")
}

// SetFilePriority recomputes per-piece priorities as the max over every file
// overlapping a piece, and materializes any already-downloaded pieces out of
// the .parts holding file when a file flips from skipped to wanted.
func (t *Torrent) SetFilePriority(fileIndex int, priority uint8) error {
	if fileIndex < 0 || fileIndex >= len(t.filePriority) {
		return fmt.Errorf("torrent: invalid file index %d", fileIndex)
	}
	t.mu.Lock()
	prevSkipped := t.filePriority[fileIndex] == FilePrioritySkip
	t.filePriority[fileIndex] = priority
	t.mu.Unlock()

	t.recomputePiecePriorities()

	if prevSkipped && priority != FilePrioritySkip {
		return t.materializeFileFromParts(fileIndex)
	}
	return nil
}

func (t *Torrent) recomputePiecePriorities() {
	t.mu.Lock()
	filePriority := append([]uint8(nil), t.filePriority...)
	t.mu.Unlock()

	files := t.fileMap.Files()
	for i := 0; i < t.pieces.NumPieces(); i++ {
		pieceStart := int64(i) * t.config.PieceLength
		pieceEnd := pieceStart + t.pieces.PieceLength(i)

		var maxPriority uint8
		var offset int64
		for fi, f := range files {
			fileEnd := offset + f.Length
			if pieceStart < fileEnd && pieceEnd > offset && filePriority[fi] > maxPriority {
				maxPriority = filePriority[fi]
			}
			offset = fileEnd
		}
		t.pieces.SetPriority(i, maxPriority)
	}
}

func (t *Torrent) materializeFileFromParts(fileIndex int) error {
	files := t.fileMap.Files()
	var offset int64
	for i := 0; i < fileIndex; i++ {
		offset += files[i].Length
	}
	fileStart, fileEnd := offset, offset+files[fileIndex].Length

	for i := 0; i < t.pieces.NumPieces(); i++ {
		pieceStart := int64(i) * t.config.PieceLength
		pieceEnd := pieceStart + t.pieces.PieceLength(i)
		if pieceStart >= fileEnd || pieceEnd <= fileStart {
			continue
		}
		if !t.pieces.OwnBitField().Get(uint(i)) {
			continue
		}
		if err := t.store.MaterializeFromParts(i, t.pieces.PieceLength(i)); err != nil {
			return fmt.Errorf("materialize piece %d: %w", i, err)
		}
	}
	return nil
}

// RecheckData sequentially reads each piece from storage, hashes it, and
// populates the own bitfield, for resuming a partially-downloaded torrent
// across restarts.
func (t *Torrent) RecheckData() error {
	for i := 0; i < t.pieces.NumPieces(); i++ {
		length := t.pieces.PieceLength(i)
		buf, err := t.store.ReadRange(int64(i)*t.config.PieceLength, length)
		if err != nil {
			continue // treat unreadable/missing ranges as not-yet-downloaded
		}
		if t.pieces.VerifyPiece(i, buf) {
			t.pieces.MarkVerified(i)
		}
	}
	t.checkCompletion()
	return nil
}

func (t *Torrent) onConnEstablished(ce connmgr.ConnEstablished) {
	t.mu.Lock()
	t.addrKeys[ce.PeerID] = ce.Addr.Key()
	t.mu.Unlock()
	t.registerConn(ce.Conn)
}

// InfoHash returns the torrent's info hash, for the Engine's accept-loop
// routing table.
func (t *Torrent) InfoHash() core.InfoHash { return t.config.InfoHash }

// AcceptIncoming completes the local side of an inbound handshake on netConn
// (the Engine has already read remoteHandshake off netConn to learn its info
// hash and route to this Torrent) and registers the resulting connection the
// same way onConnEstablished does for outbound dials.
func (t *Torrent) AcceptIncoming(netConn net.Conn, remoteHandshake wire.Handshake) error {
	out := wire.Handshake{InfoHash: t.config.InfoHash, PeerID: t.config.LocalPeerID, Extension: true}
	if err := wire.WriteHandshake(netConn, out); err != nil {
		return fmt.Errorf("torrent: write handshake: %w", err)
	}
	conn := peerconn.NewWithExtensions(
		netConn, t.config.InfoHash, t.config.LocalPeerID, remoteHandshake.PeerID, true,
		remoteHandshake.Extension, t.pieces.NumPieces(), t.config.PeerConn, t, t.clk, t.logger,
	)
	t.registerConn(conn)
	return nil
}

func (t *Torrent) registerConn(c *peerconn.Conn) {
	t.mu.Lock()
	t.conns[c.PeerID()] = c
	numConns := len(t.conns)
	t.mu.Unlock()
	t.netlog.ConnAdded(c.PeerID(), numConns)
	if err := c.Send(wire.Message{ID: wire.MsgBitfield, Payload: t.pieces.OwnBitField().ToBytes()}); err != nil {
		t.logger.Errorw("failed to send bitfield", "peer", c.PeerID().String(), "error", err)
	}
	t.fillRequests(c)
}

func (t *Torrent) unregisterConn(c *peerconn.Conn) {
	t.mu.Lock()
	delete(t.conns, c.PeerID())
	delete(t.addrKeys, c.PeerID())
	delete(t.extensions, c.PeerID())
	t.mu.Unlock()
	t.netlog.ConnDropped(c.PeerID())
	for _, ref := range t.active.ClearRequestsForPeer(c.PeerID()) {
		_ = ref
	}
	t.pieces.OnPeerDisconnect(c.PeerID())
}

// --- peerconn.Events ---

// OnChoke implements peerconn.Events.
func (t *Torrent) OnChoke(c *peerconn.Conn) {}

// OnUnchoke implements peerconn.Events: more pipeline room may now be usable.
func (t *Torrent) OnUnchoke(c *peerconn.Conn) { t.fillRequests(c) }

// OnInterested implements peerconn.Events.
func (t *Torrent) OnInterested(c *peerconn.Conn) {}

// OnNotInterested implements peerconn.Events.
func (t *Torrent) OnNotInterested(c *peerconn.Conn) {}

// OnHave implements peerconn.Events: a newly-available piece may unlock new
// requests to this peer.
func (t *Torrent) OnHave(c *peerconn.Conn, index uint32) {
	t.pieces.OnPeerHave(c.PeerID(), int(index))
	t.fillRequests(c)
}

// OnBitfield implements peerconn.Events.
func (t *Torrent) OnBitfield(c *peerconn.Conn, bf *bitfield.BitField) {
	if err := t.pieces.OnPeerBitfield(c.PeerID(), bf); err != nil {
		t.logger.Errorw("invalid bitfield from peer", "peer", c.PeerID().String(), "error", err)
		return
	}
	t.fillRequests(c)
}

// OnRequest implements peerconn.Events: the caller's upload loop (driven
// externally, e.g. by the PeerCoordinator's unchoke decisions) drains
// NextUpload; nothing to do synchronously here.
func (t *Torrent) OnRequest(c *peerconn.Conn, req wire.RequestPayload) {}

// OnPiece implements peerconn.Events: ingest the block.
func (t *Torrent) OnPiece(c *peerconn.Conn, p wire.PiecePayload) {
	t.handleBlock(c.PeerID(), int(p.Index), int64(p.Begin), p.Block)
	t.fillRequests(c)
}

// OnCancel implements peerconn.Events.
func (t *Torrent) OnCancel(c *peerconn.Conn, req wire.RequestPayload) {}

// OnExtended implements peerconn.Events: records the peer's advertised
// extension map from its BEP 10 handshake. Sub-protocols themselves
// (ut_metadata, ut_pex) are never driven since torrents are always
// constructed with known metadata and peer discovery goes through
// TrackerManager (§1 non-goals).
func (t *Torrent) OnExtended(c *peerconn.Conn, m wire.Message) {
	extID, err := wire.ExtendedMessageExtID(m)
	if err != nil || extID != wire.ExtHandshakeID {
		return
	}
	hs, err := wire.DecodeExtendedHandshake(m)
	if err != nil {
		t.logger.Debugw("malformed extension handshake", "peer", c.PeerID().String(), "error", err)
		return
	}
	t.mu.Lock()
	t.extensions[c.PeerID()] = hs.M
	t.mu.Unlock()
}

// OnClosed implements peerconn.Events.
func (t *Torrent) OnClosed(c *peerconn.Conn, err error) {
	t.unregisterConn(c)
}

// coordLoop runs the PeerCoordinator's unchoke and drop evaluation and the
// ActivePieceManager's request/stale sweeps, each on its own fixed tick, for
// the lifetime of the torrent.
func (t *Torrent) coordLoop() {
	defer close(t.coordDone)
	tick := t.clk.Tick(t.config.Coord.EvalInterval)
	cleanupTick := t.clk.Tick(t.active.CleanupInterval())
	for {
		select {
		case <-t.coordStopCh:
			return
		case <-tick:
			t.evaluateUnchoke()
		case <-cleanupTick:
			t.cleanupActiveRequests()
		}
	}
}

// cleanupActiveRequests frees blocks whose request has outlived
// RequestTimeout and reclaims active pieces that have received nothing for
// StaleAfter (§4.3), reconciling each affected peer connection's own
// outstanding set so the freed blocks are actually re-requestable.
func (t *Torrent) cleanupActiveRequests() {
	freed := t.active.SweepExpiredRequests()
	freed = append(freed, t.active.SweepStale()...)
	if len(freed) == 0 {
		return
	}

	t.mu.Lock()
	conns := make(map[core.PeerID]*peerconn.Conn, len(t.conns))
	for id, c := range t.conns {
		conns[id] = c
	}
	t.mu.Unlock()

	for _, ref := range freed {
		if c, ok := conns[ref.PeerID]; ok {
			c.CancelOutstanding(uint32(ref.Index), uint32(ref.Begin))
		}
	}
}

func (t *Torrent) evaluateUnchoke() {
	t.mu.Lock()
	conns := make(map[core.PeerID]*peerconn.Conn, len(t.conns))
	for id, c := range t.conns {
		conns[id] = c
	}
	t.mu.Unlock()

	peers := make([]coordinator.PeerSnapshot, 0, len(conns))
	for id, c := range conns {
		st := c.State()
		peers = append(peers, coordinator.PeerSnapshot{
			ID:               id,
			PeerInterested:   st.PeerInterested,
			AmChoking:        st.AmChoking,
			PeerChoking:      st.PeerChoking,
			DownloadRate:     c.DownloadRate(),
			ConnectedAt:      c.CreatedAt(),
			LastDataReceived: c.LastDataReceivedAt(),
		})
	}

	actions, protected := t.coord.Evaluate(peers)
	for _, a := range actions {
		if c, ok := conns[a.PeerID]; ok {
			_ = c.SetChoking(a.Action == coordinator.ActionChoke)
		}
	}

	skipSpeedChecks := t.config.DownloadLimiter != nil && t.config.DownloadLimiter.MsUntilAvailable(1) > 0
	replacementCandidates := len(t.sw.GetConnectablePeers(1)) > 0
	for _, d := range t.coord.RecommendDrops(peers, protected, skipSpeedChecks, replacementCandidates) {
		if c, ok := conns[d.PeerID]; ok {
			c.Close()
		}
	}
}

// fillRequests implements the request loop (§4.10): finish started pieces
// first, then fill remaining pipeline room via the rarest-first picker.
func (t *Torrent) fillRequests(c *peerconn.Conn) {
	if t.seedOnly {
		return
	}
	state := c.State()
	room := c.PipelineRoom()
	if room <= 0 {
		return
	}

	peerBF := c.RemoteBitfield()
	if peerBF == nil {
		return
	}

	started := t.active.StartedPieces()
	startedSet := make(map[int]bool, len(started))
	for _, idx := range started {
		startedSet[idx] = true
	}

	// First, finish blocks in started pieces this peer has.
	for _, idx := range started {
		if room <= 0 {
			break
		}
		if !peerBF.Get(uint(idx)) {
			continue
		}
		ap, ok := t.active.Get(idx)
		if !ok {
			continue
		}
		room -= t.requestUnrequestedBlocks(c, idx, ap, room)
	}
	if room <= 0 {
		return
	}

	out := picker.SelectPieces(picker.Input{
		PeerBitfield:      peerBF,
		OwnBitfield:       t.pieces.OwnBitField(),
		PiecePriority:     t.pieces.PrioritySnapshot(),
		PieceAvailability: t.pieces.AvailabilitySnapshot(),
		StartedPieces:     startedSet,
		MaxPieces:         room,
	})

	if !state.AmInterested {
		_ = c.SetInterested(true)
	}

	for _, idx := range out.Pieces {
		if room <= 0 {
			break
		}
		length := t.pieces.PieceLength(idx)
		ap, ok := t.active.GetOrCreate(idx, length, wire.BlockSize)
		if !ok {
			continue
		}
		room -= t.requestUnrequestedBlocks(c, idx, ap, room)
	}
}

func (t *Torrent) requestUnrequestedBlocks(c *peerconn.Conn, index int, ap *piece.ActivePiece, room int) int {
	requested := 0
	length := ap.Length()
	for begin := int64(0); begin < length && requested < room; begin += wire.BlockSize {
		if ap.HasReceived(begin) {
			continue
		}
		if _, requestedAlready := ap.RequestedBy(begin); requestedAlready {
			continue
		}
		blockLen := wire.BlockSize
		if remaining := length - begin; remaining < int64(blockLen) {
			blockLen = int(remaining)
		}
		req := wire.RequestPayload{Index: uint32(index), Begin: uint32(begin), Length: uint32(blockLen)}
		if err := c.SendRequest(req); err != nil {
			return requested
		}
		ap.Request(c.PeerID(), begin, t.clk.Now())
		requested++
	}
	if requested > 0 {
		t.netlog.PieceRequested(c.PeerID(), index)
	}
	return requested
}

// handleBlock ingests one received block (§4.10).
func (t *Torrent) handleBlock(peerID core.PeerID, index int, begin int64, data []byte) {
	if t.pieces.OwnBitField().Get(uint(index)) {
		return
	}

	length := t.pieces.PieceLength(index)
	ap, ok := t.active.GetOrCreate(index, length, wire.BlockSize)
	if !ok {
		return
	}
	if ap.HasReceived(begin) {
		return
	}
	if !ap.PutBlock(begin, data, t.clk.Now()) {
		return
	}
	t.creditContributor(index, peerID, len(data))

	if !ap.Complete() {
		return
	}

	expectedSum := t.pieces.Hash(index)
	result := <-t.store.WritePiece(index, ap.Buffer(), expectedSum, t.pieceFileSkipped(index))
	switch result {
	case storage.WriteOK:
		t.pieces.MarkVerified(index)
		t.active.Remove(index)
		t.resetFailure(index)
		t.netlog.PieceReceived(index)
		t.broadcastHave(index)
		t.checkCompletion()
	case storage.WriteHashMismatch:
		t.onHashMismatch(index)
	default:
		t.active.Remove(index)
	}
}

func (t *Torrent) pieceFileSkipped(index int) bool {
	return t.pieces.Priority(index) == FilePrioritySkip
}

func (t *Torrent) creditContributor(index int, peerID core.PeerID, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.contributors[index]
	if !ok {
		m = make(map[core.PeerID]int)
		t.contributors[index] = m
	}
	m[peerID] += n
}

func (t *Torrent) resetFailure(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failureCount, index)
	delete(t.contributors, index)
}

func (t *Torrent) onHashMismatch(index int) {
	t.mu.Lock()
	t.failureCount[index]++
	failures := t.failureCount[index]
	contributors := t.contributors[index]
	delete(t.contributors, index)
	t.mu.Unlock()

	t.active.Remove(index)

	if failures < 2 || contributors == nil {
		return
	}
	total := 0
	for _, n := range contributors {
		total += n
	}
	if total == 0 {
		return
	}
	for peerID, n := range contributors {
		if float64(n)/float64(total) >= t.config.CorruptBanThreshold {
			t.mu.Lock()
			c, hasConn := t.conns[peerID]
			key, hasKey := t.addrKeys[peerID]
			t.mu.Unlock()
			if hasKey {
				t.sw.Ban(key, swarm.CorruptDataReason)
			}
			t.netlog.Blacklisted(peerID, swarm.CorruptDataReason)
			if hasConn {
				c.Close()
			}
		}
	}
}

func (t *Torrent) broadcastHave(index int) {
	t.mu.Lock()
	conns := make([]*peerconn.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	m := wire.EncodeHave(uint32(index))
	for _, c := range conns {
		_ = c.Send(m)
	}
}

func (t *Torrent) checkCompletion() {
	if !t.pieces.OwnBitField().HasAll() {
		return
	}
	t.mu.Lock()
	already := t.complete
	t.complete = true
	t.seedOnly = true
	t.mu.Unlock()
	if already {
		return
	}
	t.netlog.Completed()
	t.trackerMgr.Completed()
	if t.onComplete != nil {
		t.onComplete()
	}
}
