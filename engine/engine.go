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

// Package engine implements Engine (§2): the top-level owner of every
// Torrent in a process, the shared listening socket that accepts inbound
// peer connections and routes them to the right Torrent by info hash, and
// the host-facing accessors for persisted per-torrent state. Modeled on
// lib/torrent/scheduler.scheduler's listener/listenLoop/handshake-then-route
// idiom, generalized from a single torrent archive to an explicit registry
// keyed by info hash, since this design runs many concurrently independent
// Torrents rather than one scheduler serializing access to all of them
// through an event loop.
package engine

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btcore/engine/connmgr"
	"github.com/btcore/engine/core"
	"github.com/btcore/engine/ratelimit"
	"github.com/btcore/engine/storage"
	"github.com/btcore/engine/torrent"
	"github.com/btcore/engine/tracker"
	"github.com/btcore/engine/wire"
)

// Config controls the Engine's listening socket and the defaults applied to
// every Torrent it constructs.
type Config struct {
	ListenAddr    string             `yaml:"listen_addr"`
	AcceptTimeout time.Duration      `yaml:"accept_timeout"`
	PeerIDFactory core.PeerIDFactory `yaml:"peer_id_factory"`

	DownloadRateLimit float64 `yaml:"download_rate_limit"` // bytes/sec, 0 = unlimited
	UploadRateLimit   float64 `yaml:"upload_rate_limit"`   // bytes/sec, 0 = unlimited

	// MaxConcurrentAnnounces bounds in-flight tracker announces across every
	// torrent this Engine owns (§4.9 backpressure). 0 defaults to 10.
	MaxConcurrentAnnounces int `yaml:"max_concurrent_announces"`

	// TorrentDefaults is copied into every AddTorrent call's Config before
	// the torrent-specific fields (info hash, piece metadata, files) are
	// overlaid.
	TorrentDefaults torrent.Config
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}
	if c.AcceptTimeout == 0 {
		c.AcceptTimeout = 10 * time.Second
	}
	if c.PeerIDFactory == "" {
		c.PeerIDFactory = core.RandomPeerIDFactory
	}
	if c.MaxConcurrentAnnounces == 0 {
		c.MaxConcurrentAnnounces = 10
	}
}

// TorrentMeta is the per-torrent identity and piece metadata a host supplies
// to AddTorrent. Everything else (connection limits, unchoke policy, disk
// queue sizing, ...) comes from Config.TorrentDefaults.
type TorrentMeta struct {
	InfoHash    core.InfoHash
	PieceLength int64
	TotalLength int64
	PieceHashes [][20]byte
	Files       []storage.FileEntry
}

// SessionStore is the host-supplied key/value capability (§6) Engine uses to
// persist host-level torrent state across restarts: added-at, completed-at,
// user state, queue position, lifetime transfer totals, and the torrent's
// compressed bitfield. Engine owns the accessors below; serialization onto
// disk or into a database is the host's concern.
type SessionStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Clear() error
}

// UserState is the host-visible lifecycle state of a persisted torrent.
type UserState string

// UserState values, per §6.
const (
	UserStateActive UserState = "active"
	UserStateStopped UserState = "stopped"
	UserStateQueued UserState = "queued"
)

// PersistedState is the host-level record of one torrent's lifecycle and
// transfer history, independent of whether the torrent is currently loaded
// in memory. Engine never writes these fields on its own; a host wires
// Torrent.Start/Stop/checkCompletion-triggered callbacks to SetPersistedState
// as it sees fit.
type PersistedState struct {
	InfoHash           core.InfoHash `json:"info_hash"`
	TorrentBlob        []byte        `json:"torrent_blob,omitempty"` // magnet link or base64-encoded .torrent, host-defined
	InfoDict           []byte        `json:"info_dict,omitempty"`
	AddedAt            time.Time     `json:"added_at"`
	CompletedAt        time.Time     `json:"completed_at,omitempty"`
	UserState          UserState     `json:"user_state"`
	QueuePosition      int           `json:"queue_position"`
	LifetimeDownloaded int64         `json:"lifetime_downloaded"`
	LifetimeUploaded   int64         `json:"lifetime_uploaded"`
	BitfieldHex        string        `json:"bitfield_hex,omitempty"`
}

const persistedStateKeyPrefix = "torrent/"

func persistedStateKey(infoHash core.InfoHash) string {
	return persistedStateKeyPrefix + infoHash.Hex()
}

// Engine owns every Torrent in a process, the shared listening socket for
// inbound peer connections, and the shared download/upload rate limiters
// every Torrent's connections draw from.
type Engine struct {
	config  Config
	clk     clock.Clock
	logger  *zap.SugaredLogger
	metrics tally.Scope

	localPeerID core.PeerID
	dialer      connmgr.Dialer

	download *ratelimit.TokenBucket
	upload   *ratelimit.TokenBucket

	announceGate *tracker.AnnounceGate

	store SessionStore

	mu       sync.Mutex
	torrents map[core.InfoHash]*torrent.Torrent

	listener net.Listener
	stopCh   chan struct{}
	done     chan struct{}
}

// New constructs an Engine. dialer is used for every Torrent's outbound
// connections; net.Dialer{} satisfies connmgr.Dialer directly. store may be
// nil, in which case the persisted-state accessors return errors.
func New(
	config Config,
	dialer connmgr.Dialer,
	store SessionStore,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	metrics tally.Scope,
) (*Engine, error) {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = tally.NoopScope
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	ip, port := splitListenAddr(config.ListenAddr)
	peerID, err := config.PeerIDFactory.GeneratePeerID(ip, port)
	if err != nil {
		return nil, fmt.Errorf("engine: generate peer id: %w", err)
	}

	onePiece := config.TorrentDefaults.PieceLength
	if onePiece == 0 {
		onePiece = 16 * 1024
	}

	return &Engine{
		config:      config,
		clk:         clk,
		logger:      logger,
		metrics:     metrics,
		localPeerID: peerID,
		dialer:      dialer,
		download:     ratelimit.New(config.DownloadRateLimit, onePiece, clk),
		upload:       ratelimit.New(config.UploadRateLimit, onePiece, clk),
		announceGate: tracker.NewAnnounceGate(config.MaxConcurrentAnnounces),
		store:        store,
		torrents:    make(map[core.InfoHash]*torrent.Torrent),
	}, nil
}

func splitListenAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "0.0.0.0", 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port
}

// LocalPeerID returns the peer id this Engine presents on every handshake.
func (e *Engine) LocalPeerID() core.PeerID { return e.localPeerID }

// DownloadLimiter returns the shared global download TokenBucket every
// Torrent's peer connections draw from.
func (e *Engine) DownloadLimiter() *ratelimit.TokenBucket { return e.download }

// UploadLimiter returns the shared global upload TokenBucket every Torrent's
// peer connections draw from.
func (e *Engine) UploadLimiter() *ratelimit.TokenBucket { return e.upload }

// Start opens the listening socket and begins accepting inbound peer
// connections.
func (e *Engine) Start() error {
	l, err := net.Listen("tcp", e.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("engine: listen on %s: %w", e.config.ListenAddr, err)
	}
	e.listener = l
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	go e.acceptLoop()
	return nil
}

// Addr returns the listening socket's address. Only valid after Start.
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Stop closes the listening socket and stops every owned Torrent.
func (e *Engine) Stop() {
	if e.listener != nil {
		close(e.stopCh)
		e.listener.Close()
		<-e.done
	}

	e.mu.Lock()
	torrents := make([]*torrent.Torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		torrents = append(torrents, t)
	}
	e.mu.Unlock()

	for _, t := range torrents {
		t.Stop()
	}
}

func (e *Engine) acceptLoop() {
	defer close(e.done)
	for {
		netConn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				e.logger.Errorw("accept failed", "error", err)
				continue
			}
		}
		go e.handleIncoming(netConn)
	}
}

// handleIncoming reads the remote's handshake to learn its info hash, routes
// the connection to the matching Torrent, and lets that Torrent complete the
// handshake and register the connection. Unknown info hashes and handshake
// errors close the raw connection without ever reaching a Torrent.
func (e *Engine) handleIncoming(netConn net.Conn) {
	deadline := time.Now().Add(e.config.AcceptTimeout)
	_ = netConn.SetReadDeadline(deadline)

	hs, err := wire.ReadHandshake(netConn)
	if err != nil {
		netConn.Close()
		e.metrics.Counter("engine.inbound_handshake_failed").Inc(1)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	e.mu.Lock()
	t, ok := e.torrents[hs.InfoHash]
	e.mu.Unlock()
	if !ok {
		netConn.Close()
		e.metrics.Counter("engine.inbound_unknown_info_hash").Inc(1)
		return
	}

	if err := t.AcceptIncoming(netConn, hs); err != nil {
		netConn.Close()
		e.logger.Errorw("accept incoming peer failed", "info_hash", hs.InfoHash.Hex(), "error", err)
		e.metrics.Counter("engine.inbound_accept_failed").Inc(1)
		return
	}
	e.metrics.Counter("engine.inbound_accepted").Inc(1)
}

// AddTorrent constructs and starts a Torrent for meta, overlaying meta onto
// Config.TorrentDefaults, registers it under its info hash, and returns it.
// Returns an error if a torrent for meta.InfoHash is already registered.
func (e *Engine) AddTorrent(meta TorrentMeta, trackers []tracker.Tracker, onComplete func()) (*torrent.Torrent, error) {
	e.mu.Lock()
	if _, exists := e.torrents[meta.InfoHash]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: torrent %s already added", meta.InfoHash.Hex())
	}
	e.mu.Unlock()

	cfg := e.config.TorrentDefaults
	cfg.InfoHash = meta.InfoHash
	cfg.LocalPeerID = e.localPeerID
	cfg.PieceLength = meta.PieceLength
	cfg.TotalLength = meta.TotalLength
	cfg.PieceHashes = meta.PieceHashes
	cfg.Files = meta.Files
	cfg.Tracker.Gate = e.announceGate
	cfg.DownloadLimiter = e.download

	t, err := torrent.New(cfg, e.dialer, trackers, onComplete, e.clk, e.logger, e.metrics)
	if err != nil {
		return nil, fmt.Errorf("engine: new torrent: %w", err)
	}

	e.mu.Lock()
	e.torrents[meta.InfoHash] = t
	e.mu.Unlock()

	t.Start()
	return t, nil
}

// RemoveTorrent stops and unregisters the torrent for infoHash. Returns an
// error if no such torrent is registered.
func (e *Engine) RemoveTorrent(infoHash core.InfoHash) error {
	e.mu.Lock()
	t, ok := e.torrents[infoHash]
	if ok {
		delete(e.torrents, infoHash)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no torrent registered for info hash %s", infoHash.Hex())
	}
	t.Stop()
	return nil
}

// Torrent returns the registered Torrent for infoHash, if any.
func (e *Engine) Torrent(infoHash core.InfoHash) (*torrent.Torrent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.torrents[infoHash]
	return t, ok
}

// Torrents returns every currently registered info hash.
func (e *Engine) Torrents() []core.InfoHash {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.InfoHash, 0, len(e.torrents))
	for ih := range e.torrents {
		out = append(out, ih)
	}
	return out
}

// GetPersistedState returns the host-level persisted record for infoHash, if
// one exists in the SessionStore.
func (e *Engine) GetPersistedState(infoHash core.InfoHash) (*PersistedState, bool, error) {
	if e.store == nil {
		return nil, false, fmt.Errorf("engine: no session store configured")
	}
	raw, ok, err := e.store.Get(persistedStateKey(infoHash))
	if err != nil || !ok {
		return nil, ok, err
	}
	var st PersistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("engine: decode persisted state for %s: %w", infoHash.Hex(), err)
	}
	return &st, true, nil
}

// SetPersistedState writes st to the SessionStore, keyed by st.InfoHash.
func (e *Engine) SetPersistedState(st *PersistedState) error {
	if e.store == nil {
		return fmt.Errorf("engine: no session store configured")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("engine: encode persisted state for %s: %w", st.InfoHash.Hex(), err)
	}
	return e.store.Set(persistedStateKey(st.InfoHash), raw)
}

// DeletePersistedState removes the persisted record for infoHash.
func (e *Engine) DeletePersistedState(infoHash core.InfoHash) error {
	if e.store == nil {
		return fmt.Errorf("engine: no session store configured")
	}
	return e.store.Delete(persistedStateKey(infoHash))
}

// ListPersistedInfoHashes returns the info hash of every torrent with a
// persisted record, regardless of whether it is currently registered with
// AddTorrent. A host uses this at startup to decide which torrents to
// reload.
func (e *Engine) ListPersistedInfoHashes() ([]core.InfoHash, error) {
	if e.store == nil {
		return nil, fmt.Errorf("engine: no session store configured")
	}
	keys, err := e.store.Keys(persistedStateKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]core.InfoHash, 0, len(keys))
	for _, k := range keys {
		hex := strings.TrimPrefix(k, persistedStateKeyPrefix)
		ih, err := core.NewInfoHashFromHex(hex)
		if err != nil {
			continue
		}
		out = append(out, ih)
	}
	return out, nil
}
