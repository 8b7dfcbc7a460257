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

// Package netlog emits one structured record per network-visible event a
// Torrent observes: peers gained or dropped, pieces requested and received,
// bans, and completion. Modeled on lib/torrent/networkevent.Producer's fixed
// event-name vocabulary and optional-field Event struct, adapted from that
// package's dedicated line-delimited JSON file sink to zap's structured
// field logging, since this design already carries a *zap.SugaredLogger
// through every subsystem and a second bespoke log sink would duplicate it.
package netlog

import (
	"go.uber.org/zap"

	"github.com/btcore/engine/core"
)

// Name identifies the kind of network event.
type Name string

// Event names, mirroring the teacher's networkevent vocabulary.
const (
	AddTorrent       Name = "add_torrent"
	AddActiveConn    Name = "add_active_conn"
	DropActiveConn   Name = "drop_active_conn"
	BlacklistConn    Name = "blacklist_conn"
	RequestPiece     Name = "request_piece"
	ReceivePiece     Name = "receive_piece"
	TorrentComplete  Name = "torrent_complete"
	TorrentCancelled Name = "torrent_cancelled"
)

// Logger emits one structured record per network event for a single
// torrent, tagging every record with that torrent's info hash and local
// peer id.
type Logger struct {
	logger   *zap.SugaredLogger
	infoHash string
	self     string
}

// New constructs a Logger scoped to one torrent. A nil zap logger yields a
// Logger whose methods are no-ops.
func New(logger *zap.SugaredLogger, infoHash core.InfoHash, self core.PeerID) *Logger {
	return &Logger{logger: logger, infoHash: infoHash.Hex(), self: self.String()}
}

func (l *Logger) log(name Name, fields ...interface{}) {
	if l == nil || l.logger == nil {
		return
	}
	base := []interface{}{"event", string(name), "torrent", l.infoHash, "self", l.self}
	l.logger.Infow("network event", append(base, fields...)...)
}

// Added records that this torrent was registered with its owning Engine.
func (l *Logger) Added() { l.log(AddTorrent) }

// ConnAdded records a newly established (dialed or accepted) peer
// connection.
func (l *Logger) ConnAdded(peer core.PeerID, connCapacity int) {
	l.log(AddActiveConn, "peer", peer.String(), "conn_capacity", connCapacity)
}

// ConnDropped records a peer connection closing.
func (l *Logger) ConnDropped(peer core.PeerID) {
	l.log(DropActiveConn, "peer", peer.String())
}

// Blacklisted records a peer being banned for the given reason.
func (l *Logger) Blacklisted(peer core.PeerID, reason string) {
	l.log(BlacklistConn, "peer", peer.String(), "reason", reason)
}

// PieceRequested records a block request sent to a peer.
func (l *Logger) PieceRequested(peer core.PeerID, piece int) {
	l.log(RequestPiece, "peer", peer.String(), "piece", piece)
}

// PieceReceived records a piece completing verification.
func (l *Logger) PieceReceived(piece int) {
	l.log(ReceivePiece, "piece", piece)
}

// Completed records the torrent finishing every piece.
func (l *Logger) Completed() { l.log(TorrentComplete) }

// Cancelled records the torrent being removed before completion.
func (l *Logger) Cancelled() { l.log(TorrentCancelled) }
