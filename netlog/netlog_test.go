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
package netlog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/btcore/engine/core"
)

func newTestLogger(t *testing.T) (*Logger, *observer.ObservedLogs) {
	obsCore, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(obsCore).Sugar(), testInfoHash, testPeerID(t))
	return l, logs
}

var testInfoHash = core.InfoHash{0x1}

func testPeerID(t *testing.T) core.PeerID {
	p, err := core.RandomPeerID()
	require.NoError(t, err)
	return p
}

func TestLogger_EmitsOneRecordPerEvent(t *testing.T) {
	l, logs := newTestLogger(t)
	peer := testPeerID(t)

	l.Added()
	l.ConnAdded(peer, 1)
	l.PieceRequested(peer, 3)
	l.PieceReceived(3)
	l.ConnDropped(peer)
	l.Blacklisted(peer, "corrupt data")
	l.Completed()
	l.Cancelled()

	require.Len(t, logs.All(), 8)

	names := make([]string, 0, 8)
	for _, entry := range logs.All() {
		for _, f := range entry.Context {
			if f.Key == "event" {
				names = append(names, f.String)
			}
		}
	}
	require.Equal(t, []string{
		string(AddTorrent),
		string(AddActiveConn),
		string(RequestPiece),
		string(ReceivePiece),
		string(DropActiveConn),
		string(BlacklistConn),
		string(TorrentComplete),
		string(TorrentCancelled),
	}, names)
}

func TestLogger_NilLoggerIsNoOp(t *testing.T) {
	l := New(nil, core.InfoHash{}, core.PeerID{})
	require.NotPanics(t, func() {
		l.Added()
		l.ConnAdded(core.PeerID{}, 0)
	})
}
