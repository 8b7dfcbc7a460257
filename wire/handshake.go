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
package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcore/engine/core"
)

const protocolID = "BitTorrent protocol"

// HandshakeLength is the fixed length of the wire handshake in bytes.
const HandshakeLength = 49 + len(protocolID)

// extensionBit is reserved byte 5, bit 0x10: BEP 10 extension protocol
// support.
const extensionReservedByte = 5
const extensionBit = 0x10

// Handshake is the decoded form of the 68-byte wire handshake.
type Handshake struct {
	InfoHash  core.InfoHash
	PeerID    core.PeerID
	Extension bool
}

// EncodeHandshake serializes h into the fixed 68-byte wire form:
// 0x13 + "BitTorrent protocol" + 8 reserved bytes + info-hash + peer-id.
func EncodeHandshake(h Handshake) []byte {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(protocolID)))
	buf = append(buf, protocolID...)
	reserved := make([]byte, 8)
	if h.Extension {
		reserved[extensionReservedByte] |= extensionBit
	}
	buf = append(buf, reserved...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// WriteHandshake writes the encoded handshake to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(EncodeHandshake(h))
	if err != nil {
		return fmt.Errorf("wire: write handshake: %w", err)
	}
	return nil
}

// ReadHandshake reads and validates a 68-byte handshake from r, returning a
// protocol error (non-nil) if the protocol prefix doesn't match.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake: %w", err)
	}
	return DecodeHandshake(buf)
}

// DecodeHandshake parses exactly HandshakeLength bytes into a Handshake.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLength {
		return Handshake{}, fmt.Errorf("wire: handshake must be %d bytes, got %d", HandshakeLength, len(buf))
	}
	if buf[0] != byte(len(protocolID)) || !bytes.Equal(buf[1:1+len(protocolID)], []byte(protocolID)) {
		return Handshake{}, fmt.Errorf("wire: invalid protocol identifier")
	}
	reserved := buf[1+len(protocolID) : 1+len(protocolID)+8]
	var h Handshake
	h.Extension = reserved[extensionReservedByte]&extensionBit != 0
	offset := 1 + len(protocolID) + 8
	copy(h.InfoHash[:], buf[offset:offset+20])
	copy(h.PeerID[:], buf[offset+20:offset+40])
	return h, nil
}

// ErrInfoHashMismatch is returned when a received handshake's info-hash does
// not match the torrent being connected for.
var ErrInfoHashMismatch = fmt.Errorf("wire: handshake info-hash mismatch")
