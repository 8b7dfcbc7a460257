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
	"fmt"

	"github.com/btcore/engine/lib/torrent/bencode"
)

// Extension ids we advertise ourselves and may receive from peers (BEP 10).
const (
	ExtMetadataName = "ut_metadata"
	ExtPEXName      = "ut_pex"

	// ExtHandshakeID is the ext-id reserved for the extension handshake
	// itself; actual sub-protocol ids are assigned by each peer and carried
	// in ExtendedHandshake.M.
	ExtHandshakeID uint8 = 0
)

// ExtendedHandshake is the bencoded payload of the id=20, ext-id=0 extension
// handshake (§4.6), advertising which extension sub-protocols (by name) map
// to which local message ids, plus optional metadata size once known.
type ExtendedHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int             `bencode:"metadata_size,omitempty"`
	Version      string          `bencode:"v,omitempty"`
}

// EncodeExtendedHandshake bencodes h into an extended-message payload
// (id=20, ext-id=0).
func EncodeExtendedHandshake(h ExtendedHandshake) (Message, error) {
	body, err := bencode.Marshal(h)
	if err != nil {
		return Message{}, fmt.Errorf("wire: marshal extended handshake: %w", err)
	}
	payload := make([]byte, 1+len(body))
	payload[0] = ExtHandshakeID
	copy(payload[1:], body)
	return Message{ID: MsgExtended, Payload: payload}, nil
}

// DecodeExtendedHandshake parses an extended-message payload as an extension
// handshake. Callers must check the leading ext-id byte themselves if they
// need to distinguish handshake from other extension messages.
func DecodeExtendedHandshake(m Message) (ExtendedHandshake, error) {
	if len(m.Payload) < 1 {
		return ExtendedHandshake{}, fmt.Errorf("wire: extended message payload empty")
	}
	var h ExtendedHandshake
	if err := bencode.Unmarshal(m.Payload[1:], &h); err != nil {
		return ExtendedHandshake{}, fmt.Errorf("wire: unmarshal extended handshake: %w", err)
	}
	return h, nil
}

// ExtendedMessageExtID returns the leading ext-id byte of an extended
// message's payload, identifying which sub-protocol it belongs to.
func ExtendedMessageExtID(m Message) (uint8, error) {
	if len(m.Payload) < 1 {
		return 0, fmt.Errorf("wire: extended message payload empty")
	}
	return m.Payload[0], nil
}

// MetadataPieceSize is the fixed chunk size for ut_metadata piece exchange
// (BEP 9): 16 KiB, same as the block size.
const MetadataPieceSize = BlockSize

// MetadataMessageType identifies the kind of a ut_metadata message.
type MetadataMessageType int

// ut_metadata message types (BEP 9).
const (
	MetadataRequest MetadataMessageType = 0
	MetadataData    MetadataMessageType = 1
	MetadataReject  MetadataMessageType = 2
)

// MetadataExtMessage is the bencoded dict preceding a metadata data chunk (or
// the entirety of a request/reject message).
type MetadataExtMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// EncodeMetadataMessage bencodes a ut_metadata control dict, optionally
// followed by a raw data chunk appended after the dict (for MetadataData).
func EncodeMetadataMessage(msg MetadataExtMessage, data []byte) ([]byte, error) {
	dict, err := bencode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal metadata message: %w", err)
	}
	if len(data) == 0 {
		return dict, nil
	}
	out := make([]byte, len(dict)+len(data))
	copy(out, dict)
	copy(out[len(dict):], data)
	return out, nil
}
