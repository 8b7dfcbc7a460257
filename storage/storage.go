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
package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/btcore/engine/diskqueue"
)

// ErrPieceComplete is returned when attempting to write a piece that has
// already been verified and written.
var ErrPieceComplete = errors.New("storage: piece already complete")

// ErrHashMismatch is returned when a piece's SHA-1 sum does not match the
// expected value from the torrent's piece-sum list.
var ErrHashMismatch = errors.New("storage: piece hash mismatch")

// WriteResult is the outcome of a write, matching §4.8's {ok, hashMismatch,
// ioError} backend contract.
type WriteResult int

// WriteResult values.
const (
	WriteOK WriteResult = iota
	WriteHashMismatch
	WriteIOError
)

// Config configures a Storage instance.
type Config struct {
	Workers      int    `yaml:"workers"`
	PartsFileDir string `yaml:"parts_file_dir"`
}

func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
}

// Storage is TorrentContentStorage (§4.8): it translates piece-relative
// writes into one or more file writes across an ordered file map, serializes
// them through a diskqueue.Queue, and opportunistically issues a verified
// write when a piece falls entirely within a single file and that file's
// handle supports it. It generalizes
// lib/torrent/storage/agentstorage.Torrent's single-file write/verify path
// to a multi-file map, since kraken's CAS store never models more than one
// file per torrent.
type Storage struct {
	config      Config
	fileMap     *FileMap
	handles     *HandleCache
	queue       *diskqueue.Queue
	pieceLength int64
	partsPath   string
}

// New constructs a Storage over fileMap, whose pieces are each pieceLength
// bytes (the final piece may be shorter). opener supplies file handles for
// real file paths; it falls back to the real filesystem if nil. partsDir, if
// non-empty, is where the holding (.parts) file for skipped-file pieces
// lives; infoHashHex names that file.
func New(config Config, fileMap *FileMap, pieceLength int64, opener Opener, infoHashHex string) *Storage {
	config.applyDefaults()
	s := &Storage{
		config:      config,
		fileMap:     fileMap,
		handles:     NewHandleCache(opener),
		queue:       diskqueue.New(config.Workers),
		pieceLength: pieceLength,
	}
	if config.PartsFileDir != "" {
		s.partsPath = filepath.Join(config.PartsFileDir, infoHashHex+".parts")
	}
	return s
}

// pieceOffset returns the piece's absolute offset in the torrent's address
// space.
func (s *Storage) pieceOffset(pieceIndex int) int64 {
	return int64(pieceIndex) * s.pieceLength
}

// WritePiece writes a complete, already-assembled piece's data at pieceIndex
// and verifies it against expectedSum, using a verified write when the piece
// fits in a single file and that file's handle implements VerifiedWriter.
// toPartsFile selects between the ordinary file map (false) and the .parts
// holding file (true, used while any file in the piece's range is still
// skipped).
func (s *Storage) WritePiece(pieceIndex int, data []byte, expectedSum [20]byte, toPartsFile bool) <-chan WriteResult {
	out := make(chan WriteResult, 1)
	offset := s.pieceOffset(pieceIndex)

	job := diskqueue.Job{
		ID:          fmt.Sprintf("piece-%d", pieceIndex),
		Kind:        diskqueue.Write,
		Offset:      offset,
		Length:      int64(len(data)),
		IsPartsFile: toPartsFile,
	}
	job.Execute = func() error {
		result := s.writePieceSync(offset, data, expectedSum, toPartsFile)
		out <- result
		close(out)
		if result == WriteIOError {
			return errors.New("storage: io error writing piece")
		}
		return nil
	}

	if _, err := s.queue.Submit(job); err != nil {
		out <- WriteIOError
		close(out)
	}
	return out
}

func (s *Storage) writePieceSync(offset int64, data []byte, expectedSum [20]byte, toPartsFile bool) WriteResult {
	if sha1.Sum(data) != expectedSum {
		return WriteHashMismatch
	}

	if toPartsFile {
		span := Span{Path: s.partsPath, Offset: offset, Length: int64(len(data))}
		return s.writeSpan(span, data)
	}

	path, fileOffset, single := s.fileMap.SingleFile(offset, int64(len(data)))
	if single {
		if result, handled := s.tryVerifiedWrite(path, fileOffset, data, expectedSum); handled {
			return result
		}
	}

	spans, err := s.fileMap.Locate(offset, int64(len(data)))
	if err != nil {
		return WriteIOError
	}
	pos := 0
	for _, span := range spans {
		chunk := data[pos : pos+int(span.Length)]
		pos += int(span.Length)
		if result := s.writeSpan(span, chunk); result == WriteIOError {
			return WriteIOError
		}
	}
	return WriteOK
}

func (s *Storage) tryVerifiedWrite(path string, fileOffset int64, data []byte, expectedSum [20]byte) (WriteResult, bool) {
	h, err := s.handles.Get(path)
	if err != nil {
		return WriteIOError, true
	}
	vw, ok := h.(VerifiedWriter)
	if !ok {
		return 0, false
	}
	ok2, err := vw.WriteVerified(data, fileOffset, expectedSum)
	if err != nil {
		return WriteIOError, true
	}
	if !ok2 {
		return WriteHashMismatch, true
	}
	return WriteOK, true
}

func (s *Storage) writeSpan(span Span, data []byte) WriteResult {
	h, err := s.handles.Get(span.Path)
	if err != nil {
		return WriteIOError
	}
	if _, err := h.WriteAt(data, span.Offset); err != nil {
		return WriteIOError
	}
	return WriteOK
}

// ReadRange reads [offset, offset+length) across the file map, bypassing the
// disk queue (reads don't need serialization against the .parts token).
func (s *Storage) ReadRange(offset, length int64) ([]byte, error) {
	spans, err := s.fileMap.Locate(offset, length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	pos := 0
	for _, span := range spans {
		h, err := s.handles.Get(span.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", span.Path, err)
		}
		n, err := h.ReadAt(buf[pos:pos+int(span.Length)], span.Offset)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", span.Path, err)
		}
		pos += n
	}
	return buf, nil
}

// MaterializeFromParts copies a piece's bytes from the .parts holding file
// into the real file map, used by Torrent.setFilePriority when a skipped
// file flips to wanted and pieces already completed live in the holding
// file.
func (s *Storage) MaterializeFromParts(pieceIndex int, length int64) error {
	offset := s.pieceOffset(pieceIndex)
	h, err := s.handles.Get(s.partsPath)
	if err != nil {
		return fmt.Errorf("open parts file: %w", err)
	}
	buf := make([]byte, length)
	if _, err := h.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("read parts file: %w", err)
	}

	spans, err := s.fileMap.Locate(offset, length)
	if err != nil {
		return err
	}
	pos := 0
	for _, span := range spans {
		target, err := s.handles.Get(span.Path)
		if err != nil {
			return fmt.Errorf("open %s: %w", span.Path, err)
		}
		if _, err := target.WriteAt(buf[pos:pos+int(span.Length)], span.Offset); err != nil {
			return fmt.Errorf("write %s: %w", span.Path, err)
		}
		pos += int(span.Length)
	}
	return nil
}

// Drain stops accepting new writes and awaits in-flight ones.
func (s *Storage) Drain() { s.queue.Drain() }

// Resume re-enables writes after Drain.
func (s *Storage) Resume() { s.queue.Resume() }

// Close destroys the write queue and closes every open file handle.
func (s *Storage) Close() error {
	s.queue.Destroy()
	return s.handles.CloseAll()
}
