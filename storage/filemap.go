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

// Package storage implements TorrentContentStorage (§4.8): translating a
// linear torrent address space onto an ordered set of files, with a
// single-writer disk queue and optional atomic verified write. It
// generalizes lib/torrent/storage/agentstorage.Torrent's single-file
// write/verify idiom to a multi-file map, since kraken's CAS-backed
// storage never models more than one file per torrent.
package storage

import (
	"errors"
	"fmt"
)

// FileEntry describes one file in a torrent's ordered file list.
type FileEntry struct {
	Path   string
	Length int64
}

// ErrOutOfRange is returned when an address falls outside [0, TotalLength).
var ErrOutOfRange = errors.New("storage: offset out of range")

// fileRange is a FileEntry placed at its absolute offset in the torrent's
// address space.
type fileRange struct {
	entry  FileEntry
	offset int64 // absolute start offset
}

// FileMap is the bijection between a torrent's linear [0, TotalLength)
// address space and its ordered list of files.
type FileMap struct {
	files       []fileRange
	TotalLength int64
}

// NewFileMap builds a FileMap from files in on-disk order. Returns an error
// if any file has non-positive length.
func NewFileMap(files []FileEntry) (*FileMap, error) {
	fm := &FileMap{files: make([]fileRange, 0, len(files))}
	var offset int64
	for _, f := range files {
		if f.Length <= 0 {
			return nil, fmt.Errorf("storage: file %q has non-positive length %d", f.Path, f.Length)
		}
		fm.files = append(fm.files, fileRange{entry: f, offset: offset})
		offset += f.Length
	}
	fm.TotalLength = offset
	return fm, nil
}

// Span is one (file, offset, length) segment of a translated address range.
type Span struct {
	Path   string
	Offset int64 // offset within the file
	Length int64
}

// Locate translates [offset, offset+length) into an ordered list of Spans,
// one per file the range touches. Walks the file list starting from the
// first file whose range contains offset, emitting min(remaining, fileEnd -
// currentOffset) bytes per file until the full range is covered.
func (fm *FileMap) Locate(offset, length int64) ([]Span, error) {
	if offset < 0 || length < 0 || offset+length > fm.TotalLength {
		return nil, ErrOutOfRange
	}
	if length == 0 {
		return nil, nil
	}

	idx := fm.indexAt(offset)
	if idx < 0 {
		return nil, ErrOutOfRange
	}

	var spans []Span
	remaining := length
	cur := offset
	for remaining > 0 {
		fr := fm.files[idx]
		fileEnd := fr.offset + fr.entry.Length
		fileRelOffset := cur - fr.offset
		n := fileEnd - cur
		if n > remaining {
			n = remaining
		}
		spans = append(spans, Span{Path: fr.entry.Path, Offset: fileRelOffset, Length: n})
		cur += n
		remaining -= n
		idx++
	}
	return spans, nil
}

// SingleFile reports whether [offset, offset+length) lies entirely within
// one file, returning that file's path if so. Used to decide verified-write
// eligibility.
func (fm *FileMap) SingleFile(offset, length int64) (path string, fileRelOffset int64, ok bool) {
	spans, err := fm.Locate(offset, length)
	if err != nil || len(spans) != 1 {
		return "", 0, false
	}
	return spans[0].Path, spans[0].Offset, true
}

// Files returns the ordered FileEntry list.
func (fm *FileMap) Files() []FileEntry {
	out := make([]FileEntry, len(fm.files))
	for i, fr := range fm.files {
		out[i] = fr.entry
	}
	return out
}

func (fm *FileMap) indexAt(offset int64) int {
	for i, fr := range fm.files {
		if offset >= fr.offset && offset < fr.offset+fr.entry.Length {
			return i
		}
	}
	if offset == fm.TotalLength && len(fm.files) > 0 {
		return len(fm.files) - 1
	}
	return -1
}
