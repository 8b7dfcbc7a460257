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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memHandle is an in-memory FileHandle for tests, avoiding real disk I/O.
type memHandle struct {
	mu  sync.Mutex
	buf []byte
}

func (h *memHandle) grow(n int64) {
	if int64(len(h.buf)) < n {
		grown := make([]byte, n)
		copy(grown, h.buf)
		h.buf = grown
	}
}

func (h *memHandle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.grow(off + int64(len(p)))
	return copy(p, h.buf[off:off+int64(len(p))]), nil
}

func (h *memHandle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.grow(off + int64(len(p)))
	return copy(h.buf[off:], p), nil
}

func (h *memHandle) Sync() error { return nil }
func (h *memHandle) Close() error { return nil }

func newMemOpener() (Opener, map[string]*memHandle) {
	handles := make(map[string]*memHandle)
	var mu sync.Mutex
	opener := func(path string) (FileHandle, error) {
		mu.Lock()
		defer mu.Unlock()
		h, ok := handles[path]
		if !ok {
			h = &memHandle{}
			handles[path] = h
		}
		return h, nil
	}
	return opener, handles
}

func TestFileMap_LocateSingleFile(t *testing.T) {
	fm, err := NewFileMap([]FileEntry{{Path: "a", Length: 100}, {Path: "b", Length: 200}})
	require.NoError(t, err)

	spans, err := fm.Locate(10, 20)
	require.NoError(t, err)
	require.Equal(t, []Span{{Path: "a", Offset: 10, Length: 20}}, spans)

	path, off, ok := fm.SingleFile(10, 20)
	require.True(t, ok)
	require.Equal(t, "a", path)
	require.Equal(t, int64(10), off)
}

func TestFileMap_LocateSpansMultipleFiles(t *testing.T) {
	fm, err := NewFileMap([]FileEntry{{Path: "a", Length: 100}, {Path: "b", Length: 200}})
	require.NoError(t, err)

	spans, err := fm.Locate(90, 30)
	require.NoError(t, err)
	require.Equal(t, []Span{
		{Path: "a", Offset: 90, Length: 10},
		{Path: "b", Offset: 0, Length: 20},
	}, spans)

	_, _, ok := fm.SingleFile(90, 30)
	require.False(t, ok)
}

func TestFileMap_OutOfRange(t *testing.T) {
	fm, err := NewFileMap([]FileEntry{{Path: "a", Length: 100}})
	require.NoError(t, err)
	_, err = fm.Locate(50, 100)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestHandleCache_CoalescesConcurrentOpens(t *testing.T) {
	var opens int32
	var mu sync.Mutex
	opener := func(path string) (FileHandle, error) {
		mu.Lock()
		opens++
		mu.Unlock()
		return &memHandle{}, nil
	}
	c := NewHandleCache(opener)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get("shared")
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), opens)
}

func TestStorage_WritePieceAcrossFiles(t *testing.T) {
	fm, err := NewFileMap([]FileEntry{{Path: "a", Length: 10}, {Path: "b", Length: 10}})
	require.NoError(t, err)
	opener, handles := newMemOpener()

	s := New(Config{}, fm, 16, opener, "deadbeef")
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i)
	}
	sum := sha1.Sum(data)

	resultCh := s.WritePiece(0, data, sum, false)
	result := <-resultCh
	require.Equal(t, WriteOK, result)

	require.Equal(t, data[:10], handles["a"].buf)
	require.Equal(t, data[10:], handles["b"].buf[:6])
}

func TestStorage_WritePieceHashMismatch(t *testing.T) {
	fm, err := NewFileMap([]FileEntry{{Path: "a", Length: 16}})
	require.NoError(t, err)
	opener, _ := newMemOpener()
	s := New(Config{}, fm, 16, opener, "deadbeef")

	data := make([]byte, 16)
	wrongSum := sha1.Sum([]byte("not the data"))

	result := <-s.WritePiece(0, data, wrongSum, false)
	require.Equal(t, WriteHashMismatch, result)
}

func TestStorage_ReadRangeAfterWrite(t *testing.T) {
	fm, err := NewFileMap([]FileEntry{{Path: "a", Length: 32}})
	require.NoError(t, err)
	opener, _ := newMemOpener()
	s := New(Config{}, fm, 16, opener, "deadbeef")

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i + 1)
	}
	sum := sha1.Sum(data)
	require.Equal(t, WriteOK, <-s.WritePiece(0, data, sum, false))

	got, err := s.ReadRange(0, 16)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStorage_MaterializeFromParts(t *testing.T) {
	fm, err := NewFileMap([]FileEntry{{Path: "a", Length: 16}})
	require.NoError(t, err)
	opener, handles := newMemOpener()
	s := New(Config{PartsFileDir: "/tmp"}, fm, 16, opener, "deadbeef")

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i * 2)
	}
	sum := sha1.Sum(data)
	require.Equal(t, WriteOK, <-s.WritePiece(0, data, sum, true))

	require.NoError(t, s.MaterializeFromParts(0, 16))
	require.Equal(t, data, handles["a"].buf)
}
