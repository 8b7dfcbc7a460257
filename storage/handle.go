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
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileHandle is the filesystem capability the host supplies TorrentContentStorage
// for one file. A *os.File satisfies it directly.
type FileHandle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
}

// VerifiedWriter is an optional capability a FileHandle backend may support:
// writing a byte range and checking its hash as a single atomic operation.
// Backends without it fall back to write-then-verify.
type VerifiedWriter interface {
	// WriteVerified writes p at off and compares its SHA-1 sum against
	// expectedSum, returning (ok=true) only if the write succeeded and the
	// sum matched. On mismatch, the backend leaves prior file contents
	// unchanged (rolled back) and returns ok=false with no error.
	WriteVerified(p []byte, off int64, expectedSum [20]byte) (ok bool, err error)
}

// Opener opens a FileHandle for a path, creating it (and any parent
// directories) if it doesn't exist.
type Opener func(path string) (FileHandle, error)

// OSOpener is the default Opener, backed by the real filesystem.
func OSOpener(path string) (FileHandle, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// HandleCache opens FileHandles on demand and caches them for reuse,
// coalescing concurrent opens of the same path into a single underlying
// open call.
type HandleCache struct {
	open Opener

	mu       sync.Mutex
	handles  map[string]FileHandle
	inflight map[string]*openWaiter
}

type openWaiter struct {
	done   chan struct{}
	handle FileHandle
	err    error
}

// NewHandleCache constructs a HandleCache using open to open files. Uses
// OSOpener if open is nil.
func NewHandleCache(open Opener) *HandleCache {
	if open == nil {
		open = OSOpener
	}
	return &HandleCache{
		open:     open,
		handles:  make(map[string]FileHandle),
		inflight: make(map[string]*openWaiter),
	}
}

// Get returns the cached handle for path, opening it if necessary. Concurrent
// Get calls for the same uncached path share one underlying open.
func (c *HandleCache) Get(path string) (FileHandle, error) {
	c.mu.Lock()
	if h, ok := c.handles[path]; ok {
		c.mu.Unlock()
		return h, nil
	}
	if w, ok := c.inflight[path]; ok {
		c.mu.Unlock()
		<-w.done
		return w.handle, w.err
	}
	w := &openWaiter{done: make(chan struct{})}
	c.inflight[path] = w
	c.mu.Unlock()

	h, err := c.open(path)

	c.mu.Lock()
	w.handle, w.err = h, err
	if err == nil {
		c.handles[path] = h
	}
	delete(c.inflight, path)
	c.mu.Unlock()
	close(w.done)
	return h, err
}

// CloseAll closes every cached handle, returning the first error encountered.
func (c *HandleCache) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for path, h := range c.handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.handles, path)
	}
	return firstErr
}
