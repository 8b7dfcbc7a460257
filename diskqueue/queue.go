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

// Package diskqueue is the bounded-worker serializer that TorrentContentStorage
// enqueues writes through (§4.8). All jobs marked IsPartsFile serialize on a
// single token so that skip/unskip transitions never race with in-flight
// writes to the .parts holding file, while other jobs run in parallel up to
// the worker limit. Reads bypass the queue entirely.
package diskqueue

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Kind distinguishes a read job (unused by the queue itself, but part of
// the DiskJob shape per §3) from a write job.
type Kind int

// Job kinds.
const (
	Read Kind = iota
	Write
)

// ErrDestroyed is returned by Submit once the queue has been destroyed.
var ErrDestroyed = errors.New("diskqueue: queue destroyed")

// ErrDraining is returned by Submit while the queue is draining.
var ErrDraining = errors.New("diskqueue: queue draining")

// Job describes one disk operation. Executor is an opaque deferred I/O
// action; Snapshot() strips it for introspection.
type Job struct {
	ID          string
	Kind        Kind
	FilePath    string
	Offset      int64
	Length      int64
	IsPartsFile bool
	EnqueuedAt  time.Time
	Execute     func() error
}

// Snapshot is a Job stripped of its executor, safe to expose to callers
// inspecting queue depth/contents.
type Snapshot struct {
	ID          string
	Kind        Kind
	FilePath    string
	Offset      int64
	Length      int64
	IsPartsFile bool
	EnqueuedAt  time.Time
}

// Snapshot strips Execute for introspection.
func (j Job) Snapshot() Snapshot {
	return Snapshot{
		ID: j.ID, Kind: j.Kind, FilePath: j.FilePath, Offset: j.Offset,
		Length: j.Length, IsPartsFile: j.IsPartsFile, EnqueuedAt: j.EnqueuedAt,
	}
}

type submission struct {
	job    Job
	result chan error
}

// Queue is the single-writer, bounded-worker disk job serializer.
type Queue struct {
	jobCh    chan submission
	partsTok chan struct{} // capacity 1; only one .parts job runs at a time

	depth     *atomic.Int64
	draining  *atomic.Bool
	destroyed *atomic.Bool

	inFlight sync.WaitGroup
	workerWG sync.WaitGroup
}

// New constructs a Queue with the given number of workers (default 4 if 0).
func New(workers int) *Queue {
	if workers <= 0 {
		workers = 4
	}
	q := &Queue{
		jobCh:     make(chan submission, workers*4),
		partsTok:  make(chan struct{}, 1),
		depth:     atomic.NewInt64(0),
		draining:  atomic.NewBool(false),
		destroyed: atomic.NewBool(false),
	}
	q.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.workerWG.Done()
	for s := range q.jobCh {
		q.run(s)
	}
}

func (q *Queue) run(s submission) {
	defer q.inFlight.Done()
	defer q.depth.Dec()
	if s.job.IsPartsFile {
		q.partsTok <- struct{}{}
		defer func() { <-q.partsTok }()
	}
	err := s.job.Execute()
	s.result <- err
	close(s.result)
}

// Submit enqueues job and returns a channel that receives its result
// exactly once. Returns an error immediately (without enqueuing) if the
// queue is destroyed or draining.
func (q *Queue) Submit(job Job) (<-chan error, error) {
	if q.destroyed.Load() {
		return nil, ErrDestroyed
	}
	if q.draining.Load() {
		return nil, ErrDraining
	}
	s := submission{job: job, result: make(chan error, 1)}
	q.inFlight.Add(1)
	q.depth.Inc()

	select {
	case q.jobCh <- s:
	default:
		// Buffered channel full: block the submitter, but re-check
		// destroyed/draining isn't necessary since only Drain/Destroy
		// transition those and both wait for in-flight jobs first.
		q.jobCh <- s
	}
	return s.result, nil
}

// Depth returns the number of jobs submitted but not yet completed.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Drain stops accepting new jobs and blocks until every in-flight job has
// completed.
func (q *Queue) Drain() {
	q.draining.Store(true)
	q.inFlight.Wait()
}

// Resume re-enables submission after a Drain.
func (q *Queue) Resume() {
	q.draining.Store(false)
}

// Destroy stops accepting jobs, waits for every submitted job to finish, and
// then stops the workers. Jobs still queued when Destroy is called are
// executed, not rejected; later Submit calls return ErrDestroyed.
func (q *Queue) Destroy() {
	if !q.destroyed.CAS(false, true) {
		return
	}
	q.draining.Store(true)
	q.inFlight.Wait()
	close(q.jobCh)
	q.workerWG.Wait()
}
