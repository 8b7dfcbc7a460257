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
package diskqueue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueue_ParallelNonPartsJobs(t *testing.T) {
	q := New(4)
	defer q.Destroy()

	var running int32
	var maxConcurrent int32
	block := make(chan struct{})

	jobFn := func() error {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		<-block
		atomic.AddInt32(&running, -1)
		return nil
	}

	results := make([]<-chan error, 0, 3)
	for i := 0; i < 3; i++ {
		r, err := q.Submit(Job{ID: "x", Execute: jobFn})
		require.NoError(t, err)
		results = append(results, r)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 3 }, time.Second, time.Millisecond)
	close(block)
	for _, r := range results {
		require.NoError(t, <-r)
	}
	require.Equal(t, int32(3), atomic.LoadInt32(&maxConcurrent))
}

func TestQueue_PartsJobsSerialize(t *testing.T) {
	q := New(4)
	defer q.Destroy()

	var concurrent int32
	sawOverlap := false

	jobFn := func() error {
		n := atomic.AddInt32(&concurrent, 1)
		if n > 1 {
			sawOverlap = true
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil
	}

	var results []<-chan error
	for i := 0; i < 3; i++ {
		r, err := q.Submit(Job{ID: "parts", IsPartsFile: true, Execute: jobFn})
		require.NoError(t, err)
		results = append(results, r)
	}
	for _, r := range results {
		require.NoError(t, <-r)
	}
	require.False(t, sawOverlap)
}

func TestQueue_DrainAndResume(t *testing.T) {
	q := New(2)
	defer q.Destroy()

	r, err := q.Submit(Job{Execute: func() error { return nil }})
	require.NoError(t, err)
	<-r

	q.Drain()
	_, err = q.Submit(Job{Execute: func() error { return nil }})
	require.ErrorIs(t, err, ErrDraining)

	q.Resume()
	r2, err := q.Submit(Job{Execute: func() error { return nil }})
	require.NoError(t, err)
	require.NoError(t, <-r2)
}

func TestQueue_DestroyRejectsFurtherSubmits(t *testing.T) {
	q := New(1)
	q.Destroy()
	_, err := q.Submit(Job{Execute: func() error { return nil }})
	require.ErrorIs(t, err, ErrDestroyed)
}
