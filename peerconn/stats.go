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
package peerconn

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

const (
	rateBucketWidth = time.Second
	rateWindow      = 10 * time.Second
	rateBuckets     = int(rateWindow / rateBucketWidth)
)

// rateCounter is a sliding-window byte-rate counter, bucketed in 1s buckets
// over a 10s window (§4.6 "Statistics"). Bytes counted here must be payload
// only; framing overhead is tracked separately by the caller if needed.
type rateCounter struct {
	mu       sync.Mutex
	clk      clock.Clock
	buckets  [rateBuckets]int64
	epoch    [rateBuckets]int64 // which absolute bucket index each slot last belonged to
	lastData time.Time
}

func newRateCounter(clk clock.Clock) *rateCounter {
	return &rateCounter{clk: clk}
}

func (r *rateCounter) bucketIndex(now time.Time) (slot int, abs int64) {
	abs = now.UnixNano() / int64(rateBucketWidth)
	slot = int(abs % int64(rateBuckets))
	return
}

// Add records n bytes at the current time.
func (r *rateCounter) Add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	slot, abs := r.bucketIndex(now)
	if r.epoch[slot] != abs {
		r.buckets[slot] = 0
		r.epoch[slot] = abs
	}
	r.buckets[slot] += n
	r.lastData = now
}

// Rate returns the average bytes/sec over the trailing window.
func (r *rateCounter) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	_, nowAbs := r.bucketIndex(now)
	var total int64
	for i := 0; i < rateBuckets; i++ {
		if nowAbs-r.epoch[i] < int64(rateBuckets) {
			total += r.buckets[i]
		}
	}
	return float64(total) / rateWindow.Seconds()
}

// LastDataAt returns the time data was last recorded, zero if none.
func (r *rateCounter) LastDataAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastData
}
