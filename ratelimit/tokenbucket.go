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

// Package ratelimit implements the global down/up bandwidth shaping token
// buckets (§4.11), built on golang.org/x/time/rate the same way
// lib/torrent/scheduler/conn/bandwidth.Limiter builds its egress/ingress
// limiters.
package ratelimit

import (
	"github.com/andres-erbsen/clock"
	"golang.org/x/time/rate"
)

// TokenBucket shapes a single direction (download or upload) of bandwidth.
// A rate of 0 means unlimited: TryConsume always admits and
// MsUntilAvailable always reports 0.
type TokenBucket struct {
	clk       clock.Clock
	limiter   *rate.Limiter
	unlimited bool
}

// New constructs a TokenBucket admitting ratePerSec bytes/sec, with capacity
// max(ratePerSec*2, onePieceBytes) as specified in §4.11. ratePerSec == 0
// selects unlimited mode.
func New(ratePerSec float64, onePieceBytes int64, clk clock.Clock) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	if ratePerSec == 0 {
		return &TokenBucket{clk: clk, unlimited: true}
	}
	capacity := int64(ratePerSec * 2)
	if onePieceBytes > capacity {
		capacity = onePieceBytes
	}
	return &TokenBucket{
		clk:     clk,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(capacity)),
	}
}

// TryConsume atomically deducts n bytes if available, reporting whether it
// did.
func (t *TokenBucket) TryConsume(n int64) bool {
	if t.unlimited {
		return true
	}
	return t.limiter.AllowN(t.clk.Now(), int(n))
}

// MsUntilAvailable returns how many milliseconds must pass before n bytes
// would be available, without consuming any tokens. Returns -1 if n exceeds
// the bucket's capacity and could never be satisfied in one request.
func (t *TokenBucket) MsUntilAvailable(n int64) int64 {
	if t.unlimited {
		return 0
	}
	r := t.limiter.ReserveN(t.clk.Now(), int(n))
	defer r.CancelAt(t.clk.Now())
	if !r.OK() {
		return -1
	}
	d := r.DelayFrom(t.clk.Now())
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
