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
package piece

import "time"

// ActiveManagerConfig configures the ActivePieceManager's capacity and sweep
// timings (§4.3).
type ActiveManagerConfig struct {
	MaxActivePieces   int           `yaml:"max_active_pieces"`
	MaxBufferedBytes  int64         `yaml:"max_buffered_bytes"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

func (c *ActiveManagerConfig) applyDefaults() {
	if c.MaxActivePieces == 0 {
		c.MaxActivePieces = 32
	}
	if c.MaxBufferedBytes == 0 {
		c.MaxBufferedBytes = 32 << 20 // 32 MiB
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}
