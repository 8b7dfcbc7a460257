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

// Package randutil provides randomized test fixtures: blob content, IPs,
// and ports.
package randutil

import (
	"fmt"
	"math/rand"
)

const _alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Text generates n random alphanumeric bytes.
func Text(n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = _alphanumeric[rand.Intn(len(_alphanumeric))]
	}
	return b
}

// IP generates a random IPv4 address.
func IP() string {
	return fmt.Sprintf("%d.%d.%d.%d", rand.Intn(256), rand.Intn(256), rand.Intn(256), rand.Intn(256))
}

// Port generates a random ephemeral port.
func Port() int {
	return 1024 + rand.Intn(65535-1024)
}
