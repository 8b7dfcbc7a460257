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
package core

import (
	"hash"
	"hash/crc32"
)

// PieceHash returns the hash used to sum pieces for MetaInfo.GetPieceSum
// comparisons. Deliberately cheap (CRC32, not SHA-1): piece sums only need
// to catch corruption within a torrent session, not resist forgery — the
// info-hash SHA-1 over the full piece-sum list is what callers trust.
func PieceHash() hash.Hash32 {
	return crc32.NewIEEE()
}
