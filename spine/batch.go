// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package spine

import (
	"fmt"

	"github.com/cubefs/shardmeta/frontier"
)

// PartRef names one piece of physical batch data held by the blob store.
// The core never looks inside it.
type PartRef struct {
	// Key locates the part in the blob store.
	Key string
	// EncodedSize is the payload size in bytes, used for merge work
	// estimates and rollup policy.
	EncodedSize uint64
	// TsRewrite, when set, reinterprets the part's nominal times at read
	// time.
	TsRewrite *frontier.Frontier

	unknown []byte
}

func (p *PartRef) Clone() PartRef {
	out := *p
	if p.TsRewrite != nil {
		f := p.TsRewrite.Clone()
		out.TsRewrite = &f
	}
	return out
}

// Batch describes one immutable batch of updates covering times
// [Lower, Upper), logically compacted up to Since. Parts is ordered and
// split into contiguous runs by RunSplits: each element is the index of the
// first part of a new run.
type Batch struct {
	Lower frontier.Frontier
	Upper frontier.Frontier
	Since frontier.Frontier

	Parts     []PartRef
	RunSplits []int

	unknown []byte
}

func (b *Batch) Clone() *Batch {
	out := &Batch{
		Lower:     b.Lower.Clone(),
		Upper:     b.Upper.Clone(),
		Since:     b.Since.Clone(),
		RunSplits: append([]int(nil), b.RunSplits...),
		unknown:   append([]byte(nil), b.unknown...),
	}
	out.Parts = make([]PartRef, 0, len(b.Parts))
	for i := range b.Parts {
		out.Parts = append(out.Parts, b.Parts[i].Clone())
	}
	return out
}

// EncodedSize sums the sizes of all referenced parts.
func (b *Batch) EncodedSize() uint64 {
	var total uint64
	for i := range b.Parts {
		total += b.Parts[i].EncodedSize
	}
	return total
}

func (b *Batch) Validate() error {
	if !frontier.LessEqual(b.Lower, b.Upper) {
		return fmt.Errorf("batch lower %s beyond upper %s", b.Lower, b.Upper)
	}
	prev := 0
	for _, split := range b.RunSplits {
		if split <= prev || split >= len(b.Parts) {
			return fmt.Errorf("run split %d out of order for %d parts", split, len(b.Parts))
		}
		prev = split
	}
	return nil
}

func (b *Batch) String() string {
	return fmt.Sprintf("[%s,%s) since=%s parts=%d", b.Lower, b.Upper, b.Since, len(b.Parts))
}
