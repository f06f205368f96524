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

// Package frontier implements the antichain time bounds used throughout the
// shard metadata core. A Frontier is a minimal set of times; data at times
// not greater or equal to any element is on the other side of the bound.
// The empty frontier is the end of time: nothing is beyond it.
package frontier

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cubefs/shardmeta/errors"
)

type Time = uint64

// Frontier holds mutually incomparable times, sorted ascending. The zero
// value is the empty frontier.
type Frontier []Time

// New builds a minimal frontier from the given times.
func New(ts ...Time) Frontier {
	f := make(Frontier, 0, len(ts))
	for _, t := range ts {
		f = f.insert(t)
	}
	return f
}

// insert adds t unless an existing element is already less or equal, and
// drops elements t is less or equal to.
func (f Frontier) insert(t Time) Frontier {
	out := make(Frontier, 0, len(f)+1)
	for _, e := range f {
		if e <= t {
			return f
		}
		if t <= e {
			continue
		}
		out = append(out, e)
	}
	out = append(out, t)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f Frontier) IsEmpty() bool { return len(f) == 0 }

func (f Frontier) Elements() []Time { return f }

func (f Frontier) Clone() Frontier {
	if f == nil {
		return nil
	}
	out := make(Frontier, len(f))
	copy(out, f)
	return out
}

func (f Frontier) Equal(o Frontier) bool {
	if len(f) != len(o) {
		return false
	}
	for i := range f {
		if f[i] != o[i] {
			return false
		}
	}
	return true
}

// LessEqual reports a <= b in the frontier partial order: every element of b
// is greater or equal to some element of a. The empty frontier is the
// greatest of all, so LessEqual(a, empty) holds for every a.
func LessEqual(a, b Frontier) bool {
	for _, eb := range b {
		covered := false
		for _, ea := range a {
			if ea <= eb {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

func Less(a, b Frontier) bool {
	return LessEqual(a, b) && !a.Equal(b)
}

// Meet is the pointwise greatest lower bound: the minimal antichain of the
// union of a and b. Meet with the empty frontier is the identity.
func Meet(a, b Frontier) Frontier {
	out := a.Clone()
	for _, e := range b {
		out = out.insert(e)
	}
	return out
}

// Join is the pointwise least upper bound: the minimal antichain of the
// pairwise maxima. Join with the empty frontier is empty.
func Join(a, b Frontier) Frontier {
	var out Frontier
	for _, ea := range a {
		for _, eb := range b {
			m := ea
			if eb > m {
				m = eb
			}
			out = out.insert(m)
		}
	}
	return out
}

func (f Frontier) String() string {
	if len(f) == 0 {
		return "{}"
	}
	parts := make([]string, len(f))
	for i, e := range f {
		parts[i] = fmt.Sprintf("%d", e)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// AppendWire appends f as a length-delimited field holding packed varints.
func (f Frontier) AppendWire(b []byte, num protowire.Number) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	var payload []byte
	for _, e := range f {
		payload = protowire.AppendVarint(payload, e)
	}
	return protowire.AppendBytes(b, payload)
}

// ConsumeWire decodes a packed-varint payload produced by AppendWire. The
// payload is the already length-delimited field body.
func ConsumeWire(payload []byte) (Frontier, error) {
	var f Frontier
	for len(payload) > 0 {
		v, n := protowire.ConsumeVarint(payload)
		if n < 0 {
			return nil, errors.ErrBadFormat
		}
		f = f.insert(v)
		payload = payload[n:]
	}
	return f, nil
}
