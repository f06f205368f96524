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

package consensus

import (
	"context"
	"sync"

	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/proto"
)

// memConsensus keeps version chains in memory. It backs tests and
// single-process deployments.
type memConsensus struct {
	chains map[string][]VersionedData
	lock   sync.Mutex
}

func NewMem() Consensus {
	return &memConsensus{chains: make(map[string][]VersionedData)}
}

func (m *memConsensus) Head(ctx context.Context, key string) (VersionedData, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	chain := m.chains[key]
	if len(chain) == 0 {
		return VersionedData{}, errors.ErrShardNotFound
	}
	return copyEntry(chain[len(chain)-1]), nil
}

func (m *memConsensus) Scan(ctx context.Context, key string, from proto.SeqNo) ([]VersionedData, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var out []VersionedData
	for _, e := range m.chains[key] {
		if e.SeqNo >= from {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (m *memConsensus) CompareAndSet(ctx context.Context, key string, expected *proto.SeqNo, next VersionedData) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	chain := m.chains[key]
	if expected == nil {
		if len(chain) != 0 {
			return &ConflictError{Head: copyEntry(chain[len(chain)-1])}
		}
		m.chains[key] = append(chain, copyEntry(next))
		return nil
	}
	if len(chain) == 0 || chain[len(chain)-1].SeqNo != *expected {
		if len(chain) == 0 {
			return errors.ErrShardNotFound
		}
		return &ConflictError{Head: copyEntry(chain[len(chain)-1])}
	}
	if next.SeqNo <= *expected {
		return errors.ErrDiffGap
	}
	m.chains[key] = append(chain, copyEntry(next))
	return nil
}

func (m *memConsensus) Truncate(ctx context.Context, key string, through proto.SeqNo) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	chain := m.chains[key]
	removed := 0
	for removed < len(chain)-1 && chain[removed].SeqNo <= through {
		removed++
	}
	if removed > 0 {
		m.chains[key] = append([]VersionedData(nil), chain[removed:]...)
	}
	return removed, nil
}

func (m *memConsensus) Close() {}

func copyEntry(e VersionedData) VersionedData {
	return VersionedData{SeqNo: e.SeqNo, Data: append([]byte(nil), e.Data...)}
}
