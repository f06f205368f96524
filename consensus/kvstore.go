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
	"encoding/binary"
	"sync"

	"github.com/cubefs/shardmeta/common/kvstore"
	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/proto"
)

const CF = "version"

var (
	entryKeyPrefix = []byte("e")
	keyInfix       = []byte("/")
)

// kvConsensus keeps version chains in an embedded kvstore. Entry keys
// are "e/<shard>/<big-endian seqno>", so a prefix scan yields a chain in
// seqno order and a reverse seek finds the head. Compare-and-sets are
// serialized by a process-local lock; linearizing across processes is
// the deployment's problem, not this store's.
type kvConsensus struct {
	store kvstore.Store
	lock  sync.Mutex
}

func NewKVStore(store kvstore.Store) (Consensus, error) {
	if !store.CheckColumns(CF) {
		if err := store.CreateColumn(CF); err != nil {
			return nil, err
		}
	}
	return &kvConsensus{store: store}, nil
}

func (c *kvConsensus) Head(ctx context.Context, key string) (VersionedData, error) {
	lr := c.store.List(ctx, CF, encodeEntryKeyPrefix(key), nil)
	defer lr.Close()

	k, v, err := lr.ReadLast()
	if err != nil {
		return VersionedData{}, err
	}
	if k == nil {
		return VersionedData{}, errors.ErrShardNotFound
	}
	return VersionedData{SeqNo: decodeEntrySeqNo(k), Data: v}, nil
}

func (c *kvConsensus) Scan(ctx context.Context, key string, from proto.SeqNo) ([]VersionedData, error) {
	lr := c.store.List(ctx, CF, encodeEntryKeyPrefix(key), encodeEntryKey(key, from))
	defer lr.Close()

	var out []VersionedData
	for {
		k, v, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if k == nil {
			return out, nil
		}
		out = append(out, VersionedData{SeqNo: decodeEntrySeqNo(k), Data: v})
	}
}

func (c *kvConsensus) CompareAndSet(ctx context.Context, key string, expected *proto.SeqNo, next VersionedData) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	head, err := c.Head(ctx, key)
	switch {
	case err == errors.ErrShardNotFound:
		if expected != nil {
			return err
		}
	case err != nil:
		return err
	case expected == nil || head.SeqNo != *expected:
		return &ConflictError{Head: head}
	case next.SeqNo <= *expected:
		return errors.ErrDiffGap
	}
	return c.store.SetRaw(ctx, CF, encodeEntryKey(key, next.SeqNo), next.Data)
}

func (c *kvConsensus) Truncate(ctx context.Context, key string, through proto.SeqNo) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	head, err := c.Head(ctx, key)
	if err != nil {
		if err == errors.ErrShardNotFound {
			return 0, nil
		}
		return 0, err
	}
	if through >= head.SeqNo {
		through = head.SeqNo - 1
	}

	lr := c.store.List(ctx, CF, encodeEntryKeyPrefix(key), nil)
	removed := 0
	for {
		k, _, err := lr.ReadNext()
		if err != nil {
			lr.Close()
			return 0, err
		}
		if k == nil || decodeEntrySeqNo(k) > through {
			break
		}
		removed++
	}
	lr.Close()
	if removed == 0 {
		return 0, nil
	}

	batch := c.store.NewWriteBatch()
	defer batch.Close()
	batch.DeleteRange(CF, encodeEntryKey(key, 0), encodeEntryKey(key, through+1))
	if err := c.store.Write(ctx, batch); err != nil {
		return 0, err
	}
	return removed, nil
}

func (c *kvConsensus) Close() {
	c.store.Close()
}

func encodeEntryKey(shard string, seqno proto.SeqNo) []byte {
	ret := make([]byte, 0, len(entryKeyPrefix)+2*len(keyInfix)+len(shard)+8)
	ret = append(ret, entryKeyPrefix...)
	ret = append(ret, keyInfix...)
	ret = append(ret, shard...)
	ret = append(ret, keyInfix...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], seqno)
	return append(ret, seq[:]...)
}

func encodeEntryKeyPrefix(shard string) []byte {
	ret := make([]byte, 0, len(entryKeyPrefix)+2*len(keyInfix)+len(shard))
	ret = append(ret, entryKeyPrefix...)
	ret = append(ret, keyInfix...)
	ret = append(ret, shard...)
	return append(ret, keyInfix...)
}

func decodeEntrySeqNo(key []byte) proto.SeqNo {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
