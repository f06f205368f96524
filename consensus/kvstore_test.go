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
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardmeta/common/kvstore"
	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/proto"
	"github.com/cubefs/shardmeta/util"
)

func newTestKVConsensus(t *testing.T) Consensus {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	store, err := kvstore.NewKVStore(context.Background(), path, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{CF},
	})
	require.NoError(t, err)
	c, err := NewKVStore(store)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		os.RemoveAll(path)
	})
	return c
}

func TestKVConsensusChain(t *testing.T) {
	ctx := context.Background()
	c := newTestKVConsensus(t)

	_, err := c.Head(ctx, "s0")
	require.ErrorIs(t, err, errors.ErrShardNotFound)

	require.NoError(t, c.CompareAndSet(ctx, "s0", nil, VersionedData{SeqNo: 1, Data: []byte("a")}))
	err = c.CompareAndSet(ctx, "s0", nil, VersionedData{SeqNo: 1, Data: []byte("b")})
	conflict := &ConflictError{}
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, proto.SeqNo(1), conflict.Head.SeqNo)

	for n := proto.SeqNo(2); n <= 6; n++ {
		require.NoError(t, c.CompareAndSet(ctx, "s0", seqno(n-1), VersionedData{SeqNo: n, Data: []byte{byte(n)}}))
	}
	err = c.CompareAndSet(ctx, "s0", seqno(3), VersionedData{SeqNo: 4})
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, proto.SeqNo(6), conflict.Head.SeqNo)

	head, err := c.Head(ctx, "s0")
	require.NoError(t, err)
	require.Equal(t, proto.SeqNo(6), head.SeqNo)
	require.Equal(t, []byte{6}, head.Data)

	entries, err := c.Scan(ctx, "s0", 3)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, proto.SeqNo(3), entries[0].SeqNo)

	removed, err := c.Truncate(ctx, "s0", 4)
	require.NoError(t, err)
	require.Equal(t, 4, removed)
	entries, err = c.Scan(ctx, "s0", proto.InitialSeqNo)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, proto.SeqNo(5), entries[0].SeqNo)

	// The head survives even an over-wide truncation.
	removed, err = c.Truncate(ctx, "s0", 100)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	head, err = c.Head(ctx, "s0")
	require.NoError(t, err)
	require.Equal(t, proto.SeqNo(6), head.SeqNo)

	// Shard names with a common prefix do not collide.
	require.NoError(t, c.CompareAndSet(ctx, "s", nil, VersionedData{SeqNo: 1, Data: []byte("z")}))
	head, err = c.Head(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, proto.SeqNo(1), head.SeqNo)
	head, err = c.Head(ctx, "s0")
	require.NoError(t, err)
	require.Equal(t, proto.SeqNo(6), head.SeqNo)
}
