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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/proto"
)

func seqno(n proto.SeqNo) *proto.SeqNo { return &n }

func TestMemConsensusCAS(t *testing.T) {
	ctx := context.Background()
	c := NewMem()
	defer c.Close()

	_, err := c.Head(ctx, "s0")
	require.ErrorIs(t, err, errors.ErrShardNotFound)

	// Creation requires a nil expectation.
	err = c.CompareAndSet(ctx, "s0", seqno(0), VersionedData{SeqNo: 1, Data: []byte("a")})
	require.ErrorIs(t, err, errors.ErrShardNotFound)
	require.NoError(t, c.CompareAndSet(ctx, "s0", nil, VersionedData{SeqNo: 1, Data: []byte("a")}))

	// A second creation loses to the existing head.
	err = c.CompareAndSet(ctx, "s0", nil, VersionedData{SeqNo: 1, Data: []byte("b")})
	conflict := &ConflictError{}
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, proto.SeqNo(1), conflict.Head.SeqNo)
	require.Equal(t, []byte("a"), conflict.Head.Data)

	require.NoError(t, c.CompareAndSet(ctx, "s0", seqno(1), VersionedData{SeqNo: 2, Data: []byte("c")}))

	// Stale expectation reports the winner.
	err = c.CompareAndSet(ctx, "s0", seqno(1), VersionedData{SeqNo: 2, Data: []byte("d")})
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, proto.SeqNo(2), conflict.Head.SeqNo)

	head, err := c.Head(ctx, "s0")
	require.NoError(t, err)
	require.Equal(t, proto.SeqNo(2), head.SeqNo)
	require.Equal(t, []byte("c"), head.Data)
}

func TestMemConsensusScanTruncate(t *testing.T) {
	ctx := context.Background()
	c := NewMem()
	defer c.Close()

	require.NoError(t, c.CompareAndSet(ctx, "s0", nil, VersionedData{SeqNo: 1, Data: []byte("1")}))
	for n := proto.SeqNo(2); n <= 5; n++ {
		require.NoError(t, c.CompareAndSet(ctx, "s0", seqno(n-1), VersionedData{SeqNo: n}))
	}

	all, err := c.Scan(ctx, "s0", proto.InitialSeqNo)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		require.Equal(t, proto.SeqNo(i+1), e.SeqNo)
	}

	tail, err := c.Scan(ctx, "s0", 4)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, proto.SeqNo(4), tail[0].SeqNo)

	removed, err := c.Truncate(ctx, "s0", 3)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	rest, err := c.Scan(ctx, "s0", proto.InitialSeqNo)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, proto.SeqNo(4), rest[0].SeqNo)

	// Truncating past the head keeps the head.
	removed, err = c.Truncate(ctx, "s0", 100)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	head, err := c.Head(ctx, "s0")
	require.NoError(t, err)
	require.Equal(t, proto.SeqNo(5), head.SeqNo)

	// Shards are independent.
	_, err = c.Head(ctx, "s1")
	require.ErrorIs(t, err, errors.ErrShardNotFound)
}
