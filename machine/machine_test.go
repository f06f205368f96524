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

package machine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardmeta/blob"
	"github.com/cubefs/shardmeta/consensus"
	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/frontier"
	"github.com/cubefs/shardmeta/proto"
	"github.com/cubefs/shardmeta/shard"
	"github.com/cubefs/shardmeta/spine"
)

func testMachine(t *testing.T, cfg Config, cons consensus.Consensus, blobs blob.Store) Machine {
	ctx := context.Background()
	if cfg.ShardID == "" {
		cfg.ShardID = "s0"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "host-a"
	}
	if cfg.ApplierVersion == "" {
		cfg.ApplierVersion = "v1.0.0"
	}
	m, err := New(ctx, cfg, cons, blobs)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func testBatch(lower, upper uint64) *spine.Batch {
	return &spine.Batch{
		Lower: frontier.New(lower),
		Upper: frontier.New(upper),
		Since: frontier.New(lower),
		Parts: []spine.PartRef{{
			Key:         fmt.Sprintf("part/s0/%d-%d", lower, upper),
			EncodedSize: 100,
		}},
	}
}

func TestMachineWriterLifecycle(t *testing.T) {
	ctx := context.Background()
	m := testMachine(t, Config{}, consensus.NewMem(), blob.NewMem())

	id, upper, err := m.RegisterWriter(ctx, time.Minute, "w0")
	require.NoError(t, err)
	require.True(t, upper.Equal(frontier.New(0)))

	require.NoError(t, m.CommitBatch(ctx, id, testBatch(0, 10), frontier.New(0)))
	require.NoError(t, m.CommitBatch(ctx, id, testBatch(10, 20), frontier.New(10)))

	st, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, st.Upper().Equal(frontier.New(20)))

	// Stale expected upper reports the current one.
	err = m.CommitBatch(ctx, id, testBatch(10, 30), frontier.New(10))
	mismatch := &shard.UpperMismatchError{}
	require.ErrorAs(t, err, &mismatch)
	require.True(t, mismatch.Current.Equal(frontier.New(20)))

	require.NoError(t, m.HeartbeatWriter(ctx, id))
	require.NoError(t, m.ExpireWriter(ctx, id))
	require.ErrorIs(t, m.HeartbeatWriter(ctx, id), errors.ErrWriterNotFound)
}

func TestMachineReaderLifecycle(t *testing.T) {
	ctx := context.Background()
	m := testMachine(t, Config{}, consensus.NewMem(), blob.NewMem())

	wid, _, err := m.RegisterWriter(ctx, time.Minute, "w0")
	require.NoError(t, err)
	require.NoError(t, m.CommitBatch(ctx, wid, testBatch(0, 10), frontier.New(0)))

	rid, since, err := m.RegisterLeasedReader(ctx, time.Minute, "r0")
	require.NoError(t, err)
	require.True(t, since.Equal(frontier.New(0)))

	require.NoError(t, m.HeartbeatLeasedReader(ctx, rid))

	// With the only reader moved up, the shard's overall since follows.
	overall, err := m.DowngradeSince(ctx, rid, frontier.New(8))
	require.NoError(t, err)
	require.True(t, overall.Equal(frontier.New(8)))

	_, err = m.DowngradeSince(ctx, rid, frontier.New(5))
	require.ErrorIs(t, err, errors.ErrSinceRegression)

	require.NoError(t, m.ExpireLeasedReader(ctx, rid))
	require.ErrorIs(t, m.HeartbeatLeasedReader(ctx, rid), errors.ErrReaderNotFound)
}

func TestMachineCriticalReader(t *testing.T) {
	ctx := context.Background()
	m := testMachine(t, Config{}, consensus.NewMem(), blob.NewMem())

	since, err := m.RegisterCriticalReader(ctx, "c0", "codec-v1", []byte("o1"), "durable")
	require.NoError(t, err)
	require.True(t, since.Equal(frontier.New(0)))

	_, err = m.CompareAndDowngradeSince(ctx, "c0", []byte("wrong"), []byte("o2"), frontier.New(4))
	mismatch := &shard.OpaqueMismatchError{}
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, []byte("o1"), mismatch.Actual)

	_, err = m.CompareAndDowngradeSince(ctx, "c0", []byte("o1"), []byte("o2"), frontier.New(4))
	require.NoError(t, err)

	require.Error(t, m.ReleaseCriticalReader(ctx, "c0", []byte("o1")))
	require.NoError(t, m.ReleaseCriticalReader(ctx, "c0", []byte("o2")))
}

func TestMachineLazyLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	m := testMachine(t, Config{}, consensus.NewMem(), blob.NewMem())

	now := int64(1000)
	m.(*machine).nowMS = func() int64 { return now }

	rid, _, err := m.RegisterLeasedReader(ctx, time.Second, "r0")
	require.NoError(t, err)
	wid, _, err := m.RegisterWriter(ctx, time.Second, "w0")
	require.NoError(t, err)

	now = 1500
	require.NoError(t, m.HeartbeatLeasedReader(ctx, rid))

	// Only the reader heartbeated; the writer's lease lapsed at 2000, so
	// its own heartbeat arrives just as the lease is reaped.
	now = 2200
	require.ErrorIs(t, m.HeartbeatWriter(ctx, wid), errors.ErrLeaseExpired)
	require.NoError(t, m.HeartbeatLeasedReader(ctx, rid))

	// Without further heartbeats the reader goes too.
	now = 4000
	require.ErrorIs(t, m.HeartbeatLeasedReader(ctx, rid), errors.ErrLeaseExpired)
}

func TestMachineConcurrentProposers(t *testing.T) {
	ctx := context.Background()
	cons, blobs := consensus.NewMem(), blob.NewMem()
	mA := testMachine(t, Config{Hostname: "host-a"}, cons, blobs)
	mB := testMachine(t, Config{Hostname: "host-b"}, cons, blobs)

	widA, _, err := mA.RegisterWriter(ctx, time.Minute, "wa")
	require.NoError(t, err)
	widB, _, err := mB.RegisterWriter(ctx, time.Minute, "wb")
	require.NoError(t, err)

	// Interleave commits from two drivers over the same chain; each commit
	// forces the other driver to refresh and re-derive.
	upper := uint64(0)
	for i := 0; i < 4; i++ {
		require.NoError(t, mA.CommitBatch(ctx, widA, testBatch(upper, upper+5), frontier.New(upper)))
		upper += 5
		require.NoError(t, mB.CommitBatch(ctx, widB, testBatch(upper, upper+5), frontier.New(upper)))
		upper += 5
	}

	stA, err := mA.Snapshot(ctx)
	require.NoError(t, err)
	stB, err := mB.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, stA.Upper().Equal(frontier.New(40)))
	require.Equal(t, stA.Marshal(), stB.Marshal())
	require.NoError(t, stA.Spine.Validate())
}

// alwaysConflict loses every compare-and-set with the current head.
type alwaysConflict struct {
	consensus.Consensus
}

func (c *alwaysConflict) CompareAndSet(ctx context.Context, key string, expected *proto.SeqNo, next consensus.VersionedData) error {
	if expected == nil {
		return c.Consensus.CompareAndSet(ctx, key, expected, next)
	}
	head, err := c.Consensus.Head(ctx, key)
	if err != nil {
		return err
	}
	return &consensus.ConflictError{Head: head}
}

func TestMachineTooManyConflicts(t *testing.T) {
	ctx := context.Background()
	m := testMachine(t, Config{MaxCASRetries: 2}, &alwaysConflict{consensus.NewMem()}, blob.NewMem())

	_, _, err := m.RegisterWriter(ctx, time.Minute, "w0")
	require.ErrorIs(t, err, errors.ErrTooManyConflicts)
}

func TestMachineCompactionFuel(t *testing.T) {
	ctx := context.Background()
	// Tiny fuel: merges are begun by commits but only advance when fueled.
	m := testMachine(t, Config{CompactionFuel: 1}, consensus.NewMem(), blob.NewMem())

	wid, _, err := m.RegisterWriter(ctx, time.Minute, "w0")
	require.NoError(t, err)
	upper := uint64(0)
	for i := 0; i < 8; i++ {
		require.NoError(t, m.CommitBatch(ctx, wid, testBatch(upper, upper+10), frontier.New(upper)))
		upper += 10
	}

	st, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Greater(t, st.Spine.InProgressMerges(), 0)

	for {
		spent, err := m.Compact(ctx, 500)
		require.NoError(t, err)
		if spent < 500 {
			break
		}
	}
	st, err = m.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, st.Spine.InProgressMerges())
	require.NoError(t, st.Spine.Validate())
	require.True(t, st.Upper().Equal(frontier.New(80)))
}

func TestMachineRollupAndRecovery(t *testing.T) {
	ctx := context.Background()
	cons, blobs := consensus.NewMem(), blob.NewMem()
	m := testMachine(t, Config{}, cons, blobs)

	wid, _, err := m.RegisterWriter(ctx, time.Minute, "w0")
	require.NoError(t, err)
	upper := uint64(0)
	for i := 0; i < 6; i++ {
		require.NoError(t, m.CommitBatch(ctx, wid, testBatch(upper, upper+10), frontier.New(upper)))
		upper += 10
	}

	require.NoError(t, m.WriteRollup(ctx))

	st, err := m.Snapshot(ctx)
	require.NoError(t, err)
	seqno, ref, ok := st.LatestRollup()
	require.True(t, ok)
	require.NotEqual(t, proto.SeqNo(proto.InitialSeqNo), seqno)

	// The checkpoint is durable and the log below it is gone.
	_, err = blobs.Get(ctx, ref.Key)
	require.NoError(t, err)
	entries, err := cons.Scan(ctx, "s0", proto.InitialSeqNo)
	require.NoError(t, err)
	require.Equal(t, seqno+1, entries[0].SeqNo)

	// A fresh driver with no cache reconstructs the same state.
	m2 := testMachine(t, Config{Hostname: "host-b"}, cons, blobs)
	st2, err := m2.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, st.Marshal(), st2.Marshal())
}

func TestMachineRollupRetention(t *testing.T) {
	ctx := context.Background()
	cons, blobs := consensus.NewMem(), blob.NewMem()
	m := testMachine(t, Config{KeepRollups: 2}, cons, blobs)

	wid, _, err := m.RegisterWriter(ctx, time.Minute, "w0")
	require.NoError(t, err)
	upper := uint64(0)
	var staleKeys []string
	for i := 0; i < 3; i++ {
		require.NoError(t, m.CommitBatch(ctx, wid, testBatch(upper, upper+10), frontier.New(upper)))
		upper += 10
		st, err := m.Snapshot(ctx)
		require.NoError(t, err)
		if _, ref, ok := st.LatestRollup(); ok {
			staleKeys = append(staleKeys, ref.Key)
		}
		require.NoError(t, m.WriteRollup(ctx))
	}

	st, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, st.Rollups.Len(), 2)

	// All but the retained rollup blobs are deleted.
	keys, err := blobs.List(ctx, "rollup/")
	require.NoError(t, err)
	require.Len(t, keys, st.Rollups.Len())
}

func TestMachineInitRollupRefConsistency(t *testing.T) {
	ctx := context.Background()
	cons, blobs := consensus.NewMem(), blob.NewMem()
	m := testMachine(t, Config{}, cons, blobs)

	st, err := m.Snapshot(ctx)
	require.NoError(t, err)
	_, ref, ok := st.LatestRollup()
	require.True(t, ok)

	// The creating entry, the checkpoint blob's own registry, and the
	// recovered state must all declare the same checkpoint size.
	head, err := cons.Head(ctx, "s0")
	require.NoError(t, err)
	d := &shard.StateDiff{}
	require.NoError(t, d.Unmarshal(head.Data))
	require.Len(t, d.RollupPuts, 1)
	require.Equal(t, ref.EncodedSize, d.RollupPuts[0].Ref.EncodedSize)

	body, err := blobs.Get(ctx, ref.Key)
	require.NoError(t, err)
	rollup := &shard.Rollup{}
	require.NoError(t, rollup.Unmarshal(body))
	_, blobRef, ok := rollup.State.LatestRollup()
	require.True(t, ok)
	require.Equal(t, ref.EncodedSize, blobRef.EncodedSize)
}

func TestMachinePartGC(t *testing.T) {
	ctx := context.Background()
	cons, blobs := consensus.NewMem(), blob.NewMem()
	m := testMachine(t, Config{}, cons, blobs)

	wid, _, err := m.RegisterWriter(ctx, time.Minute, "w0")
	require.NoError(t, err)
	require.NoError(t, m.CommitBatch(ctx, wid, testBatch(0, 10), frontier.New(0)))
	require.NoError(t, m.CommitBatch(ctx, wid, testBatch(10, 20), frontier.New(10)))

	rid, _, err := m.RegisterLeasedReader(ctx, time.Minute, "r0")
	require.NoError(t, err)

	// A background compactor lands a physically merged batch whose since
	// starts at 20: the whole range is now logically compacted away once
	// the reader moves past it.
	st, err := m.Snapshot(ctx)
	require.NoError(t, err)
	if st.Spine.InProgressMerges() > 0 {
		_, err = m.Compact(ctx, 1<<30)
		require.NoError(t, err)
	}
	res := testBatch(0, 20)
	res.Since = frontier.New(20)
	res.Parts = []spine.PartRef{{Key: "part/s0/merged", EncodedSize: 10}}
	require.NoError(t, blobs.Put(ctx, "part/s0/merged", []byte("m")))
	applied, err := m.ApplyMergeRes(ctx, res)
	require.NoError(t, err)
	require.True(t, applied)

	overall, err := m.DowngradeSince(ctx, rid, frontier.New(20))
	require.NoError(t, err)
	require.True(t, overall.Equal(frontier.New(20)))

	require.Eventually(t, func() bool {
		keys, err := blobs.List(ctx, "part/")
		return err == nil && len(keys) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
