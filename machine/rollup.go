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
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/metrics"
	"github.com/cubefs/shardmeta/proto"
	"github.com/cubefs/shardmeta/shard"
	"github.com/cubefs/shardmeta/spine"
)

// RollupPolicy decides when the diff log has grown enough to be worth a
// full-state checkpoint.
type RollupPolicy interface {
	ShouldRollup(lastRollup, current proto.SeqNo, diffBytes uint64) bool
}

// defaultPolicy triggers on committed seqno distance or on accumulated
// diff bytes, whichever comes first.
type defaultPolicy struct {
	everySeqNos proto.SeqNo
	diffBytes   uint64
}

func (p *defaultPolicy) ShouldRollup(lastRollup, current proto.SeqNo, diffBytes uint64) bool {
	return current-lastRollup >= p.everySeqNos || diffBytes >= p.diffBytes
}

var errRollupExists = errors.New("rollup already referenced at this seqno")

func rollupKey(shardID proto.ShardID, seqno proto.SeqNo) string {
	return fmt.Sprintf("rollup/%s/%016x-%s", shardID, seqno, uuid.NewString())
}

// maybeRollup schedules a background checkpoint after a commit when the
// policy fires. At most one rollup runs at a time.
func (m *machine) maybeRollup(st *shard.State) {
	lastRollup, _, ok := st.LatestRollup()
	if !ok {
		lastRollup = 0
	}
	if !m.cfg.RollupPolicy.ShouldRollup(lastRollup, st.SeqNo, atomic.LoadUint64(&m.diffBytes)) {
		return
	}
	if !atomic.CompareAndSwapInt32(&m.rollupRunning, 0, 1) {
		return
	}
	m.taskPool.Run(func() {
		defer atomic.StoreInt32(&m.rollupRunning, 0)
		span, ctx := trace.StartSpanFromContext(context.Background(), "rollup")
		if err := m.writeRollup(ctx); err != nil {
			span.Warnf("rollup of shard %s failed: %v", m.cfg.ShardID, err)
		}
	})
}

// WriteRollup checkpoints the current state synchronously: write the blob,
// commit the reference, truncate the consensus log below it, and collect
// rollups that fell out of the window.
func (m *machine) WriteRollup(ctx context.Context) error {
	return m.writeRollup(ctx)
}

func (m *machine) writeRollup(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	st, err := m.latest(ctx)
	if err != nil {
		return err
	}
	if lastRollup, _, ok := st.LatestRollup(); ok && lastRollup == st.SeqNo {
		return nil
	}
	checkpointSeqNo := st.SeqNo

	tail, err := m.diffTail(ctx, checkpointSeqNo)
	if err != nil {
		return err
	}
	key := rollupKey(m.cfg.ShardID, checkpointSeqNo)
	body := (&shard.Rollup{State: st, DiffTail: tail}).Marshal()
	if err := m.blobs.Put(ctx, key, body); err != nil {
		return err
	}
	ref := &shard.RollupRef{Key: key, EncodedSize: uint64(len(body))}

	// Reset before committing the reference so the trailing commit does not
	// immediately re-trigger the policy.
	atomic.StoreUint64(&m.diffBytes, 0)
	_, err = m.apply(ctx, "add_rollup", func(next *shard.State) error {
		if !next.AddRollup(checkpointSeqNo, ref) {
			return errRollupExists
		}
		return nil
	})
	if err != nil {
		// The blob is unreferenced either way; drop it.
		m.blobs.Delete(ctx, key)
		if errors.Is(err, errRollupExists) {
			return nil
		}
		return err
	}
	metrics.RollupsWritten.WithLabelValues(m.cfg.ShardID).Inc()
	span.Infof("wrote rollup %s covering seqno %d", key, checkpointSeqNo)

	// The add_rollup commit is strictly above the checkpoint, so entries at
	// or below it are unreachable from any future recovery.
	if _, err := m.cons.Truncate(ctx, m.cfg.ShardID, checkpointSeqNo); err != nil {
		span.Warnf("truncate of shard %s through %d failed: %v", m.cfg.ShardID, checkpointSeqNo, err)
	}
	return m.gcRollups(ctx)
}

// diffTail fetches the last few committed diffs at or below through, for
// inlining into a rollup.
func (m *machine) diffTail(ctx context.Context, through proto.SeqNo) ([]shard.TailEntry, error) {
	from := proto.SeqNo(1)
	if through > proto.SeqNo(m.cfg.RollupTailLen) {
		from = through - proto.SeqNo(m.cfg.RollupTailLen) + 1
	}
	entries, err := m.cons.Scan(ctx, m.cfg.ShardID, from)
	if err != nil {
		return nil, err
	}
	var tail []shard.TailEntry
	for _, e := range entries {
		if e.SeqNo > through {
			break
		}
		tail = append(tail, shard.TailEntry{SeqNo: e.SeqNo, Data: e.Data})
	}
	return tail, nil
}

// gcRollups unreferences rollups beyond the retention window and deletes
// their blobs, paced by the gc rate limiter.
func (m *machine) gcRollups(ctx context.Context) error {
	var removed []*shard.RollupRef
	_, err := m.apply(ctx, "gc_rollups", func(next *shard.State) error {
		var seqnos []proto.SeqNo
		for itr := next.Rollups.Iterator(); !itr.Done(); {
			seqno, _, _ := itr.Next()
			seqnos = append(seqnos, seqno)
		}
		if len(seqnos) <= m.cfg.KeepRollups {
			return errNothingToGC
		}
		removed = next.RemoveRollups(seqnos[:len(seqnos)-m.cfg.KeepRollups])
		next.LastGCReq = next.SeqNo
		return nil
	})
	if err != nil {
		if errors.Is(err, errNothingToGC) {
			return nil
		}
		return err
	}
	for _, ref := range removed {
		if err := m.gcRate.Wait(ctx); err != nil {
			return err
		}
		if err := m.blobs.Delete(ctx, ref.Key); err != nil {
			return err
		}
		metrics.GCDeletions.WithLabelValues(m.cfg.ShardID, "rollup").Inc()
	}
	return nil
}

var errNothingToGC = errors.New("nothing to gc")

// gcParts deletes part blobs that a downgrade just made unreachable.
func (m *machine) gcParts(shardID proto.ShardID, reaped []spine.PartRef) {
	if len(reaped) == 0 {
		return
	}
	m.taskPool.Run(func() {
		span, ctx := trace.StartSpanFromContext(context.Background(), "gc-parts")
		for _, part := range reaped {
			if err := m.gcRate.Wait(ctx); err != nil {
				return
			}
			if err := m.blobs.Delete(ctx, part.Key); err != nil {
				span.Warnf("delete of part %s failed: %v", part.Key, err)
				continue
			}
			metrics.GCDeletions.WithLabelValues(shardID, "part").Inc()
		}
	})
}
