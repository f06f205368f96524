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

// Package machine drives one shard's state through the consensus store.
// Every mutation is proposed as a pure transition on a clone of the
// latest known snapshot and committed with a compare-and-set; losing the
// race refreshes the snapshot and re-derives the transition from the new
// base. No lock is held across a consensus or blob call.
package machine

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cubefs/shardmeta/blob"
	"github.com/cubefs/shardmeta/consensus"
	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/frontier"
	"github.com/cubefs/shardmeta/metrics"
	"github.com/cubefs/shardmeta/proto"
	"github.com/cubefs/shardmeta/shard"
	"github.com/cubefs/shardmeta/spine"
	"github.com/cubefs/shardmeta/util"
)

const (
	defaultMaxCASRetries     = 8
	defaultCompactionFuel    = 1 << 20
	defaultRollupEverySeqNos = 128
	defaultRollupDiffBytes   = 4 << 20
	defaultRollupTailLen     = 16
	defaultGCBlobsPerSec     = 32
	defaultKeepRollups       = 2
	backgroundWorkers        = 2
)

type Config struct {
	ShardID           proto.ShardID `json:"shard_id"`
	Hostname          string        `json:"hostname"`
	ApplierVersion    string        `json:"applier_version"`
	MaxCASRetries     uint64        `json:"max_cas_retries"`
	CompactionFuel    uint64        `json:"compaction_fuel"`
	RollupEverySeqNos proto.SeqNo   `json:"rollup_every_seqnos"`
	RollupDiffBytes   uint64        `json:"rollup_diff_bytes"`
	RollupTailLen     int           `json:"rollup_tail_len"`
	GCBlobsPerSec     int           `json:"gc_blobs_per_sec"`
	KeepRollups       int           `json:"keep_rollups"`

	// RollupPolicy overrides the seqno-distance / diff-bytes default.
	RollupPolicy RollupPolicy `json:"-"`
}

type Machine interface {
	RegisterLeasedReader(ctx context.Context, leaseDuration time.Duration, debug string) (proto.ReaderID, frontier.Frontier, error)
	HeartbeatLeasedReader(ctx context.Context, id proto.ReaderID) error
	DowngradeSince(ctx context.Context, id proto.ReaderID, newSince frontier.Frontier) (frontier.Frontier, error)
	ExpireLeasedReader(ctx context.Context, id proto.ReaderID) error

	RegisterCriticalReader(ctx context.Context, id proto.ReaderID, opaqueCodec string, opaque []byte, debug string) (frontier.Frontier, error)
	CompareAndDowngradeSince(ctx context.Context, id proto.ReaderID, expectedOpaque, newOpaque []byte, newSince frontier.Frontier) (frontier.Frontier, error)
	ReleaseCriticalReader(ctx context.Context, id proto.ReaderID, expectedOpaque []byte) error

	RegisterWriter(ctx context.Context, leaseDuration time.Duration, debug string) (proto.WriterID, frontier.Frontier, error)
	HeartbeatWriter(ctx context.Context, id proto.WriterID) error
	ExpireWriter(ctx context.Context, id proto.WriterID) error
	CommitBatch(ctx context.Context, id proto.WriterID, b *spine.Batch, expectedUpper frontier.Frontier) error

	Compact(ctx context.Context, fuel uint64) (uint64, error)
	ApplyMergeRes(ctx context.Context, res *spine.Batch) (bool, error)
	WriteRollup(ctx context.Context) error

	Snapshot(ctx context.Context) (*shard.State, error)
	Close()
}

type machine struct {
	cfg   Config
	cons  consensus.Consensus
	blobs blob.Store

	cached    *shard.State
	diffBytes uint64
	lock      sync.RWMutex

	singleRun     singleflight.Group
	taskPool      taskpool.TaskPool
	gcRate        *rate.Limiter
	rollupRunning int32

	nowMS func() int64
}

// New opens the shard, initializing it when no state was ever committed.
// Initialization writes the first rollup blob before committing the first
// consensus entry, so recovery from any committed entry can always reach a
// checkpoint.
func New(ctx context.Context, cfg Config, cons consensus.Consensus, blobs blob.Store) (Machine, error) {
	span := trace.SpanFromContextSafe(ctx)
	fixConfig(&cfg)

	m := &machine{
		cfg:      cfg,
		cons:     cons,
		blobs:    blobs,
		taskPool: taskpool.New(backgroundWorkers, backgroundWorkers),
		gcRate:   rate.NewLimiter(rate.Limit(cfg.GCBlobsPerSec), cfg.GCBlobsPerSec),
		nowMS:    func() int64 { return time.Now().UnixMilli() },
	}

	if _, err := m.cons.Head(ctx, cfg.ShardID); err != nil {
		if !errors.Is(err, errors.ErrShardNotFound) {
			return nil, err
		}
		if err := m.initShard(ctx); err != nil {
			return nil, err
		}
		span.Infof("initialized shard %s", cfg.ShardID)
	}
	if _, err := m.latest(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func fixConfig(cfg *Config) {
	if cfg.Hostname == "" {
		if ip, err := util.GetLocalIp(); err == nil {
			cfg.Hostname = ip
		} else {
			cfg.Hostname, _ = os.Hostname()
		}
	}
	if cfg.MaxCASRetries == 0 {
		cfg.MaxCASRetries = defaultMaxCASRetries
	}
	if cfg.CompactionFuel == 0 {
		cfg.CompactionFuel = defaultCompactionFuel
	}
	if cfg.RollupEverySeqNos == 0 {
		cfg.RollupEverySeqNos = defaultRollupEverySeqNos
	}
	if cfg.RollupDiffBytes == 0 {
		cfg.RollupDiffBytes = defaultRollupDiffBytes
	}
	if cfg.RollupTailLen == 0 {
		cfg.RollupTailLen = defaultRollupTailLen
	}
	if cfg.GCBlobsPerSec == 0 {
		cfg.GCBlobsPerSec = defaultGCBlobsPerSec
	}
	if cfg.KeepRollups == 0 {
		cfg.KeepRollups = defaultKeepRollups
	}
	if cfg.RollupPolicy == nil {
		cfg.RollupPolicy = &defaultPolicy{
			everySeqNos: cfg.RollupEverySeqNos,
			diffBytes:   cfg.RollupDiffBytes,
		}
	}
}

func (m *machine) initShard(ctx context.Context) error {
	st := shard.NewState(m.cfg.ShardID, m.cfg.Hostname, m.cfg.ApplierVersion, m.nowMS())
	key := rollupKey(m.cfg.ShardID, st.SeqNo)
	body := (&shard.Rollup{State: st}).Marshal()
	ref := &shard.RollupRef{Key: key, EncodedSize: uint64(len(body))}
	st.AddRollup(st.SeqNo, ref)

	// The blob must land before the consensus entry that references it.
	// Re-encoding after AddRollup shifts the length a little; the first
	// measurement is the declared size everywhere, blob and diff alike.
	body = (&shard.Rollup{State: st}).Marshal()
	if err := m.blobs.Put(ctx, key, body); err != nil {
		return err
	}

	d := &shard.StateDiff{
		SeqNoFrom:      0,
		SeqNoTo:        st.SeqNo,
		WalltimeMS:     st.WalltimeMS,
		Hostname:       st.Hostname,
		ApplierVersion: st.ApplierVersion,
		Since:          st.Since(),
		RollupSeqNo:    st.SeqNo,
		RollupKey:      key,
		RollupPuts:     []shard.RollupEntry{{SeqNo: st.SeqNo, Ref: ref}},
		SpineData:      st.Spine.Marshal(),
	}
	err := m.cons.CompareAndSet(ctx, m.cfg.ShardID, nil, consensus.VersionedData{SeqNo: st.SeqNo, Data: d.Marshal()})
	conflict := &consensus.ConflictError{}
	if errors.As(err, &conflict) {
		// Another process initialized first; its state wins.
		m.blobs.Delete(ctx, key)
		return nil
	}
	return err
}

// latest returns the newest committed state, collapsing concurrent
// refreshes into one consensus round trip.
func (m *machine) latest(ctx context.Context) (*shard.State, error) {
	v, err, _ := m.singleRun.Do("fetch", func() (interface{}, error) {
		return m.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*shard.State), nil
}

func (m *machine) fetch(ctx context.Context) (*shard.State, error) {
	head, err := m.cons.Head(ctx, m.cfg.ShardID)
	if err != nil {
		return nil, err
	}

	m.lock.RLock()
	cached := m.cached
	m.lock.RUnlock()
	if cached != nil && cached.SeqNo >= head.SeqNo {
		return cached, nil
	}

	if cached != nil {
		if st, ok := m.catchUp(ctx, cached, head.SeqNo); ok {
			return st, nil
		}
	}
	return m.recover(ctx, head)
}

// catchUp replays the consensus entries between the cached seqno and head.
// It fails, rather than erroring, when the log was truncated underneath
// the cache; the caller falls back to a rollup.
func (m *machine) catchUp(ctx context.Context, cached *shard.State, headSeqNo proto.SeqNo) (*shard.State, bool) {
	entries, err := m.cons.Scan(ctx, m.cfg.ShardID, cached.SeqNo+1)
	if err != nil {
		return nil, false
	}
	st := cached.Clone()
	for _, e := range entries {
		d := &shard.StateDiff{}
		if err := d.Unmarshal(e.Data); err != nil {
			return nil, false
		}
		if _, err := d.Apply(st); err != nil {
			return nil, false
		}
	}
	if st.SeqNo != headSeqNo {
		return nil, false
	}
	m.storeCached(st)
	return st, true
}

// recover rebuilds state from the head entry's rollup pointer: fetch the
// checkpoint blob, replay its inlined diff tail, then replay every newer
// consensus entry.
func (m *machine) recover(ctx context.Context, head consensus.VersionedData) (*shard.State, error) {
	span := trace.SpanFromContextSafe(ctx)

	headDiff := &shard.StateDiff{}
	if err := headDiff.Unmarshal(head.Data); err != nil {
		return nil, err
	}
	if headDiff.RollupKey == "" {
		return nil, errors.ErrRollupNotFound
	}
	body, err := m.blobs.Get(ctx, headDiff.RollupKey)
	if err != nil {
		return nil, err
	}
	rollup := &shard.Rollup{}
	if err := rollup.Unmarshal(body); err != nil {
		return nil, err
	}
	st := rollup.State
	for _, e := range rollup.DiffTail {
		if e.SeqNo <= st.SeqNo {
			continue
		}
		d := &shard.StateDiff{}
		if err := d.Unmarshal(e.Data); err != nil {
			return nil, err
		}
		if _, err := d.Apply(st); err != nil {
			return nil, err
		}
	}

	entries, err := m.cons.Scan(ctx, m.cfg.ShardID, st.SeqNo+1)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		d := &shard.StateDiff{}
		if err := d.Unmarshal(e.Data); err != nil {
			return nil, err
		}
		if _, err := d.Apply(st); err != nil {
			return nil, err
		}
	}
	span.Infof("recovered shard %s at seqno %d from rollup %s", m.cfg.ShardID, st.SeqNo, headDiff.RollupKey)
	m.storeCached(st)
	return st, nil
}

func (m *machine) storeCached(st *shard.State) {
	m.lock.Lock()
	if m.cached == nil || st.SeqNo > m.cached.SeqNo {
		m.cached = st
	}
	m.lock.Unlock()
}

// apply proposes fn as one transition and commits it, retrying from a
// refreshed base on version conflicts. fn must be a pure function of the
// state it is handed; any error it returns aborts the proposal with the
// committed state unchanged.
func (m *machine) apply(ctx context.Context, op string, fn func(next *shard.State) error) (*shard.State, error) {
	span := trace.SpanFromContextSafe(ctx)

	var out *shard.State
	attempt := func() error {
		cur, err := m.latest(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		next := cur.Clone()
		next.SeqNo++
		now := m.nowMS()
		next.WalltimeMS = now
		next.Hostname = m.cfg.Hostname
		next.ApplierVersion = m.cfg.ApplierVersion

		expiredReaders, expiredWriters := next.ExpireLeases(now)
		if err := fn(next); err != nil {
			return backoff.Permanent(err)
		}
		if err := next.Validate(cur); err != nil {
			return backoff.Permanent(err)
		}

		d := shard.Diff(cur, next)
		data := d.Marshal()
		expected := cur.SeqNo
		err = m.cons.CompareAndSet(ctx, m.cfg.ShardID, &expected, consensus.VersionedData{SeqNo: next.SeqNo, Data: data})
		conflict := &consensus.ConflictError{}
		if errors.As(err, &conflict) {
			// The cache stays: the next fetch replays forward from it.
			metrics.Conflicts.WithLabelValues(m.cfg.ShardID).Inc()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		m.storeCached(next)
		atomic.AddUint64(&m.diffBytes, uint64(len(data)))
		metrics.Commits.WithLabelValues(m.cfg.ShardID, op).Inc()
		if n := len(expiredReaders); n > 0 {
			metrics.ExpiredLeases.WithLabelValues(m.cfg.ShardID, "reader").Add(float64(n))
		}
		if n := len(expiredWriters); n > 0 {
			metrics.ExpiredLeases.WithLabelValues(m.cfg.ShardID, "writer").Add(float64(n))
		}
		out = next
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), m.cfg.MaxCASRetries), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		conflict := &consensus.ConflictError{}
		if errors.As(err, &conflict) {
			span.Warnf("shard %s op %s lost %d compare-and-set races", m.cfg.ShardID, op, m.cfg.MaxCASRetries+1)
			return nil, errors.ErrTooManyConflicts
		}
		return nil, err
	}

	m.maybeRollup(out)
	return out, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 0
	return bo
}

func (m *machine) RegisterLeasedReader(ctx context.Context, leaseDuration time.Duration, debug string) (proto.ReaderID, frontier.Frontier, error) {
	id := uuid.NewString()
	var since frontier.Frontier
	_, err := m.apply(ctx, "register_leased_reader", func(next *shard.State) error {
		r := next.RegisterLeasedReader(id, leaseDuration.Milliseconds(), next.WalltimeMS, debug)
		since = r.Since.Clone()
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return id, since, nil
}

func (m *machine) HeartbeatLeasedReader(ctx context.Context, id proto.ReaderID) error {
	_, err := m.apply(ctx, "heartbeat_leased_reader", func(next *shard.State) error {
		return next.HeartbeatLeasedReader(id, next.WalltimeMS)
	})
	return err
}

func (m *machine) DowngradeSince(ctx context.Context, id proto.ReaderID, newSince frontier.Frontier) (frontier.Frontier, error) {
	var overall frontier.Frontier
	var reaped []spine.PartRef
	st, err := m.apply(ctx, "downgrade_since", func(next *shard.State) error {
		if err := next.DowngradeSince(id, newSince, next.WalltimeMS); err != nil {
			return err
		}
		overall = next.Since().Clone()
		reaped = next.Spine.ReapPartsBelow(overall)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.gcParts(st.ShardID, reaped)
	return overall, nil
}

func (m *machine) ExpireLeasedReader(ctx context.Context, id proto.ReaderID) error {
	_, err := m.apply(ctx, "expire_leased_reader", func(next *shard.State) error {
		next.ExpireLeasedReader(id)
		return nil
	})
	return err
}

func (m *machine) RegisterCriticalReader(ctx context.Context, id proto.ReaderID, opaqueCodec string, opaque []byte, debug string) (frontier.Frontier, error) {
	var since frontier.Frontier
	_, err := m.apply(ctx, "register_critical_reader", func(next *shard.State) error {
		r := next.RegisterCriticalReader(id, opaqueCodec, opaque, debug)
		since = r.Since.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return since, nil
}

func (m *machine) CompareAndDowngradeSince(ctx context.Context, id proto.ReaderID, expectedOpaque, newOpaque []byte, newSince frontier.Frontier) (frontier.Frontier, error) {
	var overall frontier.Frontier
	var reaped []spine.PartRef
	st, err := m.apply(ctx, "compare_and_downgrade_since", func(next *shard.State) error {
		if err := next.CompareAndDowngradeSince(id, expectedOpaque, newOpaque, newSince); err != nil {
			return err
		}
		overall = next.Since().Clone()
		reaped = next.Spine.ReapPartsBelow(overall)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.gcParts(st.ShardID, reaped)
	return overall, nil
}

func (m *machine) ReleaseCriticalReader(ctx context.Context, id proto.ReaderID, expectedOpaque []byte) error {
	_, err := m.apply(ctx, "release_critical_reader", func(next *shard.State) error {
		return next.ReleaseCriticalReader(id, expectedOpaque)
	})
	return err
}

func (m *machine) RegisterWriter(ctx context.Context, leaseDuration time.Duration, debug string) (proto.WriterID, frontier.Frontier, error) {
	id := uuid.NewString()
	var upper frontier.Frontier
	_, err := m.apply(ctx, "register_writer", func(next *shard.State) error {
		next.RegisterWriter(id, leaseDuration.Milliseconds(), next.WalltimeMS, debug)
		upper = next.Upper().Clone()
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return id, upper, nil
}

func (m *machine) HeartbeatWriter(ctx context.Context, id proto.WriterID) error {
	_, err := m.apply(ctx, "heartbeat_writer", func(next *shard.State) error {
		return next.HeartbeatWriter(id, next.WalltimeMS)
	})
	return err
}

func (m *machine) ExpireWriter(ctx context.Context, id proto.WriterID) error {
	_, err := m.apply(ctx, "expire_writer", func(next *shard.State) error {
		next.ExpireWriter(id)
		return nil
	})
	return err
}

// CommitBatch admits b, serialized against expectedUpper. The write token
// is generated once, outside the retry loop, so a commit that raced its
// own CAS retry is applied exactly once.
func (m *machine) CommitBatch(ctx context.Context, id proto.WriterID, b *spine.Batch, expectedUpper frontier.Frontier) error {
	token := uuid.NewString()
	var spent uint64
	_, err := m.apply(ctx, "commit_batch", func(next *shard.State) error {
		if err := next.CommitBatch(id, b, expectedUpper, token, next.WalltimeMS); err != nil {
			return err
		}
		spent = next.ApplyFuel(m.cfg.CompactionFuel)
		return nil
	})
	if err != nil {
		return err
	}
	if spent > 0 {
		metrics.FuelSpent.WithLabelValues(m.cfg.ShardID).Add(float64(spent))
	}
	return nil
}

// Compact spends fuel on whatever merges are in progress.
func (m *machine) Compact(ctx context.Context, fuel uint64) (uint64, error) {
	if fuel == 0 {
		fuel = m.cfg.CompactionFuel
	}
	var spent uint64
	_, err := m.apply(ctx, "compact", func(next *shard.State) error {
		spent = next.ApplyFuel(fuel)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if spent > 0 {
		metrics.FuelSpent.WithLabelValues(m.cfg.ShardID).Add(float64(spent))
	}
	return spent, nil
}

// ApplyMergeRes lands a background compactor's physically merged batch.
// The merge is speculative: it only applies if the spine still holds a
// batch with the same bounds, otherwise it reports false.
func (m *machine) ApplyMergeRes(ctx context.Context, res *spine.Batch) (bool, error) {
	var applied bool
	_, err := m.apply(ctx, "apply_merge_res", func(next *shard.State) error {
		applied = next.Spine.ApplyMergeRes(res)
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (m *machine) Snapshot(ctx context.Context) (*shard.State, error) {
	st, err := m.latest(ctx)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

func (m *machine) Close() {
	m.taskPool.Close()
}
