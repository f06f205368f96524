package shard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/frontier"
	"github.com/cubefs/shardmeta/spine"
)

func testState() *State {
	return NewState("s-test", "host-1", "v1", 1000)
}

func testBatch(lo, hi uint64, size uint64) *spine.Batch {
	b := &spine.Batch{
		Lower: frontier.New(lo),
		Upper: frontier.New(hi),
		Since: frontier.New(lo),
	}
	if size > 0 {
		b.Parts = []spine.PartRef{{Key: "part", EncodedSize: size}}
	}
	return b
}

func TestStateReaderLifecycle(t *testing.T) {
	s := testState()
	r := s.RegisterLeasedReader("r1", 30_000, 1000, "test reader")
	require.Equal(t, frontier.New(0), r.Since)

	require.NoError(t, s.HeartbeatLeasedReader("r1", 2000))
	require.ErrorIs(t, s.HeartbeatLeasedReader("nope", 2000), errors.ErrReaderNotFound)

	require.NoError(t, s.DowngradeSince("r1", frontier.New(8), 3000))
	require.ErrorIs(t, s.DowngradeSince("r1", frontier.New(5), 3000), errors.ErrSinceRegression)

	s.ExpireLeasedReader("r1")
	require.ErrorIs(t, s.HeartbeatLeasedReader("r1", 4000), errors.ErrReaderNotFound)
	// removing again is a no-op
	s.ExpireLeasedReader("r1")
}

func TestStateOverallSince(t *testing.T) {
	s := testState()
	w := s.RegisterWriter("w1", 30_000, 1000, "")
	require.Equal(t, frontier.New(0), w.MostRecentWriteUpper)
	require.NoError(t, s.CommitBatch("w1", testBatch(0, 10, 100), frontier.New(0), "t1", 2000))

	s.RegisterLeasedReader("r1", 30_000, 1000, "")
	s.RegisterLeasedReader("r2", 30_000, 1000, "")

	// the laggard reader pins the overall since
	require.NoError(t, s.DowngradeSince("r1", frontier.New(8), 3000))
	require.Equal(t, frontier.New(0), s.Since())

	require.NoError(t, s.DowngradeSince("r2", frontier.New(3), 3000))
	require.Equal(t, frontier.New(3), s.Since())

	// removing the laggard releases it up to the remaining reader
	s.ExpireLeasedReader("r2")
	require.Equal(t, frontier.New(8), s.Since())

	// with no readers at all the since holds rather than regressing
	s.ExpireLeasedReader("r1")
	require.Equal(t, frontier.New(8), s.Since())

	// a new reader starts at the held since
	r := s.RegisterLeasedReader("r3", 30_000, 4000, "")
	require.Equal(t, frontier.New(8), r.Since)
}

func TestStateDowngradeFreesParts(t *testing.T) {
	s := testState()
	s.RegisterWriter("w1", 30_000, 1000, "")
	require.NoError(t, s.CommitBatch("w1", testBatch(0, 5, 10), frontier.New(0), "t1", 1000))

	s.RegisterLeasedReader("r1", 30_000, 1000, "")
	require.NoError(t, s.DowngradeSince("r1", frontier.New(5), 2000))
	require.Equal(t, frontier.New(5), s.Since())

	require.NoError(t, s.CommitBatch("w1", testBatch(5, 10, 10), frontier.New(5), "t2", 2500))

	require.NoError(t, s.DowngradeSince("r1", frontier.New(8), 3000))
	require.Equal(t, frontier.New(8), s.Since())

	// the two level-0 batches are merging; settle the merge so the
	// descriptors become reapable
	s.ApplyFuel(1 << 30)
	require.NoError(t, s.Spine.Validate())

	// [0,10) is not yet fully below {8}
	require.Empty(t, s.Spine.ReapPartsBelow(s.Since()))

	require.NoError(t, s.DowngradeSince("r1", frontier.New(10), 4000))
	require.Equal(t, frontier.New(10), s.Since())

	// now the whole range is below the since; its parts are given up while
	// the descriptor stays for coverage
	reaped := s.Spine.ReapPartsBelow(s.Since())
	require.Len(t, reaped, 2)
	require.NoError(t, s.Spine.Validate())
	require.Equal(t, uint64(0), s.Spine.EncodedSize())
}

func TestStateCommitBatchUpperMismatch(t *testing.T) {
	s := testState()
	s.RegisterWriter("a", 30_000, 1000, "")
	s.RegisterWriter("b", 30_000, 1000, "")

	require.NoError(t, s.CommitBatch("a", testBatch(0, 10, 10), frontier.New(0), "a1", 2000))
	require.NoError(t, s.CommitBatch("b", testBatch(10, 12, 10), frontier.New(10), "b1", 2000))

	// writer a retries with a stale expectation
	err := s.CommitBatch("a", testBatch(10, 20, 10), frontier.New(10), "a2", 3000)
	var mismatch *UpperMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, frontier.New(10), mismatch.Expected)
	require.Equal(t, frontier.New(12), mismatch.Current)

	// and succeeds against the current upper
	require.NoError(t, s.CommitBatch("a", testBatch(12, 20, 10), frontier.New(12), "a2", 3000))
	require.Equal(t, frontier.New(20), s.Upper())
}

func TestStateCommitBatchIdempotentToken(t *testing.T) {
	s := testState()
	s.RegisterWriter("w1", 30_000, 1000, "")
	require.NoError(t, s.CommitBatch("w1", testBatch(0, 10, 10), frontier.New(0), "t1", 2000))

	// the same token replayed after a CAS retry does not double-insert
	require.NoError(t, s.CommitBatch("w1", testBatch(0, 10, 10), frontier.New(0), "t1", 2500))
	require.Equal(t, frontier.New(10), s.Upper())
	require.Equal(t, 1, s.Spine.NumBatches())

	require.ErrorIs(t,
		s.CommitBatch("gone", testBatch(10, 20, 10), frontier.New(10), "t2", 3000),
		errors.ErrWriterNotFound)
}

func TestStateLazyLeaseExpiry(t *testing.T) {
	s := testState()
	s.RegisterLeasedReader("r1", 10_000, 1000, "")
	s.RegisterLeasedReader("r2", 60_000, 1000, "")
	s.RegisterCriticalReader("c1", "codec", []byte("o"), "")
	s.RegisterWriter("w1", 10_000, 1000, "")

	readers, writers := s.ExpireLeases(20_000)
	require.Equal(t, []string{"r1"}, readers)
	require.Equal(t, []string{"w1"}, writers)

	_, ok := s.LeasedReaders.Get("r2")
	require.True(t, ok)
	// critical readers have no lease to lose
	_, ok = s.CriticalReaders.Get("c1")
	require.True(t, ok)

	// within the same transition a heartbeat can still tell a lapsed lease
	// from a handle that never existed
	require.ErrorIs(t, s.HeartbeatLeasedReader("r1", 20_000), errors.ErrLeaseExpired)
	require.ErrorIs(t, s.HeartbeatWriter("w1", 20_000), errors.ErrLeaseExpired)
	require.ErrorIs(t, s.HeartbeatLeasedReader("nope", 20_000), errors.ErrReaderNotFound)

	// the marker does not outlive the transition
	s2 := s.Clone()
	require.ErrorIs(t, s2.HeartbeatLeasedReader("r1", 21_000), errors.ErrReaderNotFound)
	require.ErrorIs(t, s2.HeartbeatWriter("w1", 21_000), errors.ErrWriterNotFound)
}

func TestStateCriticalReader(t *testing.T) {
	s := testState()
	s.RegisterCriticalReader("c1", "codec-v1", []byte("gen-1"), "")

	// re-registration returns the durable record untouched
	r := s.RegisterCriticalReader("c1", "codec-v2", []byte("gen-9"), "")
	require.Equal(t, []byte("gen-1"), r.Opaque)
	require.Equal(t, "codec-v1", r.OpaqueCodec)

	err := s.CompareAndDowngradeSince("c1", []byte("stale"), []byte("gen-2"), frontier.New(5))
	var mismatch *OpaqueMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, []byte("gen-1"), mismatch.Actual)

	require.NoError(t, s.CompareAndDowngradeSince("c1", []byte("gen-1"), []byte("gen-2"), frontier.New(5)))
	got, _ := s.CriticalReaders.Get("c1")
	require.Equal(t, frontier.New(5), got.Since)
	require.Equal(t, []byte("gen-2"), got.Opaque)

	require.ErrorAs(t, s.ReleaseCriticalReader("c1", []byte("gen-1")), &mismatch)
	require.NoError(t, s.ReleaseCriticalReader("c1", []byte("gen-2")))
	require.NoError(t, s.ReleaseCriticalReader("c1", nil))
}

func TestStateValidate(t *testing.T) {
	prev := testState()
	prev.RegisterWriter("w1", 30_000, 1000, "")

	next := prev.Clone()
	next.SeqNo++
	next.WalltimeMS = 2000
	require.NoError(t, next.CommitBatch("w1", testBatch(0, 10, 10), frontier.New(0), "t1", 2000))
	require.NoError(t, next.Validate(prev))

	// skipping a seqno is an invariant violation
	skipped := next.Clone()
	skipped.SeqNo++
	var inv *InvariantError
	require.ErrorAs(t, skipped.Validate(prev), &inv)

	// a rollup past the state seqno is unreachable
	bad := next.Clone()
	bad.AddRollup(999, &RollupRef{Key: "k"})
	require.ErrorAs(t, bad.Validate(prev), &inv)
}

func TestStateCloneIsolation(t *testing.T) {
	s := testState()
	s.RegisterWriter("w1", 30_000, 1000, "")

	cp := s.Clone()
	require.NoError(t, cp.CommitBatch("w1", testBatch(0, 10, 10), frontier.New(0), "t1", 2000))
	cp.RegisterLeasedReader("r1", 10_000, 2000, "")

	require.Equal(t, frontier.New(0), s.Upper())
	require.Equal(t, 0, s.LeasedReaders.Len())
	require.Equal(t, frontier.New(10), cp.Upper())
}

func TestStateWireRoundTrip(t *testing.T) {
	s := testState()
	s.RegisterWriter("w1", 30_000, 1000, "writer one")
	s.RegisterLeasedReader("r1", 10_000, 1000, "reader one")
	s.RegisterCriticalReader("c1", "codec", []byte("opaque"), "")
	require.NoError(t, s.CommitBatch("w1", testBatch(0, 10, 10), frontier.New(0), "t1", 2000))
	require.NoError(t, s.CommitBatch("w1", testBatch(10, 20, 10), frontier.New(10), "t2", 2000))
	require.NoError(t, s.DowngradeSince("r1", frontier.New(4), 2500))
	require.NoError(t, s.CompareAndDowngradeSince("c1", []byte("opaque"), []byte("opaque-2"), frontier.New(6)))
	s.AddRollup(1, &RollupRef{Key: "rollup-1", EncodedSize: 123})
	s.SeqNo = 7
	s.LastGCReq = 3

	got := &State{}
	require.NoError(t, got.Unmarshal(s.Marshal()))

	require.Equal(t, s.ShardID, got.ShardID)
	require.Equal(t, s.SeqNo, got.SeqNo)
	require.Equal(t, s.WalltimeMS, got.WalltimeMS)
	require.Equal(t, s.Hostname, got.Hostname)
	require.Equal(t, s.LastGCReq, got.LastGCReq)
	require.Equal(t, s.Upper(), got.Upper())
	require.Equal(t, s.Since(), got.Since())
	require.Equal(t, s.Spine.NumBatches(), got.Spine.NumBatches())

	w, ok := got.Writers.Get("w1")
	require.True(t, ok)
	require.Equal(t, "t2", w.MostRecentWriteToken)
	require.Equal(t, "writer one", w.Debug)

	r, ok := got.LeasedReaders.Get("r1")
	require.True(t, ok)
	require.Equal(t, int64(10_000), r.LeaseDurationMS)

	c, ok := got.CriticalReaders.Get("c1")
	require.True(t, ok)
	require.Equal(t, []byte("opaque"), c.Opaque)

	ref, ok := got.Rollups.Get(1)
	require.True(t, ok)
	require.Equal(t, "rollup-1", ref.Key)
	require.NoError(t, got.Validate(nil))
}
