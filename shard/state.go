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

// Package shard holds the versioned metadata state of one shard and the
// pure transitions over it. Transitions never mutate a committed snapshot:
// the driver clones the current state, applies one transition to the clone
// and offers the result to the consensus store. Registries are immutable
// sorted maps, so a clone is cheap and a record update always swaps in a
// fresh record value.
package shard

import (
	"bytes"
	"fmt"

	"github.com/benbjohnson/immutable"

	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/frontier"
	"github.com/cubefs/shardmeta/proto"
	"github.com/cubefs/shardmeta/spine"
)

type (
	// LeasedReader is an ephemeral reader. It disappears when heartbeats
	// stop for longer than its lease.
	LeasedReader struct {
		Since           frontier.Frontier
		SeqNo           proto.SeqNo
		LastHeartbeatMS int64
		LeaseDurationMS int64
		Debug           string

		unknown []byte
	}

	// CriticalReader is a durable reader handle. It never expires; release
	// and downgrade are gated by caller-managed opaque state.
	CriticalReader struct {
		Since       frontier.Frontier
		Opaque      []byte
		OpaqueCodec string
		Debug       string

		unknown []byte
	}

	// Writer records the most recent committed write of one writer, used
	// to serialize that writer's own commits and make retries idempotent.
	Writer struct {
		LastHeartbeatMS      int64
		LeaseDurationMS      int64
		MostRecentWriteToken string
		MostRecentWriteUpper frontier.Frontier
		Debug                string

		unknown []byte
	}

	// RollupRef points at a full-state checkpoint in the blob store.
	RollupRef struct {
		Key         string
		EncodedSize uint64

		unknown []byte
	}
)

// State is the authoritative metadata of one shard at one seqno.
type State struct {
	ShardID        proto.ShardID
	SeqNo          proto.SeqNo
	WalltimeMS     int64
	Hostname       string
	ApplierVersion string
	LastGCReq      proto.SeqNo

	Spine           *spine.Spine
	LeasedReaders   *immutable.SortedMap[string, *LeasedReader]
	CriticalReaders *immutable.SortedMap[string, *CriticalReader]
	Writers         *immutable.SortedMap[string, *Writer]
	Rollups         *immutable.SortedMap[uint64, *RollupRef]

	// since is the shard's overall since. It starts at the spine's initial
	// lower bound and advances with reader downgrades, never regressing.
	since frontier.Frontier

	// leases removed by ExpireLeases within the current transition, so a
	// heartbeat in the same transition can tell a lapsed lease from a
	// handle that was never there. Not carried across Clone.
	justExpiredReaders []proto.ReaderID
	justExpiredWriters []proto.WriterID

	unknown []byte
}

// NewState initializes a shard at InitialSeqNo with history starting at
// time zero.
func NewState(shardID proto.ShardID, hostname, applierVersion string, nowMS int64) *State {
	return &State{
		ShardID:         shardID,
		SeqNo:           proto.InitialSeqNo,
		WalltimeMS:      nowMS,
		Hostname:        hostname,
		ApplierVersion:  applierVersion,
		Spine:           spine.New(frontier.New(0)),
		since:           frontier.New(0),
		LeasedReaders:   immutable.NewSortedMap[string, *LeasedReader](nil),
		CriticalReaders: immutable.NewSortedMap[string, *CriticalReader](nil),
		Writers:         immutable.NewSortedMap[string, *Writer](nil),
		Rollups:         immutable.NewSortedMap[uint64, *RollupRef](nil),
	}
}

// Clone returns a snapshot the caller may transition freely. Registry maps
// are persistent structures and shared; the spine carries mutable merge
// counters and is deep-copied.
func (s *State) Clone() *State {
	out := *s
	out.Spine = s.Spine.Clone()
	out.justExpiredReaders = nil
	out.justExpiredWriters = nil
	out.unknown = append([]byte(nil), s.unknown...)
	return &out
}

// Upper is the frontier up to which the shard's history is complete.
func (s *State) Upper() frontier.Frontier {
	return s.Spine.Upper()
}

// Since is the shard's overall since: the lower bound on the times any
// current or future reader may still ask for. It is reader-driven, moving
// to the meet across reader records as they downgrade or leave; with no
// readers it holds rather than regressing.
func (s *State) Since() frontier.Frontier {
	return s.since
}

// recomputeSince advances the overall since to the meet across the
// remaining readers. Every reader registers at the overall since and only
// moves forward, so the meet can never fall behind it.
func (s *State) recomputeSince() {
	var readers frontier.Frontier
	found := false
	for itr := s.LeasedReaders.Iterator(); !itr.Done(); {
		_, r, _ := itr.Next()
		readers = frontier.Meet(readers, r.Since)
		found = true
	}
	for itr := s.CriticalReaders.Iterator(); !itr.Done(); {
		_, r, _ := itr.Next()
		readers = frontier.Meet(readers, r.Since)
		found = true
	}
	if found {
		s.since = frontier.Join(s.since, readers)
	}
}

// UpperMismatchError reports a commit whose expected upper has fallen
// behind; the caller retries with Current.
type UpperMismatchError struct {
	Expected frontier.Frontier
	Current  frontier.Frontier
}

func (e *UpperMismatchError) Error() string {
	return fmt.Sprintf("expected upper %s, current upper is %s", e.Expected, e.Current)
}

// OpaqueMismatchError reports a critical downgrade raced by another holder
// of the same durable handle; Actual is the opaque state now stored.
type OpaqueMismatchError struct {
	Actual []byte
}

func (e *OpaqueMismatchError) Error() string {
	return fmt.Sprintf("opaque state mismatch, stored %d bytes differ", len(e.Actual))
}

// InvariantError marks a transition that produced an inconsistent state.
// It indicates a bug in the proposal; the transition is rejected and the
// committed state stays untouched.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "state invariant violated: " + e.Detail
}

func (s *State) RegisterLeasedReader(id proto.ReaderID, leaseDurationMS, nowMS int64, debug string) *LeasedReader {
	r := &LeasedReader{
		Since:           s.since.Clone(),
		SeqNo:           s.SeqNo,
		LastHeartbeatMS: nowMS,
		LeaseDurationMS: leaseDurationMS,
		Debug:           debug,
	}
	s.LeasedReaders = s.LeasedReaders.Set(id, r)
	return r
}

func (s *State) HeartbeatLeasedReader(id proto.ReaderID, nowMS int64) error {
	r, ok := s.LeasedReaders.Get(id)
	if !ok {
		if containsID(s.justExpiredReaders, id) {
			return errors.ErrLeaseExpired
		}
		return errors.ErrReaderNotFound
	}
	upd := *r
	upd.LastHeartbeatMS = nowMS
	s.LeasedReaders = s.LeasedReaders.Set(id, &upd)
	return nil
}

// DowngradeSince moves a leased reader's since forward. The shard's
// overall since follows as the meet over all readers, which may newly
// expose batches below it to garbage collection.
func (s *State) DowngradeSince(id proto.ReaderID, newSince frontier.Frontier, nowMS int64) error {
	r, ok := s.LeasedReaders.Get(id)
	if !ok {
		return errors.ErrReaderNotFound
	}
	if !frontier.LessEqual(r.Since, newSince) {
		return errors.ErrSinceRegression
	}
	upd := *r
	upd.Since = newSince.Clone()
	upd.LastHeartbeatMS = nowMS
	s.LeasedReaders = s.LeasedReaders.Set(id, &upd)
	s.recomputeSince()
	return nil
}

func (s *State) RegisterCriticalReader(id proto.ReaderID, opaqueCodec string, opaque []byte, debug string) *CriticalReader {
	if r, ok := s.CriticalReaders.Get(id); ok {
		// durable handles survive restarts; re-registration returns the
		// stored record untouched
		return r
	}
	r := &CriticalReader{
		Since:       s.since.Clone(),
		Opaque:      append([]byte(nil), opaque...),
		OpaqueCodec: opaqueCodec,
		Debug:       debug,
	}
	s.CriticalReaders = s.CriticalReaders.Set(id, r)
	return r
}

// CompareAndDowngradeSince downgrades a critical reader, guarded by its
// opaque state so two holders of the same handle cannot clobber each other.
func (s *State) CompareAndDowngradeSince(id proto.ReaderID, expectedOpaque, newOpaque []byte, newSince frontier.Frontier) error {
	r, ok := s.CriticalReaders.Get(id)
	if !ok {
		return errors.ErrReaderNotFound
	}
	if !bytes.Equal(r.Opaque, expectedOpaque) {
		return &OpaqueMismatchError{Actual: append([]byte(nil), r.Opaque...)}
	}
	if !frontier.LessEqual(r.Since, newSince) {
		return errors.ErrSinceRegression
	}
	upd := *r
	upd.Since = newSince.Clone()
	upd.Opaque = append([]byte(nil), newOpaque...)
	s.CriticalReaders = s.CriticalReaders.Set(id, &upd)
	s.recomputeSince()
	return nil
}

// ExpireLeasedReader removes a reader. Removing an already absent reader
// is a no-op so the transition stays re-appliable across CAS retries.
func (s *State) ExpireLeasedReader(id proto.ReaderID) {
	s.LeasedReaders = s.LeasedReaders.Delete(id)
	s.recomputeSince()
}

// ReleaseCriticalReader removes a durable handle, gated on its opaque
// state like a downgrade.
func (s *State) ReleaseCriticalReader(id proto.ReaderID, expectedOpaque []byte) error {
	r, ok := s.CriticalReaders.Get(id)
	if !ok {
		return nil
	}
	if !bytes.Equal(r.Opaque, expectedOpaque) {
		return &OpaqueMismatchError{Actual: append([]byte(nil), r.Opaque...)}
	}
	s.CriticalReaders = s.CriticalReaders.Delete(id)
	s.recomputeSince()
	return nil
}

func (s *State) RegisterWriter(id proto.WriterID, leaseDurationMS, nowMS int64, debug string) *Writer {
	w := &Writer{
		LastHeartbeatMS:      nowMS,
		LeaseDurationMS:      leaseDurationMS,
		MostRecentWriteUpper: s.Upper(),
		Debug:                debug,
	}
	s.Writers = s.Writers.Set(id, w)
	return w
}

func (s *State) HeartbeatWriter(id proto.WriterID, nowMS int64) error {
	w, ok := s.Writers.Get(id)
	if !ok {
		if containsID(s.justExpiredWriters, id) {
			return errors.ErrLeaseExpired
		}
		return errors.ErrWriterNotFound
	}
	upd := *w
	upd.LastHeartbeatMS = nowMS
	s.Writers = s.Writers.Set(id, &upd)
	return nil
}

func (s *State) ExpireWriter(id proto.WriterID) {
	s.Writers = s.Writers.Delete(id)
}

// CommitBatch admits a writer's batch. The writer's expected upper must
// match the shard's current upper exactly; a stale expectation surfaces the
// current upper for retry. Re-applying the same write token is a no-op, so
// a commit raced by its own CAS retry is applied once.
func (s *State) CommitBatch(id proto.WriterID, b *spine.Batch, expectedUpper frontier.Frontier, token string, nowMS int64) error {
	w, ok := s.Writers.Get(id)
	if !ok {
		return errors.ErrWriterNotFound
	}
	if token != "" && w.MostRecentWriteToken == token {
		return nil
	}
	if !expectedUpper.Equal(s.Upper()) {
		return &UpperMismatchError{Expected: expectedUpper.Clone(), Current: s.Upper().Clone()}
	}
	if err := s.Spine.Insert(b, s.Since()); err != nil {
		return err
	}
	upd := *w
	upd.LastHeartbeatMS = nowMS
	upd.MostRecentWriteToken = token
	upd.MostRecentWriteUpper = b.Upper.Clone()
	s.Writers = s.Writers.Set(id, &upd)
	return nil
}

// ApplyFuel spends merge fuel inside a transition.
func (s *State) ApplyFuel(fuel uint64) uint64 {
	return s.Spine.ApplyFuel(fuel)
}

// ExpireLeases removes every leased reader and writer whose lease lapsed
// before now. Expiry is evaluated here, lazily, with the transition's own
// timestamp: the core runs no timers, which keeps transitions replayable.
// The removed ids are remembered on s, so a heartbeat later in the same
// transition surfaces ErrLeaseExpired instead of a bare not-found.
func (s *State) ExpireLeases(nowMS int64) (readers []proto.ReaderID, writers []proto.WriterID) {
	for itr := s.LeasedReaders.Iterator(); !itr.Done(); {
		id, r, _ := itr.Next()
		if nowMS > r.LastHeartbeatMS+r.LeaseDurationMS {
			readers = append(readers, id)
		}
	}
	for _, id := range readers {
		s.LeasedReaders = s.LeasedReaders.Delete(id)
	}
	for itr := s.Writers.Iterator(); !itr.Done(); {
		id, w, _ := itr.Next()
		if nowMS > w.LastHeartbeatMS+w.LeaseDurationMS {
			writers = append(writers, id)
		}
	}
	for _, id := range writers {
		s.Writers = s.Writers.Delete(id)
	}
	s.justExpiredReaders = readers
	s.justExpiredWriters = writers
	if len(readers) > 0 {
		s.recomputeSince()
	}
	return readers, writers
}

func containsID(ids []string, id string) bool {
	for _, e := range ids {
		if e == id {
			return true
		}
	}
	return false
}

// AddRollup records a checkpoint written at seqno. Re-adding an existing
// seqno is a no-op.
func (s *State) AddRollup(seqno proto.SeqNo, ref *RollupRef) bool {
	if _, ok := s.Rollups.Get(seqno); ok {
		return false
	}
	s.Rollups = s.Rollups.Set(seqno, ref)
	return true
}

// RemoveRollups drops rollup references, returning the removed refs for
// blob deletion.
func (s *State) RemoveRollups(seqnos []proto.SeqNo) []*RollupRef {
	var removed []*RollupRef
	for _, seqno := range seqnos {
		if ref, ok := s.Rollups.Get(seqno); ok {
			removed = append(removed, ref)
			s.Rollups = s.Rollups.Delete(seqno)
		}
	}
	return removed
}

// LatestRollup returns the highest-seqno checkpoint reference.
func (s *State) LatestRollup() (proto.SeqNo, *RollupRef, bool) {
	itr := s.Rollups.Iterator()
	itr.Last()
	seqno, ref, ok := itr.Prev()
	if !ok {
		return 0, nil, false
	}
	return seqno, ref, true
}

// Validate checks the cross-transition invariants of next against the
// committed state it was derived from.
func (s *State) Validate(prev *State) error {
	if prev != nil {
		if s.SeqNo != prev.SeqNo+1 {
			return &InvariantError{Detail: fmt.Sprintf("seqno %d does not follow %d", s.SeqNo, prev.SeqNo)}
		}
		if !frontier.LessEqual(prev.Since(), s.Since()) {
			return &InvariantError{Detail: fmt.Sprintf("since regressed from %s to %s", prev.Since(), s.Since())}
		}
		if !frontier.LessEqual(prev.Upper(), s.Upper()) {
			return &InvariantError{Detail: fmt.Sprintf("upper regressed from %s to %s", prev.Upper(), s.Upper())}
		}
	}
	if err := s.Spine.Validate(); err != nil {
		return &InvariantError{Detail: err.Error()}
	}
	for itr := s.LeasedReaders.Iterator(); !itr.Done(); {
		id, r, _ := itr.Next()
		if !frontier.LessEqual(s.since, r.Since) {
			return &InvariantError{Detail: fmt.Sprintf("reader %s since %s behind shard since %s", id, r.Since, s.since)}
		}
	}
	for itr := s.CriticalReaders.Iterator(); !itr.Done(); {
		id, r, _ := itr.Next()
		if !frontier.LessEqual(s.since, r.Since) {
			return &InvariantError{Detail: fmt.Sprintf("reader %s since %s behind shard since %s", id, r.Since, s.since)}
		}
	}
	for itr := s.Rollups.Iterator(); !itr.Done(); {
		seqno, ref, _ := itr.Next()
		if ref.Key == "" {
			return &InvariantError{Detail: fmt.Sprintf("rollup at seqno %d has no blob key", seqno)}
		}
		if seqno > s.SeqNo {
			return &InvariantError{Detail: fmt.Sprintf("rollup seqno %d beyond state seqno %d", seqno, s.SeqNo)}
		}
	}
	return nil
}
