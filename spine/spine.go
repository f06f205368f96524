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

// Package spine maintains the leveled batch structure of one shard.
// Compaction is incremental: a level that grows past its capacity begins a
// merge tracked by a remaining-work counter, and callers feed the counter
// fuel over many transitions instead of paying the whole merge at once.
package spine

import (
	"fmt"

	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/frontier"
	"github.com/cubefs/shardmeta/proto"
)

// levelCapacity is the number of settled batches a level may hold before a
// merge into the next level begins.
const levelCapacity = 2

// Entry is one spine position. Exactly three kinds exist: IDBatch,
// SpineBatch and FuelingMerge. Every walk over entries type-switches over
// all three and panics on anything else.
type Entry interface {
	ID() proto.BatchID
	// Desc is the covering batch descriptor for the entry's time range.
	Desc() *Batch
	entry()
}

// IDBatch is a leaf batch committed by a writer.
type IDBatch struct {
	Id    proto.BatchID
	Batch *Batch
}

func (b *IDBatch) ID() proto.BatchID { return b.Id }
func (b *IDBatch) Desc() *Batch      { return b.Batch }
func (b *IDBatch) entry()            {}

// SpineBatch is the logical result of a completed merge: a covering
// descriptor plus the ids of the constituent batches it replaced.
type SpineBatch struct {
	Id      proto.BatchID
	Level   int
	Batch   *Batch
	PartIDs []proto.BatchID
}

func (b *SpineBatch) ID() proto.BatchID { return b.Id }
func (b *SpineBatch) Desc() *Batch      { return b.Batch }
func (b *SpineBatch) entry()            {}

// FuelingMerge is an in-progress merge of adjacent entries from one level.
// It owns its inputs until the remaining work hits zero, at which point the
// merged output replaces it one level up. Merges are resumable: an
// abandoned merge stays in the state for any later caller to fuel.
type FuelingMerge struct {
	Id            proto.BatchID
	Level         int
	Inputs        []Entry
	Since         frontier.Frontier
	RemainingWork uint64
}

func (m *FuelingMerge) ID() proto.BatchID { return m.Id }

func (m *FuelingMerge) Desc() *Batch {
	return &Batch{
		Lower: m.Inputs[0].Desc().Lower,
		Upper: m.Inputs[len(m.Inputs)-1].Desc().Upper,
		Since: m.Since,
	}
}
func (m *FuelingMerge) entry() {}

// Spine holds the leveled entries. Level 0 receives freshly committed
// batches; each merge moves data one level up, so higher levels hold older
// and larger batches. Walking levels from highest to lowest, entries within
// a level oldest first, visits the shard's history in time order.
type Spine struct {
	lower  frontier.Frontier
	upper  frontier.Frontier
	nextID proto.BatchID
	levels [][]Entry

	unknown []byte
}

// New creates an empty spine whose history starts at initial.
func New(initial frontier.Frontier) *Spine {
	return &Spine{
		lower:  initial.Clone(),
		upper:  initial.Clone(),
		levels: [][]Entry{nil},
	}
}

func (s *Spine) Lower() frontier.Frontier { return s.lower }
func (s *Spine) Upper() frontier.Frontier { return s.upper }

// Since is the meet of all batch since frontiers: the spine's natural lower
// bound on the shard's overall since. An empty spine has compacted nothing,
// so its since is its lower bound rather than the end of time.
func (s *Spine) Since() frontier.Frontier {
	since := frontier.Frontier(nil)
	found := false
	s.WalkDescs(func(b *Batch) bool {
		since = frontier.Meet(since, b.Since)
		found = true
		return true
	})
	if !found {
		return s.lower.Clone()
	}
	return since
}

// Walk visits entries in time order, in-progress merges as single entries.
func (s *Spine) Walk(fn func(e Entry) bool) {
	for lvl := len(s.levels) - 1; lvl >= 0; lvl-- {
		for _, e := range s.levels[lvl] {
			if !fn(e) {
				return
			}
		}
	}
}

// WalkDescs visits readable batch descriptors in time order, descending
// into the inputs of in-progress merges.
func (s *Spine) WalkDescs(fn func(b *Batch) bool) {
	ok := true
	s.Walk(func(e Entry) bool {
		switch e := e.(type) {
		case *IDBatch:
			ok = fn(e.Batch)
		case *SpineBatch:
			ok = fn(e.Batch)
		case *FuelingMerge:
			for _, in := range e.Inputs {
				if ok = fn(in.Desc()); !ok {
					break
				}
			}
		default:
			panic(fmt.Sprintf("unknown spine entry %T", e))
		}
		return ok
	})
}

func (s *Spine) NumBatches() int {
	n := 0
	s.WalkDescs(func(*Batch) bool { n++; return true })
	return n
}

func (s *Spine) EncodedSize() uint64 {
	var total uint64
	s.WalkDescs(func(b *Batch) bool { total += b.EncodedSize(); return true })
	return total
}

func (s *Spine) allocID() proto.BatchID {
	id := s.nextID
	s.nextID++
	return id
}

// Insert appends a committed batch at level 0. The batch must abut the
// current global upper; anything else would leave a gap or an overlap in
// the shard's history. Overflowing levels begin merges but never perform
// them here.
func (s *Spine) Insert(b *Batch, sinceHint frontier.Frontier) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if !b.Lower.Equal(s.upper) {
		return errors.ErrBatchNotContiguous
	}
	s.levels[0] = append(s.levels[0], &IDBatch{Id: s.allocID(), Batch: b})
	s.upper = b.Upper.Clone()
	s.beginMerges(sinceHint)
	return nil
}

// beginMerges starts a merge at every level past capacity. A level hosts at
// most one active merge; once begun it sits at the front of the level and
// newer batches queue up behind it.
func (s *Spine) beginMerges(sinceHint frontier.Frontier) {
	for lvl := 0; lvl < len(s.levels); lvl++ {
		s.maybeBeginMergeAt(lvl, sinceHint)
	}
}

func (s *Spine) maybeBeginMergeAt(lvl int, sinceHint frontier.Frontier) {
	entries := s.levels[lvl]
	if len(entries) < levelCapacity {
		return
	}
	if _, ok := entries[0].(*FuelingMerge); ok {
		return
	}

	since := entries[0].Desc().Since
	var work uint64
	for _, e := range entries {
		since = frontier.Join(since, e.Desc().Since)
		work += e.Desc().EncodedSize()
	}
	// Logical compaction: the output may advance past its inputs up to the
	// caller's since hint. An empty hint means no advance.
	if !sinceHint.IsEmpty() {
		since = frontier.Join(since, sinceHint)
	}

	m := &FuelingMerge{
		Id:            s.allocID(),
		Level:         lvl,
		Inputs:        entries,
		Since:         since,
		RemainingWork: work,
	}
	s.levels[lvl] = []Entry{m}
	if m.RemainingWork == 0 {
		// Merging empty batches costs nothing.
		s.completeMerge(lvl, 0)
	}
}

// ApplyFuel spends up to fuel units of merge work and returns the amount
// actually consumed. Levels are visited upward so a cascade begun by a
// completing merge can keep consuming the same call's fuel. A merge begun
// with remaining work W completes within ceil(W/fuel) calls regardless of
// interleaving.
func (s *Spine) ApplyFuel(fuel uint64) (spent uint64) {
	for lvl := 0; lvl < len(s.levels) && fuel > 0; lvl++ {
		if len(s.levels[lvl]) == 0 {
			continue
		}
		m, ok := s.levels[lvl][0].(*FuelingMerge)
		if !ok {
			continue
		}
		w := m.RemainingWork
		if w > fuel {
			w = fuel
		}
		m.RemainingWork -= w
		fuel -= w
		spent += w
		if m.RemainingWork == 0 {
			s.completeMerge(lvl, 0)
		}
	}
	return spent
}

// completeMerge replaces the fueling merge at levels[lvl][idx] with its
// merged output one level up, cascading if the next level overflows.
func (s *Spine) completeMerge(lvl, idx int) {
	m := s.levels[lvl][idx].(*FuelingMerge)

	out := &Batch{
		Lower: m.Inputs[0].Desc().Lower.Clone(),
		Upper: m.Inputs[len(m.Inputs)-1].Desc().Upper.Clone(),
		Since: m.Since.Clone(),
	}
	partIDs := make([]proto.BatchID, 0, len(m.Inputs))
	for _, in := range m.Inputs {
		d := in.Desc()
		if len(out.Parts) > 0 && len(d.Parts) > 0 {
			out.RunSplits = append(out.RunSplits, len(out.Parts))
		}
		for _, split := range d.RunSplits {
			out.RunSplits = append(out.RunSplits, len(out.Parts)+split)
		}
		for i := range d.Parts {
			out.Parts = append(out.Parts, d.Parts[i].Clone())
		}
		partIDs = append(partIDs, in.ID())
	}

	s.levels[lvl] = append(s.levels[lvl][:idx], s.levels[lvl][idx+1:]...)
	for len(s.levels) <= lvl+1 {
		s.levels = append(s.levels, nil)
	}
	s.levels[lvl+1] = append(s.levels[lvl+1], &SpineBatch{
		Id:      m.Id,
		Level:   lvl + 1,
		Batch:   out,
		PartIDs: partIDs,
	})
	s.maybeBeginMergeAt(lvl+1, m.Since)
}

// InProgressMerges reports the number of merges currently fueling.
func (s *Spine) InProgressMerges() int {
	n := 0
	s.Walk(func(e Entry) bool {
		if _, ok := e.(*FuelingMerge); ok {
			n++
		}
		return true
	})
	return n
}

// ApplyMergeRes swaps a physically compacted batch in for the logical entry
// covering exactly the same time range. A result whose range no longer
// matches any settled entry lost a race with another transition and is
// rejected so the compactor can retry against the latest state.
func (s *Spine) ApplyMergeRes(res *Batch) bool {
	for lvl := range s.levels {
		for i, e := range s.levels[lvl] {
			switch e := e.(type) {
			case *IDBatch:
				if s.mergeResMatches(e.Batch, res) {
					s.levels[lvl][i] = &IDBatch{Id: e.Id, Batch: res.Clone()}
					return true
				}
			case *SpineBatch:
				if s.mergeResMatches(e.Batch, res) {
					s.levels[lvl][i] = &SpineBatch{Id: e.Id, Level: e.Level, Batch: res.Clone(), PartIDs: e.PartIDs}
					return true
				}
			case *FuelingMerge:
				// inputs of an active merge are not replaceable
			default:
				panic(fmt.Sprintf("unknown spine entry %T", e))
			}
		}
	}
	return false
}

func (s *Spine) mergeResMatches(cur, res *Batch) bool {
	return cur.Lower.Equal(res.Lower) && cur.Upper.Equal(res.Upper) &&
		frontier.LessEqual(cur.Since, res.Since)
}

// ReapPartsBelow drops the physical part references of every settled batch
// whose data lies entirely below f, returning them for blob deletion. The
// descriptors stay behind so spine coverage is unbroken.
func (s *Spine) ReapPartsBelow(f frontier.Frontier) []PartRef {
	var reaped []PartRef
	for lvl := range s.levels {
		for i, e := range s.levels[lvl] {
			switch e := e.(type) {
			case *IDBatch:
				if b, ok := s.reapBatch(e.Batch, f, &reaped); ok {
					s.levels[lvl][i] = &IDBatch{Id: e.Id, Batch: b}
				}
			case *SpineBatch:
				if b, ok := s.reapBatch(e.Batch, f, &reaped); ok {
					s.levels[lvl][i] = &SpineBatch{Id: e.Id, Level: e.Level, Batch: b, PartIDs: e.PartIDs}
				}
			case *FuelingMerge:
				// merge inputs stay until the merge settles
			default:
				panic(fmt.Sprintf("unknown spine entry %T", e))
			}
		}
	}
	return reaped
}

func (s *Spine) reapBatch(b *Batch, f frontier.Frontier, reaped *[]PartRef) (*Batch, bool) {
	if len(b.Parts) == 0 || !frontier.LessEqual(b.Upper, f) {
		return nil, false
	}
	*reaped = append(*reaped, b.Parts...)
	out := b.Clone()
	out.Parts = nil
	out.RunSplits = nil
	return out, true
}

// Validate checks that readable batches cover [lower, upper) contiguously
// with no gaps or overlaps.
func (s *Spine) Validate() error {
	expected := s.lower
	var err error
	s.WalkDescs(func(b *Batch) bool {
		if e := b.Validate(); e != nil {
			err = e
			return false
		}
		if !b.Lower.Equal(expected) {
			err = fmt.Errorf("spine gap: batch lower %s, expected %s", b.Lower, expected)
			return false
		}
		expected = b.Upper
		return true
	})
	if err != nil {
		return err
	}
	if !expected.Equal(s.upper) {
		return fmt.Errorf("spine coverage ends at %s, upper is %s", expected, s.upper)
	}
	return nil
}

// Clone returns a snapshot safe to mutate without affecting the receiver.
// Batch descriptors are immutable and shared; fueling merges carry mutable
// work counters and are copied.
func (s *Spine) Clone() *Spine {
	out := &Spine{
		lower:   s.lower.Clone(),
		upper:   s.upper.Clone(),
		nextID:  s.nextID,
		levels:  make([][]Entry, len(s.levels)),
		unknown: append([]byte(nil), s.unknown...),
	}
	for lvl, entries := range s.levels {
		out.levels[lvl] = make([]Entry, len(entries))
		for i, e := range entries {
			switch e := e.(type) {
			case *IDBatch, *SpineBatch:
				out.levels[lvl][i] = e
			case *FuelingMerge:
				cp := *e
				cp.Inputs = append([]Entry(nil), e.Inputs...)
				cp.Since = e.Since.Clone()
				out.levels[lvl][i] = &cp
			default:
				panic(fmt.Sprintf("unknown spine entry %T", e))
			}
		}
	}
	return out
}
