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

package shard

import (
	"bytes"

	"github.com/benbjohnson/immutable"
	"golang.org/x/exp/constraints"

	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/frontier"
	"github.com/cubefs/shardmeta/proto"
	"github.com/cubefs/shardmeta/spine"
)

type (
	LeasedEntry struct {
		ID     proto.ReaderID
		Record *LeasedReader
	}
	CriticalEntry struct {
		ID     proto.ReaderID
		Record *CriticalReader
	}
	WriterEntry struct {
		ID     proto.WriterID
		Record *Writer
	}
	RollupEntry struct {
		SeqNo proto.SeqNo
		Ref   *RollupRef
	}
)

// StateDiff carries one committed transition from SeqNoFrom to SeqNoTo.
// Registry changes are recorded entry by entry; the spine, which changes
// far less often than heartbeats, is carried whole when it changed at all.
// The overall since rides along on every diff, and every diff names the
// latest rollup so recovery can start from the newest consensus entry
// alone.
type StateDiff struct {
	SeqNoFrom      proto.SeqNo
	SeqNoTo        proto.SeqNo
	WalltimeMS     int64
	Hostname       string
	ApplierVersion string
	LastGCReq      proto.SeqNo
	Since          frontier.Frontier

	RollupSeqNo proto.SeqNo
	RollupKey   string

	LeasedPuts   []LeasedEntry
	LeasedDels   []proto.ReaderID
	CriticalPuts []CriticalEntry
	CriticalDels []proto.ReaderID
	WriterPuts   []WriterEntry
	WriterDels   []proto.WriterID
	RollupPuts   []RollupEntry
	RollupDels   []proto.SeqNo

	// SpineData is the full encoded spine, nil when unchanged.
	SpineData []byte

	unknown []byte
}

// Diff computes the transition from prev to next. Both states must be
// fully materialized; next is expected to be exactly one seqno ahead.
func Diff(prev, next *State) *StateDiff {
	d := &StateDiff{
		SeqNoFrom:      prev.SeqNo,
		SeqNoTo:        next.SeqNo,
		WalltimeMS:     next.WalltimeMS,
		Hostname:       next.Hostname,
		ApplierVersion: next.ApplierVersion,
		LastGCReq:      next.LastGCReq,
		Since:          next.since,
	}
	if seqno, ref, ok := next.LatestRollup(); ok {
		d.RollupSeqNo = seqno
		d.RollupKey = ref.Key
	}

	diffMaps(prev.LeasedReaders, next.LeasedReaders,
		func(id string, r *LeasedReader) {
			d.LeasedPuts = append(d.LeasedPuts, LeasedEntry{ID: id, Record: r})
		},
		func(id string) { d.LeasedDels = append(d.LeasedDels, id) })
	diffMaps(prev.CriticalReaders, next.CriticalReaders,
		func(id string, r *CriticalReader) {
			d.CriticalPuts = append(d.CriticalPuts, CriticalEntry{ID: id, Record: r})
		},
		func(id string) { d.CriticalDels = append(d.CriticalDels, id) })
	diffMaps(prev.Writers, next.Writers,
		func(id string, w *Writer) {
			d.WriterPuts = append(d.WriterPuts, WriterEntry{ID: id, Record: w})
		},
		func(id string) { d.WriterDels = append(d.WriterDels, id) })
	diffMaps(prev.Rollups, next.Rollups,
		func(seqno uint64, ref *RollupRef) {
			d.RollupPuts = append(d.RollupPuts, RollupEntry{SeqNo: seqno, Ref: ref})
		},
		func(seqno uint64) { d.RollupDels = append(d.RollupDels, seqno) })

	prevSpine := prev.Spine.Marshal()
	nextSpine := next.Spine.Marshal()
	if !bytes.Equal(prevSpine, nextSpine) {
		d.SpineData = nextSpine
	}
	return d
}

func diffMaps[K constraints.Ordered, V any](prev, next *immutable.SortedMap[K, V], put func(K, V), del func(K)) {
	for itr := next.Iterator(); !itr.Done(); {
		k, v, _ := itr.Next()
		if old, ok := prev.Get(k); !ok || !sameRef(old, v) {
			put(k, v)
		}
	}
	for itr := prev.Iterator(); !itr.Done(); {
		k, _, _ := itr.Next()
		if _, ok := next.Get(k); !ok {
			del(k)
		}
	}
}

// records are replaced, never mutated, so pointer identity decides whether
// an entry changed
func sameRef[V any](a, b V) bool {
	return any(a) == any(b)
}

// Apply replays the diff onto s in place. A state already at or past the
// diff's target detects the replay and reports it without double-applying;
// a state behind the diff's base cannot absorb it at all.
func (d *StateDiff) Apply(s *State) (applied bool, err error) {
	if s.SeqNo >= d.SeqNoTo {
		return false, nil
	}
	if s.SeqNo != d.SeqNoFrom {
		return false, errors.ErrDiffGap
	}

	s.SeqNo = d.SeqNoTo
	s.WalltimeMS = d.WalltimeMS
	s.Hostname = d.Hostname
	s.ApplierVersion = d.ApplierVersion
	s.LastGCReq = d.LastGCReq
	s.since = d.Since

	for _, e := range d.LeasedPuts {
		s.LeasedReaders = s.LeasedReaders.Set(e.ID, e.Record)
	}
	for _, id := range d.LeasedDels {
		s.LeasedReaders = s.LeasedReaders.Delete(id)
	}
	for _, e := range d.CriticalPuts {
		s.CriticalReaders = s.CriticalReaders.Set(e.ID, e.Record)
	}
	for _, id := range d.CriticalDels {
		s.CriticalReaders = s.CriticalReaders.Delete(id)
	}
	for _, e := range d.WriterPuts {
		s.Writers = s.Writers.Set(e.ID, e.Record)
	}
	for _, id := range d.WriterDels {
		s.Writers = s.Writers.Delete(id)
	}
	for _, e := range d.RollupPuts {
		s.Rollups = s.Rollups.Set(e.SeqNo, e.Ref)
	}
	for _, seqno := range d.RollupDels {
		s.Rollups = s.Rollups.Delete(seqno)
	}

	if d.SpineData != nil {
		sp := &spine.Spine{}
		if err := sp.Unmarshal(d.SpineData); err != nil {
			return false, err
		}
		s.Spine = sp
	}
	return true, nil
}
