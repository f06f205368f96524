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
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/benbjohnson/immutable"

	"github.com/cubefs/shardmeta/frontier"
	"github.com/cubefs/shardmeta/proto"
	"github.com/cubefs/shardmeta/spine"
)

// Wire field numbers are stable and never reused.
//
// LeasedReader:   1 since, 2 seqno, 3 last_heartbeat_ms, 4 lease_ms, 5 debug
// CriticalReader: 1 since, 2 opaque, 3 opaque_codec, 4 debug
// Writer:         1 last_heartbeat_ms, 2 lease_ms, 3 token, 4 upper, 5 debug
// RollupRef:      1 key, 2 encoded_size
// State:          1 shard_id, 2 seqno, 3 walltime_ms, 4 hostname,
//                 5 applier_version, 6 last_gc_req, 7 spine,
//                 8 leased_reader, 9 critical_reader, 10 writer, 11 rollup,
//                 12 since
// StateDiff:      1 seqno_from, 2 seqno_to, 3 walltime_ms, 4 hostname,
//                 5 applier_version, 6 last_gc_req, 7 rollup_seqno,
//                 8 rollup_key, 9 leased_put, 10 leased_del,
//                 11 critical_put, 12 critical_del, 13 writer_put,
//                 14 writer_del, 15 rollup_put, 16 rollup_del, 17 spine,
//                 18 since
// Rollup:         1 state, 2 diff (tail entry: 1 seqno, 2 data)
// map entries:    1 key, 2 record

func (r *LeasedReader) Marshal() []byte {
	var b []byte
	b = r.Since.AppendWire(b, 1)
	b = proto.AppendUvarint(b, 2, r.SeqNo)
	b = proto.AppendUvarint(b, 3, uint64(r.LastHeartbeatMS))
	b = proto.AppendUvarint(b, 4, uint64(r.LeaseDurationMS))
	b = proto.AppendString(b, 5, r.Debug)
	return append(b, r.unknown...)
}

func (r *LeasedReader) Unmarshal(data []byte) error {
	*r = LeasedReader{}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			f, n, err := consumeFrontier(data)
			r.Since = f
			return n, err
		case 2:
			v, n, err := proto.ConsumeUvarint(data)
			r.SeqNo = v
			return n, err
		case 3:
			v, n, err := proto.ConsumeUvarint(data)
			r.LastHeartbeatMS = int64(v)
			return n, err
		case 4:
			v, n, err := proto.ConsumeUvarint(data)
			r.LeaseDurationMS = int64(v)
			return n, err
		case 5:
			v, n, err := proto.ConsumeString(data)
			r.Debug = v
			return n, err
		}
		return 0, nil
	})
	r.unknown = unknown
	return err
}

func (r *CriticalReader) Marshal() []byte {
	var b []byte
	b = r.Since.AppendWire(b, 1)
	b = proto.AppendBytes(b, 2, r.Opaque)
	b = proto.AppendString(b, 3, r.OpaqueCodec)
	b = proto.AppendString(b, 4, r.Debug)
	return append(b, r.unknown...)
}

func (r *CriticalReader) Unmarshal(data []byte) error {
	*r = CriticalReader{}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			f, n, err := consumeFrontier(data)
			r.Since = f
			return n, err
		case 2:
			v, n, err := proto.ConsumeBytes(data)
			r.Opaque = v
			return n, err
		case 3:
			v, n, err := proto.ConsumeString(data)
			r.OpaqueCodec = v
			return n, err
		case 4:
			v, n, err := proto.ConsumeString(data)
			r.Debug = v
			return n, err
		}
		return 0, nil
	})
	r.unknown = unknown
	return err
}

func (w *Writer) Marshal() []byte {
	var b []byte
	b = proto.AppendUvarint(b, 1, uint64(w.LastHeartbeatMS))
	b = proto.AppendUvarint(b, 2, uint64(w.LeaseDurationMS))
	b = proto.AppendString(b, 3, w.MostRecentWriteToken)
	b = w.MostRecentWriteUpper.AppendWire(b, 4)
	b = proto.AppendString(b, 5, w.Debug)
	return append(b, w.unknown...)
}

func (w *Writer) Unmarshal(data []byte) error {
	*w = Writer{}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := proto.ConsumeUvarint(data)
			w.LastHeartbeatMS = int64(v)
			return n, err
		case 2:
			v, n, err := proto.ConsumeUvarint(data)
			w.LeaseDurationMS = int64(v)
			return n, err
		case 3:
			v, n, err := proto.ConsumeString(data)
			w.MostRecentWriteToken = v
			return n, err
		case 4:
			f, n, err := consumeFrontier(data)
			w.MostRecentWriteUpper = f
			return n, err
		case 5:
			v, n, err := proto.ConsumeString(data)
			w.Debug = v
			return n, err
		}
		return 0, nil
	})
	w.unknown = unknown
	return err
}

func (r *RollupRef) Marshal() []byte {
	var b []byte
	b = proto.AppendString(b, 1, r.Key)
	b = proto.AppendUvarint(b, 2, r.EncodedSize)
	return append(b, r.unknown...)
}

func (r *RollupRef) Unmarshal(data []byte) error {
	*r = RollupRef{}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := proto.ConsumeString(data)
			r.Key = v
			return n, err
		case 2:
			v, n, err := proto.ConsumeUvarint(data)
			r.EncodedSize = v
			return n, err
		}
		return 0, nil
	})
	r.unknown = unknown
	return err
}

func consumeFrontier(data []byte) (frontier.Frontier, int, error) {
	payload, n, err := proto.ConsumeBytes(data)
	if err != nil {
		return nil, 0, err
	}
	f, err := frontier.ConsumeWire(payload)
	return f, n, err
}

func appendStringEntry(b []byte, num protowire.Number, id string, record []byte) []byte {
	var entry []byte
	entry = proto.AppendString(entry, 1, id)
	entry = proto.AppendBytes(entry, 2, record)
	return proto.AppendBytes(b, num, entry)
}

func appendSeqNoEntry(b []byte, num protowire.Number, seqno proto.SeqNo, record []byte) []byte {
	var entry []byte
	entry = proto.AppendUvarint(entry, 1, seqno)
	entry = proto.AppendBytes(entry, 2, record)
	return proto.AppendBytes(b, num, entry)
}

func consumeStringEntry(payload []byte) (id string, record []byte, err error) {
	_, err = proto.Unmarshal(payload, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := proto.ConsumeString(data)
			id = v
			return n, err
		case 2:
			v, n, err := proto.ConsumeBytes(data)
			record = v
			return n, err
		}
		return 0, nil
	})
	return id, record, err
}

func consumeSeqNoEntry(payload []byte) (seqno proto.SeqNo, record []byte, err error) {
	_, err = proto.Unmarshal(payload, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := proto.ConsumeUvarint(data)
			seqno = v
			return n, err
		case 2:
			v, n, err := proto.ConsumeBytes(data)
			record = v
			return n, err
		}
		return 0, nil
	})
	return seqno, record, err
}

func (s *State) Marshal() []byte {
	var b []byte
	b = proto.AppendString(b, 1, s.ShardID)
	b = proto.AppendUvarint(b, 2, s.SeqNo)
	b = proto.AppendUvarint(b, 3, uint64(s.WalltimeMS))
	b = proto.AppendString(b, 4, s.Hostname)
	b = proto.AppendString(b, 5, s.ApplierVersion)
	b = proto.AppendUvarint(b, 6, s.LastGCReq)
	b = proto.AppendBytes(b, 7, s.Spine.Marshal())
	for itr := s.LeasedReaders.Iterator(); !itr.Done(); {
		id, r, _ := itr.Next()
		b = appendStringEntry(b, 8, id, r.Marshal())
	}
	for itr := s.CriticalReaders.Iterator(); !itr.Done(); {
		id, r, _ := itr.Next()
		b = appendStringEntry(b, 9, id, r.Marshal())
	}
	for itr := s.Writers.Iterator(); !itr.Done(); {
		id, w, _ := itr.Next()
		b = appendStringEntry(b, 10, id, w.Marshal())
	}
	for itr := s.Rollups.Iterator(); !itr.Done(); {
		seqno, ref, _ := itr.Next()
		b = appendSeqNoEntry(b, 11, seqno, ref.Marshal())
	}
	b = s.since.AppendWire(b, 12)
	return append(b, s.unknown...)
}

func (s *State) Unmarshal(data []byte) error {
	*s = State{
		Spine:           spine.New(frontier.New(0)),
		since:           frontier.New(0),
		LeasedReaders:   immutable.NewSortedMap[string, *LeasedReader](nil),
		CriticalReaders: immutable.NewSortedMap[string, *CriticalReader](nil),
		Writers:         immutable.NewSortedMap[string, *Writer](nil),
		Rollups:         immutable.NewSortedMap[uint64, *RollupRef](nil),
	}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := proto.ConsumeString(data)
			s.ShardID = v
			return n, err
		case 2:
			v, n, err := proto.ConsumeUvarint(data)
			s.SeqNo = v
			return n, err
		case 3:
			v, n, err := proto.ConsumeUvarint(data)
			s.WalltimeMS = int64(v)
			return n, err
		case 4:
			v, n, err := proto.ConsumeString(data)
			s.Hostname = v
			return n, err
		case 5:
			v, n, err := proto.ConsumeString(data)
			s.ApplierVersion = v
			return n, err
		case 6:
			v, n, err := proto.ConsumeUvarint(data)
			s.LastGCReq = v
			return n, err
		case 7:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			sp := &spine.Spine{}
			if err := sp.Unmarshal(payload); err != nil {
				return 0, err
			}
			s.Spine = sp
			return n, nil
		case 8:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			id, rec, err := consumeStringEntry(payload)
			if err != nil {
				return 0, err
			}
			r := &LeasedReader{}
			if err := r.Unmarshal(rec); err != nil {
				return 0, err
			}
			s.LeasedReaders = s.LeasedReaders.Set(id, r)
			return n, nil
		case 9:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			id, rec, err := consumeStringEntry(payload)
			if err != nil {
				return 0, err
			}
			r := &CriticalReader{}
			if err := r.Unmarshal(rec); err != nil {
				return 0, err
			}
			s.CriticalReaders = s.CriticalReaders.Set(id, r)
			return n, nil
		case 10:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			id, rec, err := consumeStringEntry(payload)
			if err != nil {
				return 0, err
			}
			w := &Writer{}
			if err := w.Unmarshal(rec); err != nil {
				return 0, err
			}
			s.Writers = s.Writers.Set(id, w)
			return n, nil
		case 11:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			seqno, rec, err := consumeSeqNoEntry(payload)
			if err != nil {
				return 0, err
			}
			ref := &RollupRef{}
			if err := ref.Unmarshal(rec); err != nil {
				return 0, err
			}
			s.Rollups = s.Rollups.Set(seqno, ref)
			return n, nil
		case 12:
			f, n, err := consumeFrontier(data)
			s.since = f
			return n, err
		}
		return 0, nil
	})
	s.unknown = unknown
	return err
}

func (d *StateDiff) Marshal() []byte {
	var b []byte
	b = proto.AppendUvarint(b, 1, d.SeqNoFrom)
	b = proto.AppendUvarint(b, 2, d.SeqNoTo)
	b = proto.AppendUvarint(b, 3, uint64(d.WalltimeMS))
	b = proto.AppendString(b, 4, d.Hostname)
	b = proto.AppendString(b, 5, d.ApplierVersion)
	b = proto.AppendUvarint(b, 6, d.LastGCReq)
	b = proto.AppendUvarint(b, 7, d.RollupSeqNo)
	b = proto.AppendString(b, 8, d.RollupKey)
	for _, e := range d.LeasedPuts {
		b = appendStringEntry(b, 9, e.ID, e.Record.Marshal())
	}
	for _, id := range d.LeasedDels {
		b = proto.AppendString(b, 10, id)
	}
	for _, e := range d.CriticalPuts {
		b = appendStringEntry(b, 11, e.ID, e.Record.Marshal())
	}
	for _, id := range d.CriticalDels {
		b = proto.AppendString(b, 12, id)
	}
	for _, e := range d.WriterPuts {
		b = appendStringEntry(b, 13, e.ID, e.Record.Marshal())
	}
	for _, id := range d.WriterDels {
		b = proto.AppendString(b, 14, id)
	}
	for _, e := range d.RollupPuts {
		b = appendSeqNoEntry(b, 15, e.SeqNo, e.Ref.Marshal())
	}
	for _, seqno := range d.RollupDels {
		b = proto.AppendUvarint(b, 16, seqno)
	}
	if d.SpineData != nil {
		b = proto.AppendBytes(b, 17, d.SpineData)
	}
	b = d.Since.AppendWire(b, 18)
	return append(b, d.unknown...)
}

func (d *StateDiff) Unmarshal(data []byte) error {
	*d = StateDiff{}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := proto.ConsumeUvarint(data)
			d.SeqNoFrom = v
			return n, err
		case 2:
			v, n, err := proto.ConsumeUvarint(data)
			d.SeqNoTo = v
			return n, err
		case 3:
			v, n, err := proto.ConsumeUvarint(data)
			d.WalltimeMS = int64(v)
			return n, err
		case 4:
			v, n, err := proto.ConsumeString(data)
			d.Hostname = v
			return n, err
		case 5:
			v, n, err := proto.ConsumeString(data)
			d.ApplierVersion = v
			return n, err
		case 6:
			v, n, err := proto.ConsumeUvarint(data)
			d.LastGCReq = v
			return n, err
		case 7:
			v, n, err := proto.ConsumeUvarint(data)
			d.RollupSeqNo = v
			return n, err
		case 8:
			v, n, err := proto.ConsumeString(data)
			d.RollupKey = v
			return n, err
		case 9:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			id, rec, err := consumeStringEntry(payload)
			if err != nil {
				return 0, err
			}
			r := &LeasedReader{}
			if err := r.Unmarshal(rec); err != nil {
				return 0, err
			}
			d.LeasedPuts = append(d.LeasedPuts, LeasedEntry{ID: id, Record: r})
			return n, nil
		case 10:
			v, n, err := proto.ConsumeString(data)
			d.LeasedDels = append(d.LeasedDels, v)
			return n, err
		case 11:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			id, rec, err := consumeStringEntry(payload)
			if err != nil {
				return 0, err
			}
			r := &CriticalReader{}
			if err := r.Unmarshal(rec); err != nil {
				return 0, err
			}
			d.CriticalPuts = append(d.CriticalPuts, CriticalEntry{ID: id, Record: r})
			return n, nil
		case 12:
			v, n, err := proto.ConsumeString(data)
			d.CriticalDels = append(d.CriticalDels, v)
			return n, err
		case 13:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			id, rec, err := consumeStringEntry(payload)
			if err != nil {
				return 0, err
			}
			w := &Writer{}
			if err := w.Unmarshal(rec); err != nil {
				return 0, err
			}
			d.WriterPuts = append(d.WriterPuts, WriterEntry{ID: id, Record: w})
			return n, nil
		case 14:
			v, n, err := proto.ConsumeString(data)
			d.WriterDels = append(d.WriterDels, v)
			return n, err
		case 15:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			seqno, rec, err := consumeSeqNoEntry(payload)
			if err != nil {
				return 0, err
			}
			ref := &RollupRef{}
			if err := ref.Unmarshal(rec); err != nil {
				return 0, err
			}
			d.RollupPuts = append(d.RollupPuts, RollupEntry{SeqNo: seqno, Ref: ref})
			return n, nil
		case 16:
			v, n, err := proto.ConsumeUvarint(data)
			d.RollupDels = append(d.RollupDels, v)
			return n, err
		case 17:
			v, n, err := proto.ConsumeBytes(data)
			d.SpineData = v
			return n, err
		case 18:
			f, n, err := consumeFrontier(data)
			d.Since = f
			return n, err
		}
		return 0, nil
	})
	d.unknown = unknown
	return err
}

// Rollup is the blob-store checkpoint body: a full state plus an inlined
// tail of the diffs committed just before it, so a reader close to the
// current version avoids a second consensus scan.
type Rollup struct {
	State    *State
	DiffTail []TailEntry

	unknown []byte
}

// TailEntry is one encoded diff inlined into a rollup.
type TailEntry struct {
	SeqNo proto.SeqNo
	Data  []byte
}

func (r *Rollup) Marshal() []byte {
	var b []byte
	b = proto.AppendBytes(b, 1, r.State.Marshal())
	for _, e := range r.DiffTail {
		b = appendSeqNoEntry(b, 2, e.SeqNo, e.Data)
	}
	return append(b, r.unknown...)
}

func (r *Rollup) Unmarshal(data []byte) error {
	*r = Rollup{}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			st := &State{}
			if err := st.Unmarshal(payload); err != nil {
				return 0, err
			}
			r.State = st
			return n, nil
		case 2:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			seqno, rec, err := consumeSeqNoEntry(payload)
			if err != nil {
				return 0, err
			}
			r.DiffTail = append(r.DiffTail, TailEntry{SeqNo: seqno, Data: rec})
			return n, nil
		}
		return 0, nil
	})
	r.unknown = unknown
	return err
}
