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

package spine

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/frontier"
	"github.com/cubefs/shardmeta/proto"
)

// Wire field numbers are stable and never reused.
//
// PartRef:  1 key, 2 encoded_size, 3 ts_rewrite
// Batch:    1 lower, 2 upper, 3 since, 4 part, 5 run_splits
// entry:    1 id, 2 kind, 3 level, 4 batch, 5 part_ids,
//           6 merge_since, 7 remaining_work, 8 merge_input
// Spine:    1 next_id, 2 lower, 3 upper, 4 entry

const (
	entryKindLeaf  = 1
	entryKindSpine = 2
	entryKindMerge = 3
)

func (p *PartRef) Marshal() []byte {
	var b []byte
	b = proto.AppendString(b, 1, p.Key)
	b = proto.AppendUvarint(b, 2, p.EncodedSize)
	if p.TsRewrite != nil {
		b = p.TsRewrite.AppendWire(b, 3)
	}
	return append(b, p.unknown...)
}

func (p *PartRef) Unmarshal(data []byte) error {
	*p = PartRef{}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := proto.ConsumeString(data)
			p.Key = v
			return n, err
		case 2:
			v, n, err := proto.ConsumeUvarint(data)
			p.EncodedSize = v
			return n, err
		case 3:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			f, err := frontier.ConsumeWire(payload)
			if err != nil {
				return 0, err
			}
			p.TsRewrite = &f
			return n, nil
		}
		return 0, nil
	})
	p.unknown = unknown
	return err
}

func (b *Batch) Marshal() []byte {
	var out []byte
	out = b.Lower.AppendWire(out, 1)
	out = b.Upper.AppendWire(out, 2)
	out = b.Since.AppendWire(out, 3)
	for i := range b.Parts {
		out = proto.AppendBytes(out, 4, b.Parts[i].Marshal())
	}
	if len(b.RunSplits) > 0 {
		var packed []byte
		for _, split := range b.RunSplits {
			packed = protowire.AppendVarint(packed, uint64(split))
		}
		out = proto.AppendBytes(out, 5, packed)
	}
	return append(out, b.unknown...)
}

func (b *Batch) Unmarshal(data []byte) error {
	*b = Batch{}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1, 2, 3:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			f, err := frontier.ConsumeWire(payload)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				b.Lower = f
			case 2:
				b.Upper = f
			case 3:
				b.Since = f
			}
			return n, nil
		case 4:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			var p PartRef
			if err := p.Unmarshal(payload); err != nil {
				return 0, err
			}
			b.Parts = append(b.Parts, p)
			return n, nil
		case 5:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			for len(payload) > 0 {
				v, vn := protowire.ConsumeVarint(payload)
				if vn < 0 {
					return 0, errors.ErrBadFormat
				}
				b.RunSplits = append(b.RunSplits, int(v))
				payload = payload[vn:]
			}
			return n, nil
		}
		return 0, nil
	})
	b.unknown = unknown
	return err
}

func marshalEntry(e Entry, level int) []byte {
	var b []byte
	b = proto.AppendUvarint(b, 1, e.ID())
	b = proto.AppendUvarint(b, 3, uint64(level))
	switch e := e.(type) {
	case *IDBatch:
		b = proto.AppendUvarint(b, 2, entryKindLeaf)
		b = proto.AppendBytes(b, 4, e.Batch.Marshal())
	case *SpineBatch:
		b = proto.AppendUvarint(b, 2, entryKindSpine)
		b = proto.AppendBytes(b, 4, e.Batch.Marshal())
		var packed []byte
		for _, id := range e.PartIDs {
			packed = protowire.AppendVarint(packed, id)
		}
		b = proto.AppendBytes(b, 5, packed)
	case *FuelingMerge:
		b = proto.AppendUvarint(b, 2, entryKindMerge)
		b = e.Since.AppendWire(b, 6)
		b = proto.AppendUvarint(b, 7, e.RemainingWork)
		for _, in := range e.Inputs {
			b = proto.AppendBytes(b, 8, marshalEntry(in, level))
		}
	default:
		panic("unknown spine entry kind")
	}
	return b
}

func unmarshalEntry(data []byte) (Entry, int, error) {
	var (
		id            proto.BatchID
		kind          uint64
		level         int
		batch         *Batch
		partIDs       []proto.BatchID
		mergeSince    frontier.Frontier
		remainingWork uint64
		inputs        []Entry
	)
	_, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := proto.ConsumeUvarint(data)
			id = v
			return n, err
		case 2:
			v, n, err := proto.ConsumeUvarint(data)
			kind = v
			return n, err
		case 3:
			v, n, err := proto.ConsumeUvarint(data)
			level = int(v)
			return n, err
		case 4:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			batch = &Batch{}
			return n, batch.Unmarshal(payload)
		case 5:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			for len(payload) > 0 {
				v, vn := protowire.ConsumeVarint(payload)
				if vn < 0 {
					return 0, errors.ErrBadFormat
				}
				partIDs = append(partIDs, v)
				payload = payload[vn:]
			}
			return n, nil
		case 6:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			mergeSince, err = frontier.ConsumeWire(payload)
			return n, err
		case 7:
			v, n, err := proto.ConsumeUvarint(data)
			remainingWork = v
			return n, err
		case 8:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			in, _, err := unmarshalEntry(payload)
			if err != nil {
				return 0, err
			}
			inputs = append(inputs, in)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, 0, err
	}

	switch kind {
	case entryKindLeaf:
		if batch == nil {
			return nil, 0, errors.ErrBadFormat
		}
		return &IDBatch{Id: id, Batch: batch}, level, nil
	case entryKindSpine:
		if batch == nil {
			return nil, 0, errors.ErrBadFormat
		}
		return &SpineBatch{Id: id, Level: level, Batch: batch, PartIDs: partIDs}, level, nil
	case entryKindMerge:
		if len(inputs) == 0 {
			return nil, 0, errors.ErrBadFormat
		}
		return &FuelingMerge{
			Id:            id,
			Level:         level,
			Inputs:        inputs,
			Since:         mergeSince,
			RemainingWork: remainingWork,
		}, level, nil
	}
	return nil, 0, errors.ErrBadFormat
}

func (s *Spine) Marshal() []byte {
	var b []byte
	b = proto.AppendUvarint(b, 1, s.nextID)
	b = s.lower.AppendWire(b, 2)
	b = s.upper.AppendWire(b, 3)
	for lvl, entries := range s.levels {
		for _, e := range entries {
			b = proto.AppendBytes(b, 4, marshalEntry(e, lvl))
		}
	}
	return append(b, s.unknown...)
}

func (s *Spine) Unmarshal(data []byte) error {
	*s = Spine{levels: [][]Entry{nil}}
	unknown, err := proto.Unmarshal(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := proto.ConsumeUvarint(data)
			s.nextID = v
			return n, err
		case 2, 3:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			f, err := frontier.ConsumeWire(payload)
			if err != nil {
				return 0, err
			}
			if num == 2 {
				s.lower = f
			} else {
				s.upper = f
			}
			return n, nil
		case 4:
			payload, n, err := proto.ConsumeBytes(data)
			if err != nil {
				return 0, err
			}
			e, level, err := unmarshalEntry(payload)
			if err != nil {
				return 0, err
			}
			for len(s.levels) <= level {
				s.levels = append(s.levels, nil)
			}
			s.levels[level] = append(s.levels[level], e)
			return n, nil
		}
		return 0, nil
	})
	s.unknown = unknown
	return err
}
