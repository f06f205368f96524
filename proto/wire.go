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

package proto

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cubefs/shardmeta/errors"
)

// Wire helpers shared by the persistent message types. Every persisted
// message is a sequence of protowire fields with stable numbers; fields a
// decoder does not recognize are preserved verbatim and re-emitted on the
// next encode, so old and new code can run against the same shard during a
// rolling upgrade. Field numbers are never reused; retired numbers are
// listed as reserved in the owning message's doc comment.

// FieldFunc handles one wire field. It returns the number of payload bytes
// consumed, or 0 if the field is not recognized by this decoder version.
type FieldFunc func(num protowire.Number, typ protowire.Type, data []byte) (int, error)

// Unmarshal walks all fields of data, dispatching each to fn. Unrecognized
// fields are collected, tag included, into the returned unknown buffer.
func Unmarshal(data []byte, fn FieldFunc) (unknown []byte, err error) {
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return nil, errors.ErrBadFormat
		}
		n, err := fn(num, typ, data[tagLen:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, data[tagLen:])
			if n < 0 {
				return nil, errors.ErrBadFormat
			}
			unknown = append(unknown, data[:tagLen+n]...)
		}
		data = data[tagLen+n:]
	}
	return unknown, nil
}

func AppendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func AppendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func ConsumeUvarint(data []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, errors.ErrBadFormat
	}
	return v, n, nil
}

// ConsumeBytes returns a copy of a length-delimited payload; decoded
// messages must not alias the input buffer.
func ConsumeBytes(data []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, errors.ErrBadFormat
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func ConsumeString(data []byte) (string, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return "", 0, errors.ErrBadFormat
	}
	return string(v), n, nil
}
