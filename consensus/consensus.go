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

// Package consensus defines the optimistic compare-and-swap store the shard
// core commits through. The store is the sole arbiter of which of two
// racing proposals committed first; the core never holds a lock across a
// call into it.
package consensus

import (
	"context"
	"fmt"

	"github.com/cubefs/shardmeta/proto"
)

// VersionedData is one committed entry of a shard's version chain.
type VersionedData struct {
	SeqNo proto.SeqNo
	Data  []byte
}

type Consensus interface {
	// Head returns the highest committed entry for key, or
	// errors.ErrShardNotFound if no entry was ever committed.
	Head(ctx context.Context, key string) (VersionedData, error)
	// Scan returns entries with seqno >= from in increasing seqno order.
	Scan(ctx context.Context, key string, from proto.SeqNo) ([]VersionedData, error)
	// CompareAndSet commits next iff the current head seqno equals
	// expected; a nil expected requires that no entry exists yet. Losing
	// the race returns a *ConflictError carrying the current head.
	CompareAndSet(ctx context.Context, key string, expected *proto.SeqNo, next VersionedData) error
	// Truncate drops entries with seqno <= through, returning how many
	// were removed. The head entry itself is never removed.
	Truncate(ctx context.Context, key string, through proto.SeqNo) (int, error)
	Close()
}

// ConflictError loses a compare-and-set race. Head is the entry that won;
// the caller refetches state and re-derives its transition from it.
type ConflictError struct {
	Head VersionedData
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict, head is at seqno %d", e.Head.SeqNo)
}
