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

package errors

import "errors"

var (
	New = errors.New
	Is  = errors.Is
	As  = errors.As
)

var (
	ErrShardNotFound = errors.New("shard does not exist")

	ErrReaderNotFound = errors.New("reader not found")
	ErrWriterNotFound = errors.New("writer not found")
	ErrLeaseExpired   = errors.New("lease expired")

	// ErrSinceRegression is returned when a downgrade would move a since
	// frontier backwards.
	ErrSinceRegression = errors.New("since frontier may not regress")

	// ErrBatchNotContiguous rejects a batch whose lower does not abut the
	// shard's current upper.
	ErrBatchNotContiguous = errors.New("batch is not contiguous with shard upper")

	// ErrBadFormat marks a persisted payload the codec cannot decode. It is
	// fatal for that payload only, other shards are unaffected.
	ErrBadFormat = errors.New("malformed persisted data")

	// ErrTooManyConflicts is surfaced when a transition keeps losing the
	// compare-and-set race beyond the driver's retry budget.
	ErrTooManyConflicts = errors.New("too many version conflicts")

	// ErrDiffGap is returned when a diff is applied to a state behind the
	// diff's base seqno.
	ErrDiffGap = errors.New("state diff does not follow state seqno")

	ErrRollupNotFound = errors.New("rollup not found")
	ErrBlobNotFound   = errors.New("blob not found")
)
