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

type (
	SeqNo    = uint64
	ShardID  = string
	ReaderID = string
	WriterID = string
	BatchID  = uint64
)

const (
	// InitialSeqNo is the seqno of the state written when a shard is first
	// initialized. Every committed transition afterwards increments it by one.
	InitialSeqNo = SeqNo(1)
)
