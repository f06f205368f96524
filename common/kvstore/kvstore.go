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

// Package kvstore wraps the embedded LSM store that persists the shard
// version chains on a single node.
package kvstore

import (
	"context"
	"errors"
)

const defaultCF = "default"

var ErrNotFound = errors.New("key not found")

type (
	CF string

	Store interface {
		CreateColumn(col CF) error
		CheckColumns(col CF) bool
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// List positions a reader at the first key >= marker within
		// prefix. A nil marker starts at the beginning of the prefix.
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		Write(ctx context.Context, batch WriteBatch) error
		NewWriteBatch() WriteBatch
		FlushCF(ctx context.Context, col CF) error
		Close()
	}
	ListReader interface {
		// ReadNext returns the next key/value pair, copied out of the
		// store. A nil key means the range is exhausted.
		ReadNext() (key []byte, value []byte, err error)
		// ReadLast returns the last pair of the range.
		ReadLast() (key []byte, value []byte, err error)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		DeleteRange(col CF, startKey, endKey []byte)
		Close()
	}

	Option struct {
		Sync                 bool   `json:"sync"`
		ColumnFamily         []CF   `json:"column_family"`
		CreateIfMissing      bool   `json:"create_if_missing"`
		BlockSize            int    `json:"block_size"`
		BlockCache           uint64 `json:"block_cache"`
		MaxBackgroundJobs    int    `json:"max_background_jobs"`
		MaxOpenFiles         int    `json:"max_open_files"`
		WriteBufferSize      int    `json:"write_buffer_size"`
		MaxWriteBufferNumber int    `json:"max_write_buffer_number"`
		KeepLogFileNum       int    `json:"keep_log_file_num"`
	}
)

func NewKVStore(ctx context.Context, path string, option *Option) (Store, error) {
	return newRocksdb(ctx, path, option)
}

func (cf CF) String() string {
	return string(cf)
}
