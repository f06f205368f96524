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

package kvstore

import (
	"context"
	"errors"
	"os"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		flushOpt  *rdb.FlushOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
		lock      sync.RWMutex
	}
	listReader struct {
		iterator *rdb.Iterator
		prefix   []byte
		isFirst  bool
	}
	writeBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)

	cols := make([]CF, 0, len(option.ColumnFamily)+1)
	cols = append(cols, defaultCF)
	cols = append(cols, option.ColumnFamily...)

	cfNames := make([]string, 0, len(cols))
	cfOpts := make([]*rdb.Options, 0, len(cols))
	for range cols {
		cfOpts = append(cfOpts, dbOpt)
	}
	for _, col := range cols {
		cfNames = append(cfNames, col.String())
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		return nil, err
	}
	cfhMap := make(map[CF]*rdb.ColumnFamilyHandle)
	for i, h := range cfhs {
		cfhMap[cols[i]] = h
	}

	wo := rdb.NewDefaultWriteOptions()
	wo.SetSync(option.Sync)

	return &rocksdb{
		path:      path,
		db:        db,
		opt:       dbOpt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  wo,
		flushOpt:  rdb.NewDefaultFlushOptions(),
		cfHandles: cfhMap,
	}, nil
}

func (s *rocksdb) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.cfHandles[col]; ok {
		return nil
	}
	h, err := s.db.CreateColumnFamily(s.opt, col.String())
	if err != nil {
		return err
	}
	s.cfHandles[col] = h
	return nil
}

func (s *rocksdb) CheckColumns(col CF) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.cfHandles[col]
	return ok
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte) ([]byte, error) {
	v, err := s.db.GetCF(s.readOpt, s.getColumnFamily(col), key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	value := make([]byte, v.Size())
	copy(value, v.Data())
	return value, nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	return s.db.PutCF(s.writeOpt, s.getColumnFamily(col), key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte) error {
	return s.db.DeleteCF(s.writeOpt, s.getColumnFamily(col), key)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	itr := s.db.NewIteratorCF(s.readOpt, s.getColumnFamily(col))
	if marker != nil {
		itr.Seek(marker)
	} else {
		itr.Seek(prefix)
	}
	return &listReader{iterator: itr, prefix: prefix, isFirst: true}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	return s.db.Write(s.writeOpt, batch.(*writeBatch).batch)
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	return s.db.Flush(s.flushOpt)
}

func (s *rocksdb) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, h := range s.cfHandles {
		h.Destroy()
	}
	s.readOpt.Destroy()
	s.writeOpt.Destroy()
	s.flushOpt.Destroy()
	s.db.Close()
}

func (s *rocksdb) getColumnFamily(col CF) *rdb.ColumnFamilyHandle {
	s.lock.RLock()
	defer s.lock.RUnlock()

	h, ok := s.cfHandles[col]
	if !ok {
		return s.cfHandles[defaultCF]
	}
	return h
}

func (lr *listReader) ReadNext() ([]byte, []byte, error) {
	if !lr.isFirst {
		lr.iterator.Next()
	}
	lr.isFirst = false
	if err := lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	return copySlice(lr.iterator.Key()), copySlice(lr.iterator.Value()), nil
}

func (lr *listReader) ReadLast() ([]byte, []byte, error) {
	if lr.prefix == nil {
		lr.iterator.SeekToLast()
	} else {
		// Walk forward past the prefix, then step back to its last key.
		for lr.iterator.Valid() && lr.iterator.ValidForPrefix(lr.prefix) {
			lr.iterator.Next()
		}
		if lr.iterator.Valid() {
			lr.iterator.Prev()
		} else {
			lr.iterator.SeekToLast()
		}
	}
	if err := lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	return copySlice(lr.iterator.Key()), copySlice(lr.iterator.Value()), nil
}

func (lr *listReader) Close() {
	lr.iterator.Close()
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	w.batch.PutCF(w.s.getColumnFamily(col), key, value)
}

func (w *writeBatch) Delete(col CF, key []byte) {
	w.batch.DeleteCF(w.s.getColumnFamily(col), key)
}

func (w *writeBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.batch.DeleteRangeCF(w.s.getColumnFamily(col), startKey, endKey)
}

func (w *writeBatch) Close() {
	w.batch.Destroy()
}

func copySlice(s *rdb.Slice) []byte {
	defer s.Free()
	b := make([]byte, s.Size())
	copy(b, s.Data())
	return b
}

func genRocksdbOpts(opt *Option) *rdb.Options {
	dbOpt := rdb.NewDefaultOptions()
	dbOpt.SetCreateIfMissing(opt.CreateIfMissing)
	dbOpt.SetCreateIfMissingColumnFamilies(true)

	blockOpt := rdb.NewDefaultBlockBasedTableOptions()
	if opt.BlockSize > 0 {
		blockOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCache > 0 {
		blockOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	dbOpt.SetBlockBasedTableFactory(blockOpt)

	if opt.MaxBackgroundJobs > 0 {
		dbOpt.SetMaxBackgroundCompactions(opt.MaxBackgroundJobs)
	}
	if opt.MaxOpenFiles > 0 {
		dbOpt.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.WriteBufferSize > 0 {
		dbOpt.SetWriteBufferSize(opt.WriteBufferSize)
	}
	if opt.MaxWriteBufferNumber > 0 {
		dbOpt.SetMaxWriteBufferNumber(opt.MaxWriteBufferNumber)
	}
	if opt.KeepLogFileNum > 0 {
		dbOpt.SetKeepLogFileNum(opt.KeepLogFileNum)
	}
	return dbOpt
}
