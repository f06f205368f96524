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

package blob

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cubefs/shardmeta/errors"
)

type memStore struct {
	blobs map[string][]byte
	lock  sync.RWMutex
}

func NewMem() Store {
	return &memStore{blobs: make(map[string][]byte)}
}

func (m *memStore) Put(ctx context.Context, key string, value []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.blobs[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	v, ok := m.blobs[key]
	if !ok {
		return nil, errors.ErrBlobNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.blobs, key)
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var keys []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memStore) Close() {}
