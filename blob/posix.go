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
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/cubefs/shardmeta/errors"
	"github.com/cubefs/shardmeta/util/limiter"
)

type PosixConfig struct {
	Path  string         `json:"path"`
	Read  limiter.Config `json:"read"`
	Write limiter.Config `json:"write"`
}

// posixStore lays blobs out as files under a root directory, one file
// per key with "/" as the directory separator. Writes go through a
// temporary file and a rename so readers never observe a partial blob.
type posixStore struct {
	path     string
	readLim  limiter.Limiter
	writeLim limiter.Limiter
}

func NewPosix(cfg PosixConfig) (Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("blob path is empty")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, err
	}
	return &posixStore{
		path:     cfg.Path,
		readLim:  limiter.NewLimiter(cfg.Read),
		writeLim: limiter.NewLimiter(cfg.Write),
	}, nil
}

func (p *posixStore) Put(ctx context.Context, key string, value []byte) error {
	if err := p.writeLim.Acquire(); err != nil {
		return err
	}
	defer p.writeLim.Release()

	filePath := p.filePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tmpPath := filePath + ".tmp." + uuid.NewString()
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := p.writeLim.Writer(ctx, f)
	if _, err = io.Copy(w, bytes.NewReader(value)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err = f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filePath)
}

func (p *posixStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := p.readLim.Acquire(); err != nil {
		return nil, err
	}
	defer p.readLim.Release()

	f, err := os.Open(p.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrBlobNotFound
		}
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(p.readLim.Reader(ctx, f))
}

func (p *posixStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(p.filePath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *posixStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(p.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		rel, err := filepath.Rel(p.path, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *posixStore) Close() {}

func (p *posixStore) filePath(key string) string {
	return filepath.Join(p.path, filepath.FromSlash(key))
}
