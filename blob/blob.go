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

// Package blob abstracts the durable store holding rollup and part
// payloads. Keys are opaque strings chosen by the caller; writes to an
// existing key overwrite it.
package blob

import "context"

type Store interface {
	// Put writes value under key, replacing any existing blob.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the blob under key, or errors.ErrBlobNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the blob under key. Deleting a missing key is a
	// no-op.
	Delete(ctx context.Context, key string) error
	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close()
}
