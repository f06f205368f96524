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

// Operator tool: opens a shard's on-disk stores, reconstructs its state
// from the newest rollup plus the diff log, and prints a summary.
// Optionally forces a rollup or spends compaction fuel.
package main

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/shardmeta/blob"
	"github.com/cubefs/shardmeta/common/kvstore"
	"github.com/cubefs/shardmeta/consensus"
	"github.com/cubefs/shardmeta/machine"
	"github.com/cubefs/shardmeta/spine"
)

type Config struct {
	machine.Config

	ConsensusPath string           `json:"consensus_path"`
	KVOption      kvstore.Option   `json:"kv_option"`
	Blob          blob.PosixConfig `json:"blob"`
	LogLevel      log.Level        `json:"log_level"`

	WriteRollup bool   `json:"write_rollup"`
	CompactFuel uint64 `json:"compact_fuel"`
}

func main() {
	config.Init("f", "", "shardmeta.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	log.SetOutputLevel(cfg.LogLevel)

	ctx := context.Background()

	cfg.KVOption.CreateIfMissing = true
	cfg.KVOption.ColumnFamily = append(cfg.KVOption.ColumnFamily, consensus.CF)
	store, err := kvstore.NewKVStore(ctx, cfg.ConsensusPath, &cfg.KVOption)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}
	cons, err := consensus.NewKVStore(store)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}
	defer cons.Close()

	blobs, err := blob.NewPosix(cfg.Blob)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}
	defer blobs.Close()

	m, err := machine.New(ctx, cfg.Config, cons, blobs)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}
	defer m.Close()

	if cfg.CompactFuel > 0 {
		spent, err := m.Compact(ctx, cfg.CompactFuel)
		if err != nil {
			log.Fatal(errors.Detail(err))
		}
		log.Infof("spent %d units of compaction fuel", spent)
	}
	if cfg.WriteRollup {
		if err := m.WriteRollup(ctx); err != nil {
			log.Fatal(errors.Detail(err))
		}
		log.Info("rollup written")
	}

	st, err := m.Snapshot(ctx)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}
	log.Infof("shard %s seqno %d", st.ShardID, st.SeqNo)
	log.Infof("since %s upper %s spine floor %s", st.Since(), st.Upper(), st.Spine.Since())
	log.Infof("leased readers %d critical readers %d writers %d",
		st.LeasedReaders.Len(), st.CriticalReaders.Len(), st.Writers.Len())
	log.Infof("spine batches %d in-progress merges %d encoded size %d",
		st.Spine.NumBatches(), st.Spine.InProgressMerges(), st.Spine.EncodedSize())
	st.Spine.WalkDescs(func(b *spine.Batch) bool {
		log.Info(b.String())
		return true
	})
	if seqno, ref, ok := st.LatestRollup(); ok {
		log.Infof("latest rollup at seqno %d key %s size %d", seqno, ref.Key, ref.EncodedSize)
	}
}
