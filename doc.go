/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# ShardMeta: versioned shard metadata for time-varying collections

## What it is

The metadata core of a durable, shard-oriented storage layer. Each shard's
data is a trace of immutable batches, each tagged with the time range it
covers; this module maintains the single authoritative, versioned
description of which batches exist, which readers and writers are active,
and how batches are incrementally consolidated over time.

## Data Model

* Frontier, a minimal antichain of times. The empty frontier is the end of
  time.

* Batch, an immutable descriptor: lower/upper/since frontiers, part
  references, run boundaries.

* Spine, the leveled collection of batches plus fueling merges, giving
  amortized O(1) compaction cost per insert.

* Readers and writers, leased (heartbeat-expired) or critical (durable,
  opaque-gated), each holding a frontier.

* State, the versioned aggregate, advanced one seqno at a time.

* Rollup, a periodic full-state checkpoint bounding diff-log replay.

## Concurrency

There is no locking across processes. Every mutation is a pure transition
on an immutable snapshot, committed with an optimistic compare-and-set
against a consensus store; losing proposers refresh and re-derive. Lease
expiry is evaluated lazily at transition time from the transition's own
timestamp, never from background timers.

## Building Blocks

* Rocksdb
* Prometheus

*/

package shardmeta
