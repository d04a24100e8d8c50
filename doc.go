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

# coredb: change log replication and subscription delivery

coredb is the engine a distributed document database uses to ship its
change log between database instances and out to external subscribers,
once those instances already agree on cluster membership via an
external consensus log.

## Data Model

* Bucket, a stable hash partition of a document id into a fixed range;
  the unit sharding and migration operate on.

* Change Log Entry, one (bucket, etag) mutation record — a document
  write or tombstone — append-only and ordered by a monotonic etag.

* Destination, a thing a database instance replicates its change log
  to: another cluster member, an external regular replication sink, or
  an external pull-replication hub.

* Subscription, a named, consensus-persisted cursor over the change
  log plus delivery options (batch size, admission strategy, error
  tolerance) that an external worker connects to and drains.

## Architecture

* Bucket Mapper — hashes document ids to buckets and tracks shard
  ownership across migrations.

* Change Log Index — the per-(kind, bucket) secondary index a
  subscription scans, and a flat etag-ordered log replication scans.

* Cluster State View — a deduped, cached read of the current database
  record (membership, ranges, migrations, external replication tasks)
  off the consensus log.

* Replication Loader — reconciles the live set of outgoing/incoming
  replication connections against the Cluster State View on every
  topology change.

* Outbound Replication Worker / Inbound Replication Handler — the
  per-destination state machine that streams batches out, and the
  per-source handler that applies them in.

* Subscription Store / Connection / Supervisor — persists subscription
  state, runs each worker's fetch-filter-batch-ack loop, and arbitrates
  how many workers may be active per subscription at once.

### Replication

Outgoing and incoming connections speak a hand-rolled, length-prefixed
framing over a raw TCP socket — deliberately not gRPC. A destination
can be another cluster member, an external regular replication target,
or an external pull-replication hub; all three reconcile through the
same Loader.

### Subscription

A subscription worker fetches batches in global or per-bucket etag
order, filters them with a caller-supplied predicate, and advances a
persisted change-vector cursor only once a batch is durably handled —
never speculatively.

## Building Blocks

* etcd raft (single-node reference consensus log)
* Prometheus
* golang.org/x/time/rate, golang.org/x/sync

*/

package coredb
