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

// Package topology implements the Cluster State View (component C): a
// read-only, lazily-built snapshot of the consensus log's raw database
// record. It is the reconciler's (replication.Loader) only window onto
// topology, shard ranges, bucket migrations, and per-task ownership.
package topology

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dreamware/coredb/bucket"
	"github.com/dreamware/coredb/consensus"
	"github.com/dreamware/coredb/proto"
)

// Snapshot is internally consistent: every field was read from the same
// underlying consensus.DatabaseRecord at CommitIndex.
type Snapshot struct {
	Database    string
	CommitIndex uint64
	Passive     bool

	Members    []proto.Member
	Ranges     []bucket.Range
	Migrations []bucket.Migration

	ExternalReplications []consensus.ExternalReplicationConfig
	SinkPullReplications []consensus.SinkPullReplicationConfig

	TaskMentors        map[string]string
	DeletionInProgress map[string]bool
}

// IsDeleting reports whether nodeTag is currently being decommissioned.
func (s *Snapshot) IsDeleting(nodeTag string) bool {
	return s.DeletionInProgress[nodeTag]
}

// MemberByTag looks up a member by node tag.
func (s *Snapshot) MemberByTag(nodeTag string) (proto.Member, bool) {
	for _, m := range s.Members {
		if m.NodeTag == nodeTag {
			return m, true
		}
	}
	return proto.Member{}, false
}

// View lazily builds and caches Snapshots for one database, grounded on
// the teacher's catalog.Catalog.GetCatalogChanges: a singleflight.Group
// dedupes concurrent refreshes against the same backing collaborator
// (there, a master RPC; here, consensus.Log.ReadRawDatabaseRecord) so a
// burst of callers that all observe a stale cache produce one refresh,
// not N.
type View struct {
	log           consensus.Log
	database      string
	localNodeTag  string

	group singleflight.Group

	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewView returns a View over database, identifying the local node as
// localNodeTag for IsMyTask and destination-set computations.
func NewView(log consensus.Log, database, localNodeTag string) *View {
	return &View{log: log, database: database, localNodeTag: localNodeTag}
}

// LocalNodeTag is this node's identity within the topology.
func (v *View) LocalNodeTag() string { return v.localNodeTag }

// Log exposes the underlying consensus log so collaborators (the
// Replication Loader's tombstone-safe minimum, spec.md §4.7) can read
// cluster-persisted state the snapshot itself doesn't carry, without
// each caller needing its own reference to the log.
func (v *View) Log() consensus.Log { return v.log }

// Current returns the cached snapshot, refreshing it first if none has
// ever been built.
func (v *View) Current(ctx context.Context) (*Snapshot, error) {
	v.mu.RLock()
	s := v.snapshot
	v.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	return v.Refresh(ctx)
}

// Refresh re-reads the raw database record and rebuilds the snapshot.
// Concurrent callers collapse onto a single underlying read.
func (v *View) Refresh(ctx context.Context) (*Snapshot, error) {
	result, err, _ := v.group.Do(v.database, func() (interface{}, error) {
		rec, index, err := v.log.ReadRawDatabaseRecord(ctx, v.database)
		if err != nil {
			return nil, err
		}
		return buildSnapshot(v.database, rec, index), nil
	})
	if err != nil {
		return nil, err
	}
	s := result.(*Snapshot)
	v.mu.Lock()
	v.snapshot = s
	v.mu.Unlock()
	return s, nil
}

func buildSnapshot(database string, rec *consensus.DatabaseRecord, index uint64) *Snapshot {
	if rec == nil {
		return &Snapshot{Database: database, CommitIndex: index, Passive: true}
	}
	return &Snapshot{
		Database:             database,
		CommitIndex:          index,
		Passive:              rec.Passive,
		Members:              rec.Members,
		Ranges:               rec.Ranges,
		Migrations:           rec.Migrations,
		ExternalReplications: rec.ExternalReplications,
		SinkPullReplications: rec.SinkPullReplications,
		TaskMentors:          rec.TaskMentors,
		DeletionInProgress:   rec.DeletionInProgress,
	}
}

// HandleRecordChange updates the cached snapshot from a record the
// caller already has in hand (e.g. the reconciler was invoked directly
// with the new record rather than through Refresh) without an extra
// round trip to the consensus log.
func (v *View) HandleRecordChange(rec *consensus.DatabaseRecord, index uint64) *Snapshot {
	s := buildSnapshot(v.database, rec, index)
	v.mu.Lock()
	v.snapshot = s
	v.mu.Unlock()
	return s
}

// IsMyTask implements the task-ownership predicate of spec.md §4.3:
// prefer the mentor node if it is present and active in this snapshot,
// otherwise hash (taskID, epoch) deterministically into the member
// list.
func (v *View) IsMyTask(s *Snapshot, taskID string, epoch uint64) bool {
	return WhoseTaskIsIt(s, taskID, epoch) == v.localNodeTag
}
