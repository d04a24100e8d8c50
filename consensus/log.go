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

// Package consensus defines the external "consensus log" collaborator
// contract of spec.md §6 (read_raw_database_record, append_command,
// wait_for_index_notification) and ships one reference implementation
// backed by a single-node go.etcd.io/etcd/raft/v3 group. The consensus
// protocol's own internals — multi-node transport, snapshotting, leader
// election tuning — are explicitly out of this module's scope; this
// package exists so the rest of the module has something real to call.
package consensus

import (
	"context"
	"time"

	"github.com/dreamware/coredb/bucket"
	"github.com/dreamware/coredb/proto"
)

// ExternalReplicationConfig is a declared "regular" external
// replication destination, as stored in the database record.
type ExternalReplicationConfig struct {
	TaskID              string        `json:"taskId"`
	ConnectionString    string        `json:"connectionString"`
	Database            string        `json:"database"`
	Disabled            bool          `json:"disabled"`
	DelayReplicationFor time.Duration `json:"delayReplicationFor"`
	MentorNode          string        `json:"mentorNode,omitempty"`
}

// SinkPullReplicationConfig is a declared hub/sink pull-replication
// link where this database is the sink and connects to the hub named
// HubName at ConnectionString.
type SinkPullReplicationConfig struct {
	TaskID                string `json:"taskId"`
	ConnectionString      string `json:"connectionString"`
	HubName               string `json:"hubName"`
	CertificateThumbprint string `json:"certificateThumbprint,omitempty"`
	Disabled              bool   `json:"disabled"`
}

// DatabaseRecord is the raw, consensus-replicated record the Cluster
// State View snapshots from. A nil record, or Passive == true, means
// this node currently has no replication role for the database
// (spec.md §4.4 point 1).
type DatabaseRecord struct {
	Database   string          `json:"database"`
	Passive    bool            `json:"passive"`
	Members    []proto.Member  `json:"members"`
	Ranges     []bucket.Range  `json:"ranges"`
	Migrations []bucket.Migration `json:"migrations"`

	ExternalReplications []ExternalReplicationConfig `json:"externalReplications"`
	SinkPullReplications []SinkPullReplicationConfig `json:"sinkPullReplications"`

	// TaskMentors maps a task id to the node tag that should own it
	// while alive, consulted by IsMyTask before falling back to the
	// deterministic hash.
	TaskMentors map[string]string `json:"taskMentors"`
	// DeletionInProgress names members currently being decommissioned;
	// the reconciler excludes them from the internal destination set.
	DeletionInProgress map[string]bool `json:"deletionInProgress"`
}

// Command is an opsafe, serializable mutation appended to the
// consensus log: a subscription cursor advance, a subscription
// creation/removal, or a topology change.
type Command interface {
	// Type names the command for the state machine's apply dispatch.
	Type() string
}

// Log is the external collaborator contract. Implementations must
// make AppendCommand's effect visible to ReadRawDatabaseRecord only
// after the corresponding index has committed.
type Log interface {
	// ReadRawDatabaseRecord returns the current record for database
	// together with the commit index it was read at.
	ReadRawDatabaseRecord(ctx context.Context, database string) (*DatabaseRecord, uint64, error)
	// AppendCommand proposes cmd and returns the log index it will
	// occupy once committed. It does not wait for the commit; pair it
	// with WaitForIndexNotification.
	AppendCommand(ctx context.Context, database string, cmd Command) (uint64, error)
	// WaitForIndexNotification blocks until index has committed and
	// been applied, or ctx/timeout elapses.
	WaitForIndexNotification(ctx context.Context, index uint64, timeout time.Duration) error
	// GetBlob reads back a value written by a committed PutBlobCommand.
	// Subscription definitions are persisted this way, under cluster
	// keys of the form "subscriptions/<db>/<name>".
	GetBlob(ctx context.Context, key string) ([]byte, bool, error)
	// Close releases the underlying raft group.
	Close() error
}
