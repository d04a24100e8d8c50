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

// Package replication implements components D-G of the replication
// core: the Connection Shutdown Tracker, the Outbound Replication
// Worker, the Inbound Replication Handler, and the Replication Loader
// that supervises both.
package replication

import "fmt"

// DestinationKind tags which of the three ReplicationDestination
// variants a value holds.
type DestinationKind int8

const (
	DestinationInternal DestinationKind = iota
	DestinationExternalSink
	DestinationExternalRegular
)

func (k DestinationKind) String() string {
	switch k {
	case DestinationInternal:
		return "Internal"
	case DestinationExternalSink:
		return "ExternalSink"
	case DestinationExternalRegular:
		return "ExternalRegular"
	default:
		return "Unknown"
	}
}

// DestinationKey is the equality tuple of spec.md §3: two destinations
// are the same destination iff (kind, url, database, taskID) matches.
type DestinationKey struct {
	Kind     DestinationKind
	URL      string
	Database string
	TaskID   string
}

func (k DestinationKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Kind, k.URL, k.Database, k.TaskID)
}

// Destination is the tagged union {Internal, ExternalSink,
// ExternalRegular} of spec.md §3.
type Destination interface {
	Identity() DestinationKey
	// DelayFor is the external replication's configured hold-back
	// duration; zero for internal destinations, which never delay.
	DelayFor() int64 // nanoseconds; kept as int64 to stay comparable/zero-valued without importing time here
}

// InternalDestination is a member of this database's own internal
// topology (spec.md §4.4 point 2): every other member for which
// Snapshot.IsDeleting is false; a member's State is not consulted.
type InternalDestination struct {
	NodeTag  string
	URL      string
	Database string
}

func (d InternalDestination) Identity() DestinationKey {
	return DestinationKey{Kind: DestinationInternal, URL: d.URL, Database: d.Database}
}
func (d InternalDestination) DelayFor() int64 { return 0 }

// ExternalSinkDestination is a hub/sink pull-replication link where
// this node is the sink: its OutboundWorker dials the hub at
// ConnectionString.
type ExternalSinkDestination struct {
	TaskID                string
	ConnectionString      string
	HubName               string
	CertificateThumbprint string
}

func (d ExternalSinkDestination) Identity() DestinationKey {
	return DestinationKey{Kind: DestinationExternalSink, URL: d.ConnectionString, Database: d.HubName, TaskID: d.TaskID}
}
func (d ExternalSinkDestination) DelayFor() int64 { return 0 }

// ExternalRegularDestination is a declared "push" external replication
// this node actively dials out to.
type ExternalRegularDestination struct {
	TaskID              string
	ConnectionString    string
	Database            string
	DelayReplicationFor int64 // nanoseconds
}

func (d ExternalRegularDestination) Identity() DestinationKey {
	return DestinationKey{Kind: DestinationExternalRegular, URL: d.ConnectionString, Database: d.Database, TaskID: d.TaskID}
}
func (d ExternalRegularDestination) DelayFor() int64 { return d.DelayReplicationFor }
