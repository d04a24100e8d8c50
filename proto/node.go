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

package proto

// NodeRole enumerates the roles a cluster member can hold. A node
// taking part in replication is always at least NodeRoleReplica.
type NodeRole int8

const (
	NodeRoleUnknown NodeRole = iota
	NodeRoleReplica
	NodeRoleSubscriptionHub
)

// NodeState is whether a topology member currently participates in
// replication (Active) or has stepped back (Passive, e.g. mid
// decommission).
type NodeState int8

const (
	NodeStateActive NodeState = iota
	NodeStatePassive
)

func (s NodeState) String() string {
	if s == NodeStatePassive {
		return "Passive"
	}
	return "Active"
}

// Member describes one node of the internal topology as the Cluster
// State View (component C) exposes it.
type Member struct {
	NodeTag  string    `json:"nodeTag"`
	URL      string    `json:"url"`
	Role     NodeRole  `json:"role"`
	State    NodeState `json:"state"`
	DBID     string    `json:"dbId"`
}
