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

package consensus

// SetDatabaseRecordCommand replaces the raw database record for one
// database — the cluster state view's source of truth. It is how
// topology, shard-range, and migration changes reach every node.
type SetDatabaseRecordCommand struct {
	Database string          `json:"database"`
	Record   *DatabaseRecord `json:"record"`
}

func (c *SetDatabaseRecordCommand) Type() string { return "SetDatabaseRecord" }

// PutBlobCommand writes an opaque blob under a cluster key, the
// mechanism subscription definitions are persisted through (spec.md
// §6: "subscriptions/<db>/<name>").
type PutBlobCommand struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func (c *PutBlobCommand) Type() string { return "PutBlob" }

// DeleteBlobCommand removes a previously-put blob.
type DeleteBlobCommand struct {
	Key string `json:"key"`
}

func (c *DeleteBlobCommand) Type() string { return "DeleteBlob" }

// commandEnvelope is the wire shape actually appended to the raft log:
// a type tag plus the command's own JSON encoding, so the apply loop
// can dispatch without a type registry.
type commandEnvelope struct {
	Database string          `json:"database"`
	CmdType  string          `json:"cmdType"`
	Payload  []byte          `json:"payload"`
}
