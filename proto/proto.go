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

const (
	// ReqIdKey is the trace-id metadata/context key carried on every
	// cross-node call, matching the teacher's convention.
	ReqIdKey = "req-id"

	// ProtocolVersion is sent in every TcpConnectionHeader.
	ProtocolVersion = uint32(1)

	// MaxInactiveTimeSeconds is how long, in seconds, a peer may go without a heartbeat
	// before it is declared dead.
	MaxInactiveTimeSeconds = 60
)

type (
	Etag   = uint64
	Bucket = uint32
)
