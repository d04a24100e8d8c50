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

package wire

import (
	"github.com/dreamware/coredb/proto"
	"github.com/dreamware/coredb/util"
)

// Op tags which control frame follows a TcpConnectionHeader on a
// freshly-accepted connection.
type Op string

const (
	OpReplication     Op = "Replication"
	OpSubscriptionRPC Op = "SubscriptionRPC"
	OpHeartbeat       Op = "Heartbeat"
)

// TcpConnectionHeader is the very first frame on any connection
// accepted by the Inbound Replication Handler: it identifies the peer
// and what kind of session it wants to open.
type TcpConnectionHeader struct {
	ProtocolVersion uint32 `json:"protocolVersion"`
	SourceDBID      string `json:"sourceDbId"`
	SourceURL       string `json:"sourceUrl"`
	Database        string `json:"database"`
	Op              Op     `json:"op"`
	// AsHub is set when the peer wants to be served as if it were the
	// outbound side (the pull-replication-as-hub path of spec.md §4.5).
	AsHub bool `json:"asHub,omitempty"`
}

// ReplicationLatestEtagRequest is sent by the outbound worker right
// after the connection header, asking the peer where to resume from.
type ReplicationLatestEtagRequest struct {
	LastSentEtag uint64 `json:"lastSentEtag"`
}

// ReplicationMessageReply is the peer's answer: the etag it actually
// has and its full database change vector, so the sender can detect a
// gap or a reset.
type ReplicationMessageReply struct {
	LastEtagAccepted uint64             `json:"lastEtagAccepted"`
	DatabaseVector   proto.ChangeVector `json:"databaseVector"`
}

// BatchMessage carries one batch of change log entries. Items are
// sent as a JSON array in the control frame; each item's own payload
// (if it has one) is concatenated into the single binary payload block
// that follows, with per-item lengths carried in PayloadSizes — spec.md §6 describes the
// wire shape as "JSON control frames plus binary payload blocks", not
// one payload block per item, to avoid a frame-per-document floor on
// throughput.
type BatchMessage struct {
	Entries      []proto.ChangeLogEntry `json:"entries"`
	PayloadSizes []uint32               `json:"payloadSizes"`
}

// BatchAck acknowledges a BatchMessage, advancing the sender's
// last_accepted_change_vector.
type BatchAck struct {
	AcceptedEtag   uint64             `json:"acceptedEtag"`
	DatabaseVector proto.ChangeVector `json:"databaseVector"`
}

// AnyReplicationFrame decodes either a BatchMessage or a Heartbeat:
// the inbound handler doesn't know which is coming next, since the
// outbound worker sends whichever applies without a separate op tag.
// A Heartbeat frame decodes with SentAtUnixNano set and Entries empty.
type AnyReplicationFrame struct {
	Entries        []proto.ChangeLogEntry `json:"entries,omitempty"`
	PayloadSizes   []uint32               `json:"payloadSizes,omitempty"`
	SentAtUnixNano int64                  `json:"sentAtUnixNano,omitempty"`
}

// IsHeartbeat reports whether this frame carried no entries — either
// a genuine Heartbeat, or (degenerately) an empty batch.
func (f AnyReplicationFrame) IsHeartbeat() bool { return len(f.Entries) == 0 }

// Heartbeat keeps an idle connection's last-seen clock moving so the
// 60-second staleness rule of spec.md §4.4 has something to check.
type Heartbeat struct {
	SentAtUnixNano int64 `json:"sentAtUnixNano"`
}

// SubscriptionOpenRequest is sent by a worker right after the
// connection header to attach to a named subscription.
type SubscriptionOpenRequest struct {
	Name string `json:"name"`
}

// SubscriptionOpenReply tells the worker whether it was admitted as
// the active connection for its subscription under one of spec.md
// §4.9's four admission strategies.
type SubscriptionOpenReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorFrame is the frame shape for reporting why a connection is
// rejected or torn down. The handlers in this module close such
// connections without writing one.
type ErrorFrame struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SplitPayloads slices a single concatenated payload block back into
// per-item payloads using the sizes recorded in a BatchMessage.
func SplitPayloads(block []byte, sizes []uint32) [][]byte {
	out := make([][]byte, len(sizes))
	off := 0
	for i, n := range sizes {
		out[i] = block[off : off+int(n)]
		off += int(n)
	}
	return out
}

// JoinPayloads is SplitPayloads's inverse: concatenate per-item
// payloads into one block and return the per-item sizes to send
// alongside. The returned block is drawn from the shared buffer pool
// (util.GetBuffer) the same way the teacher's rpc layer pools request
// buffers; the caller returns it with util.PutBuffer once the frame
// has been written.
func JoinPayloads(items [][]byte) (block []byte, sizes []uint32) {
	sizes = make([]uint32, len(items))
	total := 0
	for i, p := range items {
		sizes[i] = uint32(len(p))
		total += len(p)
	}
	block = util.GetBuffer(total)
	off := 0
	for _, p := range items {
		copy(block[off:], p)
		off += len(p)
	}
	return block, sizes
}
