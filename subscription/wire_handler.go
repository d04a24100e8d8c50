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

package subscription

import (
	"bufio"
	"context"
	"net"

	"github.com/dreamware/coredb/proto"
	"github.com/dreamware/coredb/store"
	"github.com/dreamware/coredb/topology"
	"github.com/dreamware/coredb/util"
	"github.com/dreamware/coredb/wire"
)

// wireHandler delivers batches to a remote worker over the same
// length-prefixed framing the replication transport uses
// (wire.BatchMessage/wire.BatchAck) rather than a second bespoke
// encoding for this module's one RPC shape.
type wireHandler struct {
	wr *bufio.Writer
	rd *bufio.Reader
}

func (h *wireHandler) HandleBatch(ctx context.Context, batch []Item) error {
	entries := make([]proto.ChangeLogEntry, len(batch))
	payloads := make([][]byte, len(batch))
	for i, it := range batch {
		entries[i] = it.Entry
		payloads[i] = it.Payload
	}
	block, sizes := wire.JoinPayloads(payloads)
	err := wire.WriteFrame(h.wr, wire.BatchMessage{Entries: entries, PayloadSizes: sizes}, block)
	util.PutBuffer(block)
	if err != nil {
		return err
	}
	var ack wire.BatchAck
	_, err = wire.ReadFrame(h.rd, &ack)
	return err
}

func subscriptionID(database, name string) string { return database + "/" + name }

// ServeConnection drives one accepted wire.OpSubscriptionRPC connection
// end to end: read the SubscriptionOpenRequest, admit it through
// supervisor under its persisted strategy (spec.md §4.9), and, if
// admitted, run the fetch-filter-batch-ack loop (Connection.Run) until
// the peer disconnects, ctx is cancelled, or the subscription is
// deleted or disabled. rd is the same *bufio.Reader the caller used to
// read the TcpConnectionHeader, threaded through for the same reason
// replication.NewIncomingConnection takes one: bytes the peer already
// pipelined after the header must not be stranded in a reader that's
// about to go out of scope.
func ServeConnection(ctx context.Context, conn net.Conn, rd *bufio.Reader, database, workerID, localDBID string, localShard uint32, localStore store.LocalStore, view *topology.View, subStore *Store, supervisor *Supervisor) error {
	wr := bufio.NewWriter(conn)

	var req wire.SubscriptionOpenRequest
	if _, err := wire.ReadFrame(rd, &req); err != nil {
		return err
	}

	st, ok, err := subStore.Load(ctx, database, req.Name)
	if err != nil {
		return err
	}
	if !ok {
		return wire.WriteFrame(wr, wire.SubscriptionOpenReply{Accepted: false, Reason: "subscription not found"}, nil)
	}

	subKey := subscriptionID(database, req.Name)
	accepted, err := supervisor.RegisterSubscriptionConnection(subKey, st.Strategy, workerSlot{
		WorkerID: workerID,
		Drop:     func(string) { conn.Close() },
	})
	if err != nil {
		return err
	}
	if !accepted {
		return wire.WriteFrame(wr, wire.SubscriptionOpenReply{Accepted: false, Reason: "subscription busy"}, nil)
	}
	defer supervisor.UnregisterSubscriptionConnection(subKey, workerID)

	if err := wire.WriteFrame(wr, wire.SubscriptionOpenReply{Accepted: true}, nil); err != nil {
		return err
	}

	c := NewConnection(req.Name, database, localDBID, localShard, localStore, view, subStore, nil)
	return c.Run(ctx, &wireHandler{wr: wr, rd: rd})
}
