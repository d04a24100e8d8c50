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

package replication

import (
	"bufio"
	"context"
	"net"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/dreamware/coredb/docdberr"
	"github.com/dreamware/coredb/metrics"
	"github.com/dreamware/coredb/proto"
	"github.com/dreamware/coredb/store"
	"github.com/dreamware/coredb/wire"
)

// SourceEtagTracker remembers, per source database id, the last etag
// this node has durably applied from that source — what an Inbound
// Replication Handler reports back as LastEtagAccepted so a
// reconnecting peer resumes exactly where it left off.
type SourceEtagTracker interface {
	LastAppliedEtag(sourceDBID string) uint64
	RecordApplied(sourceDBID string, etag uint64)
}

// IncomingConnection is the Inbound Replication Handler (component F):
// one instance per accepted peer connection.
type IncomingConnection struct {
	SourceDBID string
	SourceURL  string

	localDBID  string
	localStore store.LocalStore
	tracker    SourceEtagTracker
	shutdown   *ShutdownInfo

	conn net.Conn
	rd   *bufio.Reader
}

// NewIncomingConnection wraps an accepted, already-header-read conn.
// AcceptIncomingConnection (in loader.go) enforces the admission
// invariants of spec.md §4.4 before this is constructed. rd is the
// same *bufio.Reader the listener used to read the TcpConnectionHeader
// off conn; reusing it (rather than wrapping conn a second time) keeps
// any pipelined bytes the peer already sent from being stranded in a
// buffer that is about to go out of scope.
func NewIncomingConnection(sourceDBID, sourceURL, localDBID string, conn net.Conn, rd *bufio.Reader, localStore store.LocalStore, tracker SourceEtagTracker) *IncomingConnection {
	if rd == nil {
		rd = bufio.NewReader(conn)
	}
	return &IncomingConnection{
		SourceDBID: sourceDBID,
		SourceURL:  sourceURL,
		localDBID:  localDBID,
		conn:       conn,
		rd:         rd,
		localStore: localStore,
		tracker:    tracker,
		shutdown:   NewShutdownInfo(sourceDBID),
	}
}

// Close forcibly closes the underlying connection, unblocking Serve.
func (c *IncomingConnection) Close() error { return c.conn.Close() }

// Serve runs the negotiate-then-receive loop until the peer
// disconnects, ctx is cancelled, or a protocol violation occurs.
func (c *IncomingConnection) Serve(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	defer c.conn.Close()
	rd := c.rd
	wr := bufio.NewWriter(c.conn)

	var req wire.ReplicationLatestEtagRequest
	if _, err := wire.ReadFrame(rd, &req); err != nil {
		return err
	}

	lastApplied := c.tracker.LastAppliedEtag(c.SourceDBID)
	reply := wire.ReplicationMessageReply{
		LastEtagAccepted: lastApplied,
		DatabaseVector:   proto.ChangeVector("").WithEtag(c.localDBID, c.localStore.CurrentEtag()),
	}
	if err := wire.WriteFrame(wr, reply, nil); err != nil {
		return err
	}
	c.shutdown.Heartbeat()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var frame wire.AnyReplicationFrame
		payload, err := wire.ReadFrame(rd, &frame)
		if err != nil {
			c.shutdown.OnError(err)
			span.Warnf("replication: incoming connection from %s closed: %v", c.SourceDBID, err)
			return err
		}
		c.shutdown.Heartbeat()

		if frame.IsHeartbeat() {
			continue
		}

		payloads := wire.SplitPayloads(payload, frame.PayloadSizes)
		highest := lastApplied
		for i, entry := range frame.Entries {
			var p []byte
			if i < len(payloads) {
				p = payloads[i]
			}
			if err := c.localStore.ApplyReceived(ctx, entry, p); err != nil {
				return docdberr.Wrap(docdberr.Protocol, err, "apply received change log entry")
			}
			if entry.Etag > highest {
				highest = entry.Etag
			}
		}
		lastApplied = highest
		c.tracker.RecordApplied(c.SourceDBID, highest)
		metrics.EntriesApplied.WithLabelValues(c.SourceDBID).Add(float64(len(frame.Entries)))

		ack := wire.BatchAck{
			AcceptedEtag:   highest,
			DatabaseVector: proto.ChangeVector("").WithEtag(c.localDBID, c.localStore.CurrentEtag()),
		}
		if err := wire.WriteFrame(wr, ack, nil); err != nil {
			return err
		}
	}
}
