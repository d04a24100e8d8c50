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
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/coredb/docdberr"
	"github.com/dreamware/coredb/metrics"
	"github.com/dreamware/coredb/proto"
	"github.com/dreamware/coredb/store"
	"github.com/dreamware/coredb/util"
	"github.com/dreamware/coredb/wire"
)

// OutboundState is the Outbound Replication Worker's (component E)
// state machine of spec.md §4.5.
type OutboundState int32

const (
	StateNotStarted OutboundState = iota
	StateConnecting
	StateNegotiating
	StateStreaming
	StateIdle
	StateReconnecting
	StateClosed
)

func (s OutboundState) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateConnecting:
		return "Connecting"
	case StateNegotiating:
		return "Negotiating"
	case StateStreaming:
		return "Streaming"
	case StateIdle:
		return "Idle"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	batchMaxEntries = 256
	batchMaxBytes   = 4 << 20
	heartbeatEvery  = 10 * time.Second
)

// Dialer abstracts the outbound transport so tests can substitute an
// in-memory pipe instead of a real socket.
type Dialer func(ctx context.Context, url string) (net.Conn, error)

// EtagPublisher is how an OutboundWorker reports progress back to the
// Loader's last_send_etag_per_destination map (spec.md §4.5 step 4)
// without holding a direct reference to the whole Loader.
type EtagPublisher interface {
	PublishSendEtag(key DestinationKey, etag uint64)
}

// OutboundWorker streams one destination's replication feed. One
// instance per destination, owned and supervised by the Loader.
type OutboundWorker struct {
	destination Destination
	localDBID   string
	localURL    string
	localStore  store.LocalStore
	shutdown    *ShutdownInfo
	publisher   EtagPublisher
	dial        Dialer
	limiter     *rate.Limiter

	mu       sync.Mutex
	delayFor time.Duration

	state           atomic.Int32
	lastAcceptedVec proto.ChangeVector
	lastSentEtag    atomic.Uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewOutboundWorker builds a worker for destination, not yet started.
func NewOutboundWorker(destination Destination, localDBID, localURL string, localStore store.LocalStore, publisher EtagPublisher, dial Dialer) *OutboundWorker {
	w := &OutboundWorker{
		destination: destination,
		localDBID:   localDBID,
		localURL:    localURL,
		localStore:  localStore,
		shutdown:    NewShutdownInfo(destination.Identity().String()),
		publisher:   publisher,
		dial:        dial,
		delayFor:    time.Duration(destination.DelayFor()),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	w.state.Store(int32(StateNotStarted))
	return w
}

// State is the worker's current machine state.
func (w *OutboundWorker) State() OutboundState { return OutboundState(w.state.Load()) }

// LastSentEtag is the highest etag this worker has had acknowledged.
func (w *OutboundWorker) LastSentEtag() uint64 { return w.lastSentEtag.Load() }

// Identity forwards to the underlying destination for map keying.
func (w *OutboundWorker) Identity() DestinationKey { return w.destination.Identity() }

// UpdateDestination mutates delay/mentor properties of a kept
// destination in place (spec.md §4.4 step 5). A changed delay applies
// starting with the next batch applyDelayAndRate sends; in-flight waits
// already in progress run out at the old value.
func (w *OutboundWorker) UpdateDestination(d Destination) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delayFor = time.Duration(d.DelayFor())
	w.destination = d
}

// SetRateLimit installs a per-destination send-rate limiter; nil
// disables limiting.
func (w *OutboundWorker) SetRateLimit(l *rate.Limiter) {
	w.mu.Lock()
	w.limiter = l
	w.mu.Unlock()
}

// Start launches the worker's run loop. It returns immediately.
func (w *OutboundWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to close its connection and exit, and waits
// for it to do so.
func (w *OutboundWorker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

func (w *OutboundWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.state.Store(int32(StateClosed))

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connectAndStream(ctx); err != nil {
			w.shutdown.OnError(err)
			w.state.Store(int32(StateReconnecting))
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(time.Until(w.shutdown.RetryOn())):
			}
		}
	}
}

func (w *OutboundWorker) connectAndStream(ctx context.Context) error {
	w.state.Store(int32(StateConnecting))
	conn, err := w.dial(ctx, w.destination.Identity().URL)
	if err != nil {
		return docdberr.Wrap(docdberr.Transport, err, "dial replication destination")
	}
	defer conn.Close()

	rd := bufio.NewReader(conn)
	wr := bufio.NewWriter(conn)

	w.state.Store(int32(StateNegotiating))
	header := wire.TcpConnectionHeader{
		ProtocolVersion: proto.ProtocolVersion,
		SourceDBID:      w.localDBID,
		SourceURL:       w.localURL,
		Database:        w.destination.Identity().Database,
		Op:              wire.OpReplication,
	}
	if err := wire.WriteFrame(wr, header, nil); err != nil {
		return err
	}
	if err := wire.WriteFrame(wr, wire.ReplicationLatestEtagRequest{LastSentEtag: w.lastSentEtag.Load()}, nil); err != nil {
		return err
	}
	var reply wire.ReplicationMessageReply
	if _, err := wire.ReadFrame(rd, &reply); err != nil {
		return err
	}
	w.lastAcceptedVec = reply.DatabaseVector
	w.lastSentEtag.Store(reply.LastEtagAccepted)
	w.shutdown.Reset()

	return w.stream(ctx, rd, wr, reply.LastEtagAccepted)
}

func (w *OutboundWorker) stream(ctx context.Context, rd *bufio.Reader, wr *bufio.Writer, fromEtag uint64) error {
	cur, err := w.localStore.ScanFromEtag(ctx, fromEtag)
	if err != nil {
		return err
	}
	defer cur.Close()

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, payloads, err := w.nextBatch(ctx, cur)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			w.state.Store(int32(StateIdle))
			select {
			case <-w.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-w.localStore.Watch().C():
				continue
			case <-heartbeat.C:
				if err := wire.WriteFrame(wr, wire.Heartbeat{SentAtUnixNano: time.Now().UnixNano()}, nil); err != nil {
					return err
				}
				continue
			}
		}

		w.state.Store(int32(StateStreaming))
		if err := w.applyDelayAndRate(ctx, batch); err != nil {
			return err
		}
		block, sizes := wire.JoinPayloads(payloads)
		writeErr := wire.WriteFrame(wr, wire.BatchMessage{Entries: batch, PayloadSizes: sizes}, block)
		util.PutBuffer(block)
		if writeErr != nil {
			return writeErr
		}

		var ack wire.BatchAck
		if _, err := wire.ReadFrame(rd, &ack); err != nil {
			return err
		}
		w.lastAcceptedVec = w.lastAcceptedVec.MergeWith(ack.DatabaseVector)
		w.lastSentEtag.Store(ack.AcceptedEtag)
		metrics.EntriesSent.WithLabelValues(w.Identity().String()).Add(float64(len(batch)))
		if w.publisher != nil {
			w.publisher.PublishSendEtag(w.Identity(), ack.AcceptedEtag)
		}
	}
}

func (w *OutboundWorker) nextBatch(ctx context.Context, cur *store.EtagCursor) ([]proto.ChangeLogEntry, [][]byte, error) {
	var entries []proto.ChangeLogEntry
	var payloads [][]byte
	size := 0
	for len(entries) < batchMaxEntries && size < batchMaxBytes {
		e, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		var payload []byte
		if len(e.PayloadRef) > 0 {
			payload, _ = w.localStore.ReadPayload(ctx, e.PayloadRef)
		}
		entries = append(entries, e)
		payloads = append(payloads, payload)
		size += len(payload)
	}
	return entries, payloads, nil
}

func (w *OutboundWorker) applyDelayAndRate(ctx context.Context, batch []proto.ChangeLogEntry) error {
	w.mu.Lock()
	delay := w.delayFor
	limiter := w.limiter
	w.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if limiter != nil {
		if err := limiter.WaitN(ctx, len(batch)); err != nil {
			return docdberr.Wrap(docdberr.Transport, err, "rate limit wait")
		}
	}
	return nil
}
