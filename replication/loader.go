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
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/coredb/consensus"
	"github.com/dreamware/coredb/docdberr"
	"github.com/dreamware/coredb/metrics"
	"github.com/dreamware/coredb/store"
	"github.com/dreamware/coredb/topology"
)

const rejectionRingSize = 25

// rejection is one recorded inbound-connection rejection, kept so an
// operator can see why a peer was turned away instead of just an EOF.
type rejection struct {
	SourceDBID string
	Reason     string
	At         time.Time
}

// Loader is the Replication Loader (component G): the supervisor
// that binds the Cluster State View to the outbound/inbound workers,
// reconciling the live destination set against the database record on
// every topology change. It is an actor — every mutation to its
// internal maps happens on the caller's goroutine under mu, the same
// single-owner discipline the teacher's ShardReplicationEngine gives
// its FSM-driven op map.
type Loader struct {
	localDBID    string
	localNodeTag string
	localURL     string
	localStore   store.LocalStore
	view         *topology.View
	dial         Dialer

	mu       sync.Mutex
	outgoing map[DestinationKey]*OutboundWorker
	incoming map[string]*IncomingConnection // keyed by source database id
	// disabledDeclared holds every external replication/sink task the
	// current database record names but marks Disabled: still declared,
	// just not running. Its mere non-emptiness forces the tombstone-safe
	// minimum to 0 (spec.md §4.7).
	disabledDeclared map[DestinationKey]bool

	sendEtagMu sync.RWMutex
	sendEtag   map[DestinationKey]uint64

	appliedMu sync.RWMutex
	applied   map[string]uint64 // source database id -> last applied etag

	rejectMu   sync.Mutex
	rejections []rejection

	disposeGroup errgroup.Group
}

// NewLoader builds a Loader for localDBID, not yet initialized. localURL
// is this node's own replication listen address, advertised to peers as
// the TcpConnectionHeader's SourceURL so they can tell which member is
// disconnecting when it later leaves the topology.
func NewLoader(localDBID, localNodeTag, localURL string, localStore store.LocalStore, view *topology.View, dial Dialer) *Loader {
	return &Loader{
		localDBID:        localDBID,
		localNodeTag:     localNodeTag,
		localURL:         localURL,
		localStore:       localStore,
		view:             view,
		dial:             dial,
		outgoing:         make(map[DestinationKey]*OutboundWorker),
		incoming:         make(map[string]*IncomingConnection),
		disabledDeclared: make(map[DestinationKey]bool),
		sendEtag:         make(map[DestinationKey]uint64),
		applied:          make(map[string]uint64),
	}
}

// Initialize starts the loader against an initial record. Idempotent:
// calling it again (e.g. on restart-from-snapshot) just re-reconciles.
func (l *Loader) Initialize(ctx context.Context, rec *consensus.DatabaseRecord, commitIndex uint64) error {
	return l.HandleDatabaseRecordChange(ctx, rec, commitIndex)
}

// PublishSendEtag implements EtagPublisher for OutboundWorker.
func (l *Loader) PublishSendEtag(key DestinationKey, etag uint64) {
	l.sendEtagMu.Lock()
	l.sendEtag[key] = etag
	l.sendEtagMu.Unlock()
}

// LastAppliedEtag implements SourceEtagTracker for IncomingConnection.
func (l *Loader) LastAppliedEtag(sourceDBID string) uint64 {
	l.appliedMu.RLock()
	defer l.appliedMu.RUnlock()
	return l.applied[sourceDBID]
}

// RecordApplied implements SourceEtagTracker for IncomingConnection.
func (l *Loader) RecordApplied(sourceDBID string, etag uint64) {
	l.appliedMu.Lock()
	l.applied[sourceDBID] = etag
	l.appliedMu.Unlock()
}

// GetMinimalEtagForReplication implements spec.md §4.7: the minimum
// etag the tombstone cleaner may safely assume every destination has
// already received.
func (l *Loader) GetMinimalEtagForReplication(ctx context.Context) uint64 {
	l.mu.Lock()
	anyDisabledDeclared := len(l.disabledDeclared) > 0
	destinations := make([]DestinationKey, 0, len(l.outgoing))
	for k := range l.outgoing {
		destinations = append(destinations, k)
	}
	l.mu.Unlock()

	// A disabled-but-still-declared destination (external replication or
	// sink pull-replication with Disabled: true) forces the minimum to 0
	// even though it was never added to `outgoing`: it is a destination
	// this node must still honor, just not one that is currently running.
	if anyDisabledDeclared || len(destinations) == 0 {
		metrics.MinimalReplicationEtag.WithLabelValues(l.localDBID).Set(0)
		return 0
	}

	l.sendEtagMu.RLock()
	var min uint64
	first := true
	for _, k := range destinations {
		etag, acked := l.sendEtag[k]
		if !acked {
			l.sendEtagMu.RUnlock()
			metrics.MinimalReplicationEtag.WithLabelValues(l.localDBID).Set(0)
			return 0
		}
		if first || etag < min {
			min = etag
			first = false
		}
	}
	l.sendEtagMu.RUnlock()

	if cursor, ok := l.minExternalPersistedCursor(ctx); ok && cursor < min {
		min = cursor
	}

	metrics.MinimalReplicationEtag.WithLabelValues(l.localDBID).Set(float64(min))
	return min
}

// minExternalPersistedCursor further lowers the minimum by the lowest
// persisted cursor any declared external replication or sink
// pull-replication task has reported back through the cluster log
// (spec.md §4.7's "further lowered by..." clause) — progress an
// external consumer records by some means other than this node's own
// OutboundWorker acks (e.g. a pull hub reporting what it has fetched).
func (l *Loader) minExternalPersistedCursor(ctx context.Context) (uint64, bool) {
	snapshot, err := l.view.Current(ctx)
	if err != nil {
		return 0, false
	}

	var min uint64
	found := false
	consider := func(taskID string) {
		raw, ok, err := l.view.Log().GetBlob(ctx, externalCursorBlobKey(l.localDBID, taskID))
		if err != nil || !ok {
			return
		}
		etag, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return
		}
		if !found || etag < min {
			min = etag
			found = true
		}
	}
	for _, ext := range snapshot.ExternalReplications {
		consider(ext.TaskID)
	}
	for _, sink := range snapshot.SinkPullReplications {
		consider(sink.TaskID)
	}
	return min, found
}

// externalCursorBlobKey names the cluster-log blob an external
// replication task's consumer persists its progress under, mirroring
// the subscription store's "subscriptions/<db>/<name>" key convention.
func externalCursorBlobKey(localDBID, taskID string) string {
	return "external-replication-cursor/" + localDBID + "/" + taskID
}

// HandleDatabaseRecordChange is the reconciler of spec.md §4.4.
func (l *Loader) HandleDatabaseRecordChange(ctx context.Context, rec *consensus.DatabaseRecord, commitIndex uint64) error {
	span := trace.SpanFromContextSafe(ctx)
	snapshot := l.view.HandleRecordChange(rec, commitIndex)

	l.mu.Lock()
	defer l.mu.Unlock()

	if snapshot.Passive || rec == nil {
		l.dropAllLocked(span)
		return nil
	}

	wanted, disabledDeclared := l.computeDestinationsLocked(snapshot)
	l.disabledDeclared = disabledDeclared

	var errs *multierror.Error
	current := make(map[DestinationKey]*OutboundWorker, len(l.outgoing))
	for k, w := range l.outgoing {
		current[k] = w
	}

	for key, dest := range wanted {
		if existing, ok := current[key]; ok {
			existing.UpdateDestination(dest)
			continue
		}
		if err := l.addAndStartOutgoingLocked(ctx, span, dest); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for key, worker := range current {
		if _, stillWanted := wanted[key]; stillWanted {
			continue
		}
		delete(l.outgoing, key)
		l.disposeAsync(worker)
		l.dropIncomingFromLocked(key.URL)
	}

	metrics.OutgoingWorkers.WithLabelValues(l.localDBID).Set(float64(len(l.outgoing)))
	if errs != nil {
		span.Warnf("replication: reconcile for %s completed with errors: %v", l.localDBID, errs)
		return errs.ErrorOrNil()
	}
	return nil
}

func (l *Loader) dropAllLocked(span trace.Span) {
	span.Infof("replication: %s is now passive, dropping %d outgoing and %d incoming connections", l.localDBID, len(l.outgoing), len(l.incoming))
	for key, w := range l.outgoing {
		delete(l.outgoing, key)
		l.disposeAsync(w)
	}
	for source, conn := range l.incoming {
		delete(l.incoming, source)
		conn.Close()
	}
	l.disabledDeclared = make(map[DestinationKey]bool)
	metrics.OutgoingWorkers.WithLabelValues(l.localDBID).Set(0)
	metrics.IncomingConnections.WithLabelValues(l.localDBID).Set(0)
}

// computeDestinationsLocked returns the wanted destination set and,
// separately, every declared external replication/sink task that is
// currently Disabled — still named by the record, just not running.
// The latter is never added to wanted (a disabled destination has
// nothing to stream to and no worker to start) but must still be
// tracked: spec.md §4.7 requires it to force the tombstone-safe
// minimum to 0 regardless.
func (l *Loader) computeDestinationsLocked(s *topology.Snapshot) (wanted map[DestinationKey]Destination, disabledDeclared map[DestinationKey]bool) {
	wanted = make(map[DestinationKey]Destination)
	disabledDeclared = make(map[DestinationKey]bool)

	for _, m := range s.Members {
		if m.NodeTag == l.localNodeTag || s.IsDeleting(m.NodeTag) {
			continue
		}
		d := InternalDestination{NodeTag: m.NodeTag, URL: m.URL, Database: s.Database}
		wanted[d.Identity()] = d
	}

	for _, ext := range s.ExternalReplications {
		d := ExternalRegularDestination{
			TaskID: ext.TaskID, ConnectionString: ext.ConnectionString,
			Database: ext.Database, DelayReplicationFor: int64(ext.DelayReplicationFor),
		}
		if ext.Disabled {
			disabledDeclared[d.Identity()] = true
			continue
		}
		if !l.view.IsMyTask(s, ext.TaskID, s.CommitIndex) {
			continue
		}
		wanted[d.Identity()] = d
	}
	for _, sink := range s.SinkPullReplications {
		d := ExternalSinkDestination{
			TaskID: sink.TaskID, ConnectionString: sink.ConnectionString,
			HubName: sink.HubName, CertificateThumbprint: sink.CertificateThumbprint,
		}
		if sink.Disabled {
			disabledDeclared[d.Identity()] = true
			continue
		}
		if !l.view.IsMyTask(s, sink.TaskID, s.CommitIndex) {
			continue
		}
		wanted[d.Identity()] = d
	}
	return wanted, disabledDeclared
}

func (l *Loader) addAndStartOutgoingLocked(ctx context.Context, span trace.Span, dest Destination) error {
	key := dest.Identity()
	if key.URL == "" {
		return docdberr.New(docdberr.Protocol, "replication destination "+key.String()+" has no connection string")
	}
	w := NewOutboundWorker(dest, l.localDBID, l.localURL, l.localStore, l, l.dial)
	l.outgoing[key] = w
	w.Start(ctx)
	span.Infof("replication: started outgoing worker for %s", key)
	return nil
}

// disposeAsync tears a removed worker down on a goroutine pool so the
// reconciler never blocks on teardown (spec.md §4.4 step 6).
func (l *Loader) disposeAsync(w *OutboundWorker) {
	l.disposeGroup.Go(func() error {
		w.Stop()
		return nil
	})
}

// dropIncomingFromLocked closes any inbound connection sourced from
// url: when a peer leaves the topology we stop accepting its pushes
// too, rather than leaving a half-severed relationship (spec.md §4.4
// step 4).
func (l *Loader) dropIncomingFromLocked(url string) {
	for source, conn := range l.incoming {
		if conn.SourceURL != url {
			continue
		}
		delete(l.incoming, source)
		conn.Close()
	}
	metrics.IncomingConnections.WithLabelValues(l.localDBID).Set(float64(len(l.incoming)))
}

// AcceptIncomingConnection implements spec.md §4.4's admission
// invariants for a freshly-accepted TCP connection whose
// TcpConnectionHeader has already been read by the listener.
func (l *Loader) AcceptIncomingConnection(ctx context.Context, sourceDBID, sourceURL string, conn net.Conn, rd *bufio.Reader, passive bool) (*IncomingConnection, error) {
	span := trace.SpanFromContextSafe(ctx)
	if sourceDBID == l.localDBID {
		l.reject(span, sourceDBID, "self-replication is not permitted")
		return nil, docdberr.ErrSelfReplication
	}
	if passive {
		l.reject(span, sourceDBID, "this node is passive for the database")
		return nil, docdberr.ErrNodePassive
	}

	l.mu.Lock()
	if existing, ok := l.incoming[sourceDBID]; ok {
		if !existing.shutdown.IsStale() {
			l.mu.Unlock()
			l.reject(span, sourceDBID, "a fresher connection from this source is already active")
			return nil, docdberr.ErrStaleConnectionWins
		}
		delete(l.incoming, sourceDBID)
	}
	ic := NewIncomingConnection(sourceDBID, sourceURL, l.localDBID, conn, rd, l.localStore, l)
	l.incoming[sourceDBID] = ic
	metrics.IncomingConnections.WithLabelValues(l.localDBID).Set(float64(len(l.incoming)))
	l.mu.Unlock()

	return ic, nil
}

func (l *Loader) reject(span trace.Span, sourceDBID, reason string) {
	span.Warnf("replication: rejected incoming connection from %s: %s", sourceDBID, reason)
	metrics.IncomingRejections.WithLabelValues(l.localDBID, reason).Inc()
	l.rejectMu.Lock()
	defer l.rejectMu.Unlock()
	l.rejections = append(l.rejections, rejection{SourceDBID: sourceDBID, Reason: reason, At: time.Now()})
	if len(l.rejections) > rejectionRingSize {
		l.rejections = l.rejections[len(l.rejections)-rejectionRingSize:]
	}
}

// Rejections returns a copy of the bounded rejection ring.
func (l *Loader) Rejections() []rejection {
	l.rejectMu.Lock()
	defer l.rejectMu.Unlock()
	out := make([]rejection, len(l.rejections))
	copy(out, l.rejections)
	return out
}

// Close stops every outbound worker and waits for async disposal to
// finish draining.
func (l *Loader) Close() {
	l.mu.Lock()
	workers := make([]*OutboundWorker, 0, len(l.outgoing))
	for _, w := range l.outgoing {
		workers = append(workers, w)
	}
	l.outgoing = make(map[DestinationKey]*OutboundWorker)
	l.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	_ = l.disposeGroup.Wait()
}
