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
	"context"
	"fmt"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/dreamware/coredb/bucket"
	"github.com/dreamware/coredb/docdberr"
	"github.com/dreamware/coredb/metrics"
	"github.com/dreamware/coredb/proto"
	"github.com/dreamware/coredb/store"
	"github.com/dreamware/coredb/topology"
)

const heartbeatInterval = 10 * time.Second

// Item is one delivered change log entry plus its dereferenced payload.
type Item struct {
	Entry   proto.ChangeLogEntry
	Payload []byte
}

// Handler is the worker-supplied batch consumer of spec.md §4.8.
type Handler interface {
	HandleBatch(ctx context.Context, batch []Item) error
}

// FilterFunc is the subscription query predicate. Query parsing itself
// is out of this module's scope (spec.md §1 Non-goals: query planning);
// callers supply the compiled predicate.
type FilterFunc func(proto.ChangeLogEntry, []byte) bool

// Connection is the Subscription Connection (component I): one
// instance per open worker, running the fetch-filter-batch-ack loop
// against a single named subscription.
type Connection struct {
	Name       string
	Database   string
	LocalDBID  string
	LocalShard uint32

	localStore store.LocalStore
	view       *topology.View
	subStore   *Store
	filter     FilterFunc

	failingSince time.Time
}

// NewConnection builds a Connection for subscription name against
// database, reading from localStore and resolving shard authority
// against view's current topology snapshot.
func NewConnection(name, database, localDBID string, localShard uint32, localStore store.LocalStore, view *topology.View, subStore *Store, filter FilterFunc) *Connection {
	if filter == nil {
		filter = func(proto.ChangeLogEntry, []byte) bool { return true }
	}
	return &Connection{
		Name: name, Database: database, LocalDBID: localDBID, LocalShard: localShard,
		localStore: localStore, view: view, subStore: subStore, filter: filter,
	}
}

// Run drives the batch loop until ctx is cancelled, the subscription is
// deleted, or continuous failures exceed MaxErroneousPeriod.
func (c *Connection) Run(ctx context.Context, handler Handler) error {
	span := trace.SpanFromContextSafe(ctx)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		st, ok, err := c.subStore.Load(ctx, c.Database, c.Name)
		if err != nil {
			return err
		}
		if !ok {
			return docdberr.SubscriptionDoesNotExistError(c.Name, "", c.Database)
		}
		if st.Disabled {
			return nil
		}

		batch, err := c.nextBatch(ctx, *st)
		if err != nil {
			return err
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.localStore.Watch().C():
				continue
			case <-heartbeat.C:
				continue
			}
		}

		if err := handler.HandleBatch(ctx, batch); err != nil {
			metrics.SubscriptionHandlerErrors.WithLabelValues(c.Name).Inc()
			if !st.IgnoreSubscriberErrors {
				if err := c.recordFailure(*st); err != nil {
					return err
				}
				if err := c.waitBeforeRetry(ctx, st.TimeToWaitBeforeConnectionRetry); err != nil {
					return err
				}
				continue
			}
			span.Warnf("subscription %q: handler error ignored, advancing cursor anyway: %v", c.Name, err)
			// IgnoreSubscriberErrors: fall through and advance anyway.
		} else {
			c.failingSince = time.Time{}
		}

		// A handled batch is committed even if ctx was cancelled meanwhile.
		if err := c.advanceCursorPast(context.WithoutCancel(ctx), *st, batch); err != nil {
			return err
		}
		metrics.SubscriptionBatchesDelivered.WithLabelValues(c.Name).Inc()
	}
}

// recordFailure leaves the cursor untouched (per spec.md §4.8 step 5's
// error branch) and returns a permanent error once MaxErroneousPeriod
// has elapsed since the first continuous failure.
func (c *Connection) recordFailure(st State) error {
	if c.failingSince.IsZero() {
		c.failingSince = time.Now()
	}
	if st.MaxErroneousPeriod > 0 && time.Since(c.failingSince) > st.MaxErroneousPeriod {
		return docdberr.New(docdberr.SubscriberHandler, fmt.Sprintf(
			"subscription %q exceeded its maximum erroneous period", c.Name))
	}
	return nil
}

// waitBeforeRetry pauses before re-fetching the same undelivered batch,
// so a handler that errors on every call backs off at the subscription's
// configured pace instead of busy-looping (spec.md §4.8 step 5).
func (c *Connection) waitBeforeRetry(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Connection) advanceCursorPast(ctx context.Context, st State, batch []Item) error {
	if len(batch) == 0 {
		return nil
	}
	highest := uint64(0)
	for _, item := range batch {
		if item.Entry.Etag > highest {
			highest = item.Entry.Etag
		}
	}
	newCursor := proto.ChangeVector(st.ChangeVectorCursor).WithEtag(c.LocalDBID, highest)
	return c.subStore.AdvanceCursor(ctx, c.Database, c.Name, string(newCursor))
}

func (c *Connection) nextBatch(ctx context.Context, st State) ([]Item, error) {
	maxDocs := st.MaxDocsPerBatch
	if maxDocs <= 0 {
		maxDocs = 256
	}
	fromEtag, _ := proto.ChangeVector(st.ChangeVectorCursor).EtagFor(c.LocalDBID)

	snapshot, err := c.view.Current(ctx)
	if err != nil {
		return nil, err
	}

	if len(snapshot.Ranges) > 0 {
		return c.nextBatchSharded(ctx, snapshot, fromEtag, maxDocs)
	}
	return c.nextBatchGlobal(ctx, fromEtag, maxDocs)
}

// nextBatchGlobal scans the whole-database etag-ordered log, the path
// for an unsharded database (spec.md §4.8 step 2, "global etag order").
func (c *Connection) nextBatchGlobal(ctx context.Context, fromEtag uint64, maxDocs int) ([]Item, error) {
	cur, err := c.localStore.ScanFromEtag(ctx, fromEtag)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []Item
	for len(out) < maxDocs {
		entry, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if item, keep := c.toItem(ctx, entry); keep {
			out = append(out, item)
		}
	}
	return out, nil
}

// nextBatchSharded walks the change log index bucket by bucket
// (spec.md §4.8 step 2, "bucket order if sharded"), skipping any bucket
// this shard is not currently authoritative for.
func (c *Connection) nextBatchSharded(ctx context.Context, snapshot *topology.Snapshot, fromEtag uint64, maxDocs int) ([]Item, error) {
	var out []Item
	for _, r := range snapshot.Ranges {
		if r.Shard != c.LocalShard {
			continue
		}
		for b := r.Lo; b < r.Hi && len(out) < maxDocs; b++ {
			if owner, ok := bucket.ShardOf(b, snapshot.Ranges, snapshot.Migrations, false); !ok || owner != c.LocalShard {
				continue // owner is a different shard; skip, don't deliver.
			}
			if err := c.drainBucket(ctx, b, fromEtag, maxDocs, &out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (c *Connection) drainBucket(ctx context.Context, b uint32, fromEtag uint64, maxDocs int, out *[]Item) error {
	cur, err := c.localStore.Index().ScanByBucket(ctx, proto.EntryKindDocument, b, fromEtag)
	if err != nil {
		return err
	}
	defer cur.Close()

	for len(*out) < maxDocs {
		entry, ok, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if item, keep := c.toItem(ctx, entry); keep {
			*out = append(*out, item)
		}
	}
	return nil
}

func (c *Connection) toItem(ctx context.Context, entry proto.ChangeLogEntry) (Item, bool) {
	var payload []byte
	if len(entry.PayloadRef) > 0 {
		payload, _ = c.localStore.ReadPayload(ctx, entry.PayloadRef)
	}
	if !c.filter(entry, payload) {
		return Item{}, false
	}
	return Item{Entry: entry, Payload: payload}, true
}
