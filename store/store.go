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

// Package store defines the external local document store contract
// that the replication and subscription engines write through and
// read change log entries alongside. Durable storage layout is out of
// this module's scope (spec.md §1's Non-goals) — LocalStore is the
// seam, and Reference is a pure-Go implementation of it good enough to
// drive every other package's tests, grounded on the teacher's
// master/store.Store (a thin wrapper gluing a kvstore.Store to the
// raft group it backs).
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/dreamware/coredb/bucket"
	"github.com/dreamware/coredb/changelog"
	"github.com/dreamware/coredb/common/kvstore"
	"github.com/dreamware/coredb/docdberr"
	"github.com/dreamware/coredb/proto"
)

const (
	documentsCF = kvstore.CF("documents")
	replogCF    = kvstore.CF("replog")
)

// LocalStore is what the Replication Loader, the outbound/inbound
// workers, and the subscription connection all write through or read
// payloads from. WriteDocument and WriteTombstone are the only two
// entry points that mint a ChangeLogEntry — every other component only
// ever reads the change log index.
type LocalStore interface {
	// WriteDocument assigns a fresh etag and bucket for id, persists
	// payload, indexes the resulting ChangeLogEntry, and wakes Watch.
	WriteDocument(ctx context.Context, id string, payload []byte) (proto.ChangeLogEntry, error)
	// WriteTombstone records id's deletion. Its etag is always greater
	// than any etag previously issued for id (spec.md §3).
	WriteTombstone(ctx context.Context, id string) (proto.ChangeLogEntry, error)
	// ApplyReceived writes an entry received from a replication peer
	// through to local storage verbatim, without minting a new etag;
	// the inbound handler calls this for every item in a batch.
	ApplyReceived(ctx context.Context, entry proto.ChangeLogEntry, payload []byte) error
	// ReadPayload dereferences a PayloadRef produced by this store.
	ReadPayload(ctx context.Context, ref []byte) ([]byte, error)
	// Index is the change log index entries above are visible through.
	Index() *changelog.Index
	// ScanFromEtag opens a whole-database, kind-agnostic ascending scan
	// from fromExclusive, the read path the Outbound Replication Worker
	// uses (spec.md §4.5): replication ships the full database to a
	// peer in etag order, not one (kind, bucket) pair at a time.
	ScanFromEtag(ctx context.Context, fromExclusive uint64) (*EtagCursor, error)
	// Watch returns the broadcast notifier signalled on every write.
	Watch() *changelog.Watcher
	// CurrentEtag is the highest etag this store has allocated or
	// absorbed from a peer, the value an inbound handler reports as its
	// database change vector component when replying to a peer.
	CurrentEtag() uint64
	Close() error
}

// Reference is a pure-Go, in-memory LocalStore: one kvstore.Store
// column family for payloads, one changelog.Index for the secondary
// index, and a per-node monotonic etag counter.
type Reference struct {
	dbID string
	kv   kvstore.Store
	idx  *changelog.Index
	w    *changelog.Watcher

	mu       sync.Mutex
	nextEtag uint64
}

// NewReference builds a Reference store for database dbID on kv.
func NewReference(dbID string, kv kvstore.Store) (*Reference, error) {
	if err := kv.CreateColumn(documentsCF); err != nil {
		return nil, err
	}
	if err := kv.CreateColumn(replogCF); err != nil {
		return nil, err
	}
	idx, err := changelog.NewIndex(kv)
	if err != nil {
		return nil, err
	}
	return &Reference{dbID: dbID, kv: kv, idx: idx, w: changelog.NewWatcher()}, nil
}

func replogKey(etag uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, etag)
	return key
}

func (r *Reference) appendReplog(ctx context.Context, entry proto.ChangeLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return docdberr.Wrap(docdberr.Fatal, err, "marshal replication log entry")
	}
	return r.kv.Set(ctx, replogCF, replogKey(entry.Etag), data)
}

// ScanFromEtag implements LocalStore.
func (r *Reference) ScanFromEtag(ctx context.Context, fromExclusive uint64) (*EtagCursor, error) {
	from := replogKey(fromExclusive + 1)
	it, err := r.kv.Scan(ctx, replogCF, from, nil)
	if err != nil {
		return nil, err
	}
	return &EtagCursor{it: it, lastEtag: fromExclusive}, nil
}

// EtagCursor is a restartable, strictly-ascending whole-database scan
// produced by ScanFromEtag.
type EtagCursor struct {
	it       kvstore.Iterator
	lastEtag uint64
}

// Next advances the cursor, mirroring changelog.Cursor.Next's contract
// but without the single-bucket restriction.
func (c *EtagCursor) Next(ctx context.Context) (proto.ChangeLogEntry, bool, error) {
	select {
	case <-ctx.Done():
		return proto.ChangeLogEntry{}, false, ctx.Err()
	default:
	}
	if !c.it.Next() {
		if err := c.it.Err(); err != nil {
			return proto.ChangeLogEntry{}, false, err
		}
		return proto.ChangeLogEntry{}, false, nil
	}
	var entry proto.ChangeLogEntry
	if err := json.Unmarshal(c.it.Value(), &entry); err != nil {
		return proto.ChangeLogEntry{}, false, docdberr.Wrap(docdberr.Fatal, err, "unmarshal replication log entry")
	}
	if entry.Etag <= c.lastEtag {
		return proto.ChangeLogEntry{}, false, docdberr.New(docdberr.Fatal, "replication scan produced an out-of-range entry")
	}
	c.lastEtag = entry.Etag
	return entry, true, nil
}

// Etag is the etag of the last entry produced.
func (c *EtagCursor) Etag() uint64 { return c.lastEtag }

// Close releases the underlying iterator.
func (c *EtagCursor) Close() error { return c.it.Close() }

func (r *Reference) allocateEtag() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEtag++
	return r.nextEtag
}

func payloadKey(id string, etag uint64) []byte {
	key := make([]byte, len(id)+8)
	copy(key, id)
	binary.BigEndian.PutUint64(key[len(id):], etag)
	return key
}

// WriteDocument implements LocalStore.
func (r *Reference) WriteDocument(ctx context.Context, id string, payload []byte) (proto.ChangeLogEntry, error) {
	return r.write(ctx, id, proto.EntryKindDocument, payload)
}

// WriteTombstone implements LocalStore.
func (r *Reference) WriteTombstone(ctx context.Context, id string) (proto.ChangeLogEntry, error) {
	return r.write(ctx, id, proto.EntryKindTombstone, nil)
}

func (r *Reference) write(ctx context.Context, id string, kind proto.EntryKind, payload []byte) (proto.ChangeLogEntry, error) {
	etag := r.allocateEtag()
	b := bucket.Of(id)
	ref := payloadKey(id, etag)

	if payload != nil {
		if err := r.kv.Set(ctx, documentsCF, ref, payload); err != nil {
			return proto.ChangeLogEntry{}, err
		}
	}

	entry := proto.ChangeLogEntry{
		Kind:         kind,
		Bucket:       b,
		Etag:         etag,
		ID:           id,
		ChangeVector: proto.ChangeVector("").WithEtag(r.dbID, etag),
		PayloadRef:   ref,
	}
	if err := r.idx.Append(ctx, entry); err != nil {
		return proto.ChangeLogEntry{}, err
	}
	if err := r.appendReplog(ctx, entry); err != nil {
		return proto.ChangeLogEntry{}, err
	}
	r.w.Notify()
	return entry, nil
}

// ApplyReceived implements LocalStore.
func (r *Reference) ApplyReceived(ctx context.Context, entry proto.ChangeLogEntry, payload []byte) error {
	if !entry.Kind.Valid() {
		return docdberr.ErrInvalidKind
	}
	if payload != nil {
		ref := payloadKey(entry.ID, entry.Etag)
		if err := r.kv.Set(ctx, documentsCF, ref, payload); err != nil {
			return err
		}
		entry.PayloadRef = ref
	}
	if err := r.idx.Append(ctx, entry); err != nil {
		return err
	}
	if err := r.appendReplog(ctx, entry); err != nil {
		return err
	}
	r.mu.Lock()
	if entry.Etag > r.nextEtag {
		r.nextEtag = entry.Etag
	}
	r.mu.Unlock()
	r.w.Notify()
	return nil
}

// ReadPayload implements LocalStore.
func (r *Reference) ReadPayload(ctx context.Context, ref []byte) ([]byte, error) {
	return r.kv.Get(ctx, documentsCF, ref)
}

// Index implements LocalStore.
func (r *Reference) Index() *changelog.Index { return r.idx }

// Watch implements LocalStore.
func (r *Reference) Watch() *changelog.Watcher { return r.w }

// CurrentEtag implements LocalStore.
func (r *Reference) CurrentEtag() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextEtag
}

// Close implements LocalStore.
func (r *Reference) Close() error { return r.kv.Close() }
