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

// Package changelog implements the per-mutation-class secondary index
// keyed by (bucket, etag): component B of the replication core. Every
// write transaction that commits against the local document store
// calls Index.Append once per affected kind; the subscription
// connection's sharded path calls Index.ScanByBucket to resume a
// bounded, ascending, bucket-filtered walk of the log (the outbound
// replication worker reads store.LocalStore.ScanFromEtag instead).
package changelog

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/dreamware/coredb/common/kvstore"
	"github.com/dreamware/coredb/docdberr"
	"github.com/dreamware/coredb/proto"
)

const keyLen = 4 + 8 // bucket (big-endian u32) + etag (big-endian u64)

// Index is the Go shape of the "one method per kind" contract of
// spec.md §4.2. It is backed by a kvstore.Store with one column family
// per EntryKind, keyed so that lexicographic byte order is numeric
// (bucket, etag) order.
type Index struct {
	kv kvstore.Store
}

// NewIndex creates the per-kind column families on kv (idempotent) and
// returns an Index bound to them.
func NewIndex(kv kvstore.Store) (*Index, error) {
	for k := proto.EntryKindDocument; k <= proto.EntryKindTimeSeriesSegment; k++ {
		if err := kv.CreateColumn(cfFor(k)); err != nil {
			return nil, err
		}
	}
	return &Index{kv: kv}, nil
}

func cfFor(kind proto.EntryKind) kvstore.CF {
	return kvstore.CF("changelog." + kind.String())
}

func encodeKey(bucket uint32, etag uint64) []byte {
	key := make([]byte, keyLen)
	binary.BigEndian.PutUint32(key[:4], bucket)
	binary.BigEndian.PutUint64(key[4:], etag)
	return key
}

func decodeEtag(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[4:])
}

// Append indexes one committed mutation. The caller is responsible for
// having already assigned entry.Bucket and entry.Etag per the
// invariants of spec.md §3: (kind, etag) unique and strictly
// increasing per node, and bucket fixed for the lifetime of the entry.
func (ix *Index) Append(ctx context.Context, entry proto.ChangeLogEntry) error {
	if !entry.Kind.Valid() {
		return docdberr.ErrInvalidKind
	}
	if entry.Bucket >= proto.BucketCount {
		return docdberr.ErrInvalidBucket
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return docdberr.Wrap(docdberr.Fatal, err, "marshal change log entry")
	}
	return ix.kv.Set(ctx, cfFor(entry.Kind), encodeKey(entry.Bucket, entry.Etag), data)
}

// ScanByBucket opens a Cursor over entries of kind in bucket with
// etag > fromEtagExclusive, in strictly ascending etag order. The scan
// observes a read snapshot: entries appended after this call returns
// are never produced by the returned Cursor, matching spec.md §4.2.
func (ix *Index) ScanByBucket(ctx context.Context, kind proto.EntryKind, bucket uint32, fromEtagExclusive uint64) (*Cursor, error) {
	if !kind.Valid() {
		return nil, docdberr.ErrInvalidKind
	}
	if bucket >= proto.BucketCount {
		return nil, docdberr.ErrInvalidBucket
	}

	from := encodeKey(bucket, fromEtagExclusive+1)
	to := encodeKey(bucket+1, 0)
	it, err := ix.kv.Scan(ctx, cfFor(kind), from, to)
	if err != nil {
		return nil, err
	}
	return &Cursor{it: it, bucket: bucket, lastEtag: fromEtagExclusive}, nil
}

// Cursor is a restartable, strictly-ascending walk over one bucket of
// one kind. Callers resume by remembering Cursor.Etag() and passing it
// back as fromEtagExclusive on the next ScanByBucket call.
type Cursor struct {
	it       kvstore.Iterator
	bucket   uint32
	lastEtag uint64
}

// Next advances the cursor. It returns (entry, true, nil) for each
// produced entry, (zero, false, nil) once the sequence is exhausted,
// or a non-nil error if the underlying scan failed — I/O errors are
// fatal to the scan and propagate per spec.md §4.2.
func (c *Cursor) Next(ctx context.Context) (proto.ChangeLogEntry, bool, error) {
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
		return proto.ChangeLogEntry{}, false, docdberr.Wrap(docdberr.Fatal, err, "unmarshal change log entry")
	}
	if entry.Bucket != c.bucket || entry.Etag <= c.lastEtag {
		return proto.ChangeLogEntry{}, false, docdberr.New(docdberr.Fatal, "change log scan produced an out-of-range entry")
	}
	c.lastEtag = entry.Etag
	return entry, true, nil
}

// Etag is the etag of the last entry this cursor produced, or the
// fromEtagExclusive it was opened with if Next has never returned true.
func (c *Cursor) Etag() uint64 { return c.lastEtag }

// Close releases the underlying iterator.
func (c *Cursor) Close() error { return c.it.Close() }
