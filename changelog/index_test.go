package changelog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/coredb/bucket"
	"github.com/dreamware/coredb/common/kvstore"
	"github.com/dreamware/coredb/docdberr"
	"github.com/dreamware/coredb/proto"
)

func newTestIndex(t *testing.T) *Index {
	ix, err := NewIndex(kvstore.NewMemStore())
	require.NoError(t, err)
	return ix
}

func TestScanByBucket_AscendingAndBoundedToBucket(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)

	suffix0 := bucket.Of("suffix0")
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("users/%d$suffix0", i)
		require.Equal(t, suffix0, bucket.Of(id))
		require.NoError(t, ix.Append(ctx, proto.ChangeLogEntry{
			Kind: proto.EntryKindDocument, Bucket: suffix0, Etag: uint64(i + 1), ID: id,
		}))
	}
	// noise in a different bucket must never show up in the suffix0 scan.
	require.NoError(t, ix.Append(ctx, proto.ChangeLogEntry{
		Kind: proto.EntryKindDocument, Bucket: suffix0 + 1, Etag: 1, ID: "other$suffix1",
	}))

	cur, err := ix.ScanByBucket(ctx, proto.EntryKindDocument, suffix0, 0)
	require.NoError(t, err)
	defer cur.Close()

	count := 0
	var split uint64
	for {
		e, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, suffix0, e.Bucket)
		count++
		if count == 70 {
			split = e.Etag
		}
	}
	require.Equal(t, 100, count)

	cur2, err := ix.ScanByBucket(ctx, proto.EntryKindDocument, suffix0, split)
	require.NoError(t, err)
	defer cur2.Close()

	count = 0
	for {
		e, ok, err := cur2.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Greater(t, e.Etag, split)
		require.True(t, len(e.ID) >= len("$suffix0") && e.ID[len(e.ID)-len("$suffix0"):] == "$suffix0")
		count++
	}
	require.Equal(t, 30, count)
}

func TestScanByBucket_EmptyBucketReturnsEmptySequence(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)

	cur, err := ix.ScanByBucket(ctx, proto.EntryKindDocument, 5, 0)
	require.NoError(t, err)
	defer cur.Close()

	_, ok, err := cur.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanByBucket_ObservesReadSnapshot(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)

	require.NoError(t, ix.Append(ctx, proto.ChangeLogEntry{Kind: proto.EntryKindDocument, Bucket: 1, Etag: 1, ID: "a"}))
	cur, err := ix.ScanByBucket(ctx, proto.EntryKindDocument, 1, 0)
	require.NoError(t, err)
	defer cur.Close()

	// written after the scan started: must not be observed by this cursor.
	require.NoError(t, ix.Append(ctx, proto.ChangeLogEntry{Kind: proto.EntryKindDocument, Bucket: 1, Etag: 2, ID: "b"}))

	seen := 0
	for {
		_, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen++
	}
	require.Equal(t, 1, seen)
}

func TestScanByBucket_InvalidKindAndBucket(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)

	_, err := ix.ScanByBucket(ctx, proto.EntryKind(99), 0, 0)
	require.ErrorIs(t, err, docdberr.ErrInvalidKind)

	_, err = ix.ScanByBucket(ctx, proto.EntryKindDocument, proto.BucketCount, 0)
	require.ErrorIs(t, err, docdberr.ErrInvalidBucket)
}

func TestWatcher_NotifyWakesAllWaiters(t *testing.T) {
	w := NewWatcher()
	c1 := w.C()
	c2 := w.C()
	w.Notify()

	select {
	case <-c1:
	default:
		t.Fatal("c1 should be closed after Notify")
	}
	select {
	case <-c2:
	default:
		t.Fatal("c2 should be closed after Notify")
	}

	c3 := w.C()
	select {
	case <-c3:
		t.Fatal("c3 fetched after Notify should not be already closed")
	default:
	}
}
