package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/coredb/common/kvstore"
	"github.com/dreamware/coredb/proto"
)

func newTestStore(t *testing.T) *Reference {
	s, err := NewReference("nodeA", kvstore.NewMemStore())
	require.NoError(t, err)
	return s
}

func TestReference_WriteDocumentAssignsIncreasingEtags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e1, err := s.WriteDocument(ctx, "users/1", []byte("v1"))
	require.NoError(t, err)
	e2, err := s.WriteDocument(ctx, "users/1", []byte("v2"))
	require.NoError(t, err)

	require.Greater(t, e2.Etag, e1.Etag)
	require.Equal(t, e1.Bucket, e2.Bucket)

	v, err := s.ReadPayload(ctx, e2.PayloadRef)
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestReference_WriteTombstoneEtagExceedsDocumentEtag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.WriteDocument(ctx, "users/1", []byte("v1"))
	require.NoError(t, err)
	tomb, err := s.WriteTombstone(ctx, "users/1")
	require.NoError(t, err)

	require.Greater(t, tomb.Etag, doc.Etag)
	require.Equal(t, proto.EntryKindTombstone, tomb.Kind)
}

func TestReference_ApplyReceivedAdvancesLocalEtagFloor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	received := proto.ChangeLogEntry{
		Kind: proto.EntryKindDocument, Bucket: 42, Etag: 1000, ID: "remote/1",
		ChangeVector: proto.ChangeVector("peerB:1000"),
	}
	require.NoError(t, s.ApplyReceived(ctx, received, []byte("payload")))

	local, err := s.WriteDocument(ctx, "local/1", []byte("x"))
	require.NoError(t, err)
	require.Greater(t, local.Etag, uint64(1000))
}

func TestReference_ScanFromEtagIsWholeDatabaseAscending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.WriteDocument(ctx, "a$tenant1", []byte("1"))
	require.NoError(t, err)
	_, err = s.WriteDocument(ctx, "b$tenant2", []byte("2"))
	require.NoError(t, err)
	_, err = s.WriteTombstone(ctx, "a$tenant1")
	require.NoError(t, err)

	cur, err := s.ScanFromEtag(ctx, 0)
	require.NoError(t, err)
	defer cur.Close()

	var seen []proto.EntryKind
	for {
		e, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, e.Kind)
	}
	require.Equal(t, []proto.EntryKind{proto.EntryKindDocument, proto.EntryKindDocument, proto.EntryKindTombstone}, seen)
}

func TestReference_ChangeLogObservesWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entry, err := s.WriteDocument(ctx, "a$tenant1", []byte("1"))
	require.NoError(t, err)

	cur, err := s.Index().ScanByBucket(ctx, proto.EntryKindDocument, entry.Bucket, 0)
	require.NoError(t, err)
	defer cur.Close()

	got, ok, err := cur.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.ID, got.ID)
}
