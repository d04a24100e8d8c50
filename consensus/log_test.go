package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/coredb/bucket"
	"github.com/dreamware/coredb/proto"
)

func newTestLog(t *testing.T) *RaftLog {
	l, err := NewRaftLog()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRaftLog_SetAndReadDatabaseRecord(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	rec := &DatabaseRecord{
		Database: "orders",
		Members: []proto.Member{
			{NodeTag: "A", Role: proto.NodeRoleReplica, State: proto.NodeStateActive},
		},
		Ranges: []bucket.Range{{Lo: 0, Hi: bucket.Count - 1, Shard: 1}},
	}

	idx, err := l.AppendCommand(ctx, "orders", &SetDatabaseRecordCommand{Database: "orders", Record: rec})
	require.NoError(t, err)
	require.Greater(t, idx, uint64(0))

	require.NoError(t, l.WaitForIndexNotification(ctx, idx, time.Second))

	got, applied, err := l.ReadRawDatabaseRecord(ctx, "orders")
	require.NoError(t, err)
	require.GreaterOrEqual(t, applied, idx)
	require.Equal(t, "orders", got.Database)
	require.Len(t, got.Members, 1)
	require.Equal(t, "A", got.Members[0].NodeTag)
}

func TestRaftLog_ReadUnknownDatabaseReturnsNilRecord(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	rec, _, err := l.ReadRawDatabaseRecord(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestRaftLog_PutAndDeleteBlob(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	key := "subscriptions/orders/billing"
	idx, err := l.AppendCommand(ctx, "orders", &PutBlobCommand{Key: key, Value: []byte(`{"cursor":1}`)})
	require.NoError(t, err)
	require.NoError(t, l.WaitForIndexNotification(ctx, idx, time.Second))

	v, ok, err := l.GetBlob(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"cursor":1}`, string(v))

	idx2, err := l.AppendCommand(ctx, "orders", &DeleteBlobCommand{Key: key})
	require.NoError(t, err)
	require.NoError(t, l.WaitForIndexNotification(ctx, idx2, time.Second))

	_, ok, err = l.GetBlob(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRaftLog_WaitForIndexNotificationTimesOutOnUnreachedIndex(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	err := l.WaitForIndexNotification(ctx, 999999, 50*time.Millisecond)
	require.Error(t, err)
}

func TestRaftLog_AppendCommandFailsAfterClose(t *testing.T) {
	ctx := context.Background()
	l, err := NewRaftLog()
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.AppendCommand(ctx, "orders", &PutBlobCommand{Key: "k", Value: []byte("v")})
	require.Error(t, err)
}
