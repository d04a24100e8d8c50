package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/coredb/common/kvstore"
	"github.com/dreamware/coredb/consensus"
	"github.com/dreamware/coredb/store"
	"github.com/dreamware/coredb/topology"
)

type handlerFunc func(ctx context.Context, batch []Item) error

func (f handlerFunc) HandleBatch(ctx context.Context, batch []Item) error { return f(ctx, batch) }

func newTestConnection(t *testing.T) (*Connection, *store.Reference, *Store, *consensus.RaftLog) {
	log := newTestLog(t)
	view := topology.NewView(log, "orders", "A")
	ls, err := store.NewReference("A", kvstore.NewMemStore())
	require.NoError(t, err)
	sub := NewStore(log)
	conn := NewConnection("f", "orders", "A", 0, ls, view, sub, nil)
	return conn, ls, sub, log
}

func TestConnection_BasicDeliveryAdvancesCursor(t *testing.T) {
	conn, ls, sub, _ := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sub.Save(ctx, State{Name: "f", Database: "orders", MaxDocsPerBatch: 10}))
	_, err := ls.WriteDocument(ctx, "doc/1", []byte("a"))
	require.NoError(t, err)
	_, err = ls.WriteDocument(ctx, "doc/2", []byte("b"))
	require.NoError(t, err)

	var delivered []Item
	h := handlerFunc(func(ctx context.Context, batch []Item) error {
		delivered = append(delivered, batch...)
		cancel()
		return nil
	})

	err = conn.Run(ctx, h)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, delivered, 2)

	st, ok, err := sub.Load(context.Background(), "orders", "f")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, st.ChangeVectorCursor)
}

func TestConnection_AdminCursorJumpSkipsEntries(t *testing.T) {
	conn, ls, sub, _ := newTestConnection(t)
	ctx := context.Background()

	require.NoError(t, sub.Save(ctx, State{Name: "f", Database: "orders", MaxDocsPerBatch: 2}))
	for i := 0; i < 5; i++ {
		_, err := ls.WriteDocument(ctx, "doc/x", []byte("v"))
		require.NoError(t, err)
	}

	st0, ok, err := sub.Load(ctx, "orders", "f")
	require.NoError(t, err)
	require.True(t, ok)

	batch1, err := conn.nextBatch(ctx, *st0)
	require.NoError(t, err)
	require.Len(t, batch1, 2)
	require.Equal(t, uint64(1), batch1[0].Entry.Etag)
	require.Equal(t, uint64(2), batch1[1].Entry.Etag)

	// An administrator jumps the cursor ahead of where the connection
	// had gotten to, skipping etags 3 and 4.
	require.NoError(t, sub.AdvanceCursor(ctx, "orders", "f", "A:4"))
	st1, ok, err := sub.Load(ctx, "orders", "f")
	require.NoError(t, err)
	require.True(t, ok)

	batch2, err := conn.nextBatch(ctx, *st1)
	require.NoError(t, err)
	require.Len(t, batch2, 1)
	require.Equal(t, uint64(5), batch2[0].Entry.Etag)
}

func TestConnection_FailingHandlerLeavesCursorIntact(t *testing.T) {
	conn, ls, sub, _ := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sub.Save(ctx, State{Name: "f", Database: "orders", MaxDocsPerBatch: 10, IgnoreSubscriberErrors: false}))
	_, err := ls.WriteDocument(ctx, "doc/1", []byte("a"))
	require.NoError(t, err)

	calls := 0
	h := handlerFunc(func(ctx context.Context, batch []Item) error {
		calls++
		if calls >= 2 {
			cancel()
		}
		return errors.New("handler boom")
	})

	_ = conn.Run(ctx, h)
	require.GreaterOrEqual(t, calls, 2)

	st, ok, err := sub.Load(context.Background(), "orders", "f")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, st.ChangeVectorCursor)
}

func TestConnection_IgnoreSubscriberErrorsAdvancesCursorAnyway(t *testing.T) {
	conn, ls, sub, _ := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sub.Save(ctx, State{Name: "f", Database: "orders", MaxDocsPerBatch: 10, IgnoreSubscriberErrors: true}))
	_, err := ls.WriteDocument(ctx, "doc/1", []byte("a"))
	require.NoError(t, err)

	h := handlerFunc(func(ctx context.Context, batch []Item) error {
		cancel()
		return errors.New("handler boom")
	})

	_ = conn.Run(ctx, h)

	st, ok, err := sub.Load(context.Background(), "orders", "f")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, st.ChangeVectorCursor)
}

func TestConnection_DeletedSubscriptionStopsConnection(t *testing.T) {
	conn, _, _, _ := newTestConnection(t)
	err := conn.Run(context.Background(), handlerFunc(func(context.Context, []Item) error { return nil }))
	require.Error(t, err)
}

func TestConnection_RecordFailureTripsAfterMaxErroneousPeriod(t *testing.T) {
	conn, _, _, _ := newTestConnection(t)
	st := State{MaxErroneousPeriod: 10 * time.Millisecond}

	require.NoError(t, conn.recordFailure(st))
	time.Sleep(15 * time.Millisecond)
	require.Error(t, conn.recordFailure(st))
}
