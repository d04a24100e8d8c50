package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/coredb/consensus"
)

func newTestLog(t *testing.T) *consensus.RaftLog {
	l, err := consensus.NewRaftLog()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestStore_SaveAndLoadRoundTrips(t *testing.T) {
	s := NewStore(newTestLog(t))
	ctx := context.Background()

	st := State{Name: "orders-feed", Database: "orders", MaxDocsPerBatch: 64, Strategy: WaitForFree}
	require.NoError(t, s.Save(ctx, st))

	got, ok, err := s.Load(ctx, "orders", "orders-feed")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 64, got.MaxDocsPerBatch)
	require.Equal(t, WaitForFree, got.Strategy)
}

func TestStore_LoadUnknownSubscriptionReturnsNotFound(t *testing.T) {
	s := NewStore(newTestLog(t))
	_, ok, err := s.Load(context.Background(), "orders", "ghost")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_AdvanceCursorPersists(t *testing.T) {
	s := NewStore(newTestLog(t))
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, State{Name: "f", Database: "orders"}))

	require.NoError(t, s.AdvanceCursor(ctx, "orders", "f", "A:5"))

	got, ok, err := s.Load(ctx, "orders", "f")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A:5", got.ChangeVectorCursor)
}

func TestStore_AdvanceCursorOnMissingSubscriptionFails(t *testing.T) {
	s := NewStore(newTestLog(t))
	err := s.AdvanceCursor(context.Background(), "orders", "ghost", "A:1")
	require.Error(t, err)
}

func TestStore_DeleteRemovesDefinition(t *testing.T) {
	s := NewStore(newTestLog(t))
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, State{Name: "f", Database: "orders"}))
	require.NoError(t, s.Delete(ctx, "orders", "f"))

	_, ok, err := s.Load(ctx, "orders", "f")
	require.NoError(t, err)
	require.False(t, ok)
}
