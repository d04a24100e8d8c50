package replication

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/coredb/common/kvstore"
	"github.com/dreamware/coredb/consensus"
	"github.com/dreamware/coredb/docdberr"
	"github.com/dreamware/coredb/proto"
	"github.com/dreamware/coredb/store"
	"github.com/dreamware/coredb/topology"
)

func refusingDialer(ctx context.Context, url string) (net.Conn, error) {
	return nil, errors.New("dial refused")
}

func newTestLoader(t *testing.T) (*Loader, *consensus.RaftLog) {
	log, err := consensus.NewRaftLog()
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	view := topology.NewView(log, "orders", "A")
	kv := kvstore.NewMemStore()
	s, err := store.NewReference("A", kv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	loader := NewLoader("A", "A", "tcp://a", s, view, refusingDialer)
	t.Cleanup(loader.Close)
	return loader, log
}

func TestLoader_StartsOutboundWorkerForEachPeer(t *testing.T) {
	loader, _ := newTestLoader(t)

	rec := &consensus.DatabaseRecord{
		Database: "orders",
		Members: []proto.Member{
			{NodeTag: "A", URL: "tcp://a", State: proto.NodeStateActive},
			{NodeTag: "B", URL: "tcp://b", State: proto.NodeStateActive},
		},
	}
	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), rec, 1))

	loader.mu.Lock()
	defer loader.mu.Unlock()
	require.Len(t, loader.outgoing, 1)
	for key := range loader.outgoing {
		require.Equal(t, "tcp://b", key.URL)
	}
}

func TestLoader_PassiveOrNilRecordDropsEverything(t *testing.T) {
	loader, _ := newTestLoader(t)

	rec := &consensus.DatabaseRecord{
		Database: "orders",
		Members: []proto.Member{
			{NodeTag: "A", URL: "tcp://a", State: proto.NodeStateActive},
			{NodeTag: "B", URL: "tcp://b", State: proto.NodeStateActive},
		},
	}
	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), rec, 1))
	loader.mu.Lock()
	require.Len(t, loader.outgoing, 1)
	loader.mu.Unlock()

	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), nil, 2))
	loader.mu.Lock()
	require.Empty(t, loader.outgoing)
	loader.mu.Unlock()
}

func TestLoader_KeptDestinationIsMutatedNotRecreated(t *testing.T) {
	loader, _ := newTestLoader(t)

	base := &consensus.DatabaseRecord{
		Database: "orders",
		Members: []proto.Member{
			{NodeTag: "A", URL: "tcp://a", State: proto.NodeStateActive},
		},
		ExternalReplications: []consensus.ExternalReplicationConfig{
			{TaskID: "ext-1", ConnectionString: "tcp://ext", Database: "orders", DelayReplicationFor: time.Second},
		},
	}
	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), base, 1))

	loader.mu.Lock()
	var before *OutboundWorker
	for _, w := range loader.outgoing {
		before = w
	}
	loader.mu.Unlock()
	require.NotNil(t, before)

	changed := &consensus.DatabaseRecord{
		Database: "orders",
		Members:  base.Members,
		ExternalReplications: []consensus.ExternalReplicationConfig{
			{TaskID: "ext-1", ConnectionString: "tcp://ext", Database: "orders", DelayReplicationFor: 10 * time.Second},
		},
	}
	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), changed, 2))

	loader.mu.Lock()
	var after *OutboundWorker
	for _, w := range loader.outgoing {
		after = w
	}
	loader.mu.Unlock()

	require.Same(t, before, after)
}

func TestLoader_RemovedDestinationLeavesOutgoingImmediately(t *testing.T) {
	loader, _ := newTestLoader(t)

	rec := &consensus.DatabaseRecord{
		Database: "orders",
		Members: []proto.Member{
			{NodeTag: "A", URL: "tcp://a", State: proto.NodeStateActive},
			{NodeTag: "B", URL: "tcp://b", State: proto.NodeStateActive},
		},
	}
	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), rec, 1))

	rec2 := &consensus.DatabaseRecord{
		Database: "orders",
		Members: []proto.Member{
			{NodeTag: "A", URL: "tcp://a", State: proto.NodeStateActive},
		},
	}
	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), rec2, 2))

	loader.mu.Lock()
	defer loader.mu.Unlock()
	require.Empty(t, loader.outgoing)
}

func TestLoader_ExternalDestinationSkippedWhenNotMyTask(t *testing.T) {
	loader, _ := newTestLoader(t)

	rec := &consensus.DatabaseRecord{
		Database: "orders",
		Members: []proto.Member{
			{NodeTag: "A", URL: "tcp://a", State: proto.NodeStateActive},
			{NodeTag: "B", URL: "tcp://b", State: proto.NodeStateActive},
		},
		ExternalReplications: []consensus.ExternalReplicationConfig{
			{TaskID: "ext-1", ConnectionString: "tcp://ext", Database: "orders", MentorNode: "B"},
		},
	}
	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), rec, 1))

	loader.mu.Lock()
	defer loader.mu.Unlock()
	for key := range loader.outgoing {
		require.NotEqual(t, DestinationExternalRegular, key.Kind)
	}
}

func TestLoader_AcceptIncomingConnectionRejectsSelfReplication(t *testing.T) {
	loader, _ := newTestLoader(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := loader.AcceptIncomingConnection(context.Background(), "A", "tcp://a", server, nil, false)
	require.ErrorIs(t, err, docdberr.ErrSelfReplication)
}

func TestLoader_AcceptIncomingConnectionRejectsWhenPassive(t *testing.T) {
	loader, _ := newTestLoader(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := loader.AcceptIncomingConnection(context.Background(), "B", "tcp://b", server, nil, true)
	require.Error(t, err)
}

func TestLoader_AcceptIncomingConnectionFreshWinsOverStale(t *testing.T) {
	loader, _ := newTestLoader(t)
	client1, server1 := net.Pipe()
	defer client1.Close()

	first, err := loader.AcceptIncomingConnection(context.Background(), "B", "tcp://b", server1, nil, false)
	require.NoError(t, err)
	require.True(t, first.shutdown.IsStale())

	client2, server2 := net.Pipe()
	defer client2.Close()
	defer server2.Close()

	// first has never heartbeated: it's stale, so a second connection
	// from the same source is allowed to replace it.
	second, err := loader.AcceptIncomingConnection(context.Background(), "B", "tcp://b", server2, nil, false)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	// Mark the current connection fresh; now a third attempt is rejected.
	second.shutdown.Heartbeat()
	client3, server3 := net.Pipe()
	defer client3.Close()
	defer server3.Close()

	_, err = loader.AcceptIncomingConnection(context.Background(), "B", "tcp://b", server3, nil, false)
	require.Error(t, err)
}

func TestLoader_RejectionsAreBounded(t *testing.T) {
	loader, _ := newTestLoader(t)
	for i := 0; i < rejectionRingSize+5; i++ {
		client, server := net.Pipe()
		_, _ = loader.AcceptIncomingConnection(context.Background(), "A", "tcp://a", server, nil, false)
		client.Close()
		server.Close()
	}
	require.Len(t, loader.Rejections(), rejectionRingSize)
}

func TestLoader_GetMinimalEtagForReplicationZeroUntilAllAcked(t *testing.T) {
	loader, _ := newTestLoader(t)
	require.Equal(t, uint64(0), loader.GetMinimalEtagForReplication(context.Background()))

	rec := &consensus.DatabaseRecord{
		Database: "orders",
		Members: []proto.Member{
			{NodeTag: "A", URL: "tcp://a", State: proto.NodeStateActive},
			{NodeTag: "B", URL: "tcp://b", State: proto.NodeStateActive},
		},
	}
	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), rec, 1))
	require.Equal(t, uint64(0), loader.GetMinimalEtagForReplication(context.Background()))

	loader.mu.Lock()
	var key DestinationKey
	for k := range loader.outgoing {
		key = k
	}
	loader.mu.Unlock()

	loader.PublishSendEtag(key, 42)
	require.Equal(t, uint64(42), loader.GetMinimalEtagForReplication(context.Background()))
}

func TestLoader_GetMinimalEtagForReplicationZeroWhenADestinationIsDisabled(t *testing.T) {
	loader, _ := newTestLoader(t)

	rec := &consensus.DatabaseRecord{
		Database: "orders",
		Members: []proto.Member{
			{NodeTag: "A", URL: "tcp://a", State: proto.NodeStateActive},
			{NodeTag: "B", URL: "tcp://b", State: proto.NodeStateActive},
		},
		ExternalReplications: []consensus.ExternalReplicationConfig{
			{TaskID: "ext-1", ConnectionString: "tcp://ext", Database: "orders", Disabled: true},
		},
	}
	require.NoError(t, loader.HandleDatabaseRecordChange(context.Background(), rec, 1))

	loader.mu.Lock()
	var key DestinationKey
	for k := range loader.outgoing {
		key = k
	}
	loader.mu.Unlock()
	loader.PublishSendEtag(key, 42)

	// The internal destination is acked at 42, but the disabled-but-
	// declared external replication still forces the minimum to 0.
	require.Equal(t, uint64(0), loader.GetMinimalEtagForReplication(context.Background()))
}
