package bucket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOf_Deterministic(t *testing.T) {
	ids := []string{"users/7$tenantA", "users/1", "orders/42$tenantB"}
	for _, id := range ids {
		first := Of(id)
		for i := 0; i < 100; i++ {
			require.Equal(t, first, Of(id), "bucket_of must be byte-for-byte reproducible")
		}
		require.Less(t, first, uint32(Count))
	}
}

func TestOf_RoutesBySuffixAfterSeparator(t *testing.T) {
	require.Equal(t, Of("tenantA"), Of("users/7$tenantA"))
	require.Equal(t, Of("tenantA"), Of("orders/99$tenantA"))
	require.NotEqual(t, Of("users/7"), Of("users/7$tenantA"))
}

func TestRoutingKeyOf(t *testing.T) {
	require.Equal(t, "tenantA", RoutingKeyOf("users/7$tenantA"))
	require.Equal(t, "users/7", RoutingKeyOf("users/7"))
}

func TestShardOf_TieBreakPicksGreatestLoLessOrEqual(t *testing.T) {
	ranges := []Range{
		{Lo: 0, Hi: 100, Shard: 1},
		{Lo: 100, Hi: 200, Shard: 2},
		{Lo: 200, Hi: 1 << 20, Shard: 3},
	}
	shard, ok := ShardOf(150, ranges, nil, false)
	require.True(t, ok)
	require.Equal(t, uint32(2), shard)

	shard, ok = ShardOf(0, ranges, nil, false)
	require.True(t, ok)
	require.Equal(t, uint32(1), shard)
}

func TestShardOf_MigrationWriteFollowsStatus(t *testing.T) {
	ranges := []Range{{Lo: 0, Hi: 1 << 20, Shard: 1}}
	migrations := []Migration{
		{Bucket: 42, Source: 1, Destination: 9, Status: MigrationMoving},
	}

	shard, ok := ShardOf(42, ranges, migrations, true)
	require.True(t, ok)
	require.Equal(t, uint32(1), shard, "writes stay on source while Moving")

	migrations[0].Status = MigrationOwnershipTransferred
	shard, ok = ShardOf(42, ranges, migrations, true)
	require.True(t, ok)
	require.Equal(t, uint32(9), shard, "writes move to destination once transferred")
}

func TestShardOf_MigrationReadsEitherSide(t *testing.T) {
	ranges := []Range{{Lo: 0, Hi: 1 << 20, Shard: 1}}
	migrations := []Migration{
		{Bucket: 42, Source: 1, Destination: 9, Status: MigrationMoving},
	}
	shard, ok := ShardOf(42, ranges, migrations, false)
	require.True(t, ok)
	require.Equal(t, uint32(1), shard)
}

func TestShardOf_UnknownBucket(t *testing.T) {
	_, ok := ShardOf(5, nil, nil, false)
	require.False(t, ok)
}
