package commands

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/rookery/pkg/blackboard"
)

func TestParseDims(t *testing.T) {
	t.Run("valid pairs", func(t *testing.T) {
		dims, err := parseDims([]string{"status=open", "priority=high"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"status": "open", "priority": "high"}, dims)
	})

	t.Run("empty input", func(t *testing.T) {
		dims, err := parseDims(nil)
		require.NoError(t, err)
		assert.Nil(t, dims)
	})

	t.Run("value may contain equals", func(t *testing.T) {
		dims, err := parseDims([]string{"note=a=b"})
		require.NoError(t, err)
		assert.Equal(t, "a=b", dims["note"])
	})

	t.Run("missing separator", func(t *testing.T) {
		_, err := parseDims([]string{"statusopen"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected key=value")
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := parseDims([]string{"=open"})
		require.Error(t, err)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly-10", truncate("exactly-10", 10))
	assert.Equal(t, "this is...", truncate("this is far too long", 10))
}

func TestConnectBlackboard(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	origAddr, origInstance := rootRedisAddr, rootInstance
	t.Cleanup(func() { rootRedisAddr, rootInstance = origAddr, origInstance })

	t.Run("host port form", func(t *testing.T) {
		rootRedisAddr = mr.Addr()
		rootInstance = "cli-test"

		bb, err := connectBlackboard()
		require.NoError(t, err)
		defer bb.Close()

		require.NoError(t, bb.Ping(context.Background()))
		assert.Equal(t, "cli-test", bb.InstanceName())
	})

	t.Run("url form", func(t *testing.T) {
		rootRedisAddr = "redis://" + mr.Addr()

		bb, err := connectBlackboard()
		require.NoError(t, err)
		defer bb.Close()
		require.NoError(t, bb.Ping(context.Background()))
	})

	t.Run("bad url", func(t *testing.T) {
		rootRedisAddr = "http://not-redis"
		_, err := connectBlackboard()
		require.Error(t, err)
	})
}

func TestGetItemNotFound(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	origAddr, origInstance := rootRedisAddr, rootInstance
	t.Cleanup(func() { rootRedisAddr, rootInstance = origAddr, origInstance })
	rootRedisAddr = mr.Addr()
	rootInstance = "cli-test"

	bb, err := connectBlackboard()
	require.NoError(t, err)
	defer bb.Close()

	err = getItem(context.Background(), bb, "no-such-id")
	require.Error(t, err)
}

func TestListItemsAgainstBlackboard(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	origAddr, origInstance := rootRedisAddr, rootInstance
	t.Cleanup(func() { rootRedisAddr, rootInstance = origAddr, origInstance })
	rootRedisAddr = mr.Addr()
	rootInstance = "cli-test"

	bb, err := connectBlackboard()
	require.NoError(t, err)
	defer bb.Close()

	ctx := context.Background()
	goal, err := bb.CreateGoal(ctx, "a goal to list", "", nil)
	require.NoError(t, err)
	assert.Equal(t, blackboard.ItemTypeGoal, goal.Type)

	origType, origLimit := itemsType, itemsLimit
	t.Cleanup(func() { itemsType, itemsLimit = origType, origLimit })
	itemsType = "goal"
	itemsLimit = 10

	require.NoError(t, listItems(ctx, bb))

	itemsType = "not_a_type"
	require.Error(t, listItems(ctx, bb), "invalid type should surface the query error")
}
