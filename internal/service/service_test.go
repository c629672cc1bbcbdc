package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/storage"
)

const testConnectionID = "WklOAfLioE0CJPw="

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1700000000000))
	store := storage.NewMemoryStore(storage.WithClock(clk))

	var mu sync.Mutex
	n := 0
	svc := New(store,
		WithClock(clk),
		WithLogger(zaptest.NewLogger(t)),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("uuid-%04d", n)
		}))
	return svc, store
}

func TestAsKey(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Equal(t, "TT:edge:E1000001", svc.AsKey(cluster.TypeEdge, "E1000001"))
	assert.Equal(t, "TT:cluster:open.bot", svc.Cluster.Key("open.bot"))
	assert.Equal(t, "uuid-0001", svc.NextUUID())
	assert.Equal(t, int64(1700000000000), svc.Now())
}

func TestManagerRetrieve(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Node.Retrieve(ctx, "abcd")
	require.Error(t, err)
	assert.True(t, cluster.IsNotFound(err))
	assert.Equal(t, "404 NOT FOUND - node[abcd]", err.Error())

	node, err := svc.Node.Find(ctx, "abcd")
	require.NoError(t, err)
	assert.Nil(t, node)

	_, err = svc.Node.Update(ctx, "abcd", storage.Record{"stereo": "bot"}, nil)
	require.NoError(t, err)

	node, err = svc.Node.Retrieve(ctx, "abcd")
	require.NoError(t, err)
	assert.Equal(t, "abcd", node.ID)
	assert.Equal(t, cluster.TypeNode, node.Type)
	assert.Equal(t, "TT", node.NS)
	assert.Equal(t, "bot", node.Stereo)

	_, err = svc.Node.Retrieve(ctx, "")
	assert.True(t, cluster.IsInvalid(err))
}

func TestPrepareGroup(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	group, err := svc.PrepareGroup(ctx, "open", " bot ")
	require.NoError(t, err)
	assert.Equal(t, "open.bot", group.ClusterID)
	assert.Equal(t, "bot", group.Stereo)
	assert.Equal(t, cluster.StereoMaster, group.Master.Stereo)
	assert.Equal(t, "open", group.Cluster.Cluster)
	assert.Equal(t, "bot", group.Cluster.Stereo)
	assert.Empty(t, group.Cluster.Nodes)

	// Preparing again returns the same records
	again, err := svc.PrepareGroup(ctx, "open", "bot")
	require.NoError(t, err)
	assert.Equal(t, group.Cluster.CreatedAt, again.Cluster.CreatedAt)

	_, err = svc.PrepareGroup(ctx, "Open", "bot")
	assert.True(t, cluster.IsInvalid(err))
	_, err = svc.PrepareGroup(ctx, "open", "")
	assert.True(t, cluster.IsInvalid(err))
}

func TestPrepareNode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	info := storage.Record{"connectionId": testConnectionID, "stage": "dev", "domain": "localhost", "origin": "test"}

	set, err := svc.PrepareNode(ctx, "open", "bot", "", info, storage.Incr("connected", 1))
	require.NoError(t, err)
	assert.Equal(t, "uuid-0001", set.NodeID)
	assert.Equal(t, int64(1000001), set.Idx)
	assert.Equal(t, "E1000001", set.EdgeID)
	assert.Equal(t, "5a494e01f2e2a04d0224fc", set.ConnID)

	assert.Equal(t, int64(1), set.Connection.Connected)
	assert.Equal(t, "uuid-0001", set.Connection.NodeID)
	assert.Equal(t, "test", set.Connection.Origin)
	assert.Equal(t, int64(1), set.Node.Connected)
	assert.Equal(t, set.ConnID, set.Node.ConnID)
	assert.Equal(t, int64(1000001), set.Node.Idx)
	assert.Equal(t, int64(1), set.Edge.Connected)
	assert.Equal(t, "open", set.Edge.Cluster)
	assert.Equal(t, testConnectionID, set.Edge.ConnectionID)
	assert.Equal(t, "dev", set.Edge.Stage)

	t.Run("reconnect keeps the idx", func(t *testing.T) {
		info := storage.Record{"connectionId": "AAAAAAAA", "stage": "dev", "domain": "localhost"}
		again, err := svc.PrepareNode(ctx, "open", "bot", set.NodeID, info, storage.Incr("connected", 1))
		require.NoError(t, err)
		assert.Equal(t, set.Idx, again.Idx)
		assert.Equal(t, int64(2), again.Edge.Connected)
		assert.Equal(t, "AAAAAAAA", again.Edge.ConnectionID)
	})

	t.Run("new node gets the next idx", func(t *testing.T) {
		other, err := svc.PrepareNode(ctx, "open", "bot", "node-2", info, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1000002), other.Idx)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := svc.PrepareNode(ctx, "open", "bot", "", storage.Record{}, nil)
		require.Error(t, err)
		assert.Equal(t, ".connectionId (string) is required!", err.Error())

		_, err = svc.PrepareNode(ctx, "open", "bot", "9", info, nil)
		assert.True(t, cluster.IsInvalid(err))

		_, err = svc.PrepareNode(ctx, "open", "", "abcd", info, nil)
		assert.True(t, cluster.IsInvalid(err))
	})
}

func TestPrepareNodeConcurrentFirstConnect(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	info := storage.Record{"connectionId": testConnectionID}

	var wg sync.WaitGroup
	idxs := make([]int64, 8)
	for i := range idxs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set, err := svc.PrepareNode(ctx, "open", "bot", "same-node", info, nil)
			assert.NoError(t, err)
			if set != nil {
				idxs[i] = set.Idx
			}
		}(i)
	}
	wg.Wait()

	node, err := svc.Node.Retrieve(ctx, "same-node")
	require.NoError(t, err)
	for _, idx := range idxs {
		assert.Equal(t, node.Idx, idx)
	}
}

func TestUpdateNode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	info := storage.Record{"connectionId": testConnectionID, "stage": "dev"}

	_, err := svc.PrepareNode(ctx, "open", "bot", "abcd", info, storage.Incr("connected", 1))
	require.NoError(t, err)

	set, err := svc.UpdateNode(ctx, storage.Record{"connectionId": testConnectionID, "reason": "bye"}, storage.Incr("connected", -1))
	require.NoError(t, err)
	assert.Equal(t, "abcd", set.NodeID)
	assert.Equal(t, "E1000001", set.EdgeID)
	assert.Equal(t, "open", set.Cluster)
	assert.Equal(t, "bot", set.Stereo)
	assert.Equal(t, int64(0), set.Connection.Connected)
	assert.Equal(t, "bye", set.Connection.Reason)
	assert.Equal(t, int64(0), set.Node.Connected)
	assert.Equal(t, int64(0), set.Edge.Connected)

	t.Run("unknown connection is skipped", func(t *testing.T) {
		set, err := svc.UpdateNode(ctx, storage.Record{"connectionId": "AAAAAAAA"}, storage.Incr("connected", -1))
		require.NoError(t, err)
		assert.Nil(t, set.Connection)
		assert.Nil(t, set.Node)
		assert.Nil(t, set.Edge)
	})

	t.Run("connection id is required", func(t *testing.T) {
		_, err := svc.UpdateNode(ctx, storage.Record{}, nil)
		assert.True(t, cluster.IsInvalid(err))
	})
}

func TestUpdateClusterNodes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	group, err := svc.UpdateClusterNodes(ctx, "open", "bot", []int64{1000001, 1000002, 1000001, -3}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1000001, 1000002}, group.Cluster.Nodes)

	// Removals are applied before appends, and members are never duplicated
	group, err = svc.UpdateClusterNodes(ctx, "open", "bot", []int64{1000003, 1000002}, []int64{1000001})
	require.NoError(t, err)
	assert.Equal(t, []int64{1000002, 1000003}, group.Cluster.Nodes)

	// Index 0 is a valid member
	group, err = svc.UpdateClusterNodes(ctx, "open", "bot", []int64{0}, []int64{1000002})
	require.NoError(t, err)
	assert.Equal(t, []int64{1000003, 0}, group.Cluster.Nodes)

	stored, err := svc.Cluster.Retrieve(ctx, "open.bot")
	require.NoError(t, err)
	assert.Equal(t, group.Cluster.Nodes, stored.Nodes)

	_, err = svc.UpdateClusterNodes(ctx, "", "bot", nil, nil)
	assert.True(t, cluster.IsInvalid(err))
}
