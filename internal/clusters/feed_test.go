package clusters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/clusters/internal/queue"
	"github.com/dreamware/clusters/internal/storage"
)

func edgeChange(idx int64, stereo string, connected, updatedAt float64, before storage.Record, extra storage.Record) storage.Change {
	after := storage.Record{
		"id":        "E",
		"type":      "edge",
		"ns":        "TT",
		"idx":       float64(idx),
		"cluster":   "open",
		"stereo":    stereo,
		"connected": connected,
		"updatedAt": updatedAt,
	}
	for k, v := range extra {
		after[k] = v
	}
	return storage.Change{Table: storage.DefaultTable, Keys: storage.Record{"_id": "TT:edge:E"}, Before: before, After: after}
}

func TestProjectChanges(t *testing.T) {
	created := storage.Change{Table: "Clusters", After: storage.Record{"b": 1.0, "a": 2.0}}
	updated := storage.Change{Table: "Clusters", Before: storage.Record{"a": 1.0, "b": 1.0}, After: storage.Record{"a": 1.0, "b": 2.0, "c": 3.0}}
	deleted := storage.Change{Table: "Clusters", Before: storage.Record{"a": 1.0}}

	got := ProjectChanges([]storage.Change{created, updated, deleted})
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b"}, got[0].Diff)
	assert.Equal(t, []string{"b", "c"}, got[1].Diff)
	assert.Equal(t, 3.0, got[1].Last["c"])
	assert.Equal(t, []string{"a"}, got[2].Diff)
	assert.Equal(t, storage.Record{"a": 1.0}, got[2].Last)
}

func TestAggregateMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	batch := []storage.Change{
		// two events for the same edge: the later one decides
		edgeChange(1000001, "agent", 1, 200, storage.Record{"connected": 0.0}, nil),
		edgeChange(1000001, "agent", 0, 100, storage.Record{"connected": 1.0}, nil),
		edgeChange(1000002, "agent", 0, 150, storage.Record{"connected": 1.0}, nil),
		// index zero is a valid index
		edgeChange(0, "bots", 2, 100, storage.Record{"connected": 1.0}, nil),
		// other tables and types are ignored
		{Table: "Other", After: storage.Record{"id": "E", "type": "edge", "idx": 5.0, "connected": 1.0}},
		{Table: storage.DefaultTable, After: storage.Record{"id": "n", "type": "node", "idx": 6.0, "connected": 1.0}},
	}
	require.NoError(t, f.c.Aggregate(ctx, batch))

	jobs := f.dispatcher.recorded()
	require.Len(t, jobs, 2)
	assert.Equal(t, dispatched{"enqueue", queue.JobNodes, "open.agent", &NodesJob{Appends: []int64{1000001}, Removes: []int64{1000002}}}, jobs[0])
	assert.Equal(t, dispatched{"enqueue", queue.JobNodes, "open.bots", &NodesJob{Appends: []int64{0}, Removes: []int64{}}}, jobs[1])
}

func TestAggregateMembershipSkipsUnassignedEdges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	batch := []storage.Change{
		edgeChange(1000001, "agent", 1, 100, storage.Record{"connected": 0.0}, storage.Record{"cluster": ""}),
		edgeChange(1000002, "", 0, 100, storage.Record{"connected": 1.0}, storage.Record{"cluster": ""}),
	}
	require.NoError(t, f.c.Aggregate(ctx, batch))
	assert.Empty(t, f.dispatcher.recorded())

	batch = append(batch, edgeChange(1000003, "agent", 1, 100, storage.Record{"connected": 0.0}, nil))
	require.NoError(t, f.c.Aggregate(ctx, batch))
	jobs := f.dispatcher.recorded()
	require.Len(t, jobs, 1)
	assert.Equal(t, "open.agent", jobs[0].target)
	assert.Equal(t, &NodesJob{Appends: []int64{1000003}, Removes: []int64{}}, jobs[0].payload)
}

func TestAggregateStat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	batch := []storage.Change{
		edgeChange(1000001, "agent", 1, 100, storage.Record{"connected": 1.0, "stat": map[string]any{"cpu": 1.0}}, storage.Record{"stat": map[string]any{"cpu": 5.0}}),
		edgeChange(1000001, "agent", 1, 300, storage.Record{"connected": 1.0, "stat": map[string]any{"cpu": 5.0}}, storage.Record{"stat": map[string]any{"cpu": 9.0}}),
		edgeChange(1000002, "bots", 1, 100, storage.Record{"connected": 1.0}, storage.Record{"stat": map[string]any{"ram": 2.0}}),
	}
	require.NoError(t, f.c.Aggregate(ctx, batch))

	jobs := f.dispatcher.recorded()
	require.Len(t, jobs, 1)
	assert.Equal(t, "notify", jobs[0].kind)
	assert.Equal(t, queue.JobBroadcast, jobs[0].jobType)
	assert.Equal(t, "open.monitor", jobs[0].target)
	sb, ok := jobs[0].payload.(*StatBroadcast)
	require.True(t, ok)
	assert.Equal(t, "stat", sb.Type)
	require.Len(t, sb.List, 2)
	assert.Equal(t, int64(1000001), sb.List[0].I)
	assert.Equal(t, 9.0, sb.List[0].Stat["cpu"])
	assert.Equal(t, int64(1000002), sb.List[1].I)
}

func TestAggregateStepsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dispatcher.enqueueErr = errors.New("queue full")

	batch := []storage.Change{
		edgeChange(1000001, "agent", 1, 100, nil, storage.Record{"stat": map[string]any{"cpu": 1.0}}),
	}
	err := f.c.Aggregate(ctx, batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")

	// the stat step still ran
	jobs := f.dispatcher.recorded()
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.JobBroadcast, jobs[0].jobType)
	assert.Equal(t, 1, f.reporter.count())
	assert.Equal(t, "clusters.aggregate.nodes", f.reporter.scopes[0])
}

func TestAggregateEmpty(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Aggregate(context.Background(), nil))
	assert.Empty(t, f.dispatcher.recorded())
}
