package clusters

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/queue"
	"github.com/dreamware/clusters/internal/storage"
)

// Projection is a change reduced to its latest state and changed fields.
type Projection struct {
	Table string         `json:"table"`
	Keys  storage.Record `json:"keys,omitempty"`
	Last  storage.Record `json:"last,omitempty"`
	Diff  []string       `json:"diff"`
}

// ProjectChanges projects each change: Last is After, or Before for a
// deletion; Diff lists the fields that differ, or every field of a new record.
func ProjectChanges(batch []storage.Change) []Projection {
	out := make([]Projection, 0, len(batch))
	for _, ch := range batch {
		p := Projection{Table: ch.Table, Keys: ch.Keys, Last: ch.After}
		if p.Last == nil {
			p.Last = ch.Before
		}
		if ch.Before == nil {
			p.Diff = sortedKeys(p.Last)
		} else {
			p.Diff = protocol.DiffKeys(ch.Before, ch.After)
		}
		out = append(out, p)
	}
	return out
}

// NodesJob is the payload of a membership repair job.
type NodesJob struct {
	Appends []int64 `json:"appends"`
	Removes []int64 `json:"removes"`
}

// StatEntry is the stat of one edge in a stat broadcast.
type StatEntry struct {
	I    int64              `json:"i"`
	Stat protocol.SimpleSet `json:"stat"`
}

// StatBroadcast is the payload sent to monitors when edge stats change.
type StatBroadcast struct {
	List []StatEntry `json:"list"`
	Type string      `json:"type"`
}

// Aggregate turns a batch of store changes into jobs: membership repair for
// clusters whose edges connected or disconnected, and a stat broadcast to the
// monitors of clusters whose edge stats changed. A failing step is reported
// and does not prevent the other.
func (c *Clusters) Aggregate(ctx context.Context, batch []storage.Change) error {
	projected := ProjectChanges(batch)
	var errs error

	if err := c.aggregateMembership(ctx, projected); err != nil {
		c.reporter.Report(ctx, err, "clusters.aggregate.nodes", nil, map[string]any{"batch": len(batch)})
		errs = multierr.Append(errs, err)
	}
	if err := c.aggregateStat(ctx, projected); err != nil {
		c.reporter.Report(ctx, err, "clusters.aggregate.stat", nil, map[string]any{"batch": len(batch)})
		errs = multierr.Append(errs, err)
	}
	return errs
}

// latestEdges keeps, per idx, the most recently updated edge whose diff
// includes field.
func (c *Clusters) latestEdges(projected []Projection, field string) []*cluster.EdgeModel {
	latest := map[int64]*cluster.EdgeModel{}
	for _, p := range projected {
		if p.Table != c.table || p.Last == nil || p.Last.String("id") == "" {
			continue
		}
		if p.Last.String("type") != string(cluster.TypeEdge) {
			continue
		}
		if !slices.Contains(p.Diff, field) {
			continue
		}
		edge, err := cluster.FromRecord[cluster.EdgeModel](p.Last)
		if err != nil {
			c.logger.Warn("invalid edge in change feed", zap.String("id", p.Last.String("id")), zap.Error(err))
			continue
		}
		if prev, ok := latest[edge.Idx]; !ok || prev.UpdatedAt <= edge.UpdatedAt {
			latest[edge.Idx] = edge
		}
	}
	keys := make([]int64, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*cluster.EdgeModel, 0, len(keys))
	for _, k := range keys {
		out = append(out, latest[k])
	}
	return out
}

func (c *Clusters) aggregateMembership(ctx context.Context, projected []Projection) error {
	edges := c.latestEdges(projected, "connected")
	if len(edges) == 0 {
		return nil
	}

	sums := map[string]*NodesJob{}
	var in, out []string
	for _, e := range edges {
		if e.Cluster == "" {
			continue
		}
		cid := cluster.ClusterID(e.Cluster, e.Stereo)
		job := sums[cid]
		if job == nil {
			job = &NodesJob{Appends: []int64{}, Removes: []int64{}}
			sums[cid] = job
		}
		entry := strconv.FormatInt(e.Idx, 10) + ":" + strconv.FormatInt(e.Connected, 10)
		if e.Connected > 0 {
			job.Appends = append(job.Appends, e.Idx)
			in = append(in, entry)
		} else {
			job.Removes = append(job.Removes, e.Idx)
			out = append(out, entry)
		}
	}
	c.logger.Info("edges changed", zap.String("in", strings.Join(in, " ")), zap.String("out", strings.Join(out, " ")))

	var errs error
	ids := sortedKeys(sums)
	for _, cid := range ids {
		jobID, err := c.dispatcher.Enqueue(ctx, queue.JobNodes, sums[cid], cid)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		c.metrics.FeedJob(queue.JobNodes)
		c.logger.Debug("nodes job queued", zap.String("cluster", cid), zap.String("job", jobID))
	}
	return errs
}

func (c *Clusters) aggregateStat(ctx context.Context, projected []Projection) error {
	edges := c.latestEdges(projected, "stat")
	if len(edges) == 0 {
		return nil
	}

	sums := map[string]*StatBroadcast{}
	for _, e := range edges {
		if e.Cluster == "" {
			continue
		}
		cid := cluster.ClusterID(e.Cluster, cluster.StereoMonitor)
		sb := sums[cid]
		if sb == nil {
			sb = &StatBroadcast{Type: string(protocol.TypeStat)}
			sums[cid] = sb
		}
		sb.List = append(sb.List, StatEntry{I: e.Idx, Stat: e.Stat})
	}

	var errs error
	ids := sortedKeys(sums)
	for _, cid := range ids {
		jobID, err := c.dispatcher.Notify(ctx, queue.JobBroadcast, sums[cid], cid)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		c.metrics.FeedJob(queue.JobBroadcast)
		c.logger.Debug("stat broadcast queued", zap.String("cluster", cid), zap.String("job", jobID))
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
