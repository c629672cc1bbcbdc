package clusters

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/storage"
)

// Execute sends a request to one peer and waits up to timeout for its
// response. A timeout of zero or less returns right after sending and marks
// the request async. Running out of time is not an error: the returned
// request carries "timeout(<seconds>)" in Error.
func (c *Clusters) Execute(ctx context.Context, id string, payload map[string]any, timeout time.Duration, subIndex int64) (*cluster.RequestModel, error) {
	_, maxTimeout, interval := c.executeLimits()
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	ticks := 0
	if timeout > 0 {
		ticks = int(math.Ceil(float64(timeout) / float64(interval)))
	}
	started := c.clock.Now()

	ref, err := c.FindNode(ctx, id)
	if err != nil {
		return nil, err
	}
	reqID := c.svc.NextUUID()
	msgID := reqID
	if subIndex != 0 {
		msgID = reqID + "/" + strconv.FormatInt(subIndex, 10)
	}

	data := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	if ticks == 0 {
		data["async"] = true
	}
	msg, err := c.factory.PrepareRequest(msgID, data)
	if err != nil {
		return nil, err
	}

	req, err := c.svc.Request.Update(ctx, reqID, storage.Record{
		"idx":        subIndex,
		"cluster":    ref.Cluster,
		"stereo":     ref.Stereo,
		"target":     ref.EdgeID,
		"error":      "",
		"requested":  1,
		"finished":   0,
		"finishedAt": 0,
		"deletedAt":  0,
	}, nil)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("execute", zap.String("request", reqID), zap.String("target", ref.EdgeID), zap.Duration("timeout", timeout))

	if err := c.push(ctx, ref.Conn, msg); err != nil {
		if isGone(err) {
			c.metrics.Request("error", 0)
			return nil, cluster.NotFoundf("edge-id[%s]:%s", ref.EdgeID, id)
		}
		c.logger.Error("request push failed", zap.String("request", reqID), zap.Error(err))
		c.metrics.Request("error", 0)
		failed, uerr := c.svc.Request.Update(ctx, reqID, storage.Record{"error": err.Error()}, nil)
		if uerr != nil {
			return nil, uerr
		}
		return failed, nil
	}
	if ticks == 0 {
		c.metrics.Request("async", 0)
		return req, nil
	}

	finished, err := c.poll(ctx, reqID, ticks, interval, req)
	if err != nil {
		return nil, err
	}
	elapsed := c.clock.Since(started)
	if !finished {
		req.Error = fmt.Sprintf("timeout(%s)", seconds(timeout))
		c.metrics.Request("timeout", elapsed)
		return req, nil
	}

	res, err := c.svc.Response.Find(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		if res.Error != "" {
			req.Error = res.Error
		}
		req.Response = protocol.ParseBody(res.Data, "data")
	}
	c.metrics.Request("finished", elapsed)
	return req, nil
}

// poll checks the request every interval, at most ticks times, until it is
// finished. Time spent since the previous check counts toward the next pause.
func (c *Clusters) poll(ctx context.Context, reqID string, ticks int, interval time.Duration, req *cluster.RequestModel) (bool, error) {
	last := c.clock.Now()
	for tick := 0; tick < ticks; tick++ {
		wait := interval
		if diff := c.clock.Since(last); diff > 0 {
			wait = interval - diff
		}
		if wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return false, err
			}
		}
		last = c.clock.Now()

		cur, err := c.svc.Request.Find(ctx, reqID)
		if err != nil {
			return false, err
		}
		if cur != nil && cur.Finished > 0 {
			req.Finished = cur.Finished
			req.FinishedAt = cur.FinishedAt
			req.UpdatedAt = cur.UpdatedAt
			return true, nil
		}
	}
	return false, nil
}

func (c *Clusters) sleep(ctx context.Context, d time.Duration) error {
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// seconds renders d in seconds rounded to two decimals.
func seconds(d time.Duration) string {
	return strconv.FormatFloat(math.Round(d.Seconds()*100)/100, 'f', -1, 64)
}

// RequestsResult is the outcome of a fan-out of requests. Results holds one
// entry per sub-request: empty when sent, else the push failure.
type RequestsResult struct {
	Request *cluster.RequestModel `json:"request"`
	Results []string              `json:"results"`
}

// Requests sends limit async sub-requests "<requestId>/<i>" round-robin over
// the first maxNodes members of a cluster that resolve. It does not wait for
// responses.
func (c *Clusters) Requests(ctx context.Context, clusterID string, payload map[string]any, limit, maxNodes int) (*RequestsResult, error) {
	if limit < 0 {
		limit = 0
	}
	if limit > MaxRequests {
		limit = MaxRequests
	}
	if maxNodes < 0 {
		maxNodes = 0
	}

	group, err := c.svc.Cluster.Retrieve(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	reqID := c.svc.NextUUID()
	req, err := c.svc.Request.Update(ctx, reqID, storage.Record{
		"idx":        maxNodes,
		"cluster":    group.Cluster,
		"stereo":     group.Stereo,
		"target":     group.ID,
		"error":      "",
		"requested":  limit,
		"finished":   0,
		"finishedAt": 0,
		"deletedAt":  0,
	}, nil)
	if err != nil {
		return nil, err
	}

	if len(group.Nodes) == 0 {
		return nil, cluster.NotFoundf("cluster[%s].nodes is empty!", clusterID)
	}
	nodes := group.Nodes
	if maxNodes < len(nodes) {
		nodes = nodes[:maxNodes]
	}
	if len(nodes) == 0 {
		return nil, cluster.Invalidf("@max[%d] (number) is required!", maxNodes)
	}

	edges := make([]*cluster.EdgeModel, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, idx := range nodes {
		g.Go(func() (err error) {
			edges[i], err = c.svc.Edge.Find(gctx, cluster.EdgeID(idx))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var targets []*cluster.EdgeModel
	for _, e := range edges {
		if e != nil && e.ConnectionID != "" {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		return nil, cluster.NotFoundf("cluster[%s] has no reachable nodes", clusterID)
	}

	results := make([]string, limit)
	sends := new(errgroup.Group)
	sends.SetLimit(broadcastWorkers)
	for i := 0; i < limit; i++ {
		sends.Go(func() error {
			data := make(map[string]any, len(payload)+1)
			for k, v := range payload {
				data[k] = v
			}
			data["async"] = true
			msg, err := c.factory.PrepareRequest(reqID+"/"+strconv.Itoa(i), data)
			if err == nil {
				err = c.push(ctx, targets[i%len(targets)].ConnectionInfo, msg)
			}
			if err != nil {
				results[i] = err.Error()
			}
			return nil
		})
	}
	_ = sends.Wait()
	c.metrics.Request("async", 0)
	c.logger.Debug("requests sent", zap.String("request", reqID), zap.Int("limit", limit), zap.Int("targets", len(targets)))
	return &RequestsResult{Request: req, Results: results}, nil
}
