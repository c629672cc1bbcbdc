package clusters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/queue"
)

// JobRegistry accepts job handlers.
type JobRegistry interface {
	Handle(jobType string, h queue.JobHandler)
}

// RegisterJobs installs the handlers of the jobs Clusters dispatches:
// message to one node, nodes repair and broadcast to a cluster id.
func (c *Clusters) RegisterJobs(r JobRegistry) {
	r.Handle(queue.JobMessage, c.messageJob)
	r.Handle(queue.JobNodes, c.nodesJob)
	r.Handle(queue.JobBroadcast, c.broadcastJob)
}

func (c *Clusters) messageJob(ctx context.Context, job queue.Job) error {
	var msg protocol.Message
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("decode message job %s: %w", job.ID, err)
	}
	_, err := c.Notify(ctx, job.Target, msg)
	return err
}

func (c *Clusters) nodesJob(ctx context.Context, job queue.Job) error {
	var body NodesJob
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return fmt.Errorf("decode nodes job %s: %w", job.ID, err)
	}
	name, stereo := cluster.ParseClusterID(job.Target)
	_, err := c.UpdateClusterNodes(ctx, name, stereo, body.Appends, body.Removes)
	return err
}

func (c *Clusters) broadcastJob(ctx context.Context, job queue.Job) error {
	name, stereo := cluster.ParseClusterID(job.Target)
	_, err := c.Broadcast(ctx, name, stereo, job.Payload, protocol.TypeBroadcast)
	return err
}
