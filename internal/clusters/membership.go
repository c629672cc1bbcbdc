package clusters

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/service"
	"github.com/dreamware/clusters/internal/transport"
)

var edgeIndexPattern = regexp.MustCompile(`^[1-9][0-9]{3,}$`)

func isGone(err error) bool {
	return errors.Is(err, transport.ErrGone)
}

// NodeRef locates a peer found by FindNode.
type NodeRef struct {
	ID      string                 `json:"id"`
	Idx     int64                  `json:"idx"`
	ConnID  string                 `json:"connId"`
	NodeID  string                 `json:"nodeId"`
	EdgeID  string                 `json:"edgeId"`
	Stereo  string                 `json:"stereo"`
	Cluster string                 `json:"cluster"`
	Conn    cluster.ConnectionInfo `json:"conn"`
}

// FindNode resolves id as an edge index when it looks like one, else as a
// node id.
func (c *Clusters) FindNode(ctx context.Context, id string) (*NodeRef, error) {
	if id == "" {
		return nil, cluster.Invalidf("@id (string) is required!")
	}
	ref := &NodeRef{ID: id}
	if edgeIndexPattern.MatchString(id) {
		idx, _ := strconv.ParseInt(id, 10, 64)
		edge, err := c.svc.Edge.Retrieve(ctx, cluster.EdgeID(idx))
		if err != nil {
			return nil, notFoundNode(id, err)
		}
		ref.Idx = edge.Idx
		ref.NodeID = edge.NodeID
		ref.EdgeID = edge.ID
		ref.Stereo = edge.Stereo
		ref.Cluster = edge.Cluster
		ref.Conn = edge.ConnectionInfo
	} else {
		node, err := c.svc.Node.Retrieve(ctx, id)
		if err != nil {
			return nil, notFoundNode(id, err)
		}
		ref.Idx = node.Idx
		ref.NodeID = node.ID
		ref.EdgeID = cluster.EdgeID(node.Idx)
		ref.Stereo = node.Stereo
		ref.Conn = node.ConnectionInfo
	}
	connID, err := cluster.DecodeConnectionID(ref.Conn.ConnectionID)
	if err != nil {
		return nil, err
	}
	ref.ConnID = connID
	return ref, nil
}

func notFoundNode(id string, err error) error {
	if cluster.IsNotFound(err) {
		return cluster.NotFoundf("node[%s]", id)
	}
	return err
}

// UpdateClusterNodes repairs the membership list of cluster.stereo.
func (c *Clusters) UpdateClusterNodes(ctx context.Context, name, stereo string, appends, removes []int64) (*service.Group, error) {
	return c.svc.UpdateClusterNodes(ctx, name, stereo, appends, removes)
}

// Broadcast pushes data to every member of cluster.stereo and returns the
// number of distinct members. Gone connections are skipped silently; other
// failures do not stop the remaining pushes and the first one is reported.
// The broadcast type is sent without a type field.
func (c *Clusters) Broadcast(ctx context.Context, name, stereo string, data any, t protocol.Type) (int, error) {
	if name == "" {
		return 0, cluster.Invalidf("@cluster (string) is required!")
	}
	if t == "" {
		t = protocol.TypeBroadcast
	}
	msg, err := c.factory.Prepare(t, data, "")
	if err != nil {
		return 0, err
	}
	if t == protocol.TypeBroadcast {
		msg.Type = protocol.TypeNone
	}

	group, err := c.svc.PrepareGroup(ctx, name, stereo)
	if err != nil {
		return 0, err
	}
	var targets []int64
	for _, idx := range group.Cluster.Nodes {
		if !slices.Contains(targets, idx) {
			targets = append(targets, idx)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	var (
		mu   sync.Mutex
		errs error
	)
	g := new(errgroup.Group)
	g.SetLimit(broadcastWorkers)
	for _, idx := range targets {
		g.Go(func() error {
			err := c.pushEdge(ctx, idx, msg)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		list := multierr.Errors(errs)
		c.logger.Error("broadcast failed",
			zap.String("cluster", group.ClusterID),
			zap.Int("failed", len(list)),
			zap.Int("targets", len(targets)))
		c.reporter.Report(ctx, list[0], "clusters.broadcast", nil, map[string]any{
			"cluster": name,
			"stereo":  stereo,
			"failed":  len(list),
			"targets": targets,
		})
	}
	return len(targets), nil
}

func (c *Clusters) pushEdge(ctx context.Context, idx int64, msg protocol.Message) error {
	edge, err := c.svc.Edge.Find(ctx, cluster.EdgeID(idx))
	if err != nil {
		return err
	}
	if edge == nil || edge.ConnectionID == "" {
		return nil
	}
	if err := c.push(ctx, edge.ConnectionInfo, msg); err != nil && !isGone(err) {
		c.logger.Warn("push failed", zap.Int64("idx", idx), zap.Error(err))
		return err
	}
	return nil
}

// NotifyResult describes a message delivered by Notify.
type NotifyResult struct {
	Idx     int64            `json:"idx"`
	NodeID  string           `json:"nodeId"`
	EdgeID  string           `json:"edgeId"`
	Message protocol.Message `json:"message"`
}

// MonitorEdge is one entry of the edge list a monitor receives on hello.
type MonitorEdge struct {
	I    int64              `json:"i"`
	Stat protocol.SimpleSet `json:"stat"`
	Meta protocol.SimpleSet `json:"meta"`
	Name string             `json:"name,omitempty"`
}

// Notify pushes msg to one peer. A monitor receiving hello also gets the
// current stat and meta of the monitored edges.
func (c *Clusters) Notify(ctx context.Context, id string, msg protocol.Message) (*NotifyResult, error) {
	ref, err := c.FindNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref.Cluster != "" && ref.Stereo == cluster.StereoMonitor && msg.Type == protocol.TypeHello {
		if msg.Data, err = c.withMonitorList(ctx, ref.Cluster, msg.Data); err != nil {
			return nil, err
		}
	}
	if err := c.push(ctx, ref.Conn, msg); err != nil {
		if isGone(err) {
			return nil, cluster.NotFoundf("cluster-id[%d]:%s", ref.Idx, id)
		}
		return nil, err
	}
	c.logger.Debug("notified", zap.String("target", id), zap.String("type", string(msg.Type)))
	return &NotifyResult{Idx: ref.Idx, NodeID: ref.NodeID, EdgeID: ref.EdgeID, Message: msg}, nil
}

func (c *Clusters) withMonitorList(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error) {
	source, err := c.svc.Cluster.Retrieve(ctx, cluster.ClusterID(name, c.cfg.MonitorSource))
	if err != nil {
		return nil, err
	}
	nodes := source.Nodes
	if len(nodes) > maxMonitorEdges {
		nodes = nodes[:maxMonitorEdges]
	}

	edges := make([]*cluster.EdgeModel, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for i, idx := range nodes {
		g.Go(func() error {
			edge, err := c.svc.Edge.Find(gctx, cluster.EdgeID(idx))
			if err == nil {
				edges[i] = edge
			}
			return nil
		})
	}
	_ = g.Wait()

	list := make([]MonitorEdge, 0, len(edges))
	for _, e := range edges {
		if e == nil {
			continue
		}
		list = append(list, MonitorEdge{I: e.Idx, Stat: orEmpty(e.Stat), Meta: orEmpty(e.Meta), Name: e.Name})
	}

	body := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, cluster.Invalidf("@data (object) is required - hello of monitor")
		}
	}
	body["list"] = list
	return protocol.RawData(body)
}

func orEmpty(s protocol.SimpleSet) protocol.SimpleSet {
	if s == nil {
		return protocol.SimpleSet{}
	}
	return s
}

// Disconnect closes the connection of a peer.
func (c *Clusters) Disconnect(ctx context.Context, id string) (*NodeRef, error) {
	if id == "" {
		return nil, cluster.Invalidf("@id (string) is required!")
	}
	ref, err := c.FindNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref.Conn.Domain == "" {
		return nil, cluster.Invalidf("@domain (string) is required!")
	}
	if err := c.gateway.Close(ctx, ref.Conn); err != nil {
		if isGone(err) {
			return nil, cluster.NotFoundf("cluster-id[%d]:%s", ref.Idx, id)
		}
		return nil, err
	}
	c.logger.Info("disconnect requested", zap.String("target", id), zap.String("edge", ref.EdgeID))
	return ref, nil
}
