package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/storage"
)

// Group is the pair of cluster records a connection joins: the master
// record of the cluster and the sub-cluster of its stereo.
type Group struct {
	Name      string
	Stereo    string
	ClusterID string
	Master    *cluster.ClusterModel
	Cluster   *cluster.ClusterModel
}

// NodeSet is the Connection, Node and Edge of one peer after an update.
// Models are nil when they could not be resolved.
type NodeSet struct {
	Idx        int64
	ConnID     string
	NodeID     string
	EdgeID     string
	Cluster    string
	Stereo     string
	Node       *cluster.NodeModel
	Edge       *cluster.EdgeModel
	Connection *cluster.ConnectionModel
}

// PrepareGroup makes sure the master cluster and the stereo sub-cluster exist.
// It is idempotent.
func (s *Service) PrepareGroup(ctx context.Context, name, stereo string) (*Group, error) {
	stereo = strings.TrimSpace(stereo)
	if err := cluster.Check(cluster.AttrCluster, name); err != nil {
		return nil, err
	}
	if err := cluster.Check(cluster.AttrStereo, stereo); err != nil {
		return nil, err
	}

	group := &Group{Name: name, Stereo: stereo, ClusterID: cluster.ClusterID(name, stereo)}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		master, err := s.Cluster.ReadOrCreate(gctx, name, storage.Record{"stereo": cluster.StereoMaster, "last": 0})
		group.Master = master
		return err
	})
	g.Go(func() error {
		sub, err := s.Cluster.ReadOrCreate(gctx, group.ClusterID, storage.Record{
			"stereo":  stereo,
			"cluster": name,
			"nodes":   []int64{},
			"last":    0,
		})
		group.Cluster = sub
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return group, nil
}

// PrepareNode records a new connection of node nodeID (a fresh uuid when
// empty) in cluster with role stereo. The node keeps the membership index
// allocated on its first connection.
func (s *Service) PrepareNode(ctx context.Context, name, stereo, nodeID string, info storage.Record, incr *storage.Increment) (*NodeSet, error) {
	stereo = strings.TrimSpace(stereo)
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		nodeID = s.NextUUID()
	}
	if err := cluster.Check(cluster.AttrStereo, stereo); err != nil {
		return nil, err
	}
	if err := cluster.Check(cluster.AttrNodeID, nodeID); err != nil {
		return nil, err
	}
	connectionID := info.String("connectionId")
	if connectionID == "" {
		return nil, cluster.Invalidf(".connectionId (string) is required!")
	}
	connID, err := cluster.DecodeConnectionID(connectionID)
	if err != nil {
		return nil, err
	}

	// Connection and Node are independent; the Edge depends on the Node idx.
	var node *cluster.NodeModel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.Connection.ReadOrCreate(gctx, connID, storage.Record{"stereo": stereo})
		return err
	})
	g.Go(func() error {
		var err error
		node, err = s.Node.Find(gctx, nodeID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx, err := s.nodeIdx(ctx, node, nodeID, stereo)
	if err != nil {
		return nil, err
	}
	set := &NodeSet{
		Idx:     idx,
		ConnID:  connID,
		NodeID:  nodeID,
		EdgeID:  cluster.EdgeID(idx),
		Cluster: name,
		Stereo:  stereo,
	}

	connFields := cluster.ExtractFields(info, cluster.TypeConnection)
	connFields["stereo"] = stereo
	connFields["nodeId"] = nodeID
	nodeFields := cluster.ExtractFields(info, cluster.TypeNode)
	nodeFields["stereo"] = stereo
	nodeFields["connId"] = connID
	nodeFields["idx"] = idx
	edgeFields := storage.Record{
		"connectionId": connectionID,
		"stereo":       stereo,
		"cluster":      name,
		"nodeId":       nodeID,
		"idx":          idx,
	}
	for _, k := range []string{"stage", "domain"} {
		if v, ok := info[k]; ok {
			edgeFields[k] = v
		}
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		set.Connection, err = s.Connection.Update(gctx, connID, connFields, incr)
		return err
	})
	g.Go(func() (err error) {
		set.Node, err = s.Node.Update(gctx, nodeID, nodeFields, incr)
		return err
	})
	g.Go(func() (err error) {
		set.Edge, err = s.Edge.Update(gctx, set.EdgeID, edgeFields, incr)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("node prepared",
		zap.String("node", nodeID),
		zap.String("edge", set.EdgeID),
		zap.String("conn", connID),
		zap.String("cluster", cluster.ClusterID(name, stereo)))
	return set, nil
}

// nodeIdx returns the membership index of a node, allocating one when the
// node has none. Creation of the node record is the point of agreement, so
// racing first connections of the same node settle on one index.
func (s *Service) nodeIdx(ctx context.Context, node *cluster.NodeModel, nodeID, stereo string) (int64, error) {
	if node != nil && node.Idx != 0 {
		return node.Idx, nil
	}
	candidate, err := s.Edge.NextIdx(ctx)
	if err != nil {
		return 0, err
	}
	if node != nil {
		return candidate, nil
	}
	created, err := s.Node.ReadOrCreate(ctx, nodeID, storage.Record{"stereo": stereo, "idx": candidate, "last": 0})
	if err != nil {
		return 0, err
	}
	if created.Idx == 0 {
		return candidate, nil
	}
	return created.Idx, nil
}

// UpdateNode applies info and incr to the Connection addressed by
// info.connectionId and, following back-references, to its Node and Edge.
// Links that cannot be resolved are skipped.
func (s *Service) UpdateNode(ctx context.Context, info storage.Record, incr *storage.Increment) (*NodeSet, error) {
	connectionID := info.String("connectionId")
	if connectionID == "" {
		return nil, cluster.Invalidf(".connectionId is required!")
	}
	connID, err := cluster.DecodeConnectionID(connectionID)
	if err != nil {
		return nil, err
	}
	set := &NodeSet{ConnID: connID}

	conn, err := s.Connection.Find(ctx, connID)
	if err != nil || conn == nil {
		return set, err
	}
	if set.Connection, err = s.Connection.Update(ctx, connID, cluster.ExtractFields(info, cluster.TypeConnection), incr); err != nil {
		return nil, err
	}

	set.NodeID = conn.NodeID
	if set.NodeID == "" {
		return set, nil
	}
	node, err := s.Node.Find(ctx, set.NodeID)
	if err != nil || node == nil {
		return set, err
	}
	// A node that reconnected keeps addressing its newer connection.
	current := node.ConnID == connID
	if !current {
		s.logger.Debug("stale connection update",
			zap.String("conn", connID),
			zap.String("node", set.NodeID),
			zap.String("current", node.ConnID))
	}
	if set.Node, err = s.Node.Update(ctx, set.NodeID, addressing(cluster.ExtractFields(info, cluster.TypeNode), current), incr); err != nil {
		return nil, err
	}

	set.Idx = node.Idx
	if set.Idx == 0 {
		return set, nil
	}
	set.EdgeID = cluster.EdgeID(set.Idx)
	edge, err := s.Edge.Find(ctx, set.EdgeID)
	if err != nil || edge == nil {
		return set, err
	}
	if set.Edge, err = s.Edge.Update(ctx, set.EdgeID, addressing(cluster.ExtractFields(info, cluster.TypeEdge), current), incr); err != nil {
		return nil, err
	}
	set.Cluster = set.Edge.Cluster
	set.Stereo = set.Edge.Stereo
	return set, nil
}

// addressing drops the connection address from fields unless they come from
// the node's current connection.
func addressing(fields storage.Record, current bool) storage.Record {
	if !current {
		delete(fields, "stage")
		delete(fields, "domain")
		delete(fields, "connectionId")
		delete(fields, "connId")
	}
	return fields
}

// UpdateClusterNodes repairs the membership of cluster.stereo: indices in
// removes are dropped first, then indices in appends that are not members
// yet are added. Negative indices are ignored.
func (s *Service) UpdateClusterNodes(ctx context.Context, name, stereo string, appends, removes []int64) (*Group, error) {
	if name == "" {
		return nil, cluster.Invalidf("@cluster (string) is required!")
	}
	appends = validIndices(appends)
	removes = validIndices(removes)

	group, err := s.PrepareGroup(ctx, name, stereo)
	if err != nil {
		return nil, err
	}
	nodes := group.Cluster.Nodes

	var positions []int
	for i, idx := range nodes {
		if slices.Contains(removes, idx) {
			positions = append(positions, i)
		}
	}
	if len(positions) > 0 {
		updated, err := s.Cluster.Update(ctx, group.ClusterID, storage.Record{"deletedAt": 0}, &storage.Increment{
			RemoveIndex: map[string][]int{"nodes": positions},
		})
		if err != nil {
			return nil, fmt.Errorf("remove nodes of %s: %w", group.ClusterID, err)
		}
		group.Cluster = updated
		nodes = updated.Nodes
	}

	var added []any
	for _, idx := range appends {
		if slices.Contains(nodes, idx) || slices.Contains(added, any(idx)) {
			continue
		}
		added = append(added, idx)
	}
	if len(added) > 0 {
		updated, err := s.Cluster.Update(ctx, group.ClusterID, storage.Record{"deletedAt": 0}, &storage.Increment{
			Append: map[string][]any{"nodes": added},
		})
		if err != nil {
			return nil, fmt.Errorf("append nodes of %s: %w", group.ClusterID, err)
		}
		group.Cluster = updated
	}

	s.logger.Debug("cluster nodes updated",
		zap.String("cluster", group.ClusterID),
		zap.Int("removed", len(positions)),
		zap.Int("added", len(added)))
	return group, nil
}

func validIndices(list []int64) []int64 {
	out := make([]int64, 0, len(list))
	for _, idx := range list {
		if idx >= 0 {
			out = append(out, idx)
		}
	}
	return out
}
