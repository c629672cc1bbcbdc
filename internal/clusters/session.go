package clusters

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/queue"
	"github.com/dreamware/clusters/internal/service"
	"github.com/dreamware/clusters/internal/storage"
)

// ConnectResult describes an accepted connection.
type ConnectResult struct {
	Credential
	NodeID    string `json:"nodeId"`
	Idx       int64  `json:"idx"`
	EdgeID    string `json:"edgeId"`
	ClusterID string `json:"clusterId"`
	// Notified is the id of the hello job, or "ERR:<message>".
	Notified string `json:"notified"`

	Group *service.Group   `json:"-"`
	Set   *service.NodeSet `json:"-"`
}

// OnConnect authorizes a new connection, records it and schedules the hello
// acknowledgement. The acknowledgement goes through the dispatcher because
// the connection is not addressable until the connect handshake completes.
func (c *Clusters) OnConnect(ctx context.Context, ev cluster.Event) (*ConnectResult, error) {
	cred, err := c.Authorize(ev.Authorization)
	if err != nil {
		c.metrics.AuthFailure(AuthCause(err))
		c.logger.Info("connection rejected", zap.String("conn", ev.ConnectionID), zap.Error(err))
		return nil, err
	}
	c.logger.Info("authorized",
		zap.String("cluster", cred.Cluster),
		zap.String("stereo", cred.Stereo),
		zap.String("node", cred.ID),
		zap.String("agent", ev.Agent))

	group, err := c.svc.PrepareGroup(ctx, cred.Cluster, cred.Stereo)
	if err != nil {
		return nil, err
	}

	info := ev.Fields()
	if ev.ConnectedAt <= 0 {
		info["connectedAt"] = c.svc.Now()
	}
	set, err := c.svc.PrepareNode(ctx, cred.Cluster, cred.Stereo, cred.ID, info, storage.Incr("connected", 1))
	if err != nil {
		return nil, err
	}

	res := &ConnectResult{
		Credential: *cred,
		NodeID:     set.NodeID,
		Idx:        set.Idx,
		EdgeID:     set.EdgeID,
		ClusterID:  group.ClusterID,
		Group:      group,
		Set:        set,
	}

	hello, err := c.factory.Prepare(protocol.TypeHello, protocol.MessageHello{I: set.Idx, ID: set.NodeID, Cluster: cred.Cluster}, "")
	if err == nil {
		res.Notified, err = c.dispatcher.Notify(ctx, queue.JobMessage, hello, strconv.FormatInt(set.Idx, 10))
	}
	if err != nil {
		c.logger.Error("hello notify failed", zap.String("node", set.NodeID), zap.Error(err))
		res.Notified = "ERR:" + err.Error()
	}
	c.logger.Info("joined",
		zap.String("cluster", group.ClusterID),
		zap.String("node", set.NodeID),
		zap.Int64("idx", set.Idx))
	return res, nil
}

// DisconnectResult describes a closed connection.
type DisconnectResult struct {
	ClusterID string           `json:"clusterId"`
	Set       *service.NodeSet `json:"set"`
}

// OnDisconnect releases one liveness count of the connection's node and edge.
// An event without connection id is ignored.
func (c *Clusters) OnDisconnect(ctx context.Context, ev cluster.Event) (*DisconnectResult, error) {
	reason := ev.Reason
	if reason == "" {
		reason = "unknown"
	}
	c.logger.Info("disconnected", zap.String("conn", ev.ConnectionID), zap.String("reason", reason))
	if ev.ConnectionID == "" {
		return nil, nil
	}

	info := ev.Fields()
	info["reason"] = reason
	delete(info, "connectedAt")
	set, err := c.svc.UpdateNode(ctx, info, storage.Incr("connected", -1))
	if err != nil {
		return nil, err
	}
	return &DisconnectResult{ClusterID: cluster.ClusterID(set.Cluster, set.Stereo), Set: set}, nil
}

// MessageResult describes how a message was handled.
type MessageResult struct {
	NodeID  string        `json:"nodeId"`
	EdgeID  string        `json:"edgeId"`
	Type    protocol.Type `json:"type"`
	Diff    []string      `json:"diff,omitempty"`
	Handled bool          `json:"handled"`
}

// messageContext is the resolved sender of a message.
type messageContext struct {
	msg     protocol.Message
	cluster string
	stereo  string
	conn    *cluster.ConnectionModel
	node    *cluster.NodeModel
	edge    *cluster.EdgeModel
}

type messageHandler func(ctx context.Context, mc *messageContext) error

// OnMessage handles one message from a connected peer.
func (c *Clusters) OnMessage(ctx context.Context, ev cluster.Event) (*MessageResult, error) {
	msg := protocol.ParseMessage(ev.Body)
	mc, err := c.resolve(ctx, ev, msg)
	if err != nil {
		return nil, err
	}
	res := &MessageResult{Type: msg.Type}
	if mc.node != nil {
		res.NodeID = mc.node.ID
	}
	if mc.edge != nil {
		res.EdgeID = mc.edge.ID
	}

	if msg.Type == protocol.TypeQuery {
		data := map[string]any{
			"id":         res.NodeID,
			"cluster":    mc.cluster,
			"stereo":     mc.stereo,
			"Node":       mc.node,
			"Edge":       mc.edge,
			"Connection": mc.conn,
		}
		raw, err := protocol.RawData(data)
		if err != nil {
			return nil, err
		}
		target := ev.Info()
		if mc.node != nil && mc.node.ConnectionID != "" {
			target = mc.node.ConnectionInfo
		}
		res.Handled = true
		return res, c.push(ctx, target, protocol.Message{Bang: protocol.TypeQuery, Data: raw})
	}

	if msg.Stat != nil && mc.edge != nil {
		res.Diff, err = c.saveStat(ctx, mc)
		if err != nil {
			return nil, err
		}
	}

	if h, ok := c.handlers[msg.Type]; ok {
		res.Handled = true
		return res, h(ctx, mc)
	}
	if msg.Stat == nil {
		c.logger.Info("ignored message", zap.String("conn", ev.ConnectionID), zap.String("type", string(msg.Type)))
	}
	return res, nil
}

// resolve follows Connection, Node and Edge of the sender. Missing links
// leave the later models nil.
func (c *Clusters) resolve(ctx context.Context, ev cluster.Event, msg protocol.Message) (*messageContext, error) {
	mc := &messageContext{msg: msg}
	connID, err := cluster.DecodeConnectionID(ev.ConnectionID)
	if err != nil || connID == "" {
		return mc, err
	}
	if mc.conn, err = c.svc.Connection.Find(ctx, connID); err != nil || mc.conn == nil || mc.conn.NodeID == "" {
		return mc, err
	}
	if mc.node, err = c.svc.Node.Find(ctx, mc.conn.NodeID); err != nil || mc.node == nil {
		return mc, err
	}
	if mc.edge, err = c.svc.Edge.Find(ctx, cluster.EdgeID(mc.node.Idx)); err != nil || mc.edge == nil {
		return mc, err
	}
	mc.cluster = mc.edge.Cluster
	mc.stereo = mc.edge.Stereo
	return mc, nil
}

// saveStat merges the reported stat into the edge and returns the changed keys.
func (c *Clusters) saveStat(ctx context.Context, mc *messageContext) ([]string, error) {
	stat := protocol.ExtractStat(mc.msg.Stat)
	prev := map[string]any{}
	last := map[string]any{}
	for k, v := range mc.edge.Stat {
		prev[k] = v
		last[k] = v
	}
	for k, v := range stat {
		last[k] = v
	}
	diff := protocol.DiffKeys(prev, last)

	log := c.logger.Debug
	if len(diff) > 0 {
		log = c.logger.Info
	}
	log("stat received", zap.String("edge", mc.edge.ID), zap.String("cluster", mc.cluster), zap.Strings("diff", diff))

	updated, err := c.svc.Edge.Update(ctx, mc.edge.ID, storage.Record{"stat": last}, nil)
	if err != nil {
		return nil, err
	}
	mc.edge = updated
	return diff, nil
}
