package clusters

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/storage"
)

// onHello stores the meta a peer announced: as a string on the node and,
// when it is an object, as its scalar projection on the edge.
func (c *Clusters) onHello(ctx context.Context, mc *messageContext) error {
	if mc.node == nil {
		return nil
	}
	var hello struct {
		Meta json.RawMessage `json:"meta"`
	}
	if len(mc.msg.Data) > 0 {
		if err := json.Unmarshal(mc.msg.Data, &hello); err != nil {
			c.logger.Warn("invalid hello", zap.String("node", mc.node.ID), zap.Error(err))
			return nil
		}
	}
	if len(hello.Meta) == 0 || string(hello.Meta) == "null" {
		return nil
	}

	if _, err := c.svc.Node.Update(ctx, mc.node.ID, storage.Record{"meta": textOf(hello.Meta)}, nil); err != nil {
		return err
	}
	c.logger.Info("node meta updated", zap.String("node", mc.node.ID), zap.String("cluster", mc.cluster))

	var obj map[string]any
	if mc.edge == nil || json.Unmarshal(hello.Meta, &obj) != nil || obj == nil {
		return nil
	}
	if _, err := c.svc.Edge.Update(ctx, mc.edge.ID, storage.Record{"meta": protocol.ExtractMeta(obj)}, nil); err != nil {
		return err
	}
	c.logger.Info("edge meta updated", zap.String("edge", mc.edge.ID), zap.String("cluster", mc.cluster))
	return nil
}

// onResponse records the answer to a request and marks the request finished.
// Response ids are "<requestId>" or "<requestId>/<subIndex>".
func (c *Clusters) onResponse(ctx context.Context, mc *messageContext) error {
	resID := mc.msg.ID
	if resID == "" {
		return nil
	}
	reqID, sub, _ := strings.Cut(resID, "/")
	idx, _ := strconv.ParseInt(sub, 10, 64)

	req, err := c.svc.Request.Find(ctx, reqID)
	if err != nil || req == nil {
		if req == nil && err == nil {
			c.logger.Info("response to unknown request", zap.String("id", resID))
		}
		return err
	}

	source := ""
	if mc.edge != nil {
		source = mc.edge.ID
	}
	fields := storage.Record{
		"stereo":    req.Stereo,
		"rid":       reqID,
		"idx":       idx,
		"source":    source,
		"error":     errorText(mc.msg.Error),
		"data":      textOf(mc.msg.Data),
		"deletedAt": 0,
	}
	res, err := c.svc.Response.Update(ctx, resID, fields, nil)
	if err != nil {
		return err
	}
	if _, err := c.svc.Request.Update(ctx, reqID, storage.Record{"finishedAt": res.UpdatedAt}, storage.Incr("finished", 1)); err != nil {
		return err
	}
	c.logger.Debug("request finished", zap.String("request", reqID), zap.Int64("idx", idx), zap.String("source", source))
	return nil
}

// textOf renders raw JSON as text: strings unquoted, everything else as JSON.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		data, err := json.Marshal(e)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
