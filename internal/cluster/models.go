package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/storage"
)

// ModelType names an entity kind. It is part of every record key.
type ModelType string

// Entity kinds kept by the service.
const (
	TypeCluster    ModelType = "cluster"
	TypeEdge       ModelType = "edge"
	TypeNode       ModelType = "node"
	TypeConnection ModelType = "connection"
	TypeRequest    ModelType = "request"
	TypeResponse   ModelType = "response"
)

// Reserved stereo names.
const (
	StereoMaster  = "master"
	StereoMonitor = "monitor"
)

// Model holds the fields common to every entity.
type Model struct {
	ID        string    `json:"id,omitempty"`
	Type      ModelType `json:"type,omitempty"`
	NS        string    `json:"ns,omitempty"`
	Stereo    string    `json:"stereo,omitempty"`
	Name      string    `json:"name,omitempty"`
	Idx       int64     `json:"idx,omitempty"`
	Last      int64     `json:"last,omitempty"`
	CreatedAt int64     `json:"createdAt,omitempty"`
	UpdatedAt int64     `json:"updatedAt,omitempty"`
	DeletedAt int64     `json:"deletedAt,omitempty"`
}

// ConnectionInfo addresses one live connection on the push gateway.
type ConnectionInfo struct {
	Stage        string `json:"stage,omitempty"`
	Domain       string `json:"domain,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// ClusterModel is a group of edges. Nodes holds membership indices.
type ClusterModel struct {
	Model
	Cluster string  `json:"cluster,omitempty"`
	Nodes   []int64 `json:"nodes,omitempty"`
}

// EdgeModel is the membership slot of a node; its idx never changes.
type EdgeModel struct {
	Model
	ConnectionInfo
	Cluster     string             `json:"cluster,omitempty"`
	NodeID      string             `json:"nodeId,omitempty"`
	Connected   int64              `json:"connected,omitempty"`
	ConnectedAt int64              `json:"connectedAt,omitempty"`
	Stat        protocol.SimpleSet `json:"stat,omitempty"`
	Meta        protocol.SimpleSet `json:"meta,omitempty"`
}

// NodeModel is the durable identity of a peer across reconnects.
type NodeModel struct {
	Model
	ConnectionInfo
	ConnID      string `json:"connId,omitempty"`
	Connected   int64  `json:"connected,omitempty"`
	ConnectedAt int64  `json:"connectedAt,omitempty"`
	Meta        string `json:"meta,omitempty"`
}

// ConnectionModel is one physical connection.
type ConnectionModel struct {
	Model
	ConnectionInfo
	NodeID      string `json:"nodeId,omitempty"`
	Connected   int64  `json:"connected,omitempty"`
	ConnectedAt int64  `json:"connectedAt,omitempty"`
	Origin      string `json:"origin,omitempty"`
	Remote      string `json:"remote,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RequestModel tracks a server-initiated request until it is answered.
type RequestModel struct {
	Model
	Cluster    string         `json:"cluster,omitempty"`
	Target     string         `json:"target,omitempty"`
	Requested  int64          `json:"requested,omitempty"`
	Finished   int64          `json:"finished,omitempty"`
	FinishedAt int64          `json:"finishedAt,omitempty"`
	Error      string         `json:"error,omitempty"`
	Response   map[string]any `json:"Response,omitempty"`
}

// ResponseModel is the answer a peer sent for a request.
type ResponseModel struct {
	Model
	Rid    string `json:"rid,omitempty"`
	Source string `json:"source,omitempty"`
	Data   string `json:"data,omitempty"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FromRecord decodes a record into a model.
func FromRecord[T any](rec storage.Record) (*T, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// ToFields encodes a model into record fields. Zero values are omitted.
func ToFields(model any) (storage.Record, error) {
	data, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", model, err)
	}
	var out storage.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", model, err)
	}
	return out, nil
}

var coreFields = []string{"id", "stereo", "name", "idx", "last"}

var connectionFields = []string{"stage", "domain", "connectionId"}

var extraFields = map[ModelType][]string{
	TypeConnection: {"nodeId", "connected", "connectedAt", "origin", "remote", "agent", "reason"},
	TypeNode:       {"connId", "connected", "connectedAt", "meta"},
	TypeEdge:       {"cluster", "nodeId", "connected", "connectedAt", "stat", "meta"},
}

// ExtractFields picks from info the scalar fields that model type t
// accepts. Identity fields (id, ns, type, stereo) are never copied.
func ExtractFields(info storage.Record, t ModelType) storage.Record {
	out := storage.Record{}
	fields := append(append(append([]string{}, coreFields...), connectionFields...), extraFields[t]...)
	for _, f := range fields {
		switch f {
		case "id", "stereo":
			continue
		}
		v, ok := info[f]
		if !ok {
			continue
		}
		switch v.(type) {
		case nil, string, float64, float32, int, int32, int64:
			out[f] = v
		}
	}
	return out
}
