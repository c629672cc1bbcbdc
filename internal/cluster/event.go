package cluster

import "github.com/dreamware/clusters/internal/storage"

// EventType is the lifecycle step a session event reports.
type EventType string

// Session event types.
const (
	EventConnect    EventType = "CONNECT"
	EventMessage    EventType = "MESSAGE"
	EventDisconnect EventType = "DISCONNECT"
)

// Event is one connection lifecycle event delivered by the push gateway.
type Event struct {
	ID            string            `json:"id,omitempty"`
	Type          EventType         `json:"type"`
	Route         string            `json:"route,omitempty"`
	Authorization string            `json:"authorization,omitempty"`
	Stage         string            `json:"stage,omitempty"`
	Domain        string            `json:"domain,omitempty"`
	Direction     string            `json:"direction,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Origin        string            `json:"origin,omitempty"`
	Agent         string            `json:"agent,omitempty"`
	ConnectionID  string            `json:"connectionId,omitempty"`
	MessageID     string            `json:"messageId,omitempty"`
	APIID         string            `json:"apiId,omitempty"`
	ConnectedAt   int64             `json:"connectedAt,omitempty"`
	Remote        string            `json:"remote,omitempty"`
	Param         map[string]string `json:"param,omitempty"`
	Body          string            `json:"body,omitempty"`
}

// Info returns the address of the connection that produced the event.
func (e Event) Info() ConnectionInfo {
	return ConnectionInfo{Stage: e.Stage, Domain: e.Domain, ConnectionID: e.ConnectionID}
}

// Fields returns the event attributes that may be copied onto records.
func (e Event) Fields() storage.Record {
	out := storage.Record{}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("stage", e.Stage)
	set("domain", e.Domain)
	set("connectionId", e.ConnectionID)
	set("origin", e.Origin)
	set("agent", e.Agent)
	set("remote", e.Remote)
	set("reason", e.Reason)
	if e.ConnectedAt > 0 {
		out["connectedAt"] = e.ConnectedAt
	}
	return out
}
