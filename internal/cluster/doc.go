// Package cluster defines the entities of the connection mesh and the helpers
// shared by every layer that handles them.
//
// # Entities
//
//	Cluster     a named group; id "cluster" or "cluster.stereo"
//	Edge        a membership slot with a stable numeric idx; id "E<idx>"
//	Node        the durable identity of a peer; survives reconnects
//	Connection  one physical connection; id is the hex of the gateway id
//	Request     a server-initiated call awaiting its response
//	Response    the answer to a request (or to one of its sub-requests)
//
// A Node keeps the idx it was given on its first connection, so the Edge it
// maps to (and therefore its membership slot) does not change when the peer
// reconnects.
//
// # Errors
//
// Errors returned across the service boundary fall into two classes:
// ErrNotFound for missing entities ("404 NOT FOUND - ...") and ErrInvalid
// for validation failures ("@field ..."). Callers test them with IsNotFound
// and IsInvalid.
package cluster
