// Package service keeps the identity and membership records of the mesh:
// clusters, edges, nodes, connections and the request/response pairs of
// server-initiated calls. Every mutation goes through the store's atomic
// update, so concurrent events for the same entity never lose increments.
package service
