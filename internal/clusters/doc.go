// Package clusters runs the connection mesh: it authorizes and records
// sessions, handles peer messages, sends requests to peers and waits for
// their responses, and aggregates store changes into membership repair and
// stat broadcast jobs.
//
// Every call is one independent unit of work. State lives in the service
// records; delivery goes through a transport.Gateway and deferred work
// through a queue.Dispatcher.
package clusters
