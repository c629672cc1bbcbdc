// Package protocol implements the message layer spoken between the cluster
// service and its peers.
//
// # Wire format
//
// Every message is a single text frame. A message carrying nothing but its
// type is sent as the bare type string ("?" or "hello"). Anything else is a
// compact JSON object:
//
//	{"type":"stat","stat":{"cpu":12.5,"ram":40}}
//	{"type":"request","id":"<reqId>/<i>","data":{"id":"ping","async":true}}
//	{"!":"?","data":{"id":"...","cluster":"open","stereo":"bot"}}
//
// A JSON body without "type" takes its type from the "!" field. Bodies that
// fail to parse are never rejected; they surface as an untyped message whose
// error field describes the failure.
//
// # Message types
//
//	?          identity query; answered with {"!":"?","data":...}
//	hello      sent by the service on connect; peers reply with their meta
//	stat       resource usage reported by peers
//	request    server-initiated call; the peer answers with response
//	response   reply to a request, correlated by id
//	broadcast  fan-out payload; sent untyped on the wire
//
// # Client
//
// Client is the peer-side dispatcher. Synchronous requests are answered
// inline. Asynchronous requests go through a stack-backed queue served by a
// single worker, so the response to one request is posted before the next
// request starts.
package protocol
