// Package pipe implements a single-connection transport over a byte pipe,
// typically a child process's stdin/stdout. Messages are newline-delimited
// JSON-RPC envelopes; one handler serves exactly one peer, and the connection
// itself stands in for a session.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Identity         : OS user (lightweight implicit principal)
//	Sessions         : adapter-local; no registry, no push stream backing
//	Ordering         : requests are processed strictly in receipt order
//
// Notifications and server-initiated requests share the write side of the
// pipe with responses; a write mutex keeps envelopes whole. Responses from
// the peer are routed to in-flight server-initiated calls off the read loop
// so a blocked handler can still hear its answer.
package pipe
