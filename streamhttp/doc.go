// Package streamhttp implements the session-oriented HTTP transport. Clients
// establish a session with an initialize POST, send requests and batches as
// further POSTs carrying the session id header, and may open a long-lived GET
// SSE stream to receive push notifications and server-initiated requests.
// DELETE terminates the session; /healthz serves a liveness probe.
//
// Characteristics
//
//	Connection model : many concurrent clients, session id correlates requests
//	Identity         : optional bearer auth (auth.Authenticator); anonymous otherwise
//	Sessions         : sessions.Registry with idle eviction; push via StreamHost
//	Ordering         : per-request; batches follow the configured batch policy
//
// A stale or unknown session id never fails the connection: the offending
// request is answered with an invalid_session error envelope over HTTP 200
// and the client may initialize a fresh session on the same connection.
//
// Runtime methods (initialize, ping, session/terminate) are served inline by
// the adapter and are only recognized as single requests, not batch items.
package streamhttp
