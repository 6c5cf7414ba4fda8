// Package sessions owns the server-side record of stream-mode client
// conversations: creation, lookup, activity tracking, and disposal.
//
// The Registry is the only structure in the runtime mutated from multiple
// connections concurrently. It is sharded by session id so lookups for
// different sessions do not serialize against each other under load. An
// idle-eviction sweeper removes sessions whose last activity exceeds the
// configured timeout and closes their push streams.
//
// Push-stream delivery is abstracted behind StreamHost: an ordered,
// per-session publish/subscribe surface with a resume cursor. The memoryhost
// subpackage provides an in-process implementation; redishost provides a
// Redis Streams implementation for horizontally scaled deployments.
//
// Pipe-mode connections never create registry entries (the connection is the
// session) and ephemeral-mode requests never consult this package at all.
package sessions
