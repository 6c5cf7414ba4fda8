// Package notify delivers out-of-band messages (progress updates, log lines,
// resource-change notices) to a session's push stream, independent of the
// request/response flow.
//
// Delivery is fire-and-forget: when the session has no live stream — pipe
// and ephemeral transports, or a stream-mode session whose client never
// opened one — notifications are silently dropped and never raise to the
// caller. Per-session ordering is FIFO, inherited from the StreamHost's
// ordered stream; no ordering is promised across sessions.
package notify
