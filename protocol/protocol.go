// Package protocol defines the wire-level method names and typed payloads
// exchanged by the tool-server runtime: the session handshake, termination,
// and the out-of-band notification surface (progress, log, resource-update).
// Envelope framing lives in internal/jsonrpc; this package only names the
// methods and shapes that ride inside envelopes.
package protocol

// Revision is the protocol revision negotiated during the session handshake.
// It is distinct from the JSON-RPC version tag on every envelope.
const Revision = "2025-06"

// Method names understood by the runtime itself. Tool methods are registered
// by the embedding application and are opaque to this package.
const (
	// MethodInitialize starts a stream-mode session. It must be the first
	// request on a stream connection.
	MethodInitialize = "initialize"
	// MethodSessionTerminate ends a stream-mode session explicitly.
	MethodSessionTerminate = "session/terminate"
	// MethodPing is a trivial liveness request answered by the runtime.
	MethodPing = "ping"
)

// Notification method names delivered out-of-band on a session's push stream.
const (
	NotificationProgress        = "notifications/progress"
	NotificationLog             = "notifications/log"
	NotificationResourceUpdated = "notifications/resources/updated"
	NotificationCancelled       = "notifications/cancelled"
)

// ImplementationInfo identifies one side of the conversation.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ClientCapabilities is what the client advertises during initialize.
type ClientCapabilities struct {
	// Push indicates the client intends to open a push stream and can
	// consume server-initiated notifications.
	Push bool `json:"push,omitempty"`
}

// InitializeRequest is the params payload of the initialize method.
type InitializeRequest struct {
	ProtocolRevision string             `json:"protocolRevision"`
	ClientInfo       ImplementationInfo `json:"clientInfo"`
	Capabilities     ClientCapabilities `json:"capabilities,omitempty"`
}

// BatchCapability describes the server's batch processing limits.
type BatchCapability struct {
	MaxSize  int  `json:"maxSize"`
	Parallel bool `json:"parallel"`
}

// ServerCapabilities is what the server advertises in the initialize result.
type ServerCapabilities struct {
	Push  bool             `json:"push,omitempty"`
	Batch *BatchCapability `json:"batch,omitempty"`
}

// InitializeResult is the result payload of the initialize method.
type InitializeResult struct {
	ProtocolRevision string             `json:"protocolRevision"`
	ServerInfo       ImplementationInfo `json:"serverInfo"`
	Capabilities     ServerCapabilities `json:"capabilities"`
}

// ProgressParams reports partial completion of a long-running request.
type ProgressParams struct {
	// ProgressToken correlates the notification with the originating
	// request; the runtime uses the request id's string form.
	ProgressToken string  `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}

// LogParams carries a server-side log line pushed to the client.
type LogParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ResourceUpdatedParams announces that a resource a session cares about has
// changed.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// CancelledParams asks the peer to abandon an in-flight request. Cancellation
// is cooperative; the peer may have already produced a result.
type CancelledParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// HealthStatus is the liveness probe payload for stream-mode deployments.
type HealthStatus struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Sessions      int     `json:"sessions"`
	Methods       int     `json:"methods"`
}
