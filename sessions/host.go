package sessions

import "context"

// MessageHandlerFunction handles ordered messages for a session stream. If
// the handler returns an error, the subscription terminates with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// StreamHost is the ordered per-session push-stream backing the runtime uses
// for out-of-band delivery. Implementations must preserve FIFO order within
// one session; no ordering is promised across sessions.
type StreamHost interface {
	// Publish appends data to the session's stream and returns the event id
	// assigned to it.
	Publish(ctx context.Context, sessionID string, data []byte) (eventID string, err error)

	// Subscribe consumes the session's stream, starting after lastEventID
	// (or from the next message when lastEventID is empty), until ctx ends
	// or the session's stream is cleaned up.
	Subscribe(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error

	// Cleanup discards the session's stream and detaches subscribers. It is
	// idempotent and safe to race with in-flight publishes.
	Cleanup(ctx context.Context, sessionID string) error
}
