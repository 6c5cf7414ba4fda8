package sessions

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
)

// ErrSessionNotFound is returned by Registry.Get for unknown or expired
// session ids. Callers must treat it as "no valid session" and fail only the
// offending request, never the connection.
var ErrSessionNotFound = errors.New("session not found")

// CapabilitySet records what was negotiated at session start.
type CapabilitySet struct {
	// Push is true when the client declared it will consume push
	// notifications over a long-lived stream.
	Push bool
}

// Session is the server-side record of one logical client conversation.
// All methods are safe for concurrent use; the Registry exclusively owns the
// lifecycle of every Session it hands out.
type Session struct {
	id         string
	userID     string
	createdAt  time.Time
	caps       CapabilitySet
	clientInfo protocol.ImplementationInfo

	lastActivity atomic.Int64 // unix nanos
	streamOpen   atomic.Bool
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the principal the session was created for.
func (s *Session) UserID() string { return s.userID }

// CreatedAt returns the session creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the most recent request timestamp.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Capabilities returns the capability set negotiated at session start.
func (s *Session) Capabilities() CapabilitySet { return s.caps }

// ClientInfo returns the client identity supplied during initialize.
func (s *Session) ClientInfo() protocol.ImplementationInfo { return s.clientInfo }

// MarkStreamOpen records that a live push stream is attached.
func (s *Session) MarkStreamOpen(open bool) { s.streamOpen.Store(open) }

// StreamOpen reports whether a live push stream is currently attached.
func (s *Session) StreamOpen() bool { return s.streamOpen.Load() }

func (s *Session) touch(now time.Time) { s.lastActivity.Store(now.UnixNano()) }

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}
