package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
)

// StreamPublisher is the slice of the session stream surface the notifier
// needs: append-only publish keyed by session id.
type StreamPublisher interface {
	Publish(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
}

// Notifier pushes notifications onto session streams. Safe for concurrent
// use; per-session FIFO ordering comes from the underlying stream.
type Notifier struct {
	host StreamPublisher
	log  *slog.Logger

	// closed tracks sessions whose stream write has failed. Further sends
	// are dropped without touching the host; session cleanup itself stays
	// with the adapter's disconnect handling.
	mu     sync.Mutex
	closed map[string]struct{}
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the notifier's logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.log = l
		}
	}
}

// New constructs a Notifier over the given stream backing.
func New(host StreamPublisher, opts ...Option) *Notifier {
	n := &Notifier{
		host:   host,
		log:    slog.Default(),
		closed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Notify delivers a notification envelope to the session's stream. It never
// returns an error to the caller: a missing stream and a failed write are
// both silent no-ops, logged server-side only.
func (n *Notifier) Notify(ctx context.Context, sessionID string, method string, params any) {
	if n == nil || n.host == nil || sessionID == "" {
		return
	}

	n.mu.Lock()
	_, dead := n.closed[sessionID]
	n.mu.Unlock()
	if dead {
		return
	}

	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		n.log.ErrorContext(ctx, "notify.encode.fail", slog.String("method", method), slog.String("err", err.Error()))
		return
	}
	b, err := json.Marshal(req)
	if err != nil {
		n.log.ErrorContext(ctx, "notify.encode.fail", slog.String("method", method), slog.String("err", err.Error()))
		return
	}

	if _, err := n.host.Publish(ctx, sessionID, b); err != nil {
		// Peer gone or stream torn down. Mark and move on; the adapter's
		// disconnect handling owns session cleanup.
		n.mu.Lock()
		n.closed[sessionID] = struct{}{}
		n.mu.Unlock()
		n.log.InfoContext(ctx, "notify.stream.closed", slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
}

// Reopen clears the closed marker for a session, letting a reconnected
// stream receive notifications again.
func (n *Notifier) Reopen(sessionID string) {
	n.mu.Lock()
	delete(n.closed, sessionID)
	n.mu.Unlock()
}

// Progress reports partial completion of the request identified by token.
func (n *Notifier) Progress(ctx context.Context, sessionID, token string, progress, total float64) {
	params := protocol.ProgressParams{ProgressToken: token, Progress: progress}
	if total > 0 {
		params.Total = total
	}
	n.Notify(ctx, sessionID, protocol.NotificationProgress, params)
}

// Log pushes a server-side log line to the session.
func (n *Notifier) Log(ctx context.Context, sessionID, level, message string, data any) {
	n.Notify(ctx, sessionID, protocol.NotificationLog, protocol.LogParams{Level: level, Message: message, Data: data})
}

// ResourceUpdated announces a resource change to the session.
func (n *Notifier) ResourceUpdated(ctx context.Context, sessionID, uri string) {
	n.Notify(ctx, sessionID, protocol.NotificationResourceUpdated, protocol.ResourceUpdatedParams{URI: uri})
}
