package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
	"github.com/Clockwork-Innovations/simply-mcp-go/sessions"
)

// Mode identifies which connection adapter produced a request.
type Mode string

const (
	// ModePipe is the single-peer pipe transport; the connection is the session.
	ModePipe Mode = "pipe"
	// ModeStream is the session-bound streaming transport.
	ModeStream Mode = "stream"
	// ModeEphemeral is the session-free transport; every request is independent.
	ModeEphemeral Mode = "ephemeral"
)

// NotifyFunc delivers an out-of-band notification to the requesting peer.
// A nil NotifyFunc means the transport has no push channel; callers treat
// that as a silent no-op.
type NotifyFunc func(ctx context.Context, method string, params any) error

// Caller issues server-initiated requests to the connected client and awaits
// their responses. Nil when the transport cannot carry them (ephemeral mode).
type Caller interface {
	Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
}

// BatchInfo is the per-item view of a batch handed to handlers: size,
// zero-based index, execution mode, and the batch-start timestamp for
// elapsed-time queries. It is built by the Coordinator, shared read-only
// between sibling items, and discarded once the batch's responses are sent.
type BatchInfo struct {
	BatchID   string
	Size      int
	Index     int
	Parallel  bool
	StartTime time.Time
}

// Elapsed returns how long the batch has been executing.
func (b *BatchInfo) Elapsed() time.Duration {
	return time.Since(b.StartTime)
}

// CallContext carries the transport- and batch-level facts a handler may
// consult. It is assembled fresh per request (or per batch) by the adapter
// and never outlives the response.
type CallContext struct {
	Mode      Mode
	SessionID string
	UserID    string

	// Session is the registry record for stream mode; nil for pipe and
	// ephemeral transports.
	Session *sessions.Session

	// Batch is non-nil only while executing inside a batch.
	Batch *BatchInfo

	// Notify pushes a notification back to the peer. May be nil.
	Notify NotifyFunc

	// Caller issues server-initiated requests. May be nil.
	Caller Caller
}

// withBatch derives a copy of the context scoped to one batch item. The
// shared fields stay untouched; only the Batch pointer differs per item.
func (cc *CallContext) withBatch(info *BatchInfo) *CallContext {
	out := *cc
	out.Batch = info
	return &out
}

// SendNotification applies Notify if the transport provided one.
func (cc *CallContext) SendNotification(ctx context.Context, method string, params any) error {
	if cc.Notify == nil {
		return nil
	}
	return cc.Notify(ctx, method, params)
}

// Handler executes one method call. Params arrive as raw JSON already
// validated against the method's declared shape.
type Handler interface {
	Handle(ctx context.Context, cc *CallContext, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cc *CallContext, params json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, cc *CallContext, params json.RawMessage) (any, error) {
	return f(ctx, cc, params)
}
