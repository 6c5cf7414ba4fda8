package pipe

import (
	"io"
	"log/slog"
	"time"

	"github.com/Clockwork-Innovations/simply-mcp-go/dispatch"
	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithUserProvider overrides the user provider used for implicit local
// identification.
func WithUserProvider(up UserProvider) Option {
	return func(h *Handler) {
		if up != nil {
			h.userProvider = up
		}
	}
}

// WithServerInfo sets the implementation info reported in the handshake.
func WithServerInfo(info protocol.ImplementationInfo) Option {
	return func(h *Handler) {
		h.serverInfo = info
	}
}

// WithParallelBatches switches batch execution from the sequential default
// to concurrent per-item dispatch.
func WithParallelBatches(parallel bool) Option {
	return func(h *Handler) {
		h.parallel = parallel
	}
}

// WithMaxBatchSize caps how many items one batch may carry.
func WithMaxBatchSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.coordOpts = append(h.coordOpts, dispatch.WithMaxBatchSize(n))
		}
	}
}

// WithBatchTimeout sets the batch-wide deadline.
func WithBatchTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.coordOpts = append(h.coordOpts, dispatch.WithBatchTimeout(d))
		}
	}
}
