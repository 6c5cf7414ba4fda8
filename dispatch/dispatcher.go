package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/logctx"
)

const defaultHandlerTimeout = 30 * time.Second

// Dispatcher invokes registered method handlers for decoded requests. It is
// side-effect-free beyond logging and timing; all business side effects live
// in the handlers themselves.
type Dispatcher struct {
	reg Registry
	val Validator
	log *slog.Logger

	defaultTimeout time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithValidator attaches the params validator collaborator.
func WithValidator(v Validator) DispatcherOption {
	return func(d *Dispatcher) { d.val = v }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithDefaultTimeout overrides the execution bound inherited by handlers
// that do not declare their own.
func WithDefaultTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.defaultTimeout = t
		}
	}
}

// NewDispatcher constructs a Dispatcher over the given handler registry.
func NewDispatcher(reg Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reg:            reg,
		log:            slog.Default(),
		defaultTimeout: defaultHandlerTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Methods returns the registered method names. Used by the liveness probe.
func (d *Dispatcher) Methods() []string { return d.reg.Methods() }

// handlerResult carries a handler's outcome across the execution goroutine.
type handlerResult struct {
	value any
	err   error
}

// Dispatch resolves and executes the handler for req and always returns a
// well-formed response envelope. Notifications (requests without an id) are
// executed the same way; callers decide whether to transmit the null-id
// response or drop it.
func (d *Dispatcher) Dispatch(ctx context.Context, cc *CallContext, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   "request",
	})
	if cc != nil && cc.Batch != nil {
		ctx = logctx.WithBatchData(ctx, &logctx.BatchData{
			BatchID:  cc.Batch.BatchID,
			Size:     cc.Batch.Size,
			Index:    cc.Batch.Index,
			Parallel: cc.Batch.Parallel,
		})
	}

	reg, ok := d.reg.Lookup(req.Method)
	if !ok {
		d.log.InfoContext(ctx, "rpc.method.miss")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}

	if d.val != nil {
		if err := d.val.Validate(req.Method, req.Params); err != nil {
			var fe *FieldError
			resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error())
			if errors.As(err, &fe) && fe.Field != "" {
				resp.Error.Data.Field = fe.Field
			}
			d.log.InfoContext(ctx, "rpc.params.invalid", slog.String("err", err.Error()))
			return resp
		}
	}

	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The handler runs in its own goroutine so a deadline can be enforced
	// even when the handler ignores its context. A handler that completes
	// after the deadline fired writes into a buffered channel nobody reads;
	// its result is discarded.
	resCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.ErrorContext(ctx, "rpc.handler.panic",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				resCh <- handlerResult{err: errors.New("handler panicked")}
			}
		}()
		value, err := reg.Handler.Handle(hctx, cc, req.Params)
		resCh <- handlerResult{value: value, err: err}
	}()

	var res handlerResult
	select {
	case res = <-resCh:
	case <-hctx.Done():
		d.log.WarnContext(ctx, "rpc.handler.timeout", slog.Duration("timeout", timeout), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeTimeout, fmt.Sprintf("method %q did not complete within %s", req.Method, timeout))
	}

	if res.err != nil {
		return d.errorResponse(ctx, req, res.err, start)
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, res.value)
	if err != nil {
		d.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error")
	}
	d.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
	return resp
}

// errorResponse shapes a handler error into a wire envelope. Coded errors
// pass through; context deadline errors become timeouts; anything else is
// sanitized to internal_error with the detail kept server-side.
func (d *Dispatcher) errorResponse(ctx context.Context, req *jsonrpc.Request, err error, start time.Time) *jsonrpc.Response {
	var de *Error
	if errors.As(err, &de) {
		d.log.InfoContext(ctx, "rpc.inbound.err",
			slog.Int("code", int(de.Code)),
			slog.String("err", de.Message),
			slog.Duration("dur", time.Since(start)),
		)
		return jsonrpc.NewErrorResponse(req.ID, de.Code, de.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		d.log.WarnContext(ctx, "rpc.handler.timeout", slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeTimeout, fmt.Sprintf("method %q deadline exceeded", req.Method))
	}
	d.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error")
}

// Typed adapts a function taking decoded params of type T into a Handler.
// Unmarshal failures surface as invalid_params.
func Typed[T any](fn func(ctx context.Context, cc *CallContext, params T) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, cc *CallContext, raw json.RawMessage) (any, error) {
		var params T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, ErrInvalidParams("invalid params: " + err.Error())
			}
		}
		return fn(ctx, cc, params)
	})
}
