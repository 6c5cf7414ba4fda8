package pipe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/Clockwork-Innovations/simply-mcp-go/dispatch"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/logctx"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/outbound"
	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
)

// maxLineBytes bounds a single newline-delimited envelope.
const maxLineBytes = 8 << 20

// Handler serves one peer over a byte pipe. Construct with NewHandler and
// drive with Serve; the handler owns the connection for Serve's lifetime.
type Handler struct {
	d *dispatch.Dispatcher

	r io.Reader
	w io.Writer
	l *slog.Logger

	userProvider UserProvider
	serverInfo   protocol.ImplementationInfo
	parallel     bool
	coordOpts    []dispatch.CoordinatorOption

	coord *dispatch.Coordinator

	// writeMu keeps envelopes whole when responses, notifications, and
	// server-initiated requests interleave on the write side.
	writeMu sync.Mutex

	sessionID string
	userID    string

	mu          sync.Mutex
	initialized bool
	clientInfo  protocol.ImplementationInfo
}

// NewHandler builds a pipe handler over the given dispatcher. Defaults:
// stdin/stdout, slog.Default(), the OS user as principal, sequential batches.
func NewHandler(d *dispatch.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		d:            d,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
		serverInfo:   protocol.ImplementationInfo{Name: "simply-mcp-go"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.coord = dispatch.NewCoordinator(d, append(h.coordOpts, dispatch.WithCoordinatorLogger(h.l))...)
	return h
}

// inboundWork is one decoded payload queued for in-order processing.
type inboundWork struct {
	decoded *jsonrpc.Decoded
}

// Serve reads envelopes until ctx ends or the reader closes. Requests and
// batches are processed strictly in receipt order; responses and
// cancellation notifications from the peer bypass the queue so in-flight
// server-initiated calls resolve even while a handler is running.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.sessionID = uuid.NewString()
	uid, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.l.WarnContext(ctx, "pipe.user.resolve.fail", slog.String("err", err.Error()))
		uid = "local"
	}
	h.userID = uid

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: h.sessionID, UserID: h.userID, Mode: string(dispatch.ModePipe)})

	caller := outbound.New(&pipeTransport{h: h})
	defer caller.Close(errors.New("connection closed"))

	cc := &dispatch.CallContext{
		Mode:      dispatch.ModePipe,
		SessionID: h.sessionID,
		UserID:    h.userID,
		Notify: func(ctx context.Context, method string, params any) error {
			req, err := jsonrpc.NewRequest(nil, method, params)
			if err != nil {
				return err
			}
			return h.writeJSON(req)
		},
		Caller: caller,
	}

	work := make(chan inboundWork, 16)
	readErr := make(chan error, 1)

	// Reader goroutine: route peer responses to the outbound dispatcher
	// immediately, queue everything else for the in-order worker.
	go func() {
		defer close(work)
		scanner := bufio.NewScanner(h.r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(trimSpace(line)) == 0 {
				continue
			}
			buf := make([]byte, len(line))
			copy(buf, line)

			decoded, err := jsonrpc.DecodeMessage(buf, h.coord.MaxSize())
			if err != nil {
				h.writeDecodeError(ctx, err)
				continue
			}
			if decoded.Single != nil && decoded.Single.Type() == "response" {
				caller.OnResponse(decoded.Single.AsResponse())
				continue
			}
			if decoded.Single != nil && decoded.Single.Type() == "notification" && decoded.Single.Method == protocol.NotificationCancelled {
				caller.OnNotification(*decoded.Single)
				continue
			}

			select {
			case work <- inboundWork{decoded: decoded}:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wk, ok := <-work:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			h.process(ctx, cc, wk.decoded)
		}
	}
}

// process handles one decoded payload in the worker's serial order.
func (h *Handler) process(ctx context.Context, cc *dispatch.CallContext, decoded *jsonrpc.Decoded) {
	if decoded.IsBatch() {
		responses := h.coord.Execute(ctx, cc, decoded.Batch, h.parallel)
		b, err := jsonrpc.EncodeResponses(responses)
		if err != nil {
			h.l.ErrorContext(ctx, "pipe.batch.encode.fail", slog.String("err", err.Error()))
			return
		}
		if err := h.writeLine(b); err != nil {
			h.l.WarnContext(ctx, "pipe.write.fail", slog.String("err", err.Error()))
		}
		return
	}

	req := decoded.Single.AsRequest()
	if req == nil {
		// Unmatched response that slipped past the reader's routing.
		return
	}

	resp := h.dispatchOne(ctx, cc, req)
	if req.IsNotification() {
		// Notifications are executed for effect; their response is dropped.
		return
	}
	if err := h.writeJSON(resp); err != nil {
		h.l.WarnContext(ctx, "pipe.write.fail", slog.String("err", err.Error()))
	}
}

// dispatchOne serves runtime methods inline and defers everything else to
// the dispatcher.
func (h *Handler) dispatchOne(ctx context.Context, cc *dispatch.CallContext, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case protocol.MethodInitialize:
		return h.handleInitialize(ctx, req)
	case protocol.MethodPing:
		resp, _ := jsonrpc.NewResultResponse(req.ID, struct{}{})
		return resp
	default:
		return h.d.Dispatch(ctx, cc, req)
	}
}

func (h *Handler) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params protocol.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params: "+err.Error())
		}
	}

	h.mu.Lock()
	h.initialized = true
	h.clientInfo = params.ClientInfo
	h.mu.Unlock()

	h.l.InfoContext(ctx, "pipe.initialize",
		slog.String("client", params.ClientInfo.Name),
		slog.String("revision", params.ProtocolRevision),
	)

	result := protocol.InitializeResult{
		ProtocolRevision: protocol.Revision,
		ServerInfo:       h.serverInfo,
		Capabilities: protocol.ServerCapabilities{
			// The pipe shares its write side for push; no separate stream.
			Push:  true,
			Batch: &protocol.BatchCapability{MaxSize: h.coord.MaxSize(), Parallel: h.parallel},
		},
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error")
	}
	return resp
}

// writeDecodeError maps codec failures onto connection-level error envelopes
// with a null id.
func (h *Handler) writeDecodeError(ctx context.Context, err error) {
	var resp *jsonrpc.Response
	var sizeErr *jsonrpc.BatchSizeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &sizeErr):
		resp = jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeBatchTooLarge, sizeErr.Error())
	case errors.Is(err, jsonrpc.ErrEmptyBatch):
		resp = jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, err.Error())
	case errors.As(err, &syntaxErr):
		resp = jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error: "+err.Error())
	default:
		resp = jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, err.Error())
	}
	h.l.InfoContext(ctx, "pipe.decode.fail", slog.String("err", err.Error()))
	if werr := h.writeJSON(resp); werr != nil {
		h.l.WarnContext(ctx, "pipe.write.fail", slog.String("err", werr.Error()))
	}
}

func (h *Handler) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return h.writeLine(b)
}

func (h *Handler) writeLine(b []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		return err
	}
	_, err := h.w.Write([]byte{'\n'})
	return err
}

// pipeTransport carries server-initiated traffic over the shared write side.
type pipeTransport struct {
	h *Handler
}

var _ outbound.Transport = (*pipeTransport)(nil)

func (t *pipeTransport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	return t.h.writeJSON(req)
}

func (t *pipeTransport) SendCancelled(ctx context.Context, requestID string) error {
	req, err := jsonrpc.NewRequest(nil, protocol.NotificationCancelled, protocol.CancelledParams{RequestID: requestID})
	if err != nil {
		return err
	}
	return t.h.writeJSON(req)
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
