package stateless

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/Clockwork-Innovations/simply-mcp-go/auth"
	"github.com/Clockwork-Innovations/simply-mcp-go/dispatch"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/logctx"
	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAuthenticator requires bearer authentication; without it, requests run
// under the "anonymous" principal.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.authn = a }
}

// WithParallelBatches switches batch execution from the sequential default
// to concurrent per-item dispatch.
func WithParallelBatches(parallel bool) Option {
	return func(h *Handler) { h.parallel = parallel }
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

// Handler serves independent request/response exchanges with no session
// state between them.
type Handler struct {
	d   *dispatch.Dispatcher
	log *slog.Logger

	authn     auth.Authenticator
	parallel  bool
	coordOpts []dispatch.CoordinatorOption

	coord *dispatch.Coordinator
}

// NewHandler builds a stateless handler over the given dispatcher.
func NewHandler(d *dispatch.Dispatcher, opts ...Option) *Handler {
	h := &Handler{d: d, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	h.coord = dispatch.NewCoordinator(d, append(h.coordOpts, dispatch.WithCoordinatorLogger(h.log))...)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	userID := "anonymous"
	if h.authn != nil {
		userInfo := h.checkAuthentication(ctx, r, w)
		if userInfo == nil {
			h.log.InfoContext(ctx, "auth.fail")
			return
		}
		userID = userInfo.UserID()
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.writeEnvelope(ctx, w, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error: invalid JSON body"))
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	decoded, err := jsonrpc.DecodeMessage(raw, h.coord.MaxSize())
	if err != nil {
		h.writeEnvelope(ctx, w, decodeErrorEnvelope(err))
		h.log.InfoContext(ctx, "rpc.decode.fail", slog.String("err", err.Error()))
		return
	}

	// Each exchange gets a throwaway context; the "session" dies with the
	// response and is never registered anywhere.
	cc := &dispatch.CallContext{
		Mode:      dispatch.ModeEphemeral,
		SessionID: uuid.NewString(),
		UserID:    userID,
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: cc.SessionID, UserID: userID, Mode: string(dispatch.ModeEphemeral)})

	if decoded.IsBatch() {
		responses := h.coord.Execute(ctx, cc, decoded.Batch, h.parallel)
		b, err := jsonrpc.EncodeResponses(responses)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "batch.encode.fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(b); err != nil {
			h.log.WarnContext(ctx, "http.write.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	req := decoded.Single.AsRequest()
	if req == nil {
		// A bare response envelope has nowhere to go in ephemeral mode.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var resp *jsonrpc.Response
	switch req.Method {
	case protocol.MethodPing:
		resp, _ = jsonrpc.NewResultResponse(req.ID, struct{}{})
	default:
		resp = h.d.Dispatch(ctx, cc, req)
	}

	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}
	h.writeEnvelope(ctx, w, resp)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) writeEnvelope(ctx context.Context, w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.WarnContext(ctx, "http.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	const bearerPrefix = "Bearer "
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) <= len(bearerPrefix) || authHeader[:len(bearerPrefix)] != bearerPrefix {
		w.Header().Add("WWW-Authenticate", "Bearer")
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}
	userInfo, err := h.authn.CheckAuthentication(ctx, authHeader[len(bearerPrefix):])
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInsufficientScope):
			w.WriteHeader(http.StatusForbidden)
		case errors.Is(err, auth.ErrUnauthorized):
			w.Header().Add("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		return nil
	}
	return userInfo
}

// decodeErrorEnvelope maps codec failures onto connection-level error
// envelopes with a null id.
func decodeErrorEnvelope(err error) *jsonrpc.Response {
	var sizeErr *jsonrpc.BatchSizeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &sizeErr):
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeBatchTooLarge, sizeErr.Error())
	case errors.Is(err, jsonrpc.ErrEmptyBatch):
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, err.Error())
	case errors.As(err, &syntaxErr):
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error: "+err.Error())
	default:
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, err.Error())
	}
}
