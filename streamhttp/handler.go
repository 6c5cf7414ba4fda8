package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/Clockwork-Innovations/simply-mcp-go/auth"
	"github.com/Clockwork-Innovations/simply-mcp-go/dispatch"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/logctx"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/outbound"
	"github.com/Clockwork-Innovations/simply-mcp-go/notify"
	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
	"github.com/Clockwork-Innovations/simply-mcp-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

	postMediaTypes = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	getMediaTypes  = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader      = "Last-Event-ID"
	sessionIDHeader        = "Rpc-Session-Id"
	protocolRevisionHeader = "Rpc-Protocol-Revision"
	authorizationHeader    = "Authorization"
	wwwAuthenticateHeader  = "WWW-Authenticate"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange is possible (bad media type, auth).
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Handler is the HTTP transport. Construct with New and mount it on any
// net/http server; it owns its internal mux.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger

	d     *dispatch.Dispatcher
	coord *dispatch.Coordinator
	reg   *sessions.Registry
	host  sessions.StreamHost
	ntf   *notify.Notifier

	authn      auth.Authenticator
	signer     sessions.TokenSigner
	serverInfo protocol.ImplementationInfo
	realm      string
	parallel   bool

	startTime time.Time

	// callers tracks the per-session outbound dispatcher for
	// server-initiated requests. Entries die with their session.
	callersMu sync.Mutex
	callers   map[string]*outbound.Dispatcher
}

// New constructs the HTTP transport over a stream host and a dispatcher. The
// registry's idle-eviction sweep runs until ctx ends.
func New(ctx context.Context, host sessions.StreamHost, d *dispatch.Dispatcher, opts ...Option) (*Handler, error) {
	if host == nil {
		return nil, fmt.Errorf("stream host is required")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	cfg := &newConfig{
		path:       "/rpc",
		logger:     slog.Default(),
		serverInfo: protocol.ImplementationInfo{Name: "simply-mcp-go"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &Handler{
		log:        log,
		d:          d,
		host:       host,
		ntf:        notify.New(host, notify.WithLogger(log)),
		authn:      cfg.authn,
		signer:     cfg.signer,
		serverInfo: cfg.serverInfo,
		realm:      cfg.realm,
		parallel:   cfg.parallel,
		startTime:  time.Now(),
		callers:    make(map[string]*outbound.Dispatcher),
	}
	h.coord = dispatch.NewCoordinator(d, append(cfg.coordOpts, dispatch.WithCoordinatorLogger(log))...)
	h.reg = sessions.NewRegistry(append(cfg.registryOpts,
		sessions.WithStreamHost(host),
		sessions.WithLogger(log),
	)...)

	go func() {
		if err := h.reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("registry.run.fail", slog.String("err", err.Error()))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.path), h.handleDelete)
	mux.HandleFunc("GET /healthz", h.handleProbe)
	h.mux = mux
	return h, nil
}

// Registry exposes the session registry for embedding applications (probes,
// tests, administrative eviction).
func (h *Handler) Registry() *sessions.Registry { return h.reg }

// Notifier exposes the push notifier bound to this transport's stream host.
func (h *Handler) Notifier() *notify.Notifier { return h.ntf }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// lockedWriteFlusher serializes concurrent writes/flushes to an SSE response
// and refuses writes after the request context is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one SSE frame carrying a JSON payload and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("write sse event id: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write sse data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write sse payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write sse frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// handlePost serves the message exchange: the initialize handshake, single
// requests, batches, notifications, and client responses to server-initiated
// calls.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
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

	token := r.Header.Get(sessionIDHeader)
	if token == "" {
		h.handleInitialize(ctx, w, userInfo, decoded, start)
		return
	}

	sess, errResp := h.resolveSession(ctx, token)
	if errResp != nil {
		// The session is gone but the connection is fine; answer with an
		// error envelope and let the client initialize anew.
		h.writeEnvelope(ctx, w, errResp)
		return
	}
	h.reg.Touch(sess.ID())

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		UserID:    sess.UserID(),
		Mode:      string(dispatch.ModeStream),
	})

	cc := h.callContext(sess)

	if decoded.IsBatch() {
		responses := h.coord.Execute(ctx, cc, decoded.Batch, h.parallel)
		b, err := jsonrpc.EncodeResponses(responses)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode batch responses")
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

	msg := decoded.Single

	if res := msg.AsResponse(); res != nil {
		if caller := h.callerFor(sess.ID(), false); caller != nil {
			caller.OnResponse(res)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	req := msg.AsRequest()

	if req.IsNotification() {
		if req.Method == protocol.NotificationCancelled {
			if caller := h.callerFor(sess.ID(), false); caller != nil {
				caller.OnNotification(*msg)
			}
		} else {
			// Executed for effect; the null-id response is dropped.
			_ = h.dispatchOne(ctx, w, cc, sess, req, true)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	resp := h.dispatchOne(ctx, w, cc, sess, req, false)
	if resp == nil {
		return
	}

	mt, _, accErr := contenttype.GetAcceptableMediaType(r, postMediaTypes)
	if accErr == nil && mt.Matches(eventStreamMediaType) {
		h.writeResponseSSE(ctx, w, resp)
	} else {
		h.writeEnvelope(ctx, w, resp)
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// dispatchOne serves runtime methods inline and defers tool methods to the
// dispatcher. For session/terminate it writes the response itself and
// returns nil.
func (h *Handler) dispatchOne(ctx context.Context, w http.ResponseWriter, cc *dispatch.CallContext, sess *sessions.Session, req *jsonrpc.Request, notification bool) *jsonrpc.Response {
	switch req.Method {
	case protocol.MethodPing:
		resp, _ := jsonrpc.NewResultResponse(req.ID, struct{}{})
		return resp
	case protocol.MethodInitialize:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
	case protocol.MethodSessionTerminate:
		h.terminate(ctx, sess.ID())
		h.log.InfoContext(ctx, "session.terminate.ok")
		resp, _ := jsonrpc.NewResultResponse(req.ID, struct{}{})
		if notification {
			return nil
		}
		h.writeEnvelope(ctx, w, resp)
		return nil
	default:
		return h.d.Dispatch(ctx, cc, req)
	}
}

// handleInitialize serves the first POST of a session's life: no session id
// header, a single initialize request.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, userInfo auth.UserInfo, decoded *jsonrpc.Decoded, start time.Time) {
	if decoded.IsBatch() {
		h.writeEnvelope(ctx, w, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "expected a single initialize request"))
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	req := decoded.Single.AsRequest()
	if req == nil || req.Method != protocol.MethodInitialize || req.IsNotification() {
		h.writeEnvelope(ctx, w, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidSession, "no session; expected initialize request"))
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	var params protocol.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			h.writeEnvelope(ctx, w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params: "+err.Error()))
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	caps := sessions.CapabilitySet{Push: params.Capabilities.Push}
	sess, err := h.reg.Create(ctx, userInfo.UserID(), caps, params.ClientInfo)
	if err != nil {
		h.writeEnvelope(ctx, w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to initialize session"))
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), UserID: sess.UserID(), Mode: string(dispatch.ModeStream)})

	token := sess.ID()
	if h.signer != nil {
		token, err = h.signer.Wrap(sess.ID())
		if err != nil {
			h.writeEnvelope(ctx, w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to mint session token"))
			h.log.ErrorContext(ctx, "session.token.wrap.fail", slog.String("err", err.Error()))
			return
		}
	}

	result := protocol.InitializeResult{
		ProtocolRevision: protocol.Revision,
		ServerInfo:       h.serverInfo,
		Capabilities: protocol.ServerCapabilities{
			Push:  true,
			Batch: &protocol.BatchCapability{MaxSize: h.coord.MaxSize(), Parallel: h.parallel},
		},
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		h.writeEnvelope(ctx, w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error"))
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(sessionIDHeader, token)
	w.Header().Set(protocolRevisionHeader, protocol.Revision)
	h.writeEnvelope(ctx, w, resp)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet serves the long-lived SSE push stream for an established session.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, getMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	token := r.Header.Get(sessionIDHeader)
	if token == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, errResp := h.resolveSession(ctx, token)
	if errResp != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	h.reg.Touch(sess.ID())

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), UserID: sess.UserID(), Mode: string(dispatch.ModeStream)})

	lastEventID := r.Header.Get(lastEventIDHeader)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	sess.MarkStreamOpen(true)
	h.ntf.Reopen(sess.ID())
	defer sess.MarkStreamOpen(false)

	h.log.InfoContext(ctx, "sse.stream.start")

	if err := h.host.Subscribe(ctx, sess.ID(), lastEventID, func(cbCtx context.Context, msgID string, msg []byte) error {
		if err := writeSSEEvent(wf, msgID, msg); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		return nil
	}); err != nil && !errors.Is(err, context.Canceled) {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates a session out-of-band, equivalent to a
// session/terminate request.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	token := r.Header.Get(sessionIDHeader)
	if token == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, errResp := h.resolveSession(ctx, token)
	if errResp != nil {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), UserID: sess.UserID(), Mode: string(dispatch.ModeStream)})

	h.terminate(ctx, sess.ID())
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleProbe serves the liveness probe.
func (h *Handler) handleProbe(w http.ResponseWriter, r *http.Request) {
	status := protocol.HealthStatus{
		Status:        "ok",
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Sessions:      h.reg.Len(),
		Methods:       len(h.d.Methods()),
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(status)
}

// terminate removes the session, closes its push stream, and cancels every
// pending server-initiated call.
func (h *Handler) terminate(ctx context.Context, sessionID string) {
	if caller := h.callerFor(sessionID, false); caller != nil {
		caller.Close(fmt.Errorf("session %s terminated", sessionID))
		h.callersMu.Lock()
		delete(h.callers, sessionID)
		h.callersMu.Unlock()
	}
	if err := h.reg.Remove(ctx, sessionID); err != nil {
		h.log.WarnContext(ctx, "session.remove.fail", slog.String("err", err.Error()))
	}
}

// resolveSession unwraps the edge token and loads the session. A failure of
// either step yields an invalid_session envelope; the distinction is logged
// but deliberately not exposed.
func (h *Handler) resolveSession(ctx context.Context, token string) (*sessions.Session, *jsonrpc.Response) {
	id := token
	if h.signer != nil {
		var err error
		id, err = h.signer.Unwrap(token)
		if err != nil {
			h.log.InfoContext(ctx, "session.token.invalid", slog.String("err", err.Error()))
			return nil, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidSession, "invalid or expired session")
		}
	}
	sess, err := h.reg.Get(id)
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss")
		return nil, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidSession, "invalid or expired session")
	}
	return sess, nil
}

// callContext assembles the per-request dispatch context for a session.
func (h *Handler) callContext(sess *sessions.Session) *dispatch.CallContext {
	sessionID := sess.ID()
	return &dispatch.CallContext{
		Mode:      dispatch.ModeStream,
		SessionID: sessionID,
		UserID:    sess.UserID(),
		Session:   sess,
		Notify: func(ctx context.Context, method string, params any) error {
			h.ntf.Notify(ctx, sessionID, method, params)
			return nil
		},
		Caller: h.callerFor(sessionID, true),
	}
}

// callerFor returns the session's outbound dispatcher, creating it when
// create is set.
func (h *Handler) callerFor(sessionID string, create bool) *outbound.Dispatcher {
	h.callersMu.Lock()
	defer h.callersMu.Unlock()
	caller, ok := h.callers[sessionID]
	if !ok && create {
		caller = outbound.New(&streamTransport{host: h.host, sessionID: sessionID})
		h.callers[sessionID] = caller
	}
	return caller
}

func (h *Handler) writeEnvelope(ctx context.Context, w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.WarnContext(ctx, "http.write.fail", slog.String("err", err.Error()))
	}
}

// writeResponseSSE answers a single request over a short-lived SSE response
// body for clients that prefer streaming delivery.
func (h *Handler) writeResponseSSE(ctx context.Context, w http.ResponseWriter, resp *jsonrpc.Response) {
	f, ok := w.(http.Flusher)
	if !ok {
		h.writeEnvelope(ctx, w, resp)
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := writeSSEEvent(wf, "", b); err != nil {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
	}
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

// streamTransport carries server-initiated traffic over the session's push
// stream; responses come back as POSTs and are routed by the handler.
type streamTransport struct {
	host      sessions.StreamHost
	sessionID string
}

var _ outbound.Transport = (*streamTransport)(nil)

func (t *streamTransport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal outbound request: %w", err)
	}
	_, err = t.host.Publish(ctx, t.sessionID, b)
	return err
}

func (t *streamTransport) SendCancelled(ctx context.Context, requestID string) error {
	req, err := jsonrpc.NewRequest(nil, protocol.NotificationCancelled, protocol.CancelledParams{RequestID: requestID})
	if err != nil {
		return err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = t.host.Publish(ctx, t.sessionID, b)
	return err
}

// anonymousUser is the implicit principal when no authenticator is set.
type anonymousUser struct{}

func (anonymousUser) UserID() string       { return "anonymous" }
func (anonymousUser) Claims(ref any) error { return nil }

// buildBearerChallenge builds a Bearer challenge header value. Realm is
// omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// checkAuthentication resolves the request's principal. With no configured
// authenticator every request runs as the anonymous user. On failure it
// writes the HTTP error itself and returns nil.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	if h.authn == nil {
		return anonymousUser{}
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	userInfo, err := h.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
		case errors.Is(err, auth.ErrInsufficientScope):
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
		default:
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return nil
	}
	return userInfo
}
