package streamhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Clockwork-Innovations/simply-mcp-go/dispatch"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
	"github.com/Clockwork-Innovations/simply-mcp-go/sessions"
	"github.com/Clockwork-Innovations/simply-mcp-go/sessions/memoryhost"
)

func mustSigner(t *testing.T) sessions.TokenSigner {
	t.Helper()
	s, err := sessions.GenerateEdDSATokenSigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	reg := dispatch.NewStaticRegistry()
	reg.RegisterFunc("echo", func(ctx context.Context, cc *dispatch.CallContext, params json.RawMessage) (any, error) {
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, dispatch.ErrInvalidParams(err.Error())
		}
		return map[string]string{"echo": p.Message}, nil
	})
	return dispatch.NewDispatcher(reg, dispatch.WithLogger(quietLogger()))
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts = append(opts, WithLogger(quietLogger()))
	h, err := New(ctx, memoryhost.New(), testDispatcher(t), opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, h
}

func postRPC(t *testing.T, srv *httptest.Server, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Rpc-Session-Id", sessionID)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return res
}

func decodeEnvelope(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var env map[string]any
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

// initialize runs the handshake and returns the issued session id.
func initialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	res := postRPC(t, srv, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolRevision":"2025-06","clientInfo":{"name":"test-client"}}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", res.StatusCode)
	}
	sessionID := res.Header.Get("Rpc-Session-Id")
	if sessionID == "" {
		t.Fatalf("initialize response missing session id header")
	}
	env := decodeEnvelope(t, res)
	result, ok := env["result"].(map[string]any)
	if !ok {
		t.Fatalf("initialize envelope = %v", env)
	}
	if result["protocolRevision"] != protocol.Revision {
		t.Fatalf("revision = %v", result["protocolRevision"])
	}
	return sessionID
}

func TestInitializeHandshake(t *testing.T) {
	srv, h := newTestServer(t)
	sid := initialize(t, srv)
	if _, err := h.Registry().Get(sid); err != nil {
		t.Fatalf("registry must know the issued session: %v", err)
	}
}

func TestRequestWithSession(t *testing.T) {
	srv, _ := newTestServer(t)
	sid := initialize(t, srv)

	res := postRPC(t, srv, sid, `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"message":"hi"}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	env := decodeEnvelope(t, res)
	if env["result"].(map[string]any)["echo"] != "hi" {
		t.Fatalf("envelope = %v", env)
	}
}

func TestUnknownSessionKeepsConnectionUsable(t *testing.T) {
	srv, _ := newTestServer(t)

	res := postRPC(t, srv, "not-a-session", `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"message":"hi"}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stale session must not fail at the HTTP layer, status = %d", res.StatusCode)
	}
	env := decodeEnvelope(t, res)
	if v, present := env["id"]; !present || v != nil {
		t.Fatalf("session error must carry a null id: %v", env)
	}
	errObj, ok := env["error"].(map[string]any)
	if !ok || errObj["code"].(float64) != float64(jsonrpc.ErrorCodeInvalidSession) {
		t.Fatalf("envelope = %v", env)
	}

	// The client recovers by initializing again on the same connection.
	sid := initialize(t, srv)
	res = postRPC(t, srv, sid, `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"message":"back"}}`)
	env = decodeEnvelope(t, res)
	if env["result"].(map[string]any)["echo"] != "back" {
		t.Fatalf("recovery request failed: %v", env)
	}
}

func TestBatchPreservesOrder(t *testing.T) {
	srv, _ := newTestServer(t)
	sid := initialize(t, srv)

	res := postRPC(t, srv, sid, `[
		{"jsonrpc":"2.0","id":1,"method":"echo","params":{"message":"a"}},
		{"jsonrpc":"2.0","id":2,"method":"nosuch"},
		{"jsonrpc":"2.0","id":3,"method":"echo","params":{"message":"c"}}
	]`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	defer res.Body.Close()

	var batch []map[string]any
	if err := json.NewDecoder(res.Body).Decode(&batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch of 3 in, %d out", len(batch))
	}
	if batch[0]["result"].(map[string]any)["echo"] != "a" {
		t.Fatalf("item 0 = %v", batch[0])
	}
	if errObj, ok := batch[1]["error"].(map[string]any); !ok || errObj["code"].(float64) != float64(jsonrpc.ErrorCodeMethodNotFound) {
		t.Fatalf("item 1 = %v", batch[1])
	}
	if batch[2]["result"].(map[string]any)["echo"] != "c" {
		t.Fatalf("item 2 = %v", batch[2])
	}
}

func TestOversizeBatchRejectedWholesale(t *testing.T) {
	srv, _ := newTestServer(t, WithMaxBatchSize(2))
	sid := initialize(t, srv)

	res := postRPC(t, srv, sid, `[
		{"jsonrpc":"2.0","id":1,"method":"echo","params":{"message":"a"}},
		{"jsonrpc":"2.0","id":2,"method":"echo","params":{"message":"b"}},
		{"jsonrpc":"2.0","id":3,"method":"echo","params":{"message":"c"}}
	]`)
	env := decodeEnvelope(t, res)
	errObj, ok := env["error"].(map[string]any)
	if !ok || errObj["code"].(float64) != float64(jsonrpc.ErrorCodeBatchTooLarge) {
		t.Fatalf("envelope = %v", env)
	}
	if v, present := env["id"]; !present || v != nil {
		t.Fatalf("oversize rejection must carry a null id: %v", env)
	}
}

func TestNotificationAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	sid := initialize(t, srv)

	res := postRPC(t, srv, sid, `{"jsonrpc":"2.0","method":"echo","params":{"message":"fire and forget"}}`)
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("notification status = %d, want 202", res.StatusCode)
	}
}

func TestSessionTerminateAndDelete(t *testing.T) {
	srv, h := newTestServer(t)

	// In-band terminate.
	sid := initialize(t, srv)
	res := postRPC(t, srv, sid, `{"jsonrpc":"2.0","id":5,"method":"session/terminate"}`)
	env := decodeEnvelope(t, res)
	if env["error"] != nil {
		t.Fatalf("terminate envelope = %v", env)
	}
	if _, err := h.Registry().Get(sid); err == nil {
		t.Fatalf("session must be gone after terminate")
	}

	// Out-of-band DELETE.
	sid = initialize(t, srv)
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/rpc", nil)
	req.Header.Set("Rpc-Session-Id", sid)
	delRes, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delRes.Body.Close()
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delRes.StatusCode)
	}

	// The old id now yields an invalid_session envelope.
	res = postRPC(t, srv, sid, `{"jsonrpc":"2.0","id":6,"method":"ping"}`)
	env = decodeEnvelope(t, res)
	errObj, ok := env["error"].(map[string]any)
	if !ok || errObj["code"].(float64) != float64(jsonrpc.ErrorCodeInvalidSession) {
		t.Fatalf("envelope after delete = %v", env)
	}
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t)
	sid := initialize(t, srv)

	res := postRPC(t, srv, sid, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	env := decodeEnvelope(t, res)
	if env["id"].(float64) != 7 || env["error"] != nil {
		t.Fatalf("ping envelope = %v", env)
	}
}

func TestSecondInitializeOnSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sid := initialize(t, srv)

	res := postRPC(t, srv, sid, `{"jsonrpc":"2.0","id":8,"method":"initialize","params":{"protocolRevision":"2025-06"}}`)
	env := decodeEnvelope(t, res)
	errObj, ok := env["error"].(map[string]any)
	if !ok || errObj["code"].(float64) != float64(jsonrpc.ErrorCodeInvalidRequest) {
		t.Fatalf("envelope = %v", env)
	}
}

func TestUnsupportedMediaType(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc", bytes.NewReader([]byte("hello")))
	req.Header.Set("Content-Type", "text/plain")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", res.StatusCode)
	}
}

func TestMalformedBodyYieldsParseError(t *testing.T) {
	srv, _ := newTestServer(t)

	res := postRPC(t, srv, "", `{this is not json`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	env := decodeEnvelope(t, res)
	errObj, ok := env["error"].(map[string]any)
	if !ok || errObj["code"].(float64) != float64(jsonrpc.ErrorCodeParseError) {
		t.Fatalf("envelope = %v", env)
	}
}

func TestHealthProbe(t *testing.T) {
	srv, _ := newTestServer(t)
	initialize(t, srv)

	res, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var status protocol.HealthStatus
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "ok" || status.Sessions != 1 || status.Methods == 0 {
		t.Fatalf("health = %+v", status)
	}
}

func TestSignedSessionTokens(t *testing.T) {
	signer := mustSigner(t)
	srv, h := newTestServer(t, WithTokenSigner(signer))
	token := initialize(t, srv)

	// The header value is an opaque token, not the raw registry id.
	if _, err := h.Registry().Get(token); err == nil {
		t.Fatalf("raw token must not be a registry id")
	}

	res := postRPC(t, srv, token, `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"message":"signed"}}`)
	env := decodeEnvelope(t, res)
	if env["result"].(map[string]any)["echo"] != "signed" {
		t.Fatalf("envelope = %v", env)
	}

	// A forged token is rejected as an invalid session.
	res = postRPC(t, srv, token+"x", `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	env = decodeEnvelope(t, res)
	errObj, ok := env["error"].(map[string]any)
	if !ok || errObj["code"].(float64) != float64(jsonrpc.ErrorCodeInvalidSession) {
		t.Fatalf("envelope = %v", env)
	}
}
