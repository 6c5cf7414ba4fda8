package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustRequest(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	var rid *jsonrpc.RequestID
	if id != nil {
		rid = jsonrpc.NewRequestID(id)
	}
	req, err := jsonrpc.NewRequest(rid, method, params)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func testCallContext() *CallContext {
	return &CallContext{Mode: ModeEphemeral, SessionID: "s1", UserID: "u1"}
}

func TestDispatchMethodNotFound(t *testing.T) {
	d := NewDispatcher(NewStaticRegistry(), WithLogger(discardLogger()))
	resp := d.Dispatch(context.Background(), testCallContext(), mustRequest(t, 1, "nope", nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("resp = %+v, want method_not_found", resp)
	}
	if resp.ID.String() != "1" {
		t.Fatalf("id = %q, want 1", resp.ID.String())
	}
}

func TestDispatchSuccess(t *testing.T) {
	reg := NewStaticRegistry()
	reg.RegisterFunc("add", func(ctx context.Context, cc *CallContext, params json.RawMessage) (any, error) {
		var p struct{ A, B int }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]int{"sum": p.A + p.B}, nil
	})
	d := NewDispatcher(reg, WithLogger(discardLogger()))

	resp := d.Dispatch(context.Background(), testCallContext(), mustRequest(t, "r1", "add", map[string]int{"A": 2, "B": 3}))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var out map[string]int
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out["sum"] != 5 {
		t.Fatalf("sum = %d", out["sum"])
	}
}

func TestDispatchValidatesParams(t *testing.T) {
	reg := NewStaticRegistry()
	reg.RegisterFunc("greet", func(ctx context.Context, cc *CallContext, params json.RawMessage) (any, error) {
		return "hi", nil
	})

	val := NewStructValidator()
	type greetParams struct {
		Name string `json:"name"`
	}
	if err := val.Bind("greet", greetParams{}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	d := NewDispatcher(reg, WithValidator(val), WithLogger(discardLogger()))

	resp := d.Dispatch(context.Background(), testCallContext(), mustRequest(t, 1, "greet", map[string]any{}))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("resp = %+v, want invalid_params", resp)
	}
	if resp.Error.Data == nil || resp.Error.Data.Field != "name" {
		t.Fatalf("error data should name the failing field, got %+v", resp.Error.Data)
	}

	resp = d.Dispatch(context.Background(), testCallContext(), mustRequest(t, 2, "greet", map[string]any{"name": 7}))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("wrong-typed param should fail validation, got %+v", resp)
	}
}

func TestDispatchTimeout(t *testing.T) {
	reg := NewStaticRegistry()
	reg.RegisterFunc("slow", func(ctx context.Context, cc *CallContext, params json.RawMessage) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, WithHandlerTimeout(30*time.Millisecond))
	d := NewDispatcher(reg, WithLogger(discardLogger()))

	start := time.Now()
	resp := d.Dispatch(context.Background(), testCallContext(), mustRequest(t, 1, "slow", nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeTimeout {
		t.Fatalf("resp = %+v, want timeout", resp)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced promptly")
	}
}

func TestDispatchPanicBecomesInternalError(t *testing.T) {
	reg := NewStaticRegistry()
	reg.RegisterFunc("boom", func(ctx context.Context, cc *CallContext, params json.RawMessage) (any, error) {
		panic("kaboom")
	})
	d := NewDispatcher(reg, WithLogger(discardLogger()))

	resp := d.Dispatch(context.Background(), testCallContext(), mustRequest(t, 1, "boom", nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("resp = %+v, want internal_error", resp)
	}
	if resp.Error.Message != "internal server error" {
		t.Fatalf("panic detail must not leak to the wire: %q", resp.Error.Message)
	}
}

func TestDispatchCodedErrorPassesThrough(t *testing.T) {
	reg := NewStaticRegistry()
	reg.RegisterFunc("teapot", func(ctx context.Context, cc *CallContext, params json.RawMessage) (any, error) {
		return nil, NewError(jsonrpc.ErrorCodeInvalidParams, "short and stout")
	})
	d := NewDispatcher(reg, WithLogger(discardLogger()))

	resp := d.Dispatch(context.Background(), testCallContext(), mustRequest(t, 1, "teapot", nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Error.Message != "short and stout" {
		t.Fatalf("coded error message should pass through, got %q", resp.Error.Message)
	}
}

func TestDispatchSanitizesUnknownErrors(t *testing.T) {
	reg := NewStaticRegistry()
	reg.RegisterFunc("fail", func(ctx context.Context, cc *CallContext, params json.RawMessage) (any, error) {
		return nil, errors.New("db password is hunter2")
	})
	d := NewDispatcher(reg, WithLogger(discardLogger()))

	resp := d.Dispatch(context.Background(), testCallContext(), mustRequest(t, 1, "fail", nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Error.Message != "internal server error" {
		t.Fatalf("internal detail must not leak: %q", resp.Error.Message)
	}
}

func TestTypedHandlerRejectsBadParams(t *testing.T) {
	type args struct {
		N int `json:"n"`
	}
	h := Typed(func(ctx context.Context, cc *CallContext, a args) (any, error) {
		return a.N * 2, nil
	})

	_, err := h.Handle(context.Background(), testCallContext(), json.RawMessage(`{"n":"x"}`))
	var de *Error
	if !errors.As(err, &de) || de.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("err = %v, want coded invalid_params", err)
	}

	out, err := h.Handle(context.Background(), testCallContext(), json.RawMessage(`{"n":21}`))
	if err != nil || out != 42 {
		t.Fatalf("out = %v, err = %v", out, err)
	}
}
