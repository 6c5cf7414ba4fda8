package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
)

// Transport abstracts how server-initiated requests and notifications reach
// the peer. Implementations may subscribe to a response rendezvous before
// emitting the request so no response can be missed.
type Transport interface {
	// SendRequest sends the request with the pre-allocated id.
	SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error
	// SendCancelled emits a notifications/cancelled for the given id string.
	SendCancelled(ctx context.Context, requestID string) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
)

// pendingCall tracks one in-flight server-initiated request. The record is
// owned by the dispatcher that issued the call and is removed the moment a
// terminal outcome (response, error, cancellation) is produced.
type pendingCall struct {
	respCh    chan *jsonrpc.Response
	errCh     chan error
	startedAt time.Time
	cancelled atomic.Bool
}

// Dispatcher coordinates server-initiated JSON-RPC requests with correlation,
// cancellation, and response routing. It is transport-agnostic; one instance
// belongs to exactly one connection or session.
type Dispatcher struct {
	t Transport

	mu       sync.Mutex
	pending  map[string]*pendingCall // id.String() -> call
	closed   bool
	closeErr error

	nextID uint64
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
}

// Call sends a JSON-RPC request and waits for a response or context cancellation.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if err := d.closedErr(); err != nil {
		return nil, err
	}

	idNum := atomic.AddUint64(&d.nextID, 1)
	id := jsonrpc.NewRequestID(idNum)
	key := id.String()

	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	pc := &pendingCall{
		respCh:    make(chan *jsonrpc.Response, 1),
		errCh:     make(chan error, 1),
		startedAt: time.Now(),
	}
	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrDispatcherClosed
	}
	d.pending[key] = pc
	d.mu.Unlock()

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: paramsRaw, ID: id}
	if err := d.t.SendRequest(ctx, id, req); err != nil {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		if err != nil {
			return nil, err
		}
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		// Best-effort cancel message to the peer; handler completion after
		// this point is discarded by OnResponse finding no pending entry.
		pc.cancelled.Store(true)
		_ = d.t.SendCancelled(context.Background(), key)
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return nil, ctx.Err()
	}
}

// OnResponse delivers an incoming response to a waiting call. Unmatched
// responses (late arrivals for timed-out or cancelled calls) are dropped.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) {
	if resp == nil || resp.ID == nil {
		return
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
}

// OnNotification processes peer notifications relevant to outbound calls.
func (d *Dispatcher) OnNotification(msg jsonrpc.AnyMessage) {
	switch msg.Method {
	case protocol.NotificationCancelled:
		var p protocol.CancelledParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		key := p.RequestID
		d.mu.Lock()
		pc, ok := d.pending[key]
		if ok {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		if ok {
			pc.cancelled.Store(true)
			pc.errCh <- ErrRemoteCancelled
		}
	case protocol.NotificationProgress:
		// Progress on outbound calls is currently ignored.
		return
	}
}

// Len reports the number of in-flight calls.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close cancels all pending calls with the provided error and prevents new
// calls. Session termination and adapter disconnect both funnel through here.
// Close is idempotent; the first reason sticks.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.cancelled.Store(true)
		pc.errCh <- err
	}
}

// closedErr reports the close reason, or nil while the dispatcher is open.
func (d *Dispatcher) closedErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		return nil
	}
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}
