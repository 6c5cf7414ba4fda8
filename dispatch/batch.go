package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/logctx"
	"github.com/lithammer/shortuuid/v4"
)

const defaultBatchTimeout = 60 * time.Second

// Coordinator executes grouped requests under a chosen ordering policy and
// reassembles an ordered response array. The output array is always the same
// length as the input and indexed by original position, regardless of
// completion order.
type Coordinator struct {
	d       *Dispatcher
	log     *slog.Logger
	maxSize int
	timeout time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMaxBatchSize caps how many items one batch may carry.
func WithMaxBatchSize(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithBatchTimeout sets the batch-wide deadline.
func WithBatchTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCoordinator constructs a Coordinator over the given dispatcher.
func NewCoordinator(d *Dispatcher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		d:       d,
		log:     slog.Default(),
		maxSize: jsonrpc.DefaultMaxBatchSize,
		timeout: defaultBatchTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// MaxSize returns the configured batch size cap; adapters feed it to the
// codec so oversized batches are rejected before any element is decoded.
func (c *Coordinator) MaxSize() int { return c.maxSize }

// Execute runs the batch and returns one response per input item, in input
// order. Oversized batches fail wholesale with a single batch_too_large
// envelope (null id) and zero dispatched items; per-item failures never
// abort siblings.
func (c *Coordinator) Execute(ctx context.Context, cc *CallContext, items []jsonrpc.BatchItem, parallel bool) []*jsonrpc.Response {
	if len(items) > c.maxSize {
		c.log.WarnContext(ctx, "batch.oversize", slog.Int("size", len(items)), slog.Int("max", c.maxSize))
		return []*jsonrpc.Response{
			jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeBatchTooLarge, fmt.Sprintf("batch of %d requests exceeds maximum of %d", len(items), c.maxSize)),
		}
	}

	start := time.Now()
	batchID := shortuuid.New()
	ctx = logctx.WithBatchData(ctx, &logctx.BatchData{BatchID: batchID, Size: len(items), Parallel: parallel})
	c.log.InfoContext(ctx, "batch.start")

	var responses []*jsonrpc.Response
	if parallel {
		responses = c.executeParallel(ctx, cc, items, batchID, start)
	} else {
		responses = c.executeSequential(ctx, cc, items, batchID, start)
	}

	c.log.InfoContext(ctx, "batch.done", slog.Duration("dur", time.Since(start)))
	return responses
}

// executeSequential dispatches items strictly in array order; item N+1 does
// not begin until item N's response is produced. Once the batch deadline
// elapses, every not-yet-started item receives a timeout error without being
// dispatched.
func (c *Coordinator) executeSequential(ctx context.Context, cc *CallContext, items []jsonrpc.BatchItem, batchID string, start time.Time) []*jsonrpc.Response {
	deadline := start.Add(c.timeout)
	bctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	responses := make([]*jsonrpc.Response, len(items))
	for i, item := range items {
		if item.Err != nil {
			responses[i] = item.Err
			continue
		}

		req := item.Msg.AsRequest()
		if req == nil {
			responses[i] = jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "batch items must be requests")
			continue
		}

		if time.Now().After(deadline) {
			responses[i] = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeTimeout, "batch deadline elapsed before item was dispatched")
			continue
		}

		info := &BatchInfo{BatchID: batchID, Size: len(items), Index: i, Parallel: false, StartTime: start}
		responses[i] = c.d.Dispatch(bctx, cc.withBatch(info), req)
	}
	return responses
}

// executeParallel dispatches every item concurrently. Each item's failure is
// captured independently; the batch deadline lets already-running items
// finish but ignores results that land after it fires.
func (c *Coordinator) executeParallel(ctx context.Context, cc *CallContext, items []jsonrpc.BatchItem, batchID string, start time.Time) []*jsonrpc.Response {
	deadline := start.Add(c.timeout)
	bctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type indexed struct {
		idx  int
		resp *jsonrpc.Response
	}

	responses := make([]*jsonrpc.Response, len(items))
	done := make(chan indexed, len(items))
	outstanding := 0

	for i, item := range items {
		if item.Err != nil {
			responses[i] = item.Err
			continue
		}
		req := item.Msg.AsRequest()
		if req == nil {
			responses[i] = jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "batch items must be requests")
			continue
		}

		outstanding++
		info := &BatchInfo{BatchID: batchID, Size: len(items), Index: i, Parallel: true, StartTime: start}
		go func(idx int, req *jsonrpc.Request, info *BatchInfo) {
			// The channel is buffered to len(items), so a send after the
			// collector stopped reading never blocks; the late result is
			// simply never collected.
			done <- indexed{idx: idx, resp: c.d.Dispatch(bctx, cc.withBatch(info), req)}
		}(i, req, info)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for outstanding > 0 {
		select {
		case res := <-done:
			responses[res.idx] = res.resp
			outstanding--
		case <-timer.C:
			outstanding = 0
		}
	}

	// Slots whose goroutines missed the deadline get a timeout error in
	// their original position.
	for i, resp := range responses {
		if resp != nil {
			continue
		}
		var id *jsonrpc.RequestID
		if req := items[i].Msg.AsRequest(); req != nil {
			id = req.ID
		}
		responses[i] = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeTimeout, "batch deadline elapsed before item completed")
	}
	return responses
}
