package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxBatchSize caps how many envelopes a single batch may carry when
// the caller does not configure a limit.
const DefaultMaxBatchSize = 100

// ErrEmptyBatch is returned when the input parses as a JSON array with no
// elements. Empty batches are rejected at decode time and never dispatched.
var ErrEmptyBatch = errors.New("batch must contain at least one message")

// BatchSizeError is returned when a batch exceeds the configured maximum.
// The whole batch fails wholesale; no element is decoded or dispatched.
type BatchSizeError struct {
	Size int
	Max  int
}

func (e *BatchSizeError) Error() string {
	return fmt.Sprintf("batch of %d messages exceeds maximum of %d", e.Size, e.Max)
}

// BatchItem is the decode outcome for one position of a batch. Exactly one of
// Msg or Err is set: a malformed element yields a pre-built error response
// with a null id for its position without aborting the rest of the batch.
type BatchItem struct {
	Msg *AnyMessage
	Err *Response
}

// Decoded is the result of decoding one wire payload: either a single
// envelope or a batch of per-position outcomes.
type Decoded struct {
	Single *AnyMessage
	Batch  []BatchItem
}

// IsBatch reports whether the payload decoded as a JSON array.
func (d *Decoded) IsBatch() bool { return d.Batch != nil }

// DecodeMessage decodes a wire payload into a single envelope or a batch.
// maxBatchSize <= 0 selects DefaultMaxBatchSize.
//
// Failure modes:
//   - top-level JSON that parses as neither object nor array: error from
//     json.Unmarshal (callers map it to a parse_error envelope)
//   - a malformed single envelope: the unmarshal error (invalid_request at
//     the connection level)
//   - an empty array: ErrEmptyBatch
//   - an oversized array: *BatchSizeError, nothing decoded
//   - a malformed or duplicate-id element inside a batch: a per-position
//     error response; sibling elements are unaffected
func DecodeMessage(data []byte, maxBatchSize int) (*Decoded, error) {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}

	if !startsWithArray(data) {
		var msg AnyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &Decoded{Single: &msg}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(elems) > maxBatchSize {
		return nil, &BatchSizeError{Size: len(elems), Max: maxBatchSize}
	}

	items := make([]BatchItem, len(elems))
	seen := make(map[string]struct{}, len(elems))
	for i, raw := range elems {
		var msg AnyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			items[i] = BatchItem{Err: NewErrorResponse(nil, ErrorCodeInvalidRequest, "invalid message in batch: "+err.Error())}
			continue
		}
		// Request ids must be unique within one batch; later duplicates are
		// rejected in place. The key carries the id's JSON type so the string
		// "1" and the number 1 remain distinct ids.
		if msg.Type() == "request" {
			key := msg.ID.String()
			if _, isString := msg.ID.Value().(string); isString {
				key = "s:" + key
			} else {
				key = "n:" + key
			}
			if _, dup := seen[key]; dup {
				items[i] = BatchItem{Err: NewErrorResponse(nil, ErrorCodeInvalidRequest, fmt.Sprintf("duplicate request id %q in batch", msg.ID.String()))}
				continue
			}
			seen[key] = struct{}{}
		}
		items[i] = BatchItem{Msg: &msg}
	}

	return &Decoded{Batch: items}, nil
}

// EncodeResponses marshals an ordered response array for a batch.
func EncodeResponses(responses []*Response) ([]byte, error) {
	return json.Marshal(responses)
}

func startsWithArray(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
