package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Clockwork-Innovations/simply-mcp-go/sessions"
)

// Host is an in-memory implementation of sessions.StreamHost.
type Host struct {
	mu      sync.RWMutex
	streams map[string]*stream
	counter atomic.Int64
}

type stream struct {
	mu       sync.Mutex
	messages []message
	closed   bool
	wakeups  map[chan struct{}]struct{}
}

type message struct {
	id   string
	data []byte
}

func New() *Host {
	return &Host{streams: make(map[string]*stream)}
}

var _ sessions.StreamHost = (*Host)(nil)

func (h *Host) Publish(ctx context.Context, sessionID string, data []byte) (string, error) {
	st := h.ensureStream(sessionID)

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return "", fmt.Errorf("stream for session %s is closed", sessionID)
	}
	// The id is allocated under the stream lock so append order and id order
	// agree; a Last-Event-ID resume replays by slice position.
	evID := strconv.FormatInt(h.counter.Add(1), 10)
	st.messages = append(st.messages, message{id: evID, data: append([]byte(nil), data...)})
	for ch := range st.wakeups {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	st.mu.Unlock()

	return evID, nil
}

func (h *Host) Subscribe(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	st := h.ensureStream(sessionID)

	wake := make(chan struct{}, 1)
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	next, err := st.cursorLocked(lastEventID)
	if err != nil {
		st.mu.Unlock()
		return err
	}
	st.wakeups[wake] = struct{}{}
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		delete(st.wakeups, wake)
		st.mu.Unlock()
	}()

	for {
		// Drain everything at or past the cursor before blocking again.
		for {
			st.mu.Lock()
			if st.closed {
				st.mu.Unlock()
				return nil
			}
			if next >= len(st.messages) {
				st.mu.Unlock()
				break
			}
			m := st.messages[next]
			next++
			st.mu.Unlock()

			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (h *Host) Cleanup(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	if ok {
		delete(h.streams, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	st.closed = true
	for ch := range st.wakeups {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	st.mu.Unlock()
	return nil
}

func (h *Host) ensureStream(sessionID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	if !ok {
		st = &stream{wakeups: make(map[chan struct{}]struct{})}
		h.streams[sessionID] = st
	}
	return st
}

// cursorLocked resolves a last-event-id into the index of the next message to
// deliver. An empty cursor means "from the next publish onward".
func (st *stream) cursorLocked(lastEventID string) (int, error) {
	if lastEventID == "" {
		return len(st.messages), nil
	}
	for i := range st.messages {
		if st.messages[i].id == lastEventID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("last event id %s not found", lastEventID)
}
