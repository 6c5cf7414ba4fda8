package sessions

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
	"github.com/google/uuid"
)

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = 1 * time.Minute
	shardCount           = 16
)

// Registry is a concurrency-safe mapping from session id to session state.
// It is sharded so that lookups for different sessions do not serialize
// against each other. All mutation goes through Create/Touch/Remove.
type Registry struct {
	shards [shardCount]registryShard

	idleTimeout   time.Duration
	sweepInterval time.Duration
	host          StreamHost
	log           *slog.Logger
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTimeout overrides the idle timeout after which a session is
// evicted. Zero disables idle eviction entirely.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithSweepInterval overrides how often the eviction sweep runs.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithStreamHost attaches the push-stream backing so that eviction and
// removal also close the session's stream.
func WithStreamHost(h StreamHost) RegistryOption {
	return func(r *Registry) { r.host = h }
}

// WithLogger sets the logger used by the eviction sweep.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry constructs a Registry with the supplied options.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		log:           slog.Default(),
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create atomically registers a new session and returns it. Identifiers come
// from a cryptographically random source, so concurrent creations never
// collide.
func (r *Registry) Create(ctx context.Context, userID string, caps CapabilitySet, clientInfo protocol.ImplementationInfo) (*Session, error) {
	now := time.Now()
	sess := &Session{
		id:         uuid.NewString(),
		userID:     userID,
		createdAt:  now,
		caps:       caps,
		clientInfo: clientInfo,
	}
	sess.touch(now)

	sh := r.shard(sess.id)
	sh.mu.Lock()
	sh.sessions[sess.id] = sess
	sh.mu.Unlock()

	return sess, nil
}

// Get returns the session for id, or ErrSessionNotFound for unknown ids and
// for sessions whose idle timeout has already elapsed (even if the sweep has
// not yet run).
func (r *Registry) Get(id string) (*Session, error) {
	sh := r.shard(id)
	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if r.idleTimeout > 0 && sess.idleSince(time.Now()) > r.idleTimeout {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Touch refreshes the session's last-activity timestamp. It reports whether
// the session was found.
func (r *Registry) Touch(id string) bool {
	sh := r.shard(id)
	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return false
	}
	sess.touch(time.Now())
	return true
}

// Remove disposes of the session and closes its push stream, if any. Removing
// an unknown id is a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	sh := r.shard(id)
	sh.mu.Lock()
	sess, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	sess.MarkStreamOpen(false)
	if r.host != nil {
		if err := r.host.Cleanup(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of live sessions. Used by the liveness probe.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Run executes the idle-eviction sweep on a fixed interval until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	if r.idleTimeout <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep removes every session idle beyond the timeout and closes its stream.
// Eviction is silent at the protocol level; it is observable only through the
// probe's session count.
func (r *Registry) sweep(ctx context.Context) {
	now := time.Now()
	for i := range r.shards {
		sh := &r.shards[i]

		sh.mu.Lock()
		var expired []*Session
		for id, sess := range sh.sessions {
			if sess.idleSince(now) > r.idleTimeout {
				delete(sh.sessions, id)
				expired = append(expired, sess)
			}
		}
		sh.mu.Unlock()

		for _, sess := range expired {
			sess.MarkStreamOpen(false)
			if r.host != nil {
				if err := r.host.Cleanup(ctx, sess.ID()); err != nil {
					r.log.WarnContext(ctx, "session.evict.cleanup.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
					continue
				}
			}
			r.log.InfoContext(ctx, "session.evict", slog.String("session_id", sess.ID()), slog.Duration("idle", sess.idleSince(now)))
		}
	}
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}
