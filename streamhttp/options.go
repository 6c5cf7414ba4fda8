package streamhttp

import (
	"log/slog"
	"time"

	"github.com/Clockwork-Innovations/simply-mcp-go/auth"
	"github.com/Clockwork-Innovations/simply-mcp-go/dispatch"
	"github.com/Clockwork-Innovations/simply-mcp-go/protocol"
	"github.com/Clockwork-Innovations/simply-mcp-go/sessions"
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	path         string
	logger       *slog.Logger
	authn        auth.Authenticator
	signer       sessions.TokenSigner
	serverInfo   protocol.ImplementationInfo
	realm        string
	parallel     bool
	registryOpts []sessions.RegistryOption
	coordOpts    []dispatch.CoordinatorOption
}

// WithPath sets the endpoint path serving the message exchange. Default "/rpc".
func WithPath(p string) Option {
	return func(c *newConfig) {
		if p != "" {
			c.path = p
		}
	}
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuthenticator requires bearer authentication on every endpoint. Without
// it, requests run under the "anonymous" principal.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authn = a }
}

// WithTokenSigner wraps session ids in tamper-evident tokens at the HTTP
// edge. Clients see only the wrapped form.
func WithTokenSigner(s sessions.TokenSigner) Option {
	return func(c *newConfig) { c.signer = s }
}

// WithServerInfo sets the implementation info reported in the handshake.
func WithServerInfo(info protocol.ImplementationInfo) Option {
	return func(c *newConfig) { c.serverInfo = info }
}

// WithRealm sets the HTTP authentication realm used in WWW-Authenticate
// challenges. Empty (default) omits the realm attribute.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = realm }
}

// WithParallelBatches switches batch execution from the sequential default
// to concurrent per-item dispatch.
func WithParallelBatches(parallel bool) Option {
	return func(c *newConfig) { c.parallel = parallel }
}

// WithSessionIdleTimeout overrides the registry's idle eviction timeout.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		c.registryOpts = append(c.registryOpts, sessions.WithIdleTimeout(d))
	}
}

// WithRegistryOptions forwards additional options to the session registry.
func WithRegistryOptions(opts ...sessions.RegistryOption) Option {
	return func(c *newConfig) { c.registryOpts = append(c.registryOpts, opts...) }
}

// WithMaxBatchSize caps how many items one batch may carry.
func WithMaxBatchSize(n int) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.coordOpts = append(c.coordOpts, dispatch.WithMaxBatchSize(n))
		}
	}
}

// WithBatchTimeout sets the batch-wide deadline.
func WithBatchTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.coordOpts = append(c.coordOpts, dispatch.WithBatchTimeout(d))
		}
	}
}

// WithConfig applies a deployment Config's transport-relevant settings.
func WithConfig(cfg *Config) Option {
	return func(c *newConfig) {
		if cfg == nil {
			return
		}
		if cfg.Path != "" {
			c.path = cfg.Path
		}
		c.parallel = cfg.ParallelBatches
		c.registryOpts = append(c.registryOpts, sessions.WithIdleTimeout(cfg.SessionIdleTimeout))
		if cfg.MaxBatchSize > 0 {
			c.coordOpts = append(c.coordOpts, dispatch.WithMaxBatchSize(cfg.MaxBatchSize))
		}
		if cfg.BatchTimeout > 0 {
			c.coordOpts = append(c.coordOpts, dispatch.WithBatchTimeout(cfg.BatchTimeout))
		}
	}
}
