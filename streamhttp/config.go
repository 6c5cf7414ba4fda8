package streamhttp

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the deployment-level configuration for the HTTP transport,
// decodable from the environment.
type Config struct {
	// Addr is the listen address for the embedding server.
	Addr string `env:"RPC_ADDR,default=:8080"`

	// Path is the endpoint path serving the message exchange.
	Path string `env:"RPC_PATH,default=/rpc"`

	// SessionIdleTimeout evicts sessions with no activity for this long.
	SessionIdleTimeout time.Duration `env:"RPC_SESSION_IDLE_TIMEOUT,default=30m"`

	// MaxBatchSize caps how many items one batch may carry.
	MaxBatchSize int `env:"RPC_MAX_BATCH_SIZE,default=100"`

	// ParallelBatches dispatches batch items concurrently when true.
	ParallelBatches bool `env:"RPC_PARALLEL_BATCHES,default=false"`

	// BatchTimeout is the batch-wide deadline.
	BatchTimeout time.Duration `env:"RPC_BATCH_TIMEOUT,default=60s"`
}

// ConfigFromEnv decodes Config from the process environment.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode streamhttp config: %w", err)
	}
	return &cfg, nil
}
