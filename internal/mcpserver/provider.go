package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/message"
	"github.com/justbecauselabs/pokecode/internal/session"
)

// DefaultConfig returns the default MCP server configuration.
func DefaultConfig() Config {
	return Config{Port: 8745}
}

// Provide starts the MCP server and returns a cleanup function to stop it,
// mirroring the composition root's Provide(cfg, log) shape elsewhere.
func Provide(ctx context.Context, cfg Config, sessions *session.Service, messages *message.Service, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, sessions, messages, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
