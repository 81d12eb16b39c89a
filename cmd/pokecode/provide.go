package main

import (
	"context"
	"fmt"
	"time"

	"github.com/justbecauselabs/pokecode/internal/common/config"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/diagnostics"
	"github.com/justbecauselabs/pokecode/internal/eventbus"
	"github.com/justbecauselabs/pokecode/internal/httpapi"
	"github.com/justbecauselabs/pokecode/internal/mcpserver"
	"github.com/justbecauselabs/pokecode/internal/message"
	"github.com/justbecauselabs/pokecode/internal/queue"
	"github.com/justbecauselabs/pokecode/internal/runner"
	"github.com/justbecauselabs/pokecode/internal/session"
	"github.com/justbecauselabs/pokecode/internal/sse"
	"github.com/justbecauselabs/pokecode/internal/store"
	"github.com/justbecauselabs/pokecode/internal/worker"
)

// app bundles every wired component the serve subcommand needs to start and
// stop, mirroring the teacher's cmd/kandev composition-root shape
// (storage.go's provideRepositories, services.go's provideServices).
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *store.Store
	bus      eventbus.Bus
	sessions *session.Service
	pool     *worker.Pool
	server   *httpapi.Server
	mcp      *mcpserver.Server // nil when cfg.McpServerPort is 0

	cleanups []func() error
}

// provide wires the daemon's components in dependency order: store, event
// bus, services, worker pool, HTTP adapter. Each fallible step is recorded
// against cleanups so a partial failure still unwinds what already opened.
func provide(cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	st, err := store.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	a.cleanups = append(a.cleanups, st.Close)

	bus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.bus = bus
	a.cleanups = append(a.cleanups, busCleanup)

	sessions := session.New(st, log)
	a.sessions = sessions
	leaseTTL := time.Duration(cfg.LeaseTTL) * time.Millisecond
	q := queue.New(st, bus, sessions, leaseTTL)
	messages := message.New(st, bus, q, log, cfg.PersistSystemMessages)

	runnerFactory := runner.NewFactory(cfg, log)

	pool := worker.New(q, messages, sessions, runnerFactory, log, worker.Config{
		Concurrency:      cfg.WorkerConcurrency,
		PollingInterval:  time.Duration(cfg.WorkerPollingInterval) * time.Millisecond,
		JobRetention:     time.Duration(cfg.JobRetention) * 24 * time.Hour,
		GracefulShutdown: time.Duration(cfg.GracefulShutdownMs) * time.Millisecond,
	})
	a.pool = pool

	bridge := sse.New(bus, sessions, messages, log, cfg.SSEBufferEvents)

	var diag *diagnostics.Server
	if cfg.WorkspaceDiagnosticsPort != 0 {
		diag = diagnostics.New(bus, log)
	}

	a.server = httpapi.New(sessions, messages, q, bridge, diag, log, cfg.MaxJobAttempts)

	if cfg.McpServerPort != 0 {
		mcpSrv, mcpCleanup, err := mcpserver.Provide(context.Background(), mcpserver.Config{Port: cfg.McpServerPort}, sessions, messages, log)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to start mcp server: %w", err)
		}
		a.mcp = mcpSrv
		a.cleanups = append(a.cleanups, mcpCleanup)
	}

	return a, nil
}

func provideEventBus(cfg *config.Config, log *logger.Logger) (eventbus.Bus, func() error, error) {
	if cfg.NatsURL != "" {
		natsBus, err := eventbus.NewNATSBus(cfg.NatsURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}
	memBus := eventbus.NewMemoryBus(log, cfg.SSEBufferEvents)
	return memBus, func() error { memBus.Close(); return nil }, nil
}

// Close unwinds cleanups in reverse registration order, collecting (but not
// stopping on) the first error.
func (a *app) Close() error {
	var firstErr error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
