package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/config"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/tracing"
)

// cmdServe loads configuration, wires every component, and blocks until an
// OS signal requests shutdown (§6.5 serve).
func cmdServe() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 2
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	defer log.Sync()
	logger.SetDefault(log)

	a, err := provide(cfg, log)
	if err != nil {
		log.Error("failed to wire daemon", zap.Error(err))
		return 1
	}

	if err := writePIDFile(os.Getpid()); err != nil {
		log.Warn("failed to write pid file", zap.Error(err))
	}
	defer removePIDFile()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.pool.Start(ctx)
	go a.sessions.RunSelfCheckLoop(ctx, time.Duration(cfg.SessionSelfCheckInterval)*time.Millisecond, cfg.SessionInactiveAfter)

	if a.mcp != nil {
		log.Info("mcp server ready", zap.Int("port", a.mcp.Addr()))
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: a.server.Router(),
	}

	go func() {
		log.Info("pokecode serving", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down pokecode")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.GracefulShutdownMs)*time.Millisecond)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := a.pool.Shutdown(shutdownCtx); err != nil {
		log.Error("worker pool shutdown error", zap.Error(err))
	}
	if err := a.Close(); err != nil {
		log.Error("cleanup error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("pokecode stopped")
	return 0
}
