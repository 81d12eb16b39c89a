// Package mcpserver exposes the Store's read-only session/message history
// as an MCP server, so an agent executable configured with an MCP server
// entry pointing at this process can query its own prior turns mid-run.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/message"
	"github.com/justbecauselabs/pokecode/internal/session"
)

// Config holds the MCP server's listen configuration.
type Config struct {
	Port int
}

// Server wraps the SSE and Streamable HTTP MCP transports with lifecycle
// management, same dual-transport shape the teacher's MCP server exposes
// (SSE for Claude Desktop/Cursor-style clients, Streamable HTTP for Codex).
type Server struct {
	cfg        Config
	sessions   *session.Service
	messages   *message.Service
	log        *logger.Logger
	sseServer  *server.SSEServer
	httpServer *http.Server
	mu         sync.Mutex
	running    bool
}

// New creates an MCP server backed by sessions/messages.
func New(cfg Config, sessions *session.Service, messages *message.Service, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		messages: messages,
		log:      log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start starts the MCP server in a goroutine and returns once it's listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer("pokecode-mcp", "1.0.0", server.WithToolCapabilities(true))
	registerTools(mcpServer, s.sessions, s.messages, s.log)

	s.sseServer = server.NewSSEServer(mcpServer)
	streamableHTTPServer := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("mcp server listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("mcp server stopped unexpectedly", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the SSE and Streamable HTTP transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down mcp server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shut down mcp sse transport", zap.Error(err))
		}
	}
	return nil
}

// Addr returns the port the server bound to, resolved after Start (a
// configured port of 0 reports the ephemeral port chosen, useful in tests).
func (s *Server) Addr() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Port
}
