package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/message"
	"github.com/justbecauselabs/pokecode/internal/session"
)

func registerTools(s *server.MCPServer, sessions *session.Service, messages *message.Service, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Get the current session's metadata: state, provider, project path, token and message counts."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		),
		getSessionHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("list_session_messages",
			mcp.WithDescription("List prior messages in the current session, oldest first. Use this to recall earlier turns, tool calls, and results from this same session."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
			mcp.WithString("after", mcp.Description("Return only messages after this message id (cursor pagination, optional)")),
			mcp.WithNumber("limit", mcp.Description("Maximum messages to return (default 50, max 100)")),
		),
		listSessionMessagesHandler(messages, log),
	)

	log.Info("registered mcp tools", zap.Int("count", 2))
}

func getSessionHandler(sessions *session.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, err := sessions.GetSession(ctx, sessionID)
		if err != nil {
			log.Error("mcp get_session failed", zap.String("sessionId", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to load session: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to format session: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func listSessionMessagesHandler(messages *message.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		opts := message.GetOptions{Limit: 50}
		if after := req.GetString("after", ""); after != "" {
			opts.After = &after
		}
		if raw, ok := req.GetArguments()["limit"]; ok {
			if limit, ok := raw.(float64); ok && limit > 0 {
				opts.Limit = int(limit)
				if opts.Limit > 100 {
					opts.Limit = 100
				}
			}
		}

		page, err := messages.GetMessages(ctx, sessionID, opts)
		if err != nil {
			log.Error("mcp list_session_messages failed", zap.String("sessionId", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to load messages: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(page, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to format messages: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
