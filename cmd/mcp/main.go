// Command mcp exposes the classbell operator API as MCP tools over stdio.
//
// Environment:
//
//	CLASSBELL_API_URL       base URL of the classbell server (default http://localhost:8080)
//	CLASSBELL_API_USERNAME  Basic Auth user
//	CLASSBELL_API_PASSWORD  Basic Auth password
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "classbell"
	serverVersion = "1.0.0"
)

type Server struct {
	mcpServer *server.MCPServer
	api       *apiClient
}

func NewServer(api *apiClient) *Server {
	s := &Server{api: api}
	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("health",
			mcp.WithDescription("Show service health: database, pending reminders, supported channels and scheduler state"),
		),
		s.handleHealth,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("list_dispatch_logs",
			mcp.WithDescription("List recent reminder dispatch attempts, newest first"),
			mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default 100)")),
		),
		s.handleListLogs,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("send_test_reminder",
			mcp.WithDescription("Send a synthetic class reminder to an address right now, without scheduling anything"),
			mcp.WithString("email", mcp.Required(), mcp.Description("Recipient email")),
			mcp.WithString("channel", mcp.Description("Channel: email (default), push")),
		),
		s.handleTestReminder,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("list_upcoming_classes",
			mcp.WithDescription("List classes starting within the next hours"),
			mcp.WithNumber("hours", mcp.Description("Window in hours (default 24)")),
		),
		s.handleUpcoming,
	)
}

func (s *Server) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolResult(s.api.get(ctx, "/api/health"))
}

func (s *Server) handleListLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := "/api/logs"
	if limit := int(req.GetFloat("limit", 0)); limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return toolResult(s.api.get(ctx, path))
}

func (s *Server) handleTestReminder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email := req.GetString("email", "")
	if email == "" {
		return mcp.NewToolResultError("email is required"), nil
	}
	q := url.Values{"email": {email}}
	if ch := req.GetString("channel", ""); ch != "" {
		q.Set("channel", ch)
	}
	return toolResult(s.api.post(ctx, "/api/test-reminder?"+q.Encode()))
}

func (s *Server) handleUpcoming(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hours := int(req.GetFloat("hours", 24))
	if hours <= 0 {
		return mcp.NewToolResultError("hours must be positive"), nil
	}
	return toolResult(s.api.get(ctx, fmt.Sprintf("/api/classes/upcoming?hours=%d", hours)))
}

func toolResult(text string, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--help" || os.Args[1] == "-h") {
		fmt.Println("Usage: mcp   (serves MCP over stdio; see CLASSBELL_API_* env)")
		return
	}

	api := newAPIClient(
		envOr("CLASSBELL_API_URL", "http://localhost:8080"),
		os.Getenv("CLASSBELL_API_USERNAME"),
		os.Getenv("CLASSBELL_API_PASSWORD"),
	)

	if err := server.ServeStdio(NewServer(api).mcpServer); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
