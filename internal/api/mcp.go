package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/halowatch/internal/credential"
	"github.com/kalambet/halowatch/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store       *storage.Store
	Credentials CredentialStatuses
	Health      HealthReporter
	Version     string
}

// NewMCPServer creates an MCP server with the halowatch tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"halowatch",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("halowatch watches Halo classes for new announcements, grades, and inbox messages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("health_report",
			mcp.WithDescription("Report when each polling job last completed and whether any is stale."),
		),
		mcpHealthReport(deps),
	)

	s.AddTool(
		mcp.NewTool("credential_status",
			mcp.WithDescription("Show the session lifecycle state of linked users."),
			mcp.WithString("user", mcp.Description("User id; omit to list every user")),
		),
		mcpCredentialStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_classes",
			mcp.WithDescription("List tracked classes, optionally only those currently polled."),
			mcp.WithBoolean("active_only", mcp.Description("Only classes in an active stage with active members")),
		),
		mcpListClasses(deps),
	)

	return s
}

func mcpHealthReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp := HealthResponse{Status: "ok", Jobs: deps.Health.Report()}
		if !deps.Health.Healthy() {
			resp.Status = "degraded"
		}
		if counts, err := deps.Store.SnapshotCounts(ctx); err == nil {
			resp.Snapshots = counts
		}
		return mcpJSON(resp)
	}
}

func mcpCredentialStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user := req.GetString("user", "")
		if user == "" {
			statuses := deps.Credentials.Statuses()
			if statuses == nil {
				statuses = []credential.Status{}
			}
			return mcpJSON(statuses)
		}

		status, ok := deps.Credentials.Status(user)
		if !ok {
			return mcpError(fmt.Sprintf("no credential for %s", user)), nil
		}
		return mcpJSON(status)
	}
}

func mcpListClasses(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if req.GetBool("active_only", false) {
			active, err := deps.Store.ActiveClasses(ctx)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to list classes: %v", err)), nil
			}
			if active == nil {
				active = []storage.ActiveClass{}
			}
			return mcpJSON(active)
		}

		classes, err := deps.Store.ListClasses(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list classes: %v", err)), nil
		}
		if classes == nil {
			classes = []storage.Class{}
		}
		return mcpJSON(classes)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
