package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Tool is the interface for all tools
type Tool interface {
	Name() string
	Description() string
	// Params describes the tool arguments for the MCP schema.
	Params() []mcp.ToolOption
	// Run executes the tool with JSON-encoded arguments.
	Run(ctx context.Context, args string) (string, error)
}
