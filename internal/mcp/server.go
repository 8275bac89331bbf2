package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/beacon/internal/realtime"
	"github.com/btouchard/beacon/internal/session"
)

// Deps holds shared dependencies injected into MCP handlers.
type Deps struct {
	Manager *session.Manager
	Service *session.Service // nil when running without a durable store
	Tasks   *realtime.TaskRooms
	Users   *realtime.UserRooms
	Bus     *realtime.Bus
	Version string
}

// NewServer creates and configures the MCP server with all tools registered.
func NewServer(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"Beacon",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	registerTools(s, deps)

	return s
}
