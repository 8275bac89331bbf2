package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/beacon/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	// session_metrics — Aggregate session counters
	s.AddTool(
		mcp.NewTool("session_metrics",
			mcp.WithDescription("Show aggregate session metrics: totals per lifecycle state, live connection counts and the average connections per active session."),
		),
		handlers.SessionMetrics(deps.Manager),
	)

	// list_sessions — List sessions with optional filters
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List sessions, optionally filtered to one user or to active sessions only."),
			mcp.WithString("user_id",
				mcp.Description("Filter by user ID. If omitted, lists every session."),
			),
			mcp.WithBoolean("active_only",
				mcp.Description("Only include sessions in the active state"),
			),
		),
		handlers.ListSessions(deps.Manager),
	)

	// session_events — Audit trail of a persisted session
	s.AddTool(
		mcp.NewTool("session_events",
			mcp.WithDescription("Show the persisted audit trail of a session, newest first. Requires the durable store."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to inspect"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of events to return (default: 20)"),
			),
		),
		handlers.SessionEvents(deps.Service),
	)

	// list_rooms — Live room membership
	s.AddTool(
		mcp.NewTool("list_rooms",
			mcp.WithDescription("List live task and user rooms with their member counts."),
		),
		handlers.ListRooms(deps.Tasks, deps.Users),
	)

	// broadcast_event — Publish an event to a task or user room
	s.AddTool(
		mcp.NewTool("broadcast_event",
			mcp.WithDescription("Publish an event to a task room or a user's connections. Returns how many connections received it."),
			mcp.WithString("event",
				mcp.Required(),
				mcp.Description("Event type, e.g. task.status_changed"),
			),
			mcp.WithString("task_id",
				mcp.Description("Target task room. One of task_id or user_id is required."),
			),
			mcp.WithString("user_id",
				mcp.Description("Target user's connections. One of task_id or user_id is required."),
			),
			mcp.WithString("message",
				mcp.Description("Optional human-readable message included in the payload"),
			),
		),
		handlers.BroadcastEvent(deps.Bus),
	)

	// recover_session — Claim continuity from a recovery token
	s.AddTool(
		mcp.NewTool("recover_session",
			mcp.WithDescription("Recover a session from its recovery token. Creates a fresh active session inheriting the source's user, task and metadata; the source becomes terminal."),
			mcp.WithString("recovery_token",
				mcp.Required(),
				mcp.Description("The recovery token issued when the source session was created"),
			),
		),
		handlers.RecoverSession(deps.Manager),
	)
}
