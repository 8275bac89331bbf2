package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/beacon/internal/session"
)

// SessionMetrics returns a handler reporting aggregate session counters.
func SessionMetrics(m *session.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mt := m.Metrics()

		var b strings.Builder
		fmt.Fprintf(&b, "Sessions: %d total\n", mt.Total)
		fmt.Fprintf(&b, "  active:    %d\n", mt.Active)
		fmt.Fprintf(&b, "  expired:   %d\n", mt.Expired)
		fmt.Fprintf(&b, "  closed:    %d\n", mt.Closed)
		fmt.Fprintf(&b, "  recovered: %d\n", mt.Recovered)
		fmt.Fprintf(&b, "Connections: %d live", mt.TotalConnections)
		if mt.Active > 0 {
			fmt.Fprintf(&b, " (%.1f per active session)", mt.AvgConnections)
		}
		b.WriteString("\n")

		return mcp.NewToolResultText(b.String()), nil
	}
}

// ListSessions returns a handler listing sessions with optional filters.
func ListSessions(m *session.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		userID, _ := args["user_id"].(string)
		activeOnly, _ := args["active_only"].(bool)

		sessions := m.List(userID, activeOnly)
		if len(sessions) == 0 {
			return mcp.NewToolResultText("No sessions found matching the given filters."), nil
		}

		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		})

		var b strings.Builder
		fmt.Fprintf(&b, "Sessions (%d found)\n\n", len(sessions))
		for _, s := range sessions {
			fmt.Fprintf(&b, "%s **%s** — %s\n", statusIcon(s.Status), s.SessionID, s.Status)
			fmt.Fprintf(&b, "  User: %s", s.UserID)
			if s.TaskID != "" {
				fmt.Fprintf(&b, " | Task: %s", s.TaskID)
			}
			fmt.Fprintf(&b, " | Connections: %d\n", s.ConnectionCount)
			fmt.Fprintf(&b, "  Created: %s | Expires: %s\n",
				s.CreatedAt.Format(time.RFC3339), s.ExpiresAt.Format(time.RFC3339))
			if s.RecoveredFrom != "" {
				fmt.Fprintf(&b, "  Recovered from: %s\n", s.RecoveredFrom)
			}
			b.WriteString("\n")
		}

		return mcp.NewToolResultText(b.String()), nil
	}
}

// SessionEvents returns a handler showing a session's persisted audit trail.
func SessionEvents(svc *session.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if svc == nil {
			return mcp.NewToolResultError("No durable store is configured."), nil
		}

		args := req.GetArguments()
		sessionID, _ := args["session_id"].(string)
		if sessionID == "" {
			return mcp.NewToolResultError("session_id is required"), nil
		}

		limit := 20
		if n, ok := args["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}

		events, err := svc.Events(ctx, sessionID, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load events: %s", err)), nil
		}
		if len(events) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No events recorded for session %s.", sessionID)), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Events for %s (%d, newest first)\n\n", sessionID, len(events))
		for _, e := range events {
			fmt.Fprintf(&b, "%s  %s", e.CreatedAt.Format(time.RFC3339), e.EventType)
			if e.Message != "" {
				fmt.Fprintf(&b, " — %s", e.Message)
			}
			b.WriteString("\n")
		}

		return mcp.NewToolResultText(b.String()), nil
	}
}

// RecoverSession returns a handler claiming continuity from a recovery token.
func RecoverSession(m *session.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		token, _ := args["recovery_token"].(string)
		if token == "" {
			return mcp.NewToolResultError("recovery_token is required"), nil
		}

		res := m.Recover(token, "", nil)
		if !res.Success {
			return mcp.NewToolResultError(fmt.Sprintf("Recovery rejected: %s", res.Message)), nil
		}

		s := res.Session
		var b strings.Builder
		b.WriteString("Session recovered.\n")
		fmt.Fprintf(&b, "  New session: %s\n", s.SessionID)
		fmt.Fprintf(&b, "  Recovered from: %s\n", s.RecoveredFrom)
		fmt.Fprintf(&b, "  User: %s\n", s.UserID)
		if s.TaskID != "" {
			fmt.Fprintf(&b, "  Task: %s\n", s.TaskID)
		}
		fmt.Fprintf(&b, "  New recovery token: %s\n", s.RecoveryToken)

		return mcp.NewToolResultText(b.String()), nil
	}
}

func statusIcon(s session.Status) string {
	switch s {
	case session.StatusActive:
		return "🟢"
	case session.StatusExpired:
		return "⌛"
	case session.StatusClosed:
		return "⚪"
	case session.StatusRecovered:
		return "🔁"
	default:
		return "❓"
	}
}
