package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/beacon/internal/realtime"
)

// ListRooms returns a handler listing live rooms and their member counts.
func ListRooms(tasks *realtime.TaskRooms, users *realtime.UserRooms) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskRooms := tasks.Rooms()
		userRooms := users.Rooms()

		if len(taskRooms) == 0 && len(userRooms) == 0 {
			return mcp.NewToolResultText("No live rooms."), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Task rooms (%d)\n", len(taskRooms))
		for _, id := range sortedKeys(taskRooms) {
			fmt.Fprintf(&b, "  %s — %d member(s)\n", id, taskRooms[id])
		}
		fmt.Fprintf(&b, "\nUser rooms (%d)\n", len(userRooms))
		for _, id := range sortedKeys(userRooms) {
			fmt.Fprintf(&b, "  %s — %d connection(s)\n", id, userRooms[id])
		}

		return mcp.NewToolResultText(b.String()), nil
	}
}

// BroadcastEvent returns a handler publishing an event to a task or user room.
func BroadcastEvent(bus *realtime.Bus) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		event, _ := args["event"].(string)
		if event == "" {
			return mcp.NewToolResultError("event is required"), nil
		}
		taskID, _ := args["task_id"].(string)
		userID, _ := args["user_id"].(string)
		if taskID == "" && userID == "" {
			return mcp.NewToolResultError("one of task_id or user_id is required"), nil
		}

		data := map[string]any{}
		if message, _ := args["message"].(string); message != "" {
			data["message"] = message
		}

		recipients := 0
		if taskID != "" {
			recipients += bus.PublishToTask(taskID, event, data, "")
		}
		if userID != "" {
			recipients += bus.PublishToUser(userID, event, data)
		}

		return mcp.NewToolResultText(
			fmt.Sprintf("Published %s to %d connection(s).", event, recipients)), nil
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
