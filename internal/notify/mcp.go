package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/btouchard/beacon/internal/realtime"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPForwarder relays task events from the in-process bus to connected MCP
// clients. Status-change events are debounced per task so a chatty task does
// not flood clients; terminal events always go out immediately.
type MCPForwarder struct {
	sender   MCPSender
	debounce time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time // taskID → last status notification time
}

// NewMCPForwarder creates an MCPForwarder with the given debounce interval
// for status-change events.
func NewMCPForwarder(sender MCPSender, debounce time.Duration) *MCPForwarder {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &MCPForwarder{
		sender:   sender,
		debounce: debounce,
		lastSent: make(map[string]time.Time),
	}
}

// Attach subscribes the forwarder to every task lifecycle event on the bus.
func (f *MCPForwarder) Attach(bus *realtime.Bus) {
	events := []string{
		realtime.EventTaskCreated,
		realtime.EventTaskStarted,
		realtime.EventTaskCompleted,
		realtime.EventTaskFailed,
		realtime.EventTaskCancelled,
		realtime.EventTaskStatusChanged,
		realtime.EventTaskDeleted,
	}
	for _, event := range events {
		bus.Subscribe(event, "mcp-forwarder", f.handle)
	}
}

// Detach removes the forwarder's subscriptions.
func (f *MCPForwarder) Detach(bus *realtime.Bus) {
	events := []string{
		realtime.EventTaskCreated,
		realtime.EventTaskStarted,
		realtime.EventTaskCompleted,
		realtime.EventTaskFailed,
		realtime.EventTaskCancelled,
		realtime.EventTaskStatusChanged,
		realtime.EventTaskDeleted,
	}
	for _, event := range events {
		bus.Unsubscribe(event, "mcp-forwarder")
	}
}

func (f *MCPForwarder) handle(event string, data map[string]any) error {
	taskID, _ := data["task_id"].(string)

	switch event {
	case realtime.EventTaskStatusChanged:
		if !f.shouldSend(taskID) {
			return nil
		}
		f.sendMessage(event, "info", data)

	case realtime.EventTaskCompleted:
		f.clearDebounce(taskID)
		f.sendMessage(event, "info", data)

	case realtime.EventTaskFailed:
		f.clearDebounce(taskID)
		f.sendMessage(event, "error", data)

	case realtime.EventTaskCancelled:
		f.clearDebounce(taskID)
		f.sendMessage(event, "warning", data)

	case realtime.EventTaskCreated, realtime.EventTaskStarted, realtime.EventTaskDeleted:
		f.sendMessage(event, "info", data)

	default:
		slog.Debug("mcp forwarder: unknown event type", "type", event)
	}
	return nil
}

// shouldSend applies the per-task debounce window.
func (f *MCPForwarder) shouldSend(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	last, ok := f.lastSent[taskID]
	if ok && time.Since(last) < f.debounce {
		return false
	}
	f.lastSent[taskID] = time.Now()
	return true
}

// sendMessage broadcasts a notifications/message to every MCP client.
func (f *MCPForwarder) sendMessage(event, level string, data map[string]any) {
	f.sender.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  level,
		"logger": "beacon",
		"data": map[string]any{
			"type":    event,
			"payload": data,
		},
	})
}

// clearDebounce removes the debounce entry for a finished task.
func (f *MCPForwarder) clearDebounce(taskID string) {
	f.mu.Lock()
	delete(f.lastSent, taskID)
	f.mu.Unlock()
}
