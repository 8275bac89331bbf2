package realtime

import (
	"log/slog"
	"sync"
)

// Handler is an in-process subscriber callback. A returned error is logged
// and swallowed; one bad subscriber never blocks the others or the room
// broadcast.
type Handler func(event string, data map[string]any) error

// Bus routes typed events to local subscribers and, through the room
// registries, to live connections. Publishing is fire-and-forget: delivery
// failures at every layer are absorbed and only a best-effort recipient
// count is returned.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[string]Handler

	tasks *TaskRooms
	users *UserRooms
}

// NewBus creates a Bus routing room publishes through the given registries.
func NewBus(tasks *TaskRooms, users *UserRooms) *Bus {
	return &Bus{
		subs:  make(map[string]map[string]Handler),
		tasks: tasks,
		users: users,
	}
}

// Subscribe registers a named handler for an event type. Re-subscribing the
// same name replaces the previous handler, so a subscriber registered twice
// is never invoked twice.
func (b *Bus) Subscribe(event, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers, ok := b.subs[event]
	if !ok {
		handlers = make(map[string]Handler)
		b.subs[event] = handlers
	}
	handlers[name] = fn
}

// Unsubscribe removes a named handler. No-op if unknown.
func (b *Bus) Unsubscribe(event, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers, ok := b.subs[event]
	if !ok {
		return
	}
	delete(handlers, name)
	if len(handlers) == 0 {
		delete(b.subs, event)
	}
}

// Publish invokes every local subscriber for the event type.
// Returns the number of subscribers that handled the event without error.
func (b *Bus) Publish(event string, data map[string]any) int {
	return b.dispatch(event, data)
}

// PublishToTask enriches data with the task ID, runs local subscribers, then
// broadcasts to the task room. Connections belonging to excludeUser are
// skipped. Returns the number of room recipients.
func (b *Bus) PublishToTask(taskID, event string, data map[string]any, excludeUser string) int {
	enriched := clone(data)
	enriched["task_id"] = taskID

	b.dispatch(event, enriched)
	return b.tasks.BroadcastExcludingUser(taskID, envelope(event, enriched), excludeUser)
}

// PublishToUser enriches data with the user ID, runs local subscribers, then
// broadcasts to the user's room. Returns the number of room recipients.
func (b *Bus) PublishToUser(userID, event string, data map[string]any) int {
	enriched := clone(data)
	enriched["user_id"] = userID

	b.dispatch(event, enriched)
	return b.users.Broadcast(userID, envelope(event, enriched), nil)
}

func (b *Bus) dispatch(event string, data map[string]any) int {
	b.mu.Lock()
	handlers := make(map[string]Handler, len(b.subs[event]))
	for name, fn := range b.subs[event] {
		handlers[name] = fn
	}
	b.mu.Unlock()

	delivered := 0
	for name, fn := range handlers {
		if safeCall(fn, name, event, data) {
			delivered++
		}
	}
	return delivered
}

// safeCall shields the dispatch loop from a failing or panicking subscriber.
func safeCall(fn Handler, name, event string, data map[string]any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "event", event, "subscriber", name, "panic", r)
			ok = false
		}
	}()
	if err := fn(event, data); err != nil {
		slog.Warn("event subscriber failed", "event", event, "subscriber", name, "error", err)
		return false
	}
	return true
}

// envelope wraps an event payload in the wire shape delivered to rooms.
func envelope(event string, data map[string]any) map[string]any {
	return map[string]any{
		"event": event,
		"data":  data,
	}
}

func clone(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	return out
}
