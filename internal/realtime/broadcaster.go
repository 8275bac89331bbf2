package realtime

// Task lifecycle event types published by the TaskBroadcaster.
const (
	EventTaskCreated       = "task.created"
	EventTaskStarted       = "task.started"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventTaskCancelled     = "task.cancelled"
	EventTaskStatusChanged = "task.status_changed"
	EventTaskDeleted       = "task.deleted"
)

// TaskBroadcaster is a stateless façade over the Bus that knows the task
// event vocabulary. Each method builds an enriched payload, publishes it to
// the task room and, when the owning user is known, to that user's room,
// returning the summed recipient count. It inherits the Bus's best-effort
// semantics and has no failure modes of its own.
type TaskBroadcaster struct {
	bus *Bus
}

// NewTaskBroadcaster creates a broadcaster publishing through bus.
func NewTaskBroadcaster(bus *Bus) *TaskBroadcaster {
	return &TaskBroadcaster{bus: bus}
}

// TaskCreated announces a newly created task. extra fields are merged into
// the payload.
func (b *TaskBroadcaster) TaskCreated(taskID, userID string, extra map[string]any) int {
	payload := clone(extra)
	payload["status"] = "pending"
	return b.publish(EventTaskCreated, taskID, userID, payload)
}

// TaskStarted announces that a task began executing.
func (b *TaskBroadcaster) TaskStarted(taskID, userID string) int {
	return b.publish(EventTaskStarted, taskID, userID, map[string]any{
		"status":          "running",
		"previous_status": "pending",
	})
}

// TaskCompleted announces successful completion with the task output.
func (b *TaskBroadcaster) TaskCompleted(taskID, userID, output string) int {
	return b.publish(EventTaskCompleted, taskID, userID, map[string]any{
		"status":          "completed",
		"previous_status": "running",
		"output":          output,
	})
}

// TaskFailed announces failure with the error message.
func (b *TaskBroadcaster) TaskFailed(taskID, userID, errMsg string) int {
	return b.publish(EventTaskFailed, taskID, userID, map[string]any{
		"status":          "failed",
		"previous_status": "running",
		"error":           errMsg,
	})
}

// TaskCancelled announces cancellation.
func (b *TaskBroadcaster) TaskCancelled(taskID, userID string) int {
	return b.publish(EventTaskCancelled, taskID, userID, map[string]any{
		"status":          "cancelled",
		"previous_status": "running",
	})
}

// StatusChanged announces a generic status transition with optional extras.
func (b *TaskBroadcaster) StatusChanged(taskID, userID, status, previous string, extra map[string]any) int {
	payload := clone(extra)
	payload["status"] = status
	payload["previous_status"] = previous
	return b.publish(EventTaskStatusChanged, taskID, userID, payload)
}

// TaskDeleted announces that a task was removed.
func (b *TaskBroadcaster) TaskDeleted(taskID, userID string) int {
	return b.publish(EventTaskDeleted, taskID, userID, map[string]any{
		"deleted": true,
	})
}

func (b *TaskBroadcaster) publish(event, taskID, userID string, payload map[string]any) int {
	count := b.bus.PublishToTask(taskID, event, payload, "")
	if userID != "" {
		userPayload := clone(payload)
		userPayload["task_id"] = taskID
		count += b.bus.PublishToUser(userID, event, userPayload)
	}
	return count
}
