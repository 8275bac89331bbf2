package realtime

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() (*Bus, *TaskRooms, *UserRooms) {
	tasks := NewTaskRooms()
	users := NewUserRooms()
	return NewBus(tasks, users), tasks, users
}

func TestBus_Publish_InvokesSubscribers(t *testing.T) {
	t.Parallel()

	bus, _, _ := newTestBus()
	var calls atomic.Int32

	bus.Subscribe("task.created", "counter", func(event string, data map[string]any) error {
		calls.Add(1)
		assert.Equal(t, "task.created", event)
		return nil
	})

	n := bus.Publish("task.created", map[string]any{"task_id": "t1"})
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBus_Subscribe_SameNameNotDuplicated(t *testing.T) {
	t.Parallel()

	bus, _, _ := newTestBus()
	var calls atomic.Int32
	handler := func(string, map[string]any) error {
		calls.Add(1)
		return nil
	}

	bus.Subscribe("task.created", "dup", handler)
	bus.Subscribe("task.created", "dup", handler)

	bus.Publish("task.created", nil)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBus_Unsubscribe_RemovesHandler(t *testing.T) {
	t.Parallel()

	bus, _, _ := newTestBus()
	var calls atomic.Int32

	bus.Subscribe("task.created", "sub", func(string, map[string]any) error {
		calls.Add(1)
		return nil
	})
	bus.Unsubscribe("task.created", "sub")

	assert.Equal(t, 0, bus.Publish("task.created", nil))
	assert.Equal(t, int32(0), calls.Load())
}

func TestBus_FailingSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	bus, tasks, _ := newTestBus()
	c := newFakeConn("c1")
	tasks.Join("task-1", c, ConnInfo{})

	var good atomic.Int32
	bus.Subscribe("task.failed", "bad", func(string, map[string]any) error {
		return errors.New("subscriber exploded")
	})
	bus.Subscribe("task.failed", "good", func(string, map[string]any) error {
		good.Add(1)
		return nil
	})

	sent := bus.PublishToTask("task-1", "task.failed", map[string]any{"error": "boom"}, "")

	assert.Equal(t, 1, sent, "room broadcast must still happen")
	assert.Equal(t, int32(1), good.Load())
	assert.Equal(t, 1, c.sentCount())
}

func TestBus_PanickingSubscriberIsContained(t *testing.T) {
	t.Parallel()

	bus, _, _ := newTestBus()
	var good atomic.Int32

	bus.Subscribe("task.created", "panics", func(string, map[string]any) error {
		panic("subscriber bug")
	})
	bus.Subscribe("task.created", "good", func(string, map[string]any) error {
		good.Add(1)
		return nil
	})

	n := bus.Publish("task.created", nil)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), good.Load())
}

func TestBus_PublishToTask_EnrichesAndExcludesUser(t *testing.T) {
	t.Parallel()

	bus, tasks, _ := newTestBus()
	alice := newFakeConn("a1")
	bob := newFakeConn("b1")
	tasks.Join("task-1", alice, ConnInfo{UserID: "alice"})
	tasks.Join("task-1", bob, ConnInfo{UserID: "bob"})

	var seen map[string]any
	bus.Subscribe("chat.message", "capture", func(_ string, data map[string]any) error {
		seen = data
		return nil
	})

	sent := bus.PublishToTask("task-1", "chat.message", map[string]any{"text": "hi"}, "alice")

	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, alice.sentCount())
	require.Len(t, bob.sent, 1)

	msg, ok := bob.sent[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "chat.message", msg["event"])
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "task-1", data["task_id"])
	assert.Equal(t, "hi", data["text"])

	require.NotNil(t, seen)
	assert.Equal(t, "task-1", seen["task_id"])
}

func TestBus_PublishToUser_EnrichesUserID(t *testing.T) {
	t.Parallel()

	bus, _, users := newTestBus()
	c := newFakeConn("c1")
	users.Join("alice", c, ConnInfo{UserID: "alice"})

	sent := bus.PublishToUser("alice", "task.completed", map[string]any{"task_id": "t1"})

	assert.Equal(t, 1, sent)
	require.Len(t, c.sent, 1)
	msg := c.sent[0].(map[string]any)
	data := msg["data"].(map[string]any)
	assert.Equal(t, "alice", data["user_id"])
}

func TestBus_PublishToTask_DoesNotMutateCallerPayload(t *testing.T) {
	t.Parallel()

	bus, _, _ := newTestBus()
	payload := map[string]any{"text": "hi"}

	bus.PublishToTask("task-1", "chat.message", payload, "")

	assert.NotContains(t, payload, "task_id")
}
