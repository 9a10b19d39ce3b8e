package service

import (
	"errors"
	"sync"
	"testing"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/logger"
)

type fakeConn struct {
	mu     sync.Mutex
	got    []models.TaskEvent
	fail   bool
	closes int
}

func (c *fakeConn) Send(e models.TaskEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.got = append(c.got, e)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestPublishTaskDeliversOncePerConnection(t *testing.T) {
	bus := NewEventBus(logger.Discard())
	watcher := &fakeConn{}
	other := &fakeConn{}
	bus.Register(watcher)
	bus.Subscribe(watcher, "task_1")
	bus.Subscribe(other, "task_2")

	bus.PublishTask(models.NewStatusEvent("task_1", models.TaskStatusRunning, "started"))

	if watcher.count() != 1 {
		t.Errorf("Expected exactly one delivery, got %d", watcher.count())
	}
	if other.count() != 0 {
		t.Errorf("Expected no delivery to unrelated subscriber, got %d", other.count())
	}
}

func TestFailedSendRemovesConnection(t *testing.T) {
	bus := NewEventBus(logger.Discard())
	bad := &fakeConn{fail: true}
	good := &fakeConn{}
	bus.Register(bad)
	bus.Register(good)
	bus.Subscribe(bad, "task_1")

	bus.PublishTask(models.NewStatusEvent("task_1", models.TaskStatusFailed, "boom"))

	if bad.closeCount() == 0 {
		t.Error("Expected failing connection to be closed")
	}
	if bus.Count(AllTasks) != 1 || bus.Count("task_1") != 0 {
		t.Errorf("Expected failing connection to be dropped from every interest, got all=%d task=%d",
			bus.Count(AllTasks), bus.Count("task_1"))
	}
	if good.count() != 1 {
		t.Errorf("Expected healthy connection to still receive the event, got %d", good.count())
	}
}

func TestUnsubscribeAndBroadcast(t *testing.T) {
	bus := NewEventBus(logger.Discard())
	conn := &fakeConn{}
	bus.Subscribe(conn, "task_1")
	bus.Unsubscribe(conn, "task_1")
	bus.Unsubscribe(conn, "task_unknown")

	bus.PublishTask(models.NewStatusEvent("task_1", models.TaskStatusRunning, ""))
	if conn.count() != 0 {
		t.Errorf("Expected no delivery after unsubscribe, got %d", conn.count())
	}

	bus.Register(conn)
	bus.Publish(AllTasks, models.NewSystemMessage("maintenance"))
	if conn.count() != 1 {
		t.Errorf("Expected broadcast delivery, got %d", conn.count())
	}

	bus.Remove(conn)
	if conn.closeCount() != 1 || bus.Count(AllTasks) != 0 {
		t.Error("Expected Remove to close and unregister the connection")
	}
}

func TestRemoveClosesConnectionWithoutInterests(t *testing.T) {
	bus := NewEventBus(logger.Discard())
	conn := &fakeConn{}
	bus.Register(conn)
	bus.Unsubscribe(conn, AllTasks)
	if bus.Count(AllTasks) != 0 {
		t.Fatalf("Expected no subscribers after unsubscribe, got %d", bus.Count(AllTasks))
	}

	bus.Remove(conn)
	if conn.closeCount() != 1 {
		t.Errorf("Expected connection to be closed once, got %d", conn.closeCount())
	}
}
