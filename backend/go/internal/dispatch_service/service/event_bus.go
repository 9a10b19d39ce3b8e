package service

import (
	"sync"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/logger"
)

// AllTasks 是订阅所有任务事件的 interest key。
const AllTasks = "*"

// Subscriber 是一个可以接收事件的连接。
// Send 可能被多个 goroutine 同时调用，实现需要自行串行化写入。
type Subscriber interface {
	Send(event models.TaskEvent) error
	Close() error
}

// EventBus 维护连接与 interest key 的映射，尽力投递，不做缓存和重放。
type EventBus struct {
	interests map[string]map[Subscriber]struct{}
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewEventBus creates a new EventBus.
func NewEventBus(log *logger.Logger) *EventBus {
	return &EventBus{
		interests: make(map[string]map[Subscriber]struct{}),
		logger:    log,
	}
}

// Register 登记新连接，并隐式订阅所有任务。
func (b *EventBus) Register(conn Subscriber) {
	b.Subscribe(conn, AllTasks)
	b.logger.WithPayload(map[string]interface{}{"connections": b.Count(AllTasks)}).Info("WebSocket connection registered")
}

// Subscribe 为连接增加一个 interest key。
func (b *EventBus) Subscribe(conn Subscriber, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.interests[key]
	if !ok {
		set = make(map[Subscriber]struct{})
		b.interests[key] = set
	}
	set[conn] = struct{}{}
}

// Unsubscribe 移除连接的一个 interest key。
func (b *EventBus) Unsubscribe(conn Subscriber, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(conn, key)
}

func (b *EventBus) unsubscribeLocked(conn Subscriber, key string) {
	set, ok := b.interests[key]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(b.interests, key)
	}
}

// Remove 将连接从所有 interest 中移除并关闭它。
// 即使连接已经退订了全部 key 也会关闭。
func (b *EventBus) Remove(conn Subscriber) {
	b.mu.Lock()
	for key, set := range b.interests {
		if _, ok := set[conn]; ok {
			b.unsubscribeLocked(conn, key)
		}
	}
	b.mu.Unlock()

	conn.Close()
}

// Count 返回订阅了 key 的连接数。
func (b *EventBus) Count(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.interests[key])
}

// Publish 向订阅了 key 的每个连接发送事件。发送失败的连接被视为断开。
func (b *EventBus) Publish(key string, event models.TaskEvent) {
	b.deliver(event, b.snapshot(key))
}

// PublishTask 向 "*" 与 event.TaskID 的订阅者各投递一次。
func (b *EventBus) PublishTask(event models.TaskEvent) {
	keys := []string{AllTasks}
	if event.TaskID != "" {
		keys = append(keys, event.TaskID)
	}
	b.deliver(event, b.snapshot(keys...))
}

// snapshot 返回 keys 对应订阅者的去重并集。
func (b *EventBus) snapshot(keys ...string) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[Subscriber]struct{})
	var subs []Subscriber
	for _, key := range keys {
		for conn := range b.interests[key] {
			if _, dup := seen[conn]; dup {
				continue
			}
			seen[conn] = struct{}{}
			subs = append(subs, conn)
		}
	}
	return subs
}

func (b *EventBus) deliver(event models.TaskEvent, subs []Subscriber) {
	var failed []Subscriber
	for _, conn := range subs {
		if err := conn.Send(event); err != nil {
			b.logger.WithError(models.ErrorInfo{Message: err.Error()}).WithPayload(map[string]interface{}{
				"task_id":    event.TaskID,
				"event_type": event.Type,
			}).Warn("Failed to deliver event, dropping connection")
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		b.Remove(conn)
	}
}
