package publisher

import (
	"context"
	"encoding/json"
	"time"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// Publisher 是 worker 发布任务事件的出口。发布是尽力而为的，失败只记录日志。
type Publisher interface {
	PublishTask(event models.TaskEvent)
}

// MessageWriter 是 kafka.Writer 中发布者用到的部分。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher 把任务事件写入 Kafka，以任务 id 为 key 保证同一任务的顺序。
type EventPublisher struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	logger  *logger.Logger
}

// NewEventPublisher creates a new EventPublisher.
func NewEventPublisher(writer MessageWriter, topic string, log *logger.Logger) *EventPublisher {
	return &EventPublisher{writer: writer, topic: topic, timeout: 5 * time.Second, logger: log}
}

// Publish sends an event message to the Kafka topic.
func (p *EventPublisher) Publish(ctx context.Context, event models.TaskEvent) error {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to marshal task event for Kafka")
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TaskID),
		Value: msgBytes,
	})
	if err != nil {
		p.logger.WithError(models.ErrorInfo{Message: err.Error()}).WithPayload(map[string]interface{}{
			"topic":   p.topic,
			"task_id": event.TaskID,
		}).Error("Failed to write message to Kafka")
		return err
	}
	return nil
}

// PublishTask 在有界时间内发布事件并忽略错误，事件丢失不影响任务状态。
func (p *EventPublisher) PublishTask(event models.TaskEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	_ = p.Publish(ctx, event)
}

// Close closes the underlying Kafka writer.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}

// Discard 丢弃所有事件，用于未配置 Kafka 的部署和测试。
type Discard struct{}

func (Discard) PublishTask(models.TaskEvent) {}
