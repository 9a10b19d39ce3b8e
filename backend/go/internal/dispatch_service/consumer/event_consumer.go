package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// MessageReader 是 kafka.Reader 中消费者用到的部分。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventSink 接收解码后的任务事件，EventBus 实现了它。
type EventSink interface {
	PublishTask(event models.TaskEvent)
}

// EventConsumer 从 Kafka 读取 worker 发布的任务事件并转发给本地订阅者。
type EventConsumer struct {
	reader MessageReader
	sink   EventSink
	logger *logger.Logger
}

// NewEventConsumer creates a new EventConsumer.
func NewEventConsumer(reader MessageReader, sink EventSink, log *logger.Logger) *EventConsumer {
	return &EventConsumer{reader: reader, sink: sink, logger: log}
}

// Start 在后台消费消息，直到 ctx 结束。返回的 channel 在循环退出后关闭。
func (c *EventConsumer) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Stopping Kafka event consumer...")
				return
			default:
			}

			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error fetching message from Kafka")
				}
				continue
			}

			if err := c.Handle(msg); err != nil {
				c.logger.WithError(models.ErrorInfo{Message: err.Error()}).WithPayload(map[string]interface{}{
					"topic":     msg.Topic,
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Error("Error handling Kafka message")
			}

			// 事件只做实时推送，处理失败也提交，避免毒消息阻塞分区
			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to commit Kafka message")
			}
		}
	}()
	return done
}

// Handle 解码一条消息并投递。
func (c *EventConsumer) Handle(msg kafka.Message) error {
	var event models.TaskEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("decode task event: %w", err)
	}
	if event.Type == "" {
		return fmt.Errorf("task event without type (key %q)", string(msg.Key))
	}
	if event.TaskID == "" {
		event.TaskID = string(msg.Key)
	}
	c.sink.PublishTask(event)
	return nil
}

// Close closes the underlying Kafka reader.
func (c *EventConsumer) Close() error {
	return c.reader.Close()
}
