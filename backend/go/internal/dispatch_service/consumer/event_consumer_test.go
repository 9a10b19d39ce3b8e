package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type sink struct {
	mu     sync.Mutex
	events []models.TaskEvent
}

func (s *sink) PublishTask(e models.TaskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func TestHandleFillsTaskIDFromKey(t *testing.T) {
	s := &sink{}
	c := NewEventConsumer(&fakeReader{}, s, logger.Discard())

	err := c.Handle(kafka.Message{Key: []byte("task_1"), Value: []byte(`{"type":"task_status","status":"running"}`)})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(s.events) != 1 || s.events[0].TaskID != "task_1" {
		t.Errorf("unexpected events %+v", s.events)
	}
	if err := c.Handle(kafka.Message{Value: []byte(`not json`)}); err == nil {
		t.Error("Expected decode error")
	}
	if err := c.Handle(kafka.Message{Value: []byte(`{}`)}); err == nil {
		t.Error("Expected error for event without type")
	}
}

func TestStartCommitsEveryMessage(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 2)}
	s := &sink{}
	c := NewEventConsumer(r, s, logger.Discard())
	r.msgs <- kafka.Message{Offset: 1, Value: []byte(`broken`)}
	r.msgs <- kafka.Message{Offset: 2, Key: []byte("task_2"), Value: []byte(`{"type":"task_result","status":"completed"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	done := c.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		n := len(r.committed)
		r.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 2 commits, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) != 1 || s.events[0].Type != models.EventTaskResult {
		t.Errorf("unexpected events %+v", s.events)
	}
}
