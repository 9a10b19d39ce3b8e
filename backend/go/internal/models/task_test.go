package models

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusRunning, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusPending, TaskStatusFailed, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		{TaskStatusRunning, TaskStatusCancelled, true},
		{TaskStatusRunning, TaskStatusPending, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusRunning, false},
		{TaskStatusCancelled, TaskStatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseTaskStatus(t *testing.T) {
	if s, ok := ParseTaskStatus(" running "); !ok || s != TaskStatusRunning {
		t.Errorf("Expected RUNNING, got %q (ok=%v)", s, ok)
	}
	if _, ok := ParseTaskStatus("paused"); ok {
		t.Error("Expected unknown status to be rejected")
	}
}

func TestCheckInvariants(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	done := started.Add(time.Minute)
	msg := "boom"

	valid := []Task{
		{ID: "p", Status: TaskStatusPending, CreatedAt: created},
		{ID: "r", Status: TaskStatusRunning, CreatedAt: created, StartedAt: &started},
		{ID: "c", Status: TaskStatusCompleted, CreatedAt: created, StartedAt: &started, CompletedAt: &done, ResultData: []byte(`{"output":"ok"}`)},
		{ID: "f", Status: TaskStatusFailed, CreatedAt: created, StartedAt: &started, CompletedAt: &done, ErrorDetails: &msg},
		{ID: "x", Status: TaskStatusCancelled, CreatedAt: created, StartedAt: &done, CompletedAt: &done, ErrorDetails: &msg},
	}
	for _, task := range valid {
		task := task
		if err := task.CheckInvariants(); err != nil {
			t.Errorf("Expected task %s to be valid, got %v", task.ID, err)
		}
	}

	invalid := []Task{
		{ID: "p-started", Status: TaskStatusPending, CreatedAt: created, StartedAt: &started},
		{ID: "r-no-start", Status: TaskStatusRunning, CreatedAt: created},
		{ID: "x-no-start", Status: TaskStatusCancelled, CreatedAt: created, CompletedAt: &done, ErrorDetails: &msg},
		{ID: "f-no-start", Status: TaskStatusFailed, CreatedAt: created, CompletedAt: &done, ErrorDetails: &msg},
		{ID: "c-no-end", Status: TaskStatusCompleted, CreatedAt: created, StartedAt: &started},
		{ID: "c-error", Status: TaskStatusCompleted, CreatedAt: created, StartedAt: &started, CompletedAt: &done, ErrorDetails: &msg},
		{ID: "f-result", Status: TaskStatusFailed, CreatedAt: created, StartedAt: &started, CompletedAt: &done, ResultData: []byte(`{}`)},
		{ID: "order", Status: TaskStatusCompleted, CreatedAt: done, StartedAt: &started, CompletedAt: &done},
	}
	for _, task := range invalid {
		task := task
		if err := task.CheckInvariants(); err == nil {
			t.Errorf("Expected task %s to violate invariants", task.ID)
		}
	}
}

func TestParseGeneralTaskRequest(t *testing.T) {
	req, err := ParseGeneralTaskRequest([]byte(`{"task_instructions":"open example.com and read the title","context_urls":["https://example.com"],"agent_config":{"max_steps":12}}`))
	if err != nil {
		t.Fatalf("Expected valid request, got %v", err)
	}
	if n, ok := req.MaxSteps(); !ok || n != 12 {
		t.Errorf("Expected max_steps 12, got %d (ok=%v)", n, ok)
	}

	bad := map[string]string{
		"short":     `{"task_instructions":"too short"}`,
		"url":       `{"task_instructions":"open example.com please","context_urls":["ftp://example.com"]}`,
		"max_steps": `{"task_instructions":"open example.com please","agent_config":{"max_steps":-1}}`,
		"not json":  `{"task_instructions":`,
		"empty":     ``,
	}
	for name, raw := range bad {
		if _, err := ParseGeneralTaskRequest([]byte(raw)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestInstructionLengthCountsCharacters(t *testing.T) {
	cases := []struct {
		text  string
		valid bool
	}{
		{"打开网页并读取标题", false},  // 9 个字符，27 字节
		{"打开网页并读取页面标题", true}, // 11 个字符
		{"          ", true},  // 空白同样计数
		{"  abc  ", false},
	}
	for _, c := range cases {
		req := GeneralTaskRequest{TaskInstructions: c.text}
		if err := req.Validate(); (err == nil) != c.valid {
			t.Errorf("%q: expected valid=%v, got err=%v", c.text, c.valid, err)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("打开网页并读取标题", 4); got != "打开网页" {
		t.Errorf("Expected rune-safe truncation, got %q", got)
	}
	if !utf8.ValidString(Truncate("héllo wörld", 2)) {
		t.Error("Expected truncated content to stay valid UTF-8")
	}
	if got := Truncate("short", 70); got != "short" {
		t.Errorf("Expected short content unchanged, got %q", got)
	}
	if got := Truncate("abcdef", 3); got != "abc" {
		t.Errorf("Expected abc, got %q", got)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	req := GeneralTaskRequest{TaskInstructions: "x", ContextURLs: []string{"example.com"}}
	err := req.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !strings.Contains(err.Error(), "task_instructions") || !strings.Contains(err.Error(), "context_urls[0]") {
		t.Errorf("Expected both problems in %q", err.Error())
	}
}

func TestTaskStats(t *testing.T) {
	stats := NewTaskStats()
	stats.Add(TaskStatusPending, 2)
	stats.Add(TaskStatusFailed, 1)
	if stats["TOTAL"] != 3 || stats["PENDING"] != 2 || stats["COMPLETED"] != 0 {
		t.Errorf("Unexpected stats %v", stats)
	}
}
