package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"BrowserAgent/backend/go/internal/models"

	"github.com/sirupsen/logrus"
)

func TestJSONFieldsAndImmutability(t *testing.T) {
	var buf bytes.Buffer
	InitWithOutput(logrus.DebugLevel, &buf)
	defer InitWithOutput(logrus.InfoLevel, os.Stdout)

	base := New("dispatch_service", "", "")
	withErr := base.WithTask("task_abc").WithError(models.ErrorInfo{Message: "boom"})
	withErr.Warn("Conditional update affected zero rows")
	base.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("Expected JSON output, got %v", err)
	}
	for _, key := range []string{"timestamp", "level", "message", "service_name", "task_id", "error"} {
		if _, ok := first[key]; !ok {
			t.Errorf("Expected key %q in %v", key, first)
		}
	}
	if first["level"] != "warning" {
		t.Errorf("Expected level warning, got %v", first["level"])
	}

	var second map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("Expected JSON output, got %v", err)
	}
	if _, ok := second["error"]; ok {
		t.Error("Expected base logger to be unaffected by WithError on a derived logger")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != logrus.DebugLevel {
		t.Error("Expected debug level")
	}
	if ParseLevel("nonsense") != logrus.InfoLevel {
		t.Error("Expected fallback to info")
	}
}

func TestNewOmitsEmptyIDs(t *testing.T) {
	var buf bytes.Buffer
	InitWithOutput(logrus.InfoLevel, &buf)
	defer InitWithOutput(logrus.InfoLevel, os.Stdout)

	New("TaskWorker", "", "worker_1").Info("started")
	New("DispatchService", "", "").Info("started")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var worker, dispatch map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &worker); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &dispatch); err != nil {
		t.Fatal(err)
	}
	if worker["worker_id"] != "worker_1" {
		t.Errorf("Expected worker_id, got %v", worker)
	}
	for _, key := range []string{"trace_id", "worker_id"} {
		if _, ok := dispatch[key]; ok {
			t.Errorf("Expected empty %q to be omitted, got %v", key, dispatch)
		}
	}
}
