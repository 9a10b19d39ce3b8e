package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"BrowserAgent/backend/go/internal/config"
	"BrowserAgent/backend/go/internal/database/sqldb"
	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/apperror"
	"BrowserAgent/backend/go/pkg/logger"
)

type providerFactory func(t *testing.T) Provider

func newSQLiteProvider(t *testing.T) Provider {
	t.Helper()
	db, err := sqldb.Open(&config.DatabaseConfigs{
		TaskStore: config.TaskStoreConfig{Driver: "sqlite"},
		SQLite:    config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "tasks.db")},
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	p := NewGormProvider(db, logger.Discard())
	t.Cleanup(func() { p.Close() })
	return p
}

func newMemoryProvider(t *testing.T) Provider {
	return NewMemoryProvider(NewMemoryStore(logger.Discard()))
}

var implementations = map[string]providerFactory{
	"memory": newMemoryProvider,
	"sqlite": newSQLiteProvider,
}

func forEachStore(t *testing.T, fn func(t *testing.T, p Provider)) {
	for name, factory := range implementations {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func mustCreate(t *testing.T, s TaskStore, id string) {
	t.Helper()
	input := []byte(`{"task_instructions":"go to example.com"}`)
	if err := s.Create(context.Background(), id, models.TaskTypeGeneralAgent, input, ""); err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func mustGet(t *testing.T, s TaskStore, id string) *models.Task {
	t.Helper()
	task, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	if err := task.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	return task
}

func TestLifecycleHappyPath(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		s := p.Shared()
		mustCreate(t, s, "task_1")

		task := mustGet(t, s, "task_1")
		if task.Status != models.TaskStatusPending || task.StartedAt != nil {
			t.Fatalf("Expected fresh PENDING task, got %+v", task)
		}

		ok, err := s.UpdateStatus(ctx, "task_1", models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusPending}, StatusFields{})
		if err != nil || !ok {
			t.Fatalf("Expected PENDING->RUNNING to succeed, got %v %v", ok, err)
		}
		task = mustGet(t, s, "task_1")
		if task.StartedAt == nil {
			t.Fatal("Expected started_at after pickup")
		}
		started := *task.StartedAt

		ok, err = s.UpdateStatus(ctx, "task_1", models.TaskStatusCompleted, []models.TaskStatus{models.TaskStatusRunning},
			StatusFields{ResultData: []byte(`{"output":"ok"}`)})
		if err != nil || !ok {
			t.Fatalf("Expected RUNNING->COMPLETED to succeed, got %v %v", ok, err)
		}
		task = mustGet(t, s, "task_1")
		var result map[string]string
		if err := json.Unmarshal(task.ResultData, &result); err != nil || result["output"] != "ok" {
			t.Errorf("Expected result {\"output\":\"ok\"}, got %s", task.ResultData)
		}
		if task.ErrorDetails != nil {
			t.Errorf("Expected no error_details, got %q", *task.ErrorDetails)
		}
		if !task.StartedAt.Equal(started) {
			t.Errorf("Expected completion to keep started_at %v, got %v", started, task.StartedAt)
		}
		if string(task.InputData) == "" {
			t.Error("Expected input_data to be kept")
		}
	})
}

func TestConditionalUpdateLoserAffectsZeroRows(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		s := p.Shared()
		mustCreate(t, s, "task_race")
		s.UpdateStatus(ctx, "task_race", models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusPending}, StatusFields{})

		var wg sync.WaitGroup
		results := make([]bool, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			results[0], _ = s.UpdateStatus(ctx, "task_race", models.TaskStatusCancelled,
				[]models.TaskStatus{models.TaskStatusPending, models.TaskStatusRunning}, StatusFields{ErrorDetails: "Task cancelled by user request."})
		}()
		go func() {
			defer wg.Done()
			results[1], _ = s.UpdateStatus(ctx, "task_race", models.TaskStatusCompleted,
				[]models.TaskStatus{models.TaskStatusRunning}, StatusFields{ResultData: []byte(`{}`)})
		}()
		wg.Wait()

		if results[0] == results[1] {
			t.Fatalf("Expected exactly one winner, got cancel=%v complete=%v", results[0], results[1])
		}
		task := mustGet(t, s, "task_race")
		if results[0] && task.Status != models.TaskStatusCancelled {
			t.Errorf("Cancel won but status is %s", task.Status)
		}
		if results[1] && task.Status != models.TaskStatusCompleted {
			t.Errorf("Completion won but status is %s", task.Status)
		}
	})
}

func TestTerminalStatesAreFinal(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		s := p.Shared()
		mustCreate(t, s, "task_t")
		ok, _ := s.UpdateStatus(ctx, "task_t", models.TaskStatusCancelled, []models.TaskStatus{models.TaskStatusPending},
			StatusFields{ErrorDetails: "Task cancelled by user before start."})
		if !ok {
			t.Fatal("Expected cancel of PENDING task to succeed")
		}
		ok, err := s.UpdateStatus(ctx, "task_t", models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusPending}, StatusFields{})
		if err != nil || ok {
			t.Errorf("Expected late pickup to be a zero-row no-op, got %v %v", ok, err)
		}
		task := mustGet(t, s, "task_t")
		if task.Status != models.TaskStatusCancelled || task.StartedAt == nil || !task.StartedAt.Equal(*task.CompletedAt) {
			t.Errorf("Expected CANCELLED with started_at == completed_at, got %+v", task)
		}
		if _, err := s.UpdateStatus(ctx, "task_t", models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusCancelled}, StatusFields{}); err == nil {
			t.Error("Expected an illegal transition to be rejected")
		}
	})
}

func TestGetUnknownIsNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		_, err := p.Shared().Get(context.Background(), "missing")
		if !apperror.Is(err, apperror.KindNotFound) {
			t.Errorf("Expected NotFound, got %v", err)
		}
		ok, err := p.Shared().UpdateStatus(context.Background(), "missing", models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusPending}, StatusFields{})
		if ok || err != nil {
			t.Errorf("Expected zero-row update for unknown id, got %v %v", ok, err)
		}
	})
}

func TestLogsAreOrderedUnderConcurrency(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		s := p.Shared()
		mustCreate(t, s, "task_logs")

		const writers, perWriter = 4, 10
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					s.AppendLog(ctx, "task_logs", models.LogLevelInfo, fmt.Sprintf("writer %d entry %d", w, i))
				}
			}(w)
		}
		wg.Wait()

		entries, err := s.Logs(ctx, "task_logs", LogQuery{})
		if err != nil {
			t.Fatalf("Logs: %v", err)
		}
		if len(entries) != writers*perWriter {
			t.Fatalf("Expected %d entries, got %d", writers*perWriter, len(entries))
		}
		for i, e := range entries {
			if e.Seq != int64(i+1) {
				t.Fatalf("Expected seq %d at position %d, got %d", i+1, i, e.Seq)
			}
		}
	})
}

func TestLogLevelFilterAndNormalisation(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		s := p.Shared()
		mustCreate(t, s, "task_lvl")
		s.AppendLog(ctx, "task_lvl", models.LogLevelInfo, "one")
		s.AppendLog(ctx, "task_lvl", models.LogLevelWarning, "two")
		s.AppendLog(ctx, "task_lvl", models.LogLevel("chatty"), "three")

		warn, err := s.Logs(ctx, "task_lvl", LogQuery{Level: "warning"})
		if err != nil || len(warn) != 1 || warn[0].Message != "two" {
			t.Errorf("Expected one WARNING entry, got %v %v", warn, err)
		}
		all, _ := s.Logs(ctx, "task_lvl", LogQuery{Level: "bogus"})
		if len(all) != 3 {
			t.Errorf("Expected invalid filter to be ignored, got %d entries", len(all))
		}
		if all[2].Level != models.LogLevelInfo {
			t.Errorf("Expected unknown level to normalise to INFO, got %s", all[2].Level)
		}
		limited, _ := s.Logs(ctx, "task_lvl", LogQuery{Limit: 2})
		if len(limited) != 2 {
			t.Errorf("Expected limit 2, got %d", len(limited))
		}
	})
}

func TestAppendLogToUnknownTaskDoesNotPanic(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		p.Shared().AppendLog(context.Background(), "ghost", models.LogLevelInfo, "nobody home")
	})
}

func TestDeleteCascadesAndProtectsRunning(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		s := p.Shared()
		mustCreate(t, s, "task_del")
		s.AppendLog(ctx, "task_del", models.LogLevelInfo, "created")
		s.UpdateStatus(ctx, "task_del", models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusPending}, StatusFields{})

		if _, err := s.Delete(ctx, "task_del"); !apperror.Is(err, apperror.KindConflict) {
			t.Fatalf("Expected Conflict deleting RUNNING task, got %v", err)
		}

		s.UpdateStatus(ctx, "task_del", models.TaskStatusFailed, []models.TaskStatus{models.TaskStatusRunning}, StatusFields{ErrorDetails: "boom"})
		deleted, err := s.Delete(ctx, "task_del")
		if err != nil || !deleted {
			t.Fatalf("Expected delete to succeed, got %v %v", deleted, err)
		}
		if _, err := s.Get(ctx, "task_del"); !apperror.Is(err, apperror.KindNotFound) {
			t.Errorf("Expected NotFound after delete, got %v", err)
		}
		if _, err := s.Logs(ctx, "task_del", LogQuery{}); !apperror.Is(err, apperror.KindNotFound) {
			t.Errorf("Expected logs to be gone, got %v", err)
		}
		if gone, _ := s.Delete(ctx, "task_del"); gone {
			t.Error("Expected second delete to report false")
		}
	})
}

func TestListSearchAndStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		s := p.Shared()
		for i := 0; i < 5; i++ {
			mustCreate(t, s, fmt.Sprintf("task_%d", i))
		}
		s.UpdateStatus(ctx, "task_0", models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusPending}, StatusFields{})
		s.UpdateStatus(ctx, "task_0", models.TaskStatusFailed, []models.TaskStatus{models.TaskStatusRunning}, StatusFields{ErrorDetails: "x"})
		s.UpdateStatus(ctx, "task_1", models.TaskStatusCancelled, []models.TaskStatus{models.TaskStatusPending}, StatusFields{ErrorDetails: "y"})

		page, err := s.List(ctx, 2, 1)
		if err != nil || len(page) != 2 {
			t.Fatalf("Expected a page of 2, got %d %v", len(page), err)
		}
		all, _ := s.List(ctx, 0, -3)
		if len(all) != 5 {
			t.Errorf("Expected default limit and clamped offset to return 5, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].CreatedAt.After(all[i-1].CreatedAt) {
				t.Errorf("Expected newest first at %d", i)
			}
		}

		failed, _ := s.Search(ctx, SearchQuery{Status: models.TaskStatusFailed, SinceDays: 1})
		if len(failed) != 1 || failed[0].ID != "task_0" {
			t.Errorf("Expected task_0 as the only FAILED task, got %v", failed)
		}
		typed, _ := s.Search(ctx, SearchQuery{TaskType: "other"})
		if len(typed) != 0 {
			t.Errorf("Expected no tasks of type other, got %d", len(typed))
		}

		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats["TOTAL"] != 5 || stats["PENDING"] != 3 || stats["FAILED"] != 1 || stats["CANCELLED"] != 1 || stats["RUNNING"] != 0 {
			t.Errorf("Unexpected stats %v", stats)
		}
	})
}

func TestSetResultOnlyOnCompleted(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		s := p.Shared()
		mustCreate(t, s, "task_r")
		if err := s.SetResult(ctx, "task_r", []byte(`{}`)); !apperror.Is(err, apperror.KindConflict) {
			t.Errorf("Expected Conflict on PENDING task, got %v", err)
		}
		s.UpdateStatus(ctx, "task_r", models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusPending}, StatusFields{})
		s.UpdateStatus(ctx, "task_r", models.TaskStatusCompleted, []models.TaskStatus{models.TaskStatusRunning}, StatusFields{})
		if err := s.SetResult(ctx, "task_r", []byte(`{"output":"late"}`)); err != nil {
			t.Fatalf("SetResult: %v", err)
		}
		task := mustGet(t, s, "task_r")
		if string(task.ResultData) != `{"output":"late"}` {
			t.Errorf("Unexpected result %s", task.ResultData)
		}
		if err := s.SetResult(ctx, "nope", nil); !apperror.Is(err, apperror.KindNotFound) {
			t.Errorf("Expected NotFound, got %v", err)
		}
	})
}

func TestHandlesSeeSharedWritesAndRelease(t *testing.T) {
	forEachStore(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		mustCreate(t, p.Shared(), "task_h")

		h, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		ok, err := h.UpdateStatus(ctx, "task_h", models.TaskStatusRunning, []models.TaskStatus{models.TaskStatusPending}, StatusFields{})
		if err != nil || !ok {
			t.Fatalf("Expected update through handle, got %v %v", ok, err)
		}
		h.AppendLog(ctx, "task_h", models.LogLevelInfo, "via handle")
		if err := h.Release(); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if err := h.Release(); err != nil {
			t.Errorf("Expected second Release to be a no-op, got %v", err)
		}

		task := mustGet(t, p.Shared(), "task_h")
		if task.Status != models.TaskStatusRunning {
			t.Errorf("Expected RUNNING via shared store, got %s", task.Status)
		}
		if mp, ok := p.(*MemoryProvider); ok && mp.Outstanding() != 0 {
			t.Errorf("Expected no outstanding handles, got %d", mp.Outstanding())
		}
	})
}

func TestClampLimit(t *testing.T) {
	if ClampLimit(0, 100, 1000) != 100 || ClampLimit(5000, 100, 1000) != 1000 || ClampLimit(7, 100, 1000) != 7 {
		t.Error("ClampLimit did not clamp as expected")
	}
}

func TestMemoryLogFailureIsSwallowed(t *testing.T) {
	s := NewMemoryStore(logger.Discard())
	mustCreate(t, s, "task_f")
	s.FailLogWrites(true)
	s.AppendLog(context.Background(), "task_f", models.LogLevelInfo, "lost")
	s.FailLogWrites(false)
	entries, err := s.Logs(context.Background(), "task_f", LogQuery{})
	if err != nil || len(entries) != 0 {
		t.Errorf("Expected no entries after failed write, got %v %v", entries, err)
	}
}
