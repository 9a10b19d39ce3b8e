package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/apperror"
	"BrowserAgent/backend/go/pkg/logger"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var errTaskMissing = errors.New("task missing")

// GormStore 是基于 GORM 的实现，支持 MySQL 与 SQLite。
type GormStore struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewGormStore 包装一个已打开的 GORM 实例
func NewGormStore(db *gorm.DB, log *logger.Logger) *GormStore {
	return &GormStore{db: db, logger: log}
}

// Migrate 创建 tasks 与 task_logs 表，task_logs 以外键级联删除。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Task{}, &models.TaskLog{}); err != nil {
		return fmt.Errorf("auto migrate task tables: %w", err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, id, taskType string, input []byte, retryOf string) error {
	task := &models.Task{
		ID:        id,
		TaskType:  taskType,
		Status:    models.TaskStatusPending,
		CreatedAt: now(),
		InputData: datatypes.JSON(input),
	}
	if retryOf != "" {
		task.RetryOf = &retryOf
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task %s: %w", id, err)
	}
	return nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, expected []models.TaskStatus, fields StatusFields) (bool, error) {
	if err := checkTransition("gorm.UpdateStatus", status, expected); err != nil {
		return false, err
	}

	ts := now()
	updates := map[string]interface{}{
		"status":     string(status),
		"started_at": gorm.Expr("COALESCE(started_at, ?)", ts),
	}
	if status.IsTerminal() {
		updates["completed_at"] = ts
	}
	switch status {
	case models.TaskStatusCompleted:
		updates["result_data"] = datatypes.JSON(fields.ResultData)
		updates["error_details"] = nil
	case models.TaskStatusFailed, models.TaskStatusCancelled:
		updates["error_details"] = fields.ErrorDetails
		updates["result_data"] = nil
	}

	res := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status IN ?", id, statusStrings(expected)).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update status of task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		warnZeroRows(s.logger, id, status, expected, s.currentStatus(ctx, id))
		return false, nil
	}
	return true, nil
}

func (s *GormStore) currentStatus(ctx context.Context, id string) string {
	var status string
	res := s.db.WithContext(ctx).Model(&models.Task{}).Select("status").Where("id = ?", id).Limit(1).Scan(&status)
	if res.Error != nil || res.RowsAffected == 0 {
		return "task not found"
	}
	return status
}

func (s *GormStore) SetResult(ctx context.Context, id string, data []byte) error {
	res := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ?", id, string(models.TaskStatusCompleted)).
		Update("result_data", datatypes.JSON(data))
	if res.Error != nil {
		return fmt.Errorf("set result of task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		current := s.currentStatus(ctx, id)
		if current == "task not found" {
			return notFound("gorm.SetResult", id)
		}
		return apperror.Conflict("gorm.SetResult", "result can only be set on a COMPLETED task, status is %s.", current)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("gorm.Get", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &task, nil
}

func (s *GormStore) List(ctx context.Context, limit, offset int) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(ClampLimit(limit, DefaultListLimit, MaxListLimit)).
		Offset(clampOffset(offset)).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *GormStore) Search(ctx context.Context, q SearchQuery) ([]models.Task, error) {
	db := s.db.WithContext(ctx).Model(&models.Task{})
	if q.Status != "" {
		db = db.Where("status = ?", string(q.Status))
	}
	if q.TaskType != "" {
		db = db.Where("task_type = ?", q.TaskType)
	}
	if q.SinceDays > 0 {
		db = db.Where("created_at >= ?", now().AddDate(0, 0, -q.SinceDays))
	}
	var tasks []models.Task
	err := db.Order("created_at DESC, id DESC").
		Limit(ClampLimit(q.Limit, DefaultListLimit, MaxListLimit)).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("search tasks: %w", err)
	}
	return tasks, nil
}

func (s *GormStore) Stats(ctx context.Context) (models.TaskStats, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	stats := models.NewTaskStats()
	for _, r := range rows {
		stats.Add(models.TaskStatus(r.Status), r.Count)
	}
	return stats, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.Select("id", "status").Where("id = ?", id).Take(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if task.Status == models.TaskStatusRunning {
			return deleteRunning("gorm.Delete")
		}
		if err := tx.Where("task_id = ?", id).Delete(&models.TaskLog{}).Error; err != nil {
			return err
		}
		// 条件删除，防止在读取之后被 worker 拾取
		res := tx.Where("id = ? AND status <> ?", id, string(models.TaskStatusRunning)).Delete(&models.Task{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return deleteRunning("gorm.Delete")
		}
		deleted = true
		return nil
	})
	if err != nil {
		if apperror.Is(err, apperror.KindConflict) {
			return false, err
		}
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	return deleted, nil
}

func (s *GormStore) AppendLog(ctx context.Context, id string, level models.LogLevel, message string) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Task{}).Where("id = ?", id).UpdateColumn("log_seq", gorm.Expr("log_seq + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errTaskMissing
		}
		var seq int64
		if err := tx.Model(&models.Task{}).Select("log_seq").Where("id = ?", id).Scan(&seq).Error; err != nil {
			return err
		}
		return tx.Create(&models.TaskLog{
			TaskID:    id,
			Seq:       seq,
			Timestamp: now(),
			Level:     models.NormalizeLogLevel(string(level)),
			Message:   message,
		}).Error
	})
	if err != nil {
		reportLogFailure(s.logger, id, level, message, err)
	}
}

func (s *GormStore) Logs(ctx context.Context, id string, q LogQuery) ([]models.TaskLog, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("logs of task %s: %w", id, err)
	}
	if count == 0 {
		return nil, notFound("gorm.Logs", id)
	}

	db := s.db.WithContext(ctx).Where("task_id = ?", id)
	if level := parseLevelFilter(s.logger, id, q.Level); level != "" {
		db = db.Where("level = ?", string(level))
	}
	var entries []models.TaskLog
	err := db.Order("seq ASC").Limit(ClampLimit(q.Limit, DefaultLogLimit, MaxLogLimit)).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("logs of task %s: %w", id, err)
	}
	return entries, nil
}

// GormProvider 为每个 job 固定一条独立的数据库连接。
type GormProvider struct {
	db     *gorm.DB
	logger *logger.Logger
	shared *GormStore
}

// NewGormProvider 基于共享连接池创建 Provider
func NewGormProvider(db *gorm.DB, log *logger.Logger) *GormProvider {
	return &GormProvider{db: db, logger: log, shared: NewGormStore(db, log)}
}

func (p *GormProvider) Shared() TaskStore { return p.shared }

// Acquire 从连接池中取出一条 *sql.Conn，句柄上的所有操作都走这条连接。
func (p *GormProvider) Acquire(ctx context.Context) (Handle, error) {
	sqlDB, err := p.db.DB()
	if err != nil {
		return nil, fmt.Errorf("acquire store handle: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire store handle: %w", err)
	}

	var dialector gorm.Dialector
	switch p.db.Dialector.Name() {
	case "mysql":
		dialector = mysql.New(mysql.Config{Conn: conn, SkipInitializeWithVersion: true})
	case "sqlite":
		dialector = &sqlite.Dialector{Conn: conn}
	default:
		conn.Close()
		return nil, fmt.Errorf("acquire store handle: unsupported dialect %q", p.db.Dialector.Name())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: now,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire store handle: %w", err)
	}
	return &gormHandle{GormStore: NewGormStore(db, p.logger), conn: conn}, nil
}

func (p *GormProvider) HealthCheck(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (p *GormProvider) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormHandle struct {
	*GormStore
	conn interface{ Close() error }
	once sync.Once
	err  error
}

// Release 将连接归还给连接池，重复调用是安全的。
func (h *gormHandle) Release() error {
	h.once.Do(func() { h.err = h.conn.Close() })
	return h.err
}
