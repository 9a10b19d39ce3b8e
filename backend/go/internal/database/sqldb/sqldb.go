// Package sqldb 负责打开任务存储使用的 GORM 连接 (MySQL 或 SQLite)。
package sqldb

import (
	"fmt"
	"sync"
	"time"

	"BrowserAgent/backend/go/internal/config"
	"BrowserAgent/backend/go/pkg/logger"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	dbInstance *gorm.DB
	once       sync.Once
	initErr    error
)

// MySQLDSN 构建 MySQL DSN，时间统一按 UTC 读写。
func MySQLDSN(cfg *config.MySQLConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Username,
		cfg.Password,
		cfg.Address,
		cfg.Database,
	)
}

// SQLiteDSN 构建 SQLite DSN：开启外键、WAL 与 5 秒忙等待。
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
}

// Open 根据 taskStore.driver 打开一个新的 GORM 实例，不做缓存。
func Open(cfg *config.DatabaseConfigs) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	switch cfg.TaskStore.Driver {
	case "mysql":
		db, err := gorm.Open(mysql.Open(MySQLDSN(&cfg.MySQL)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("无法获取底层 SQL DB 实例: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.MySQL.ConnMaxLifetime) * time.Second)
		return db, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(SQLiteDSN(cfg.SQLite.Path)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("无法打开 SQLite 数据库 '%s': %w", cfg.SQLite.Path, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("driver %q is not a SQL driver", cfg.TaskStore.Driver)
	}
}

// GetDB 使用单例模式初始化并返回进程共享的 GORM 实例。
func GetDB(cfg *config.DatabaseConfigs) (*gorm.DB, error) {
	once.Do(func() {
		db, err := Open(cfg)
		if err != nil {
			initErr = err
			return
		}
		logger.New("database", "", "").WithPayload(map[string]interface{}{"driver": cfg.TaskStore.Driver}).Info("SQL task store connected")
		dbInstance = db
	})
	return dbInstance, initErr
}
