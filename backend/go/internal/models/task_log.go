package models

import (
	"strings"
	"time"
)

// LogLevel 定义了任务日志的级别。
type LogLevel string

const (
	LogLevelDebug    LogLevel = "DEBUG"
	LogLevelInfo     LogLevel = "INFO"
	LogLevelWarning  LogLevel = "WARNING"
	LogLevelError    LogLevel = "ERROR"
	LogLevelCritical LogLevel = "CRITICAL"
)

var logLevels = []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError, LogLevelCritical}

// ParseLogLevel 不区分大小写地解析日志级别，WARN 视为 WARNING。
func ParseLogLevel(raw string) (LogLevel, bool) {
	up := strings.ToUpper(strings.TrimSpace(raw))
	if up == "WARN" {
		up = string(LogLevelWarning)
	}
	for _, l := range logLevels {
		if string(l) == up {
			return l, true
		}
	}
	return "", false
}

// NormalizeLogLevel 将未知级别归一为 INFO。
func NormalizeLogLevel(raw string) LogLevel {
	if l, ok := ParseLogLevel(raw); ok {
		return l
	}
	return LogLevelInfo
}

// TaskLog 是某个任务的一条只追加日志，Seq 在任务内单调递增。
type TaskLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" bson:"-" json:"-"`
	TaskID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_task_logs_task_seq,priority:1" bson:"task_id" json:"task_id"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_task_logs_task_seq,priority:2" bson:"seq" json:"sequence"`
	Timestamp time.Time `gorm:"not null" bson:"timestamp" json:"timestamp"`
	Level     LogLevel  `gorm:"type:varchar(16);not null" bson:"level" json:"level"`
	Message   string    `gorm:"type:text;not null" bson:"message" json:"message"`

	Task *Task `gorm:"foreignKey:TaskID;references:ID;constraint:OnDelete:CASCADE" bson:"-" json:"-"`
}

// TableName 指定 GORM 表名
func (TaskLog) TableName() string {
	return "task_logs"
}
