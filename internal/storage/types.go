package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // mysql
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one finished execution. Keep it compact and schema-stable.
type Record struct {
	ExecutionID string          `json:"execution_id" gorm:"primaryKey;size:64"`
	JobID       string          `json:"job_id" gorm:"size:191;index"`
	TaskID      string          `json:"task_id" gorm:"size:191"`
	Success     bool            `json:"success"`
	Kind        string          `json:"kind,omitempty" gorm:"size:32"`
	Error       string          `json:"error,omitempty" gorm:"type:text"`
	Data        json.RawMessage `json:"data,omitempty" gorm:"type:text;serializer:json"`
	FinishedAt  time.Time       `json:"finished_at" gorm:"index"`
	DurationMS  int64           `json:"duration_ms"`
}

// TableName pins the gorm table name.
func (Record) TableName() string { return "executions" }
