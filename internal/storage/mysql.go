package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	logx "extsched/pkg/logx"
)

type mysqlStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for mysql driver")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		closeGorm(db)
		return nil, err
	}
	return &mysqlStore{db: db, log: log}, nil
}

func (s *mysqlStore) AppendExecution(ctx context.Context, r Record) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(&r).Error
}

func (s *mysqlStore) RecentExecutions(ctx context.Context, jobID string, limit int) ([]Record, error) {
	q := s.db.WithContext(ctx).Order("finished_at DESC").Limit(clampLimit(limit))
	if jobID != "" {
		q = q.Where("job_id = ?", jobID)
	}
	var out []Record
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mysqlStore) Close() error {
	closeGorm(s.db)
	return nil
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
