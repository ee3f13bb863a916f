package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"extsched/internal/eventbus"
	"extsched/internal/orchestrator"
	rtsup "extsched/internal/runtime/supervisor"
	logx "extsched/pkg/logx"
)

const (
	defaultRedisStream = "extsched:events"
	defaultRedisMaxLen = 10000
	redisWriteTimeout  = 2 * time.Second
)

// StreamAdder is the slice of *redis.Client the mirror needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type RedisConfig struct {
	Stream string
	MaxLen int64
	Events []string
}

// RedisMirror appends selected events to a Redis stream.
type RedisMirror struct {
	cfg RedisConfig
	rdb StreamAdder
	log logx.Logger
}

func NewRedisMirror(cfg RedisConfig, rdb StreamAdder, log logx.Logger) *RedisMirror {
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = defaultRedisStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultRedisMaxLen
	}
	if len(cfg.Events) == 0 {
		cfg.Events = []string{orchestrator.EventTaskCompleted, orchestrator.EventTaskFailed}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisMirror{cfg: cfg, rdb: rdb, log: log}
}

// Connect pings the server; used before the mirror starts.
func Connect(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

func (m *RedisMirror) Start(sup *rtsup.Supervisor, bus eventbus.Bus) {
	consume(sup, "sink.redis", bus, m.cfg.Events, func(ctx context.Context, e eventbus.Event) {
		if err := m.Write(ctx, e); err != nil {
			m.log.Warn("redis mirror write failed", logx.String("type", e.Type), logx.Err(err))
		}
	})
}

// Write appends one event with approximate MAXLEN trimming.
func (m *RedisMirror) Write(ctx context.Context, e eventbus.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, redisWriteTimeout)
	defer cancel()
	return m.rdb.XAdd(wctx, &redis.XAddArgs{
		Stream: m.cfg.Stream,
		MaxLen: m.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			"type": e.Type,
			"time": e.Time.UTC().Format(time.RFC3339Nano),
			"data": data,
		},
	}).Err()
}
