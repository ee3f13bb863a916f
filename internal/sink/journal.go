package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"extsched/internal/eventbus"
	"extsched/internal/orchestrator"
	"extsched/internal/storage"
	logx "extsched/pkg/logx"
)

const journalWriteTimeout = 2 * time.Second

// Journal appends finished executions to a storage.Store. The bus handler
// only queues the record; a writer goroutine does the store I/O, so a slow
// store never holds up the bus dispatcher and no record is dropped.
type Journal struct {
	store storage.Store
	log   logx.Logger

	mu      sync.Mutex
	pending []storage.Record
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func NewJournal(store storage.Store, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Journal{
		store: store,
		log:   log,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Attach subscribes to task.completed and task.failed and starts the
// writer. The returned func detaches and waits, bounded by ctx, for queued
// records to be written.
func (j *Journal) Attach(bus eventbus.Bus) func(ctx context.Context) error {
	u1 := bus.Subscribe(orchestrator.EventTaskCompleted, j.handle)
	u2 := bus.Subscribe(orchestrator.EventTaskFailed, j.handle)
	go j.run()
	return func(ctx context.Context) error {
		u1()
		u2()
		j.mu.Lock()
		j.closed = true
		j.mu.Unlock()
		j.signal()
		select {
		case <-j.done:
			return nil
		case <-ctx.Done():
			j.mu.Lock()
			n := len(j.pending)
			j.mu.Unlock()
			j.log.Warn("journal detach timed out", logx.Int("pending", n), logx.Err(ctx.Err()))
			return ctx.Err()
		}
	}
}

func (j *Journal) handle(_ context.Context, e eventbus.Event) error {
	rec, err := RecordFromEvent(e)
	if err != nil {
		return err
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.pending = append(j.pending, rec)
	j.mu.Unlock()
	j.signal()
	return nil
}

func (j *Journal) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		j.mu.Lock()
		batch := j.pending
		j.pending = nil
		closed := j.closed
		j.mu.Unlock()

		for _, rec := range batch {
			j.write(rec)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-j.wake
	}
}

func (j *Journal) write(rec storage.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := j.store.AppendExecution(ctx, rec); err != nil {
		j.log.Warn("journal append failed", logx.String("execution_id", rec.ExecutionID), logx.Err(err))
	}
}

// RecordFromEvent converts a task.completed or task.failed event.
func RecordFromEvent(e eventbus.Event) (storage.Record, error) {
	ev, ok := e.Data.(orchestrator.ExecutionEvent)
	if !ok {
		return storage.Record{}, fmt.Errorf("journal: unexpected payload %T for %s", e.Data, e.Type)
	}
	rec := storage.Record{
		ExecutionID: ev.ExecutionID,
		JobID:       ev.JobID,
		TaskID:      ev.TaskID,
		Success:     e.Type == orchestrator.EventTaskCompleted,
		Kind:        string(ev.Kind),
		Error:       ev.Error,
		FinishedAt:  e.Time,
		DurationMS:  ev.Duration.Milliseconds(),
	}
	if ev.Result != nil && ev.Result.Data != nil {
		b, err := json.Marshal(ev.Result.Data)
		if err == nil {
			rec.Data = b
		}
	}
	return rec, nil
}
