package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "extsched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, qt)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) Outcome {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	due := qt.task.ScheduledAt
	if due.IsZero() {
		due = qt.enqueuedAt
	}
	lateness := max(start.Sub(due), 0)

	s.mu.Lock()
	grace := s.cfg.MisfireGrace
	s.mu.Unlock()

	if grace > 0 && lateness > grace {
		n := s.missed.Add(1)
		s.warnMissed.Do(func() {
			s.log.Warn("task missed: started past misfire grace",
				logx.String("task", qt.task.Name),
				logx.String("id", qt.task.ID),
				logx.Duration("lateness", lateness),
				logx.Duration("grace", grace),
				logx.Uint64("missed", n),
			)
		})
		out := Outcome{Status: StatusMissed, QueueDelay: queueDelay, Lateness: lateness}
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Status: StatusMissed, Error: "misfire"})
		qt.state.release()
		s.finish(qt.task, out)
		return out
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))

	s.inFlight.Add(1)
	err := s.run(ctx, qt.task)
	s.inFlight.Add(-1)

	dur := time.Since(start)
	out := Outcome{Status: StatusOK, Err: err, QueueDelay: queueDelay, Lateness: lateness, Duration: dur}
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Status: StatusOK}
	if err != nil {
		out.Status = StatusFailed
		item.Status = StatusFailed
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Debug("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
	}
	s.record(item)
	// Release before Done so the hook observes an idle gate.
	qt.state.release()
	s.finish(qt.task, out)
	return out
}

// run converts panics to errors so one bad task cannot kill a worker.
func (s *Service) run(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
