package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	rtsup "extsched/internal/runtime/supervisor"
	logx "extsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool with per-key overlap gating.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q chan queuedTask

	inFlight atomic.Int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	completed        atomic.Uint64
	failed           atomic.Uint64
	skipped          atomic.Uint64
	missed           atomic.Uint64
	droppedQueueFull atomic.Uint64

	warnQueueFull rate.Sometimes
	warnMissed    rate.Sometimes
	warnSkipped   rate.Sometimes
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	state      *RunState
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:           cfg,
		log:           log,
		states:        make(map[string]*RunState),
		warnQueueFull: rate.Sometimes{Interval: warnThrottleEvery},
		warnMissed:    rate.Sometimes{Interval: warnThrottleEvery},
		warnSkipped:   rate.Sometimes{Interval: warnThrottleEvery},
	}
}

// Supervisor returns the engine's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	// Workers outlive the caller's ctx; Stop owns their lifetime.
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop stops workers from taking queued work and waits for running work to
// finish. Only when ctx ends first is running work canceled. Queued work that
// never ran is reported as canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	go func() {
		_ = sup.Wait(context.Background())
		s.drain(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("task engine stop timed out; running work canceled",
			logx.Int("in_flight", int(s.inFlight.Load())),
			logx.Err(ctx.Err()),
		)
	}
}

func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			qt.state.release()
			s.finish(qt.task, Outcome{Status: StatusCanceled, Err: ErrStopped})
		default:
			return
		}
	}
}

// Enqueue hands t to the pool without blocking. It fails with ErrOverlapSkip
// when work for t.Key is already queued or running and with ErrQueueFull when
// the queue has no room. Done is only called for accepted work.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit is Enqueue with backpressure: it waits for queue room until ctx ends
// or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) prepare(t *Task, now time.Time) error {
	if t.Run == nil {
		return fmt.Errorf("%w: Run is nil", ErrInvalidTask)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("%w: Name is required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	now := time.Now()
	if err := s.prepare(&t, now); err != nil {
		return err
	}

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	st := s.stateFor(t.Key)
	if !st.tryAcquire() {
		s.skipped.Add(1)
		s.warnSkipped.Do(func() {
			s.log.Warn("task skipped: previous run still active", logx.String("task", t.Name), logx.String("key", t.Key))
		})
		return ErrOverlapSkip
	}

	qt := queuedTask{task: t, enqueuedAt: now, state: st}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			st.release()
			s.onQueueFullDropped(t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		st.release()
		return ctx.Err()
	case <-stopCh:
		st.release()
		return ErrStopping
	}
}

// RunNow executes t on the caller's goroutine, bypassing the queue but not
// the overlap gate, and returns its outcome.
func (s *Service) RunNow(ctx context.Context, t Task) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	if err := s.prepare(&t, now); err != nil {
		return Outcome{}, err
	}
	st := s.stateFor(t.Key)
	if !st.tryAcquire() {
		s.skipped.Add(1)
		return Outcome{}, ErrOverlapSkip
	}
	return s.execOne(ctx, queuedTask{task: t, enqueuedAt: now, state: st}), nil
}

// Forget drops the overlap state for key. In-flight work keeps its reference.
func (s *Service) Forget(key string) {
	if key == "" {
		return
	}
	s.stateMu.Lock()
	delete(s.states, key)
	s.stateMu.Unlock()
}

// Busy reports whether work for key is queued or running.
func (s *Service) Busy(key string) bool {
	if key == "" {
		return false
	}
	s.stateMu.Lock()
	st := s.states[key]
	s.stateMu.Unlock()
	return st.Busy()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		h = append(h, s.history[i])
	}
	s.hmu.Unlock()

	return Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(s.inFlight.Load()),
		Completed:        s.completed.Load(),
		Failed:           s.failed.Load(),
		Skipped:          s.skipped.Load(),
		Missed:           s.missed.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		MisfireGrace:     cfg.MisfireGrace,
		History:          h,
	}
}

// stateFor returns nil (no gating) for an empty key.
func (s *Service) stateFor(key string) *RunState {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) finish(t Task, out Outcome) {
	if t.Done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task done hook panicked", logx.String("task", t.Name), logx.Any("panic", r))
		}
	}()
	t.Done(out)
}

func (s *Service) onQueueFullDropped(t Task, q chan queuedTask) {
	n := s.droppedQueueFull.Add(1)
	s.warnQueueFull.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}
