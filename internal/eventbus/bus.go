package eventbus

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "extsched/pkg/logx"
)

// Event is an in-process signal used to decouple components.
//
// Type is dot-namespaced ("task.completed", "echo.done").
// Data should be small and JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Handler reacts to one event. Errors are logged by the bus and never
// reach the publisher.
type Handler func(ctx context.Context, e Event) error

// Bus contract:
//   - Publish never blocks and records the event in history before delivery.
//   - Handlers run on the bus dispatcher, one event at a time, in
//     subscription order; events are delivered in publish order. Handler
//     deliveries are queued without bound and never dropped.
//   - Stream subscribers get a buffered channel; slow streams drop events.
type Bus interface {
	Publish(e Event)
	Subscribe(eventType string, h Handler) (unsubscribe func())
	Stream(buffer int) (ch <-chan Event, unsubscribe func())
	History(eventType string, limit int) []Event
}

var ErrClosed = errors.New("event bus closed")

type Config struct {
	// HistorySize bounds retained events (oldest evicted). Default 1000.
	HistorySize int
	// QueueSize is the handler backlog above which a warning is logged.
	// Deliveries past it are still queued. Default 1024.
	QueueSize int
}

type Stats struct {
	Published  uint64 `json:"published"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
	HandlerErr uint64 `json:"handler_errors"`
	Handlers   int    `json:"handlers"`
	Streams    int    `json:"streams"`
	History    int    `json:"history"`
	QueueLen   int    `json:"queue_len"`
}

type subscription struct {
	id  uint64
	typ string
	h   Handler
}

type delivery struct {
	e     Event
	subs  []subscription
	flush chan struct{}
}

// MemBus is the in-memory Bus. It owns one dispatcher goroutine; call Close
// to drain and stop it.
type MemBus struct {
	log logx.Logger

	mu      sync.RWMutex
	subs    []subscription
	streams map[uint64]chan Event
	history []Event
	histCap int
	closed  bool

	seq atomic.Uint64

	// pending is the dispatcher backlog; wake nudges the dispatcher.
	qmu      sync.Mutex
	pending  []delivery
	stopping bool
	wake     chan struct{}
	warnAt   int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	published  atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	handlerErr atomic.Uint64

	lastDropWarn    atomic.Int64
	lastBacklogWarn atomic.Int64
}

func New(cfg Config, log logx.Logger) *MemBus {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemBus{
		log:     log,
		streams: map[uint64]chan Event{},
		histCap: cfg.HistorySize,
		wake:    make(chan struct{}, 1),
		warnAt:  cfg.QueueSize,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.histCap {
		b.history = b.history[len(b.history)-b.histCap:]
	}
	closed := b.closed
	var matched []subscription
	for _, s := range b.subs {
		if s.typ == e.Type {
			matched = append(matched, s)
		}
	}
	streams := make([]chan Event, 0, len(b.streams))
	for _, ch := range b.streams {
		streams = append(streams, ch)
	}
	// Enqueue under the lock so concurrent publishers keep history order
	// and delivery order identical.
	if !closed && len(matched) > 0 {
		b.push(delivery{e: e, subs: matched})
	}
	b.mu.Unlock()

	for _, ch := range streams {
		func() {
			// An unsubscribe may close ch concurrently.
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.onStreamDrop(e)
			}
		}()
	}
}

func (b *MemBus) push(d delivery) {
	b.qmu.Lock()
	b.pending = append(b.pending, d)
	n := len(b.pending)
	b.qmu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	if d.flush == nil && n > b.warnAt && throttle(&b.lastBacklogWarn) {
		b.log.Warn("event handler backlog growing", logx.String("type", d.e.Type), logx.Int("pending", n))
	}
}

func (b *MemBus) onStreamDrop(e Event) {
	n := b.dropped.Add(1)
	if throttle(&b.lastDropWarn) {
		b.log.Warn("event stream dropped: subscriber too slow", logx.String("type", e.Type), logx.Uint64("dropped", n))
	}
}

// throttle reports whether at least 5s passed since the last true result.
func throttle(last *atomic.Int64) bool {
	now := time.Now().UnixNano()
	prev := last.Load()
	if prev != 0 && now-prev < int64(5*time.Second) {
		return false
	}
	return last.CompareAndSwap(prev, now)
}

// Subscribe registers h for events whose Type equals eventType exactly.
func (b *MemBus) Subscribe(eventType string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	id := b.seq.Add(1)
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, typ: eventType, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// Stream returns a channel receiving every published event.
func (b *MemBus) Stream(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.streams[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			_, live := b.streams[id]
			delete(b.streams, id)
			b.mu.Unlock()
			// Close already closed it otherwise.
			if live {
				close(ch)
			}
		})
	}
}

// History returns retained events newest-first. An empty eventType matches
// all types; limit <= 0 returns every match.
func (b *MemBus) History(eventType string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, min(len(b.history), max(limit, 0)))
	for i := len(b.history) - 1; i >= 0; i-- {
		e := b.history[i]
		if eventType != "" && e.Type != eventType {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Capacity is the configured history bound.
func (b *MemBus) Capacity() int { return b.histCap }

// Flush waits until every delivery queued before the call has been handled.
func (b *MemBus) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	b.mu.RLock()
	closed := b.closed
	if !closed {
		b.push(delivery{flush: ch})
	}
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting deliveries, drains the queue and waits for the
// dispatcher. History stays readable.
func (b *MemBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := b.streams
	b.streams = map[uint64]chan Event{}
	b.mu.Unlock()

	b.qmu.Lock()
	b.stopping = true
	b.qmu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}

	for _, ch := range streams {
		close(ch)
	}

	select {
	case <-b.done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}

func (b *MemBus) Stats() Stats {
	b.mu.RLock()
	st := Stats{
		Handlers: len(b.subs),
		Streams:  len(b.streams),
		History:  len(b.history),
	}
	b.mu.RUnlock()
	st.Published = b.published.Load()
	st.Delivered = b.delivered.Load()
	st.Dropped = b.dropped.Load()
	st.HandlerErr = b.handlerErr.Load()
	b.qmu.Lock()
	st.QueueLen = len(b.pending)
	b.qmu.Unlock()
	return st
}

func (b *MemBus) dispatch() {
	defer close(b.done)
	for {
		b.qmu.Lock()
		batch := b.pending
		b.pending = nil
		stop := b.stopping
		b.qmu.Unlock()

		for _, d := range batch {
			if d.flush != nil {
				close(d.flush)
				continue
			}
			for _, s := range d.subs {
				b.invoke(s, d.e)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if stop {
			return
		}
		<-b.wake
	}
}

func (b *MemBus) invoke(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErr.Add(1)
			b.log.Error("event handler panicked",
				logx.String("type", e.Type),
				logx.Uint64("handler", s.id),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	if err := s.h(b.ctx, e); err != nil {
		b.handlerErr.Add(1)
		b.log.Warn("event handler failed", logx.String("type", e.Type), logx.Uint64("handler", s.id), logx.Err(err))
		return
	}
	b.delivered.Add(1)
}
