package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	logx "extsched/pkg/logx"
)

func flush(t *testing.T, b *MemBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func newBus(t *testing.T, cfg Config) *MemBus {
	t.Helper()
	b := New(cfg, logx.Nop())
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestHistoryBoundedNewestFirst(t *testing.T) {
	t.Parallel()
	b := newBus(t, Config{HistorySize: 3})
	for i := 1; i <= 5; i++ {
		b.Publish(Event{Type: "tick", Data: i})
	}

	got := b.History("", 0)
	if len(got) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(got))
	}
	for i, want := range []int{5, 4, 3} {
		if got[i].Data != want {
			t.Fatalf("History[%d] = %v, want %d", i, got[i].Data, want)
		}
	}
	if got[0].Time.IsZero() {
		t.Fatal("Publish should stamp Time")
	}
}

func TestHistoryFilterAndLimit(t *testing.T) {
	t.Parallel()
	b := newBus(t, Config{})
	b.Publish(Event{Type: "a", Data: 1})
	b.Publish(Event{Type: "b", Data: 2})
	b.Publish(Event{Type: "a", Data: 3})
	b.Publish(Event{Type: "a", Data: 4})

	got := b.History("a", 2)
	if len(got) != 2 || got[0].Data != 4 || got[1].Data != 3 {
		t.Fatalf("History(a, 2) = %+v", got)
	}
	if got := b.History("missing", 10); len(got) != 0 {
		t.Fatalf("History(missing) = %+v, want empty", got)
	}
}

func TestHandlersRunInSubscriptionOrder(t *testing.T) {
	t.Parallel()
	b := newBus(t, Config{})

	var mu sync.Mutex
	var calls []string
	record := func(name string) Handler {
		return func(ctx context.Context, e Event) error {
			mu.Lock()
			calls = append(calls, fmt.Sprintf("%s:%v", name, e.Data))
			mu.Unlock()
			return nil
		}
	}
	b.Subscribe("x", record("first"))
	b.Subscribe("x", record("second"))
	b.Subscribe("y", record("other"))

	b.Publish(Event{Type: "x", Data: 1})
	b.Publish(Event{Type: "x", Data: 2})
	flush(t, b)

	want := []string{"first:1", "second:1", "first:2", "second:2"}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestHandlerFailureIsolated(t *testing.T) {
	t.Parallel()
	b := newBus(t, Config{})

	got := make(chan any, 4)
	b.Subscribe("x", func(ctx context.Context, e Event) error { panic("bad handler") })
	b.Subscribe("x", func(ctx context.Context, e Event) error { return errors.New("also bad") })
	b.Subscribe("x", func(ctx context.Context, e Event) error {
		got <- e.Data
		return nil
	})

	b.Publish(Event{Type: "x", Data: "ok"})
	flush(t, b)

	select {
	case v := <-got:
		if v != "ok" {
			t.Fatalf("data = %v, want ok", v)
		}
	default:
		t.Fatal("healthy handler was not invoked")
	}
	if st := b.Stats(); st.HandlerErr != 2 {
		t.Fatalf("HandlerErr = %d, want 2", st.HandlerErr)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	b := newBus(t, Config{})
	n := 0
	unsub := b.Subscribe("x", func(ctx context.Context, e Event) error {
		n++
		return nil
	})
	b.Publish(Event{Type: "x"})
	flush(t, b)
	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
	flush(t, b)
	if n != 1 {
		t.Fatalf("handler calls = %d, want 1", n)
	}
}

func TestStreamReceivesAllTypes(t *testing.T) {
	t.Parallel()
	b := newBus(t, Config{})
	ch, unsub := b.Stream(4)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	for _, want := range []string{"a", "b"} {
		select {
		case e := <-ch:
			if e.Type != want {
				t.Fatalf("stream type = %s, want %s", e.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestCloseDrainsQueuedDeliveries(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	var mu sync.Mutex
	n := 0
	b.Subscribe("x", func(ctx context.Context, e Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if n != 10 {
		t.Fatalf("delivered = %d, want 10", n)
	}

	// Publishing after close still records history but never delivers.
	b.Publish(Event{Type: "x"})
	if got := len(b.History("x", 0)); got != 11 {
		t.Fatalf("history = %d, want 11", got)
	}
	if err := b.Flush(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Flush after close = %v, want ErrClosed", err)
	}
}

func TestSlowHandlerSeesEveryEvent(t *testing.T) {
	t.Parallel()
	b := New(Config{QueueSize: 4}, logx.Nop())
	var mu sync.Mutex
	var seen []int
	b.Subscribe("x", func(ctx context.Context, e Event) error {
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		seen = append(seen, e.Data.(int))
		mu.Unlock()
		return nil
	})
	for i := 0; i < 50; i++ {
		b.Publish(Event{Type: "x", Data: i})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Fatalf("handled = %d, want 50", len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("seen[%d] = %d, want publish order", i, v)
		}
	}
	if st := b.Stats(); st.Dropped != 0 || st.Delivered != 50 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFlushWhileHandlerPublishes(t *testing.T) {
	t.Parallel()
	b := newBus(t, Config{QueueSize: 1})
	release := make(chan struct{})
	b.Subscribe("outer", func(ctx context.Context, e Event) error {
		<-release
		b.Publish(Event{Type: "inner"})
		return nil
	})
	var inner sync.WaitGroup
	inner.Add(1)
	b.Subscribe("inner", func(ctx context.Context, e Event) error {
		inner.Done()
		return nil
	})

	b.Publish(Event{Type: "outer"})
	b.Publish(Event{Type: "outer"})
	inner.Add(1)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- b.Flush(ctx)
	}()
	close(release)

	if err := <-errCh; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	inner.Wait()
}
