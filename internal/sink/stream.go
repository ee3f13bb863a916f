package sink

import (
	"context"

	"extsched/internal/eventbus"
	rtsup "extsched/internal/runtime/supervisor"
	logx "extsched/pkg/logx"
)

const streamBuffer = 256

// consume runs fn for every streamed event whose type is in types (all
// types when empty) until ctx ends.
func consume(sup *rtsup.Supervisor, name string, bus eventbus.Bus, types []string, fn func(ctx context.Context, e eventbus.Event)) {
	ch, unsub := bus.Stream(streamBuffer)
	want := map[string]bool{}
	for _, t := range types {
		want[t] = true
	}
	sup.Go0(name, func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if len(want) > 0 && !want[e.Type] {
					continue
				}
				fn(ctx, e)
			}
		}
	})
}

// LogTap debug-logs every event.
func LogTap(sup *rtsup.Supervisor, bus eventbus.Bus, log logx.Logger) {
	consume(sup, "sink.logtap", bus, nil, func(_ context.Context, e eventbus.Event) {
		if log.Enabled(logx.LevelDebug) {
			log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	})
}
