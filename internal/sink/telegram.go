package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"extsched/internal/eventbus"
	"extsched/internal/orchestrator"
	rtsup "extsched/internal/runtime/supervisor"
	logx "extsched/pkg/logx"
)

// Sender is the slice of *tele.Bot the alerter needs.
type Sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type TelegramConfig struct {
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec float64
	Events     []string
}

// NewBot builds a send-only bot; no poller is started.
func NewBot(token string) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	return tele.NewBot(tele.Settings{Token: token})
}

// TelegramAlerter posts a short message for selected events, rate limited.
type TelegramAlerter struct {
	cfg     TelegramConfig
	bot     Sender
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegramAlerter(cfg TelegramConfig, bot Sender, log logx.Logger) *TelegramAlerter {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if len(cfg.Events) == 0 {
		cfg.Events = []string{orchestrator.EventTaskFailed, orchestrator.EventJobMissed}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramAlerter{
		cfg:     cfg,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		log:     log,
	}
}

func (a *TelegramAlerter) Start(sup *rtsup.Supervisor, bus eventbus.Bus) {
	consume(sup, "sink.telegram", bus, a.cfg.Events, func(ctx context.Context, e eventbus.Event) {
		if err := a.Send(ctx, e); err != nil && ctx.Err() == nil {
			a.log.Warn("telegram alert failed", logx.String("type", e.Type), logx.Err(err))
		}
	})
}

// Send waits for the limiter and posts one alert.
func (a *TelegramAlerter) Send(ctx context.Context, e eventbus.Event) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: a.cfg.ThreadID}
	_, err := a.bot.Send(&tele.Chat{ID: a.cfg.ChatID}, FormatAlert(e), opts)
	return err
}

// FormatAlert renders a plain-text alert line for e.
func FormatAlert(e eventbus.Event) string {
	var b strings.Builder
	ts := e.Time.Format(time.DateTime)
	switch d := e.Data.(type) {
	case orchestrator.ExecutionEvent:
		fmt.Fprintf(&b, "[%s] %s\njob: %s\ntask: %s\nexecution: %s", ts, e.Type, d.JobID, d.TaskID, d.ExecutionID)
		if d.Kind != "" {
			fmt.Fprintf(&b, "\nkind: %s", d.Kind)
		}
		if d.Error != "" {
			fmt.Fprintf(&b, "\nerror: %s", d.Error)
		}
		if d.Duration > 0 {
			fmt.Fprintf(&b, "\ntook: %s", d.Duration.Round(time.Millisecond))
		}
	case orchestrator.JobEvent:
		fmt.Fprintf(&b, "[%s] %s\njob: %s\ntask: %s", ts, e.Type, d.JobID, d.TaskID)
		if !d.ScheduledAt.IsZero() {
			fmt.Fprintf(&b, "\nscheduled: %s", d.ScheduledAt.Format(time.DateTime))
		}
		if d.Lateness > 0 {
			fmt.Fprintf(&b, "\nlate by: %s", d.Lateness.Round(time.Millisecond))
		}
	default:
		fmt.Fprintf(&b, "[%s] %s", ts, e.Type)
	}
	return b.String()
}
