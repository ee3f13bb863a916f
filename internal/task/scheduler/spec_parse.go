package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseShorthand turns a one-line schedule into a Spec:
//
//	"*/5 * * * *", "@hourly"     cron
//	"2006-01-02T15:04:05Z"       date (RFC3339)
//	"01:30"                      interval of HH:MM
//	"10m", "2h30m"               interval
func parseShorthand(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Spec{}, fmt.Errorf("schedule required")
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Spec{Type: string(KindCron), Expression: s}, nil
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return Spec{Type: string(KindDate), RunDate: s}, nil
	}

	var every time.Duration
	if h, m, ok := strings.Cut(s, ":"); ok {
		hh, err1 := strconv.Atoi(h)
		mm, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || len(m) != 2 || hh < 0 || mm < 0 || mm > 59 {
			return Spec{}, fmt.Errorf("invalid HH:MM %q", raw)
		}
		every = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')", raw)
		}
		every = d
	}
	if every <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Type: string(KindInterval), Seconds: every.Seconds()}, nil
}
