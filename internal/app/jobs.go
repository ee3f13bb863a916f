package app

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"extsched/internal/config"
	logx "extsched/pkg/logx"
)

// reconcileJobs brings config-origin jobs in line with jobs: new or changed
// entries are (re)created, dropped or disabled ones removed. Jobs created
// through the API are never touched.
func (a *App) reconcileJobs(ctx context.Context, jobs []config.JobConfig) {
	a.bootMu.Lock()
	defer a.bootMu.Unlock()

	want := map[string]config.JobConfig{}
	for _, j := range jobs {
		if j.Disabled {
			continue
		}
		want[strings.TrimSpace(j.ID)] = j
	}

	for id := range a.boot {
		if _, ok := want[id]; ok {
			continue
		}
		if a.orch.RemoveJob(id) {
			a.log.Info("bootstrap job removed", logx.String("job_id", id))
		}
		delete(a.boot, id)
	}

	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	created, failed := 0, 0
	for _, id := range ids {
		j := want[id]
		fp := fingerprint(j)
		if prev, ok := a.boot[id]; ok && prev == fp {
			continue
		}
		if _, err := a.orch.CreateJob(ctx, JobSpec(j)); err != nil {
			failed++
			a.log.Warn("bootstrap job rejected", logx.String("job_id", id), logx.String("task_id", j.TaskID), logx.Err(err))
			continue
		}
		if j.Paused {
			a.orch.PauseJob(id)
		}
		a.boot[id] = fp
		created++
	}
	if created > 0 || failed > 0 {
		a.log.Info("bootstrap jobs reconciled", logx.Int("applied", created), logx.Int("failed", failed), logx.Int("total", len(a.boot)))
	}
}

func fingerprint(j config.JobConfig) string {
	b, _ := json.Marshal(j)
	return string(b)
}
