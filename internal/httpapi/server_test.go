package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"extsched/internal/eventbus"
	"extsched/internal/orchestrator"
	"extsched/internal/storage"
	logx "extsched/pkg/logx"
	"extsched/plugins/echo"
)

type apiEnv struct {
	orch *orchestrator.Service
	srv  *httptest.Server
}

func newEnv(t *testing.T, store storage.Store, initialize bool) *apiEnv {
	t.Helper()
	bus := eventbus.New(eventbus.Config{HistorySize: 100}, logx.Nop())
	orch := orchestrator.New(orchestrator.Config{
		Plugins: []orchestrator.PluginSpec{{Ref: echo.Ref}},
	}, bus, logx.Nop())
	if initialize {
		if err := orch.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}
	srv := httptest.NewServer(New(orch, Options{HistoryCap: 100, Store: store}, logx.Nop()).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		_ = bus.Close(ctx)
	})
	return &apiEnv{orch: orch, srv: srv}
}

type reply struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (e *apiEnv) do(t *testing.T, method, path, body string) (int, reply) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out reply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	env := newEnv(t, nil, true)

	code, r := env.do(t, http.MethodPost, "/jobs", `{"job_id":"hello","task_id":"echo","schedule":{"type":"interval","hours":1},"config":{"message":"hi"},"timeout":"5s"}`)
	if code != http.StatusCreated || !r.OK || string(r.Data) != `{"job_id":"hello"}` {
		t.Fatalf("create = %d %+v", code, r)
	}

	code, r = env.do(t, http.MethodGet, "/jobs", "")
	var jobs []orchestrator.JobInfo
	if err := json.Unmarshal(r.Data, &jobs); err != nil || code != 200 || len(jobs) != 1 {
		t.Fatalf("list = %d %s (%v)", code, r.Data, err)
	}
	if jobs[0].ID != "hello" || jobs[0].Timeout != 5*time.Second || jobs[0].Origin != "api" || jobs[0].Next == nil {
		t.Fatalf("job = %+v", jobs[0])
	}

	if code, _ := env.do(t, http.MethodGet, "/jobs/hello", ""); code != 200 {
		t.Fatalf("get = %d", code)
	}
	if code, r := env.do(t, http.MethodPost, "/jobs/hello/pause", ""); code != 200 || string(r.Data) != `{"paused":true}` {
		t.Fatalf("pause = %d %+v", code, r)
	}
	if info, _ := env.orch.Job("hello"); !info.Paused {
		t.Fatal("job not paused")
	}
	if code, _ := env.do(t, http.MethodPost, "/jobs/hello/pause", ""); code != 200 {
		t.Fatalf("pause of paused job = %d, want 200", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/jobs/hello/resume", ""); code != 200 {
		t.Fatalf("resume = %d", code)
	}
	if code, r := env.do(t, http.MethodDelete, "/jobs/hello", ""); code != 200 || string(r.Data) != `{"removed":true}` {
		t.Fatalf("delete = %d %+v", code, r)
	}
	if code, r := env.do(t, http.MethodDelete, "/jobs/hello", ""); code != 404 || r.OK || string(r.Data) != `{"removed":false}` {
		t.Fatalf("second delete = %d %+v", code, r)
	}
	if code, _ := env.do(t, http.MethodPost, "/jobs/missing/pause", ""); code != 404 {
		t.Fatalf("pause missing = %d", code)
	}
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	env := newEnv(t, nil, true)
	tests := []struct {
		name, body string
	}{
		{"unknown task", `{"task_id":"nope","schedule":{"type":"interval","seconds":5}}`},
		{"bad config", `{"task_id":"echo","schedule":{"type":"interval","seconds":5},"config":{"repeat":0}}`},
		{"bad trigger", `{"task_id":"echo","schedule":{"type":"weekly"}}`},
		{"bad timeout", `{"task_id":"echo","schedule":{"type":"interval","seconds":5},"timeout":"soon"}`},
		{"unknown field", `{"task_id":"echo","bogus":true}`},
		{"malformed", `{"task_id":`},
	}
	for _, tt := range tests {
		code, r := env.do(t, http.MethodPost, "/jobs", tt.body)
		if code != http.StatusBadRequest || r.OK || r.Error == "" {
			t.Fatalf("%s: %d %+v", tt.name, code, r)
		}
	}
	if n := len(env.orch.Jobs()); n != 0 {
		t.Fatalf("jobs created: %d", n)
	}
}

func TestExecuteTask(t *testing.T) {
	env := newEnv(t, nil, true)

	code, r := env.do(t, http.MethodPost, "/tasks/echo/execute", `{"config":{"message":"yo","upper":true}}`)
	if code != 200 || !r.OK {
		t.Fatalf("execute = %d %+v", code, r)
	}
	var res struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(r.Data, &res); err != nil || !res.Success || res.Data["message"] != "YO" {
		t.Fatalf("result = %s (%v)", r.Data, err)
	}

	if code, _ := env.do(t, http.MethodPost, "/tasks/echo/execute", ""); code != 200 {
		t.Fatalf("execute without body = %d", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/tasks/nope/execute", `{}`); code != http.StatusNotFound {
		t.Fatalf("unknown task = %d", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/tasks/echo/execute", `{"config":{"message":5}}`); code != http.StatusBadRequest {
		t.Fatalf("invalid config = %d", code)
	}

	code, r = env.do(t, http.MethodGet, "/events?type=task.completed&limit=1", "")
	var evs []eventbus.Event
	if err := json.Unmarshal(r.Data, &evs); err != nil || code != 200 || len(evs) != 1 || evs[0].Type != "task.completed" {
		t.Fatalf("events = %d %s (%v)", code, r.Data, err)
	}
	if code, _ := env.do(t, http.MethodGet, "/events?limit=-1", ""); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", code)
	}
}

func TestNotInitialized(t *testing.T) {
	env := newEnv(t, nil, false)
	if code, r := env.do(t, http.MethodGet, "/healthz", ""); code != http.StatusServiceUnavailable || r.OK {
		t.Fatalf("healthz = %d %+v", code, r)
	}
	if code, _ := env.do(t, http.MethodPost, "/jobs", `{"task_id":"echo","schedule":{"type":"interval","seconds":5}}`); code != http.StatusServiceUnavailable {
		t.Fatalf("create = %d", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/tasks/echo/execute", `{}`); code != http.StatusServiceUnavailable {
		t.Fatalf("execute = %d", code)
	}
}

func TestExecutions(t *testing.T) {
	if code, _ := newEnv(t, nil, true).do(t, http.MethodGet, "/executions", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("disabled store = %d", code)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	_ = st.AppendExecution(context.Background(), storage.Record{ExecutionID: "e1", JobID: "a", TaskID: "echo", Success: true})
	_ = st.AppendExecution(context.Background(), storage.Record{ExecutionID: "e2", JobID: "b", TaskID: "echo"})

	env := newEnv(t, st, true)
	code, r := env.do(t, http.MethodGet, "/executions?job_id=b", "")
	var recs []storage.Record
	if err := json.Unmarshal(r.Data, &recs); err != nil || code != 200 || len(recs) != 1 || recs[0].ExecutionID != "e2" {
		t.Fatalf("executions = %d %s (%v)", code, r.Data, err)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newEnv(t, nil, true)
	if code, r := env.do(t, http.MethodGet, "/nope", ""); code != 404 || r.OK {
		t.Fatalf("unknown route = %d %+v", code, r)
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	for _, enabled := range []bool{false, true} {
		h := New(nil, Options{Pprof: enabled}, logx.Nop()).Handler()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
		if got := rec.Code == http.StatusOK; got != enabled {
			t.Fatalf("pprof enabled=%v: status %d", enabled, rec.Code)
		}
	}
}
