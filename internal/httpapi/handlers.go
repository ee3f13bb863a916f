package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"extsched/internal/orchestrator"
	"extsched/internal/storage"
	"extsched/internal/task/scheduler"
)

const (
	defaultEventLimit = 50
	maxBodyBytes      = 1 << 20
)

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: status < 400, Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: false, Error: err.Error()})
}

// statusFor maps orchestrator errors onto HTTP codes.
func statusFor(err error, unknownTask int) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotInitialized), errors.Is(err, orchestrator.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrUnknownTask):
		return unknownTask
	case errors.Is(err, orchestrator.ErrInvalidConfig), errors.Is(err, orchestrator.ErrInvalidTrigger):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !s.orch.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  s.orch.Ready(),
		"engine": s.orch.EngineSnapshot(),
		"jobs":   len(s.orch.Jobs()),
	})
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Plugins())
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Tasks())
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Jobs())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	info, ok := s.orch.Job(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// createJobRequest is JobSpec with a duration-string timeout.
type createJobRequest struct {
	ID       string         `json:"job_id"`
	Name     string         `json:"name"`
	TaskID   string         `json:"task_id"`
	Schedule scheduler.Spec `json:"schedule"`
	Config   map[string]any `json:"config"`
	Timeout  string         `json:"timeout"`
}

func (req createJobRequest) spec() (orchestrator.JobSpec, error) {
	spec := orchestrator.JobSpec{
		ID:       req.ID,
		Name:     req.Name,
		TaskID:   req.TaskID,
		Schedule: req.Schedule,
		Config:   req.Config,
		Origin:   "api",
	}
	if t := strings.TrimSpace(req.Timeout); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return spec, fmt.Errorf("%w: timeout: %v", orchestrator.ErrInvalidConfig, err)
		}
		spec.Timeout = d
	}
	return spec, nil
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.orch.CreateJob(r.Context(), spec)
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	s.boolOp(w, "removed", s.orch.RemoveJob(chi.URLParam(r, "id")))
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.boolOp(w, "paused", s.orch.PauseJob(chi.URLParam(r, "id")))
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.boolOp(w, "resumed", s.orch.ResumeJob(chi.URLParam(r, "id")))
}

func (s *Server) boolOp(w http.ResponseWriter, key string, ok bool) {
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(envelope{OK: false, Data: map[string]bool{key: false}, Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{key: true})
}

type executeRequest struct {
	Config map[string]any `json:"config"`
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.orch.ExecuteTaskNow(r.Context(), chi.URLParam(r, "id"), req.Config)
	if err != nil {
		writeError(w, statusFor(err, http.StatusNotFound), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultEventLimit, s.opts.HistoryCap)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.EventHistory(r.URL.Query().Get("type"), limit))
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled)
		return
	}
	limit, err := parseLimit(r, defaultEventLimit, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.opts.Store.RecentExecutions(r.Context(), r.URL.Query().Get("job_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func parseLimit(r *http.Request, def, ceiling int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return min(def, ceiling), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, ceiling), nil
}
