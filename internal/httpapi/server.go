// Package httpapi exposes job management over HTTP with chi.
//
// Every response uses the envelope {"ok": bool, "data": ..., "error": "..."}.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"extsched/internal/eventbus"
	"extsched/internal/orchestrator"
	"extsched/internal/plugin"
	"extsched/internal/storage"
	"extsched/internal/task"
	"extsched/internal/task/engine"
	logx "extsched/pkg/logx"
)

// Orchestrator is the job-management surface the API serves.
type Orchestrator interface {
	Ready() bool
	Plugins() []plugin.PluginInfo
	Tasks() []task.Info
	Jobs() []orchestrator.JobInfo
	Job(id string) (orchestrator.JobInfo, bool)
	CreateJob(ctx context.Context, spec orchestrator.JobSpec) (string, error)
	RemoveJob(id string) bool
	PauseJob(id string) bool
	ResumeJob(id string) bool
	ExecuteTaskNow(ctx context.Context, taskID string, cfg map[string]any) (task.Result, error)
	EventHistory(eventType string, limit int) []eventbus.Event
	EngineSnapshot() engine.Snapshot
}

type Options struct {
	Addr string
	// HistoryCap caps the events limit; 0 means 1000.
	HistoryCap int
	// Store backs GET /executions; nil answers 503.
	Store storage.Store
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool
}

type Server struct {
	log  logx.Logger
	orch Orchestrator
	opts Options

	router chi.Router
	srv    *http.Server
}

func New(orch Orchestrator, opts Options, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = 1000
	}
	s := &Server{log: log, orch: orch, opts: opts}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/plugins", s.listPlugins)
	r.Get("/tasks", s.listTasks)
	r.Post("/tasks/{id}/execute", s.executeTask)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.createJob)
		r.Get("/{id}", s.getJob)
		r.Delete("/{id}", s.removeJob)
		r.Post("/{id}/pause", s.pauseJob)
		r.Post("/{id}/resume", s.resumeJob)
	})
	r.Get("/events", s.listEvents)
	r.Get("/executions", s.listExecutions)
	if s.opts.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on Options.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("http api shutdown", logx.Err(err))
		_ = s.srv.Close()
	}
	s.log.Info("http api stopped")
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" {
			return
		}
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
