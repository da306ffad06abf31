// Package control implements the loopback HTTP control plane: lease
// acquisition, ensure-pipeline admission, and status reporting, plus a
// Prometheus /metrics endpoint for fleet monitoring.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/daemonsup/daemonsup/internal/lease"
)

// DriverStatus is the subset of a service driver the status handler and the
// metrics endpoint need. Pid returns 0 for a driver with no local process to
// sample (TTS, which is container-managed).
type DriverStatus interface {
	IsRunning(ctx context.Context) bool
	Owned() bool
	Pid() int
}

// Supervisor is the subset of supervisor.Supervisor the control plane
// drives. Expressed as a local interface so tests can substitute a fake
// without standing up real service drivers.
type Supervisor interface {
	Ensure(ctx context.Context, model string) bool
	Ensuring() bool
	StatusSnapshot() StatusFields
}

// StatusFields is the supervisor-state portion of the /status document,
// supplied by the Supervisor implementation.
type StatusFields struct {
	Stage     string
	LastError error
	WarmModel string
	WarmDone  bool
}

// Endpoints carries the URLs surfaced verbatim in /status, and the static
// settings (timeouts, log directory, keep-alive) that never change at
// runtime.
type Endpoints struct {
	STTHealthURL string
	TTSVoicesURL string
	LLMBaseURL   string
	KeepAlive    string
	IdleTimeout  time.Duration
	LeaseTTL     time.Duration
	HeartbeatS   int
	LogDir       string
}

// Server is the control-plane HTTP handler.
type Server struct {
	registry  *lease.Registry
	sup       Supervisor
	endpoints Endpoints
	stt       DriverStatus
	tts       DriverStatus
	llm       DriverStatus
	logger    *slog.Logger

	router chi.Router
}

// New builds a control-plane Server wired to the given registry, supervisor,
// and drivers.
func New(registry *lease.Registry, sup Supervisor, stt, tts, llm DriverStatus, endpoints Endpoints, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		registry:  registry,
		sup:       sup,
		endpoints: endpoints,
		stt:       stt,
		tts:       tts,
		llm:       llm,
		logger:    logger,
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/lease/acquire", s.handleAcquire)
	r.Post("/lease/heartbeat", s.handleHeartbeat)
	r.Post("/lease/release", s.handleRelease)
	r.Post("/ensure", s.handleEnsure)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.NotFound(s.handleNotFound)

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON treats a missing or non-JSON body as an empty object, per the
// wire protocol's tolerance for malformed request bodies.
func decodeJSON(r *http.Request, v any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Meta map[string]any `json:"meta"`
	}
	decodeJSON(r, &body)

	l := s.registry.Acquire(body.Meta)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"lease_id":     l.ID,
		"heartbeat_s":  s.endpoints.HeartbeatS,
		"lease_ttl_s":  int(s.endpoints.LeaseTTL.Seconds()),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeaseID string `json:"lease_id"`
	}
	decodeJSON(r, &body)

	if body.LeaseID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing_lease_id"})
		return
	}
	if !s.registry.Heartbeat(body.LeaseID) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown_lease"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeaseID string `json:"lease_id"`
	}
	decodeJSON(r, &body)

	if body.LeaseID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing_lease_id"})
		return
	}
	s.registry.Release(body.LeaseID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OllamaModel string `json:"ollama_model"`
	}
	decodeJSON(r, &body)

	// The pipeline outlives this request, so it must not inherit the
	// request's cancellation.
	s.sup.Ensure(context.WithoutCancel(r.Context()), body.OllamaModel)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "ensuring": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fields := s.sup.StatusSnapshot()

	var lastErr any
	if fields.LastError != nil {
		lastErr = fields.LastError.Error()
	}

	ctx := r.Context()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"leases":          s.registry.Count(),
		"ensuring":        s.sup.Ensuring(),
		"stage":           fields.Stage,
		"last_error":      lastErr,
		"idle_timeout_s":  int(s.endpoints.IdleTimeout.Seconds()),
		"lease_ttl_s":     int(s.endpoints.LeaseTTL.Seconds()),
		"services": map[string]any{
			"stt": map[string]any{"running": s.stt.IsRunning(ctx), "health": s.endpoints.STTHealthURL},
			"tts": map[string]any{"running": s.tts.IsRunning(ctx), "voices_url": s.endpoints.TTSVoicesURL},
			"llm": map[string]any{"running": s.llm.IsRunning(ctx), "base_url": s.endpoints.LLMBaseURL, "managed": s.llm.Owned()},
		},
		"warm": map[string]any{
			"model":      nullableString(fields.WarmModel),
			"done":       fields.WarmDone,
			"keep_alive": s.endpoints.KeepAlive,
		},
		"logs": s.endpoints.LogDir,
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "not_found"})
}

// ListenAndServeReady starts the control-plane HTTP server, binding
// synchronously so callers can detect a port conflict before continuing,
// and signalling readiness on ready (if non-nil) once bound. It blocks
// until ctx is cancelled, then shuts down gracefully.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
