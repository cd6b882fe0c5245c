// Package agentserver implements the agent HTTP/WS router (C7): the
// fixed method+path surface of §6.2, wired to the file/process/session
// registries, the port monitor, and the log fan-out hub, behind a
// panic-recovery/logging/bearer-auth middleware chain (§4.7).
package agentserver

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/devboxd/internal/files"
	"github.com/cuemby/devboxd/internal/loghub"
	"github.com/cuemby/devboxd/internal/metrics"
	"github.com/cuemby/devboxd/internal/portmonitor"
	"github.com/cuemby/devboxd/internal/process"
	"github.com/cuemby/devboxd/internal/session"
)

// Config configures the agent HTTP server (§6.3).
type Config struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":9757"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	// WriteTimeout is left at 0 by default: the WebSocket endpoint is
	// long-lived and a non-zero http.Server.WriteTimeout would cut its
	// hijacked connection after the deadline.
}

// Server binds the C2-C6 domain services to the HTTP surface of §6.2.
type Server struct {
	cfg Config

	files      *files.Service
	processes  *process.Registry
	sessions   *session.Registry
	ports      *portmonitor.Monitor
	hub        *loghub.Hub

	httpServer *http.Server
}

// New builds a Server. The caller constructs and owns files/processes/
// sessions/ports/hub so agentd can wire one shared loghub.Hub, as the
// process.Emitter and session.Emitter, across both registries before the
// server exists.
func New(cfg Config, fileSvc *files.Service, processes *process.Registry, sessions *session.Registry, ports *portmonitor.Monitor, hub *loghub.Hub) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:       cfg,
		files:     fileSvc,
		processes: processes,
		sessions:  sessions,
		ports:     ports,
		hub:       hub,
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      chain(mux, recoverMiddleware, loggingMiddleware, authMiddleware(cfg.Token)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler, for embedding in an
// httptest.Server or an alternate listener setup.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /api/v1/files/write", s.handleFilesWrite)
	mux.HandleFunc("POST /api/v1/files/read", s.handleFilesRead)
	mux.HandleFunc("POST /api/v1/files/delete", s.handleFilesDelete)
	mux.HandleFunc("POST /api/v1/files/move", s.handleFilesMove)
	mux.HandleFunc("POST /api/v1/files/rename", s.handleFilesRename)
	mux.HandleFunc("POST /api/v1/files/download", s.handleFilesDownload)
	mux.HandleFunc("POST /api/v1/files/batch-upload", s.handleFilesBatchUpload)
	mux.HandleFunc("GET /api/v1/files/list", s.handleFilesList)

	mux.HandleFunc("GET /api/v1/process/list", s.handleProcessList)
	mux.HandleFunc("POST /api/v1/process/exec", s.handleProcessExec)
	mux.HandleFunc("POST /api/v1/process/exec-sync", s.handleProcessExecSync)
	mux.HandleFunc("POST /api/v1/process/sync-stream", s.handleProcessExecSyncStream)
	mux.HandleFunc("GET /api/v1/process/{id}/status", s.handleProcessStatus)
	mux.HandleFunc("POST /api/v1/process/{id}/kill", s.handleProcessKill)
	mux.HandleFunc("GET /api/v1/process/{id}/logs", s.handleProcessLogs)

	mux.HandleFunc("GET /api/v1/sessions", s.handleSessionsList)
	mux.HandleFunc("POST /api/v1/sessions/create", s.handleSessionsCreate)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleSessionsGet)
	mux.HandleFunc("POST /api/v1/sessions/{id}/env", s.handleSessionsEnv)
	mux.HandleFunc("POST /api/v1/sessions/{id}/exec", s.handleSessionsExec)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cd", s.handleSessionsCd)
	mux.HandleFunc("POST /api/v1/sessions/{id}/terminate", s.handleSessionsTerminate)
	mux.HandleFunc("GET /api/v1/sessions/{id}/logs", s.handleSessionsLogs)

	mux.HandleFunc("GET /api/v1/ports", s.handlePorts)

	mux.HandleFunc("GET /ws", s.hub.ServeWS)

	mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"healthy": true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, 1404, "not_found", nil)
}

// Start runs the HTTP server and the log hub's background loop until ctx is
// cancelled (the port monitor starts lazily on its first Ports call), then
// shuts everything down via Stop (§4
// Supplemented Features, grounded on raphaeltm server.go's Stop(ctx)
// teardown ordering).
func (s *Server) Start(ctx context.Context) error {
	s.hub.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// Stop tears down the HTTP listener, the log hub, and the port monitor
// concurrently via errgroup, then reaps every live process and session.
func (s *Server) Stop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpServer.Shutdown(gctx) })
	g.Go(func() error { s.hub.Stop(); return nil })
	g.Go(func() error { s.ports.Stop(); return nil })
	err := g.Wait()

	for _, p := range s.processes.List() {
		_ = s.processes.Kill(p.ID, "SIGKILL")
	}
	for _, sess := range s.sessions.List() {
		_ = s.sessions.Terminate(sess.ID)
	}
	return err
}
