package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drallgood/kindle-booklog-sync/internal/database"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	syncsvc "github.com/drallgood/kindle-booklog-sync/internal/sync"
)

// recentRuns is the number of runs listed by /status
const recentRuns = 10

// Syncer runs synchronizations
type Syncer interface {
	Sync(ctx context.Context) (*syncsvc.Result, error)
	LastResult() *syncsvc.Result
}

// History lists recorded sync runs
type History interface {
	RecentRuns(limit int) ([]database.SyncRun, error)
	Health() error
}

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Status is the body of /status
type Status struct {
	Running bool               `json:"running"`
	Last    *syncsvc.Result    `json:"last,omitempty"`
	Runs    []database.SyncRun `json:"runs,omitempty"`
}

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	syncer   Syncer
	history  History
	interval time.Duration
	logger   *logger.Logger

	// ctx outlives requests; syncs triggered over HTTP run under it
	ctx    context.Context
	cancel context.CancelFunc
	busy   atomic.Bool
	wg     sync.WaitGroup
}

// New creates a new HTTP server. history may be nil; interval 0 disables
// periodic syncs.
func New(addr string, syncer Syncer, history History, interval time.Duration, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		server: &http.Server{
			Addr: addr,
		},
		syncer:   syncer,
		history:  history,
		interval: interval,
		logger:   log.WithFields(map[string]interface{}{"component": "server"}),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.server.Handler = logger.HTTPMiddleware(s.Routes())

	s.server.ReadTimeout = 10 * time.Second
	s.server.WriteTimeout = 30 * time.Second
	s.server.IdleTimeout = 120 * time.Second

	return s
}

// Routes returns the request multiplexer without middleware
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthCheck)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start starts the periodic sync and the HTTP server. It blocks until the
// server is shut down.
func (s *Server) Start() error {
	if s.interval > 0 {
		s.wg.Add(1)
		go s.schedule()
	}

	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr":     s.server.Addr,
		"interval": s.interval.String(),
	})

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels a running sync and waits for it
// to clean up until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	err := s.server.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Sync did not stop before shutdown deadline")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Trigger starts a sync in the background. It returns false when a sync
// started by this server is still running.
func (s *Server) Trigger() bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.runSync()
	}()
	return true
}

func (s *Server) runSync() {
	result, err := s.syncer.Sync(s.ctx)
	switch {
	case errors.Is(err, syncsvc.ErrSyncInProgress):
		s.logger.Warn("Sync skipped, another run holds the lock", map[string]interface{}{"error": err})
	case err != nil:
		s.logger.Error("Sync failed", map[string]interface{}{"error": err})
	default:
		s.logger.Info("Sync finished", map[string]interface{}{
			"run_id":   result.RunID,
			"added":    len(result.Added),
			"promoted": len(result.Promoted),
		})
	}
}

// schedule triggers a sync immediately and then on every interval tick
func (s *Server) schedule() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if !s.Trigger() {
			s.logger.Info("Skipping scheduled sync, previous run still active")
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleHealthCheck handles health check requests. The ledger database,
// when configured, must answer a ping.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.history != nil {
		if err := s.history.Health(); err != nil {
			s.logger.Error("Health check failed", map[string]interface{}{"error": err})
			s.writeErrorResponse(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleSync starts a sync; 409 when one is already running
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if !s.Trigger() {
		s.writeErrorResponse(w, http.StatusConflict, syncsvc.ErrSyncInProgress.Error())
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    map[string]string{"status": "sync started"},
	})
}

// handleStatus reports the last result and the recorded run history
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := Status{
		Running: s.busy.Load(),
		Last:    s.syncer.LastResult(),
	}
	if s.history != nil {
		runs, err := s.history.RecentRuns(recentRuns)
		if err != nil {
			s.logger.Error("Failed to load sync runs", map[string]interface{}{"error": err})
			s.writeErrorResponse(w, http.StatusInternalServerError, "failed to load sync runs")
			return
		}
		status.Runs = runs
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: status})
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode JSON response", map[string]interface{}{"error": err})
	}
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}
