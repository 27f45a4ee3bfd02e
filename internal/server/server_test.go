package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/kindle-booklog-sync/internal/database"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	syncsvc "github.com/drallgood/kindle-booklog-sync/internal/sync"
)

func init() {
	logger.Setup(logger.Config{Level: "debug", Format: "json"})
}

// fakeSyncer blocks every Sync until release is closed
type fakeSyncer struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
	last    *syncsvc.Result
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		started: make(chan struct{}, 10),
		release: make(chan struct{}),
	}
}

func (f *fakeSyncer) Sync(ctx context.Context) (*syncsvc.Result, error) {
	f.calls.Add(1)
	f.started <- struct{}{}
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &syncsvc.Result{RunID: "run-1"}, nil
}

func (f *fakeSyncer) LastResult() *syncsvc.Result {
	return f.last
}

type fakeHistory struct {
	runs      []database.SyncRun
	err       error
	healthErr error
}

func (h *fakeHistory) RecentRuns(limit int) ([]database.SyncRun, error) {
	return h.runs, h.err
}

func (h *fakeHistory) Health() error {
	return h.healthErr
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func waitStarted(t *testing.T, f *fakeSyncer) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sync was not started")
	}
}

func TestHealthCheck(t *testing.T) {
	s := New(":0", newFakeSyncer(), nil, 0, nil)
	h := s.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthCheckPingsDatabase(t *testing.T) {
	history := &fakeHistory{}
	h := New(":0", newFakeSyncer(), history, 0, nil).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	history.healthErr = errors.New("database ping failed: sql: database is closed")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "database unavailable", resp.Error)
}

func TestSyncTriggerRejectsConcurrentRun(t *testing.T) {
	syncer := newFakeSyncer()
	s := New(":0", syncer, nil, 0, nil)
	h := s.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode(t, rec).Success)
	waitStarted(t, syncer)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, syncsvc.ErrSyncInProgress.Error(), resp.Error)

	close(syncer.release)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, int32(1), syncer.calls.Load())

	// a finished run frees the trigger
	assert.True(t, s.Trigger())
}

func TestSyncRequiresPost(t *testing.T) {
	s := New(":0", newFakeSyncer(), nil, 0, nil)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.last = &syncsvc.Result{RunID: "run-9", Added: []string{"B0001"}}
	history := &fakeHistory{runs: []database.SyncRun{
		{ID: "run-9", Status: database.RunStatusSucceeded, Added: 1},
		{ID: "run-8", Status: database.RunStatusFailed, Error: "boom"},
	}}
	s := New(":0", syncer, history, 0, nil)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool   `json:"success"`
		Data    Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.False(t, body.Data.Running)
	require.NotNil(t, body.Data.Last)
	assert.Equal(t, "run-9", body.Data.Last.RunID)
	require.Len(t, body.Data.Runs, 2)
	assert.Equal(t, "boom", body.Data.Runs[1].Error)
}

func TestStatusHistoryFailure(t *testing.T) {
	s := New(":0", newFakeSyncer(), &fakeHistory{err: errors.New("disk I/O error")}, 0, nil)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, decode(t, rec).Success)
}

func TestShutdownCancelsRunningSync(t *testing.T) {
	syncer := newFakeSyncer()
	s := New(":0", syncer, nil, 0, nil)

	require.True(t, s.Trigger())
	waitStarted(t, syncer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.busy.Load())
}

func TestScheduleRunsImmediately(t *testing.T) {
	syncer := newFakeSyncer()
	close(syncer.release)
	s := New(":0", syncer, nil, time.Hour, nil)

	s.wg.Add(1)
	go s.schedule()
	waitStarted(t, syncer)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, int32(1), syncer.calls.Load())
}
