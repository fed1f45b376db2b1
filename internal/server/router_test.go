package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/kalfasyan/desto/internal/atjob"
	"github.com/kalfasyan/desto/internal/config"
	"github.com/kalfasyan/desto/internal/manager"
	"github.com/kalfasyan/desto/internal/reconciler"
	"github.com/kalfasyan/desto/internal/store"
	"github.com/kalfasyan/desto/internal/tmux"
)

type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]tmux.SessionInfo
}

func (f *fakeMux) ListSessions(_ context.Context) (map[string]tmux.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]tmux.SessionInfo, len(f.sessions))
	for k, v := range f.sessions {
		out[k] = v
	}
	return out, nil
}

func (f *fakeMux) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok, nil
}

func (f *fakeMux) NewSession(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = tmux.SessionInfo{Name: name, Created: time.Now()}
	return nil
}

func (f *fakeMux) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return fmt.Errorf("no session %q", name)
	}
	delete(f.sessions, name)
	return nil
}

func (f *fakeMux) AttachArgs(name string) []string {
	return []string{"tmux", "attach-session", "-t", name}
}

type fakeScheduler struct {
	mu        sync.Mutex
	nextID    int
	scheduled map[string]string
}

func (f *fakeScheduler) Schedule(_ context.Context, command, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%d", f.nextID)
	f.scheduled[id] = command
	return id, nil
}

func (f *fakeScheduler) List(_ context.Context) ([]atjob.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := make([]atjob.Job, 0, len(f.scheduled))
	for id := range f.scheduled {
		jobs = append(jobs, atjob.Job{ID: id, Queue: "a"})
	}
	return jobs, nil
}

func (f *fakeScheduler) JobCommand(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduled[id], nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.scheduled[id]; !ok {
		return fmt.Errorf("no job %s", id)
	}
	delete(f.scheduled, id)
	return nil
}

func (f *fakeScheduler) CancelAll(ctx context.Context) (int, []error) {
	jobs, _ := f.List(ctx)
	for _, j := range jobs {
		_ = f.Cancel(ctx, j.ID)
	}
	return len(jobs), nil
}

type fixture struct {
	mgr *manager.Manager
	srv *httptest.Server
	mr  *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	fc := config.Default()
	fc.ScriptsDir = t.TempDir()
	fc.LogsDir = t.TempDir()
	fc.MarkCommand = "/usr/local/bin/desto mark"
	fc.Redis = store.Config{Addr: mr.Addr(), DialTimeout: time.Second, Enabled: true}
	fc.Reconciler = reconciler.Config{
		PollInterval: 10 * time.Millisecond,
		ErrorBackoff: 20 * time.Millisecond,
		StartupDelay: -1,
	}
	mgr, err := manager.NewWithBackends(fc, &fakeMux{sessions: map[string]tmux.SessionInfo{}}, &fakeScheduler{scheduled: map[string]string{}})
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(mgr, "").Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
	})
	return &fixture{mgr: mgr, srv: srv, mr: mr}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h map[string]any
	require.NoError(t, json.Unmarshal(body, &h))
	require.Equal(t, "ok", h["status"])
	require.Equal(t, true, h["store_connected"])
}

func TestLaunchAndList(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/sessions", launchReq{
		Name: "demo", Command: "echo hi", ScriptPath: "demo.sh",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []manager.SessionView
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 1)
	require.Equal(t, "demo", views[0].Name)
	require.True(t, views[0].Alive)
}

func TestLaunchDuplicateConflict(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/sessions", launchReq{Name: "demo", Command: "sleep 5"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/sessions", launchReq{Name: "demo", Command: "sleep 5"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLaunchValidation(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/sessions", launchReq{Name: "../evil", Command: "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/sessions", launchReq{Name: "ok"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSessionNotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/sessions/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKillSession(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/sessions", launchReq{Name: "demo", Command: "sleep 5"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/sessions/demo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/sessions/demo", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobFinishedEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/sessions", launchReq{Name: "demo", Command: "sleep 5", KeepAlive: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/sessions/demo/job-finished", jobFinishedReq{ExitCode: 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/sessions/demo/job", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"finished"`)
}

func TestJobFinishedAlwaysSucceeds(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()
	resp, _ := f.do(t, http.MethodPost, "/sessions/ghost/job-finished", jobFinishedReq{ExitCode: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.mgr.LogPath("demo"), []byte("a\nb\nc\n"), 0o644))

	resp, body := f.do(t, http.MethodGet, "/sessions/demo/logs?lines=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		SessionName string   `json:"session_name"`
		Lines       []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, []string{"b", "c"}, out.Lines)

	resp, _ = f.do(t, http.MethodGet, "/sessions/demo/logs?lines=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/sessions/ghost/logs", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduledEndpoints(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/scheduled", scheduleReq{
		Name: "nightly", ScriptPath: "backup.sh", Time: "22:00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created["job_id"])

	resp, body = f.do(t, http.MethodGet, "/scheduled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []atjob.Job
	require.NoError(t, json.Unmarshal(body, &jobs))
	require.Len(t, jobs, 1)

	resp, _ = f.do(t, http.MethodDelete, "/scheduled/"+created["job_id"], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/scheduled/"+created["job_id"], nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/scheduled", scheduleReq{Name: "x", ScriptPath: "s.sh"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/scheduled", scheduleReq{Name: "a/b", ScriptPath: "s.sh", Time: "22:00"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSanitizeBase(t *testing.T) {
	require.Equal(t, "", sanitizeBase(""))
	require.Equal(t, "", sanitizeBase("/"))
	require.Equal(t, "/api", sanitizeBase("api"))
	require.Equal(t, "/api", sanitizeBase("/api/"))
}

func TestIsSafeName(t *testing.T) {
	require.True(t, isSafeName("my-session_1.2"))
	require.False(t, isSafeName(""))
	require.False(t, isSafeName("a/b"))
	require.False(t, isSafeName("a..b"))
	require.False(t, isSafeName("a b"))
}
