package desto

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalfasyan/desto/internal/atjob"
	cfg "github.com/kalfasyan/desto/internal/config"
	"github.com/kalfasyan/desto/internal/manager"
	"github.com/kalfasyan/desto/internal/metrics"
	"github.com/kalfasyan/desto/internal/notifier"
	iapi "github.com/kalfasyan/desto/internal/server"
	"github.com/kalfasyan/desto/internal/session"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Session = session.Session

type Job = session.Job

type SessionView = manager.SessionView

type ScheduledJob = atjob.Job

type Update = notifier.Update

type Config = cfg.FileConfig

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.

type Manager struct{ inner *manager.Manager }

func New(fc Config) (*Manager, error) {
	m, err := manager.New(fc)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: m}, nil
}

func (m *Manager) Launch(ctx context.Context, name, command, scriptPath string, keepAlive bool) (*Session, error) {
	return m.inner.Launch(ctx, name, command, scriptPath, keepAlive)
}
func (m *Manager) Sessions(ctx context.Context) ([]SessionView, error) { return m.inner.Sessions(ctx) }
func (m *Manager) Session(ctx context.Context, name string) (*Session, error) {
	return m.inner.Session(ctx, name)
}
func (m *Manager) Job(ctx context.Context, name string) (*Job, error) { return m.inner.Job(ctx, name) }
func (m *Manager) Kill(ctx context.Context, name string) error        { return m.inner.Kill(ctx, name) }
func (m *Manager) KillAll(ctx context.Context) (int, error)           { return m.inner.KillAll(ctx) }
func (m *Manager) TailLog(name string, n int) ([]string, error)       { return m.inner.TailLog(name, n) }
func (m *Manager) SignalJobCompletion(ctx context.Context, name string, exitCode int) {
	m.inner.SignalJobCompletion(ctx, name, exitCode)
}
func (m *Manager) Schedule(ctx context.Context, name, scriptPath, timeSpec string, keepAlive bool) (string, error) {
	return m.inner.Schedule(ctx, name, scriptPath, timeSpec, keepAlive)
}
func (m *Manager) ScheduledJobs(ctx context.Context) ([]ScheduledJob, error) {
	return m.inner.ScheduledJobs(ctx)
}
func (m *Manager) Unschedule(ctx context.Context, id string) error {
	return m.inner.Unschedule(ctx, id)
}
func (m *Manager) Subscribe(ctx context.Context) (<-chan Update, error) {
	return m.inner.Subscribe(ctx)
}
func (m *Manager) Resync(ctx context.Context) error { return m.inner.Resync(ctx) }
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	return m.inner.Cleanup(ctx, maxAge)
}
func (m *Manager) StoreConnected(ctx context.Context) bool { return m.inner.StoreConnected(ctx) }
func (m *Manager) Close() error                            { return m.inner.Close() }

func DefaultConfig() Config { return cfg.Default() }

func LoadConfig(path string) (Config, error) {
	return cfg.Load(path)
} // NewHTTPServer starts an HTTP server exposing the internal API using the given manager.
func NewHTTPServer(addr, basePath string, m *Manager) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, m.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
