// Package manager wires the status store, session registry, launcher,
// reconciler and scheduler into one orchestrator. It is the backend behind
// both the CLI and the HTTP API.
package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kalfasyan/desto/internal/atjob"
	"github.com/kalfasyan/desto/internal/config"
	"github.com/kalfasyan/desto/internal/history"
	"github.com/kalfasyan/desto/internal/history/factory"
	"github.com/kalfasyan/desto/internal/launcher"
	"github.com/kalfasyan/desto/internal/metrics"
	"github.com/kalfasyan/desto/internal/notifier"
	"github.com/kalfasyan/desto/internal/reconciler"
	"github.com/kalfasyan/desto/internal/session"
	"github.com/kalfasyan/desto/internal/store"
	"github.com/kalfasyan/desto/internal/tmux"
)

// Multiplexer abstracts the tmux client for tests.
type Multiplexer interface {
	ListSessions(ctx context.Context) (map[string]tmux.SessionInfo, error)
	HasSession(ctx context.Context, name string) (bool, error)
	NewSession(ctx context.Context, name, script string) error
	KillSession(ctx context.Context, name string) error
	AttachArgs(name string) []string
}

// Scheduler abstracts the at(1) wrapper for tests.
type Scheduler interface {
	Schedule(ctx context.Context, command, timeSpec string) (string, error)
	List(ctx context.Context) ([]atjob.Job, error)
	JobCommand(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) error
	CancelAll(ctx context.Context) (int, []error)
}

// SessionView is a session joined with its live multiplexer state, as shown
// by list commands and the dashboard.
type SessionView struct {
	session.Session
	Alive         bool   `json:"alive"`
	Attached      bool   `json:"attached"`
	DisplayStatus string `json:"display_status"`
}

type Manager struct {
	cfg      config.FileConfig
	client   *store.Client
	tracker  *store.Tracker
	notif    *notifier.Notifier
	registry *session.Registry
	mux      Multiplexer
	launcher *launcher.Launcher
	rec      *reconciler.Reconciler
	at       Scheduler
	hist     history.Sink
}

// New builds a fully wired Manager from the file config. The status store
// may be unreachable; the manager still works with tracking degraded.
func New(fc config.FileConfig) (*Manager, error) {
	return NewWithBackends(fc, tmux.New(), atjob.New())
}

// NewWithBackends wires a Manager around explicit multiplexer and scheduler
// implementations.
func NewWithBackends(fc config.FileConfig, mux Multiplexer, at Scheduler) (*Manager, error) {
	client := store.NewClient(fc.Redis)
	notif := notifier.New(client)
	tracker := store.NewTracker(client, notif, fc.SessionTTL)
	registry := session.NewRegistry(client, tracker)
	rec := reconciler.New(mux, registry, fc.Reconciler)
	ln, err := launcher.New(mux, registry, rec, fc.LauncherConfig())
	if err != nil {
		return nil, fmt.Errorf("init launcher: %w", err)
	}

	m := &Manager{
		cfg:      fc,
		client:   client,
		tracker:  tracker,
		notif:    notif,
		registry: registry,
		mux:      mux,
		launcher: ln,
		rec:      rec,
		at:       at,
	}
	if fc.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(fc.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("init history sink: %w", err)
		}
		m.hist = sink
	}
	return m, nil
}

func (m *Manager) Registry() *session.Registry { return m.registry }
func (m *Manager) Notifier() *notifier.Notifier {
	return m.notif
}

// Launch starts a script in a new detached session and begins monitoring it.
func (m *Manager) Launch(ctx context.Context, name, command, scriptPath string, keepAlive bool) (*session.Session, error) {
	sess, err := m.launcher.Launch(ctx, name, command, scriptPath, keepAlive)
	if err != nil {
		return nil, err
	}
	m.record(ctx, history.Event{
		Type:        history.EventSessionStarted,
		SessionName: name,
		Status:      string(store.SessionRunning),
	})
	return sess, nil
}

// Sessions joins tracked sessions with live multiplexer state. Without a
// reachable store only the live sessions are listed, with unknown status.
func (m *Manager) Sessions(ctx context.Context) ([]SessionView, error) {
	live, err := m.mux.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	tracked, err := m.registry.ListAllSessions(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			return nil, err
		}
		views := make([]SessionView, 0, len(live))
		for name, info := range live {
			views = append(views, SessionView{
				Session:       session.Session{Name: name, Status: store.SessionUnknown},
				Alive:         true,
				Attached:      info.Attached,
				DisplayStatus: "Running",
			})
		}
		return views, nil
	}
	views := make([]SessionView, 0, len(tracked))
	for _, s := range tracked {
		info, alive := live[s.Name]
		views = append(views, SessionView{
			Session:       *s,
			Alive:         alive,
			Attached:      alive && info.Attached,
			DisplayStatus: m.registry.DisplayStatus(ctx, s.Name),
		})
	}
	return views, nil
}

func (m *Manager) Session(ctx context.Context, name string) (*session.Session, error) {
	return m.registry.GetSessionByName(ctx, name)
}

func (m *Manager) Job(ctx context.Context, name string) (*session.Job, error) {
	return m.registry.GetJob(ctx, name)
}

func (m *Manager) DisplayStatus(ctx context.Context, name string) string {
	return m.registry.DisplayStatus(ctx, name)
}

// Kill terminates a session's multiplexer process. When no monitor is
// watching the session, its record is finalized here; otherwise the monitor
// notices the disappearance and finalizes it.
func (m *Manager) Kill(ctx context.Context, name string) error {
	if err := m.mux.KillSession(ctx, name); err != nil {
		return err
	}
	if !m.rec.Watching(name) {
		if err := m.registry.FinishSession(ctx, name, 0); err != nil {
			slog.Warn("failed to finalize killed session", "session", name, "error", err)
		}
	}
	m.record(ctx, history.Event{
		Type:        history.EventSessionFinished,
		SessionName: name,
		Status:      string(store.SessionFinished),
	})
	return nil
}

// KillAll terminates every live session and cancels all pending scheduled
// jobs, returning how many sessions were killed.
func (m *Manager) KillAll(ctx context.Context) (int, error) {
	live, err := m.mux.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	killed := 0
	for name := range live {
		if err := m.Kill(ctx, name); err != nil {
			slog.Warn("failed to kill session", "session", name, "error", err)
			continue
		}
		killed++
	}
	if cancelled, errs := m.at.CancelAll(ctx); cancelled > 0 || len(errs) > 0 {
		slog.Info("cancelled scheduled jobs", "cancelled", cancelled, "errors", len(errs))
	}
	return killed, nil
}

func (m *Manager) AttachArgs(name string) []string { return m.mux.AttachArgs(name) }

func (m *Manager) LogPath(name string) string { return m.launcher.LogFile(name) }

// TailLog returns the last n lines of the session log, oldest first.
func (m *Manager) TailLog(name string, n int) ([]string, error) {
	f, err := os.Open(m.launcher.LogFile(name))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// SignalJobCompletion records the wrapped command's exit. Zero marks the job
// finished, anything else failed. Store failures are logged and swallowed so
// the signaling process always succeeds.
func (m *Manager) SignalJobCompletion(ctx context.Context, name string, exitCode int) {
	var err error
	if exitCode == 0 {
		err = m.registry.FinishJob(ctx, name, exitCode)
	} else {
		err = m.registry.FailJob(ctx, name, fmt.Sprintf("Job exited with code %d", exitCode))
	}
	if err != nil {
		slog.Warn("failed to record job completion", "session", name, "exit_code", exitCode, "error", err)
		return
	}
	if exitCode == 0 {
		metrics.IncJobCompletion("finished")
		m.record(ctx, history.Event{
			Type:        history.EventJobFinished,
			SessionName: name,
			Status:      string(store.JobFinished),
			ExitCode:    &exitCode,
		})
	} else {
		metrics.IncJobCompletion("failed")
		m.record(ctx, history.Event{
			Type:        history.EventJobFailed,
			SessionName: name,
			Status:      string(store.JobFailed),
			ExitCode:    &exitCode,
			Error:       fmt.Sprintf("Job exited with code %d", exitCode),
		})
	}
}

// MarkSessionStarted records a launch performed outside the launcher, e.g.
// by a scheduled job firing.
func (m *Manager) MarkSessionStarted(ctx context.Context, name, command, scriptPath string) {
	if _, _, err := m.registry.StartSessionWithJob(ctx, name, command, scriptPath, false); err != nil {
		slog.Warn("failed to record session start", "session", name, "error", err)
	}
}

// Schedule queues a delayed launch through at(1) and creates the scheduled
// placeholder record.
func (m *Manager) Schedule(ctx context.Context, name, scriptPath, timeSpec string, keepAlive bool) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	// --wait keeps the at-spawned process alive as the session's monitor;
	// without it nobody would heartbeat or finalize the session.
	cmd := fmt.Sprintf("%s start --wait --name %s", exe, launcher.QuoteShell(name))
	if keepAlive {
		cmd += " --keep-alive"
	}
	cmd += " " + launcher.QuoteShell(scriptPath)

	id, err := m.at.Schedule(ctx, cmd, timeSpec)
	if err != nil {
		return "", err
	}
	if err := m.tracker.CreateScheduled(ctx, name, cmd, scriptPath, keepAlive); err != nil {
		slog.Warn("failed to record scheduled session", "session", name, "error", err)
	}
	return id, nil
}

func (m *Manager) ScheduledJobs(ctx context.Context) ([]atjob.Job, error) {
	return m.at.List(ctx)
}

func (m *Manager) ScheduledJobCommand(ctx context.Context, id string) (string, error) {
	return m.at.JobCommand(ctx, id)
}

func (m *Manager) Unschedule(ctx context.Context, id string) error {
	return m.at.Cancel(ctx, id)
}

// WaitSession blocks until the monitor for name observes the session end and
// finalizes its record, or ctx is done. A scheduled launch runs with this so
// the short-lived launcher process keeps monitoring alive for the session's
// whole lifetime.
func (m *Manager) WaitSession(ctx context.Context, name string) error {
	return m.rec.Wait(ctx, name)
}

// Resync reattaches monitors after a restart and finalizes sessions that
// died while nobody was watching.
func (m *Manager) Resync(ctx context.Context) error {
	return m.rec.Resync(ctx)
}

// Cleanup deletes terminal session records older than maxAge.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	return m.tracker.CleanupOlderThan(ctx, maxAge)
}

// Subscribe streams status change notifications.
func (m *Manager) Subscribe(ctx context.Context) (<-chan notifier.Update, error) {
	return m.notif.Subscribe(ctx)
}

// StoreConnected reports whether the status store is reachable right now.
func (m *Manager) StoreConnected(ctx context.Context) bool {
	return m.client.Connected(ctx)
}

// Close stops monitoring and releases the store and history connections.
func (m *Manager) Close() error {
	m.rec.Stop()
	if m.hist != nil {
		if err := m.hist.Close(); err != nil {
			slog.Warn("failed to close history sink", "error", err)
		}
	}
	return m.client.Close()
}

func (m *Manager) record(ctx context.Context, e history.Event) {
	if m.hist == nil {
		return
	}
	e.OccurredAt = time.Now()
	if err := m.hist.Send(ctx, e); err != nil {
		slog.Warn("failed to export history event", "session", e.SessionName, "event", e.Type, "error", err)
	}
}
