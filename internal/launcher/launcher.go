// Package launcher orchestrates starting a new supervised session: duplicate
// checks at both the multiplexer and the registry, wrapping the user command
// with log markers and the completion signal, starting the detached process,
// and handing the session to the reconciler.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalfasyan/desto/internal/metrics"
	"github.com/kalfasyan/desto/internal/session"
	"github.com/kalfasyan/desto/internal/store"
)

// ErrDuplicate is returned when the multiplexer already runs a session with
// the requested name.
var ErrDuplicate = errors.New("tmux session already exists")

// Supervisor is the slice of the multiplexer client the launcher needs.
type Supervisor interface {
	HasSession(ctx context.Context, name string) (bool, error)
	NewSession(ctx context.Context, name, script string) error
}

// Watcher starts reconciler monitoring for a launched session.
type Watcher interface {
	Watch(name string)
}

// Config holds the launcher's directories and the completion-signal command.
type Config struct {
	// LogDir receives one <name>.log per session.
	LogDir string `toml:"log_dir" mapstructure:"log_dir"`
	// ScriptsDir holds saved scripts.
	ScriptsDir string `toml:"scripts_dir" mapstructure:"scripts_dir"`
	// MarkCommand is the executable prefix invoked as the wrapped command's
	// last action to signal job completion, e.g. "/usr/local/bin/desto mark".
	// Empty selects the running binary.
	MarkCommand string `toml:"mark_command" mapstructure:"mark_command"`
}

type Launcher struct {
	sup      Supervisor
	registry *session.Registry
	watcher  Watcher
	cfg      Config
}

func New(sup Supervisor, registry *session.Registry, watcher Watcher, cfg Config) (*Launcher, error) {
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(mustCwd(), "desto_logs")
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = filepath.Join(mustCwd(), "desto_scripts")
	}
	if cfg.MarkCommand == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable for completion signal: %w", err)
		}
		cfg.MarkCommand = self + " mark"
	}
	for _, dir := range []string{cfg.LogDir, cfg.ScriptsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return &Launcher{sup: sup, registry: registry, watcher: watcher, cfg: cfg}, nil
}

// LogFile returns the log path for a session name.
func (l *Launcher) LogFile(name string) string {
	return filepath.Join(l.cfg.LogDir, name+".log")
}

// ScriptFile returns the path of a saved script.
func (l *Launcher) ScriptFile(name string) string {
	return filepath.Join(l.cfg.ScriptsDir, name)
}

// Launch starts a supervised session running command. Tracking is
// best-effort: when the store is unreachable the process still starts and
// only the registry entry is skipped.
func (l *Launcher) Launch(ctx context.Context, name, command, scriptPath string, keepAlive bool) (*session.Session, error) {
	exists, err := l.sup.HasSession(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check live sessions: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, name)
	}

	// Registry-level duplicate check before anything external starts, so a
	// rejection leaves no partial state. Skipped when the store is down.
	if s, err := l.registry.GetSessionByName(ctx, name); err == nil && s.Active() {
		return nil, fmt.Errorf("%w: %q is %s in the status store", session.ErrDuplicate, name, s.Status)
	}

	script := l.buildScript(name, command, keepAlive)
	if err := l.sup.NewSession(ctx, name, script); err != nil {
		return nil, err
	}
	metrics.IncSessionStart()
	slog.Info("session started", "session", name, "keep_alive", keepAlive)

	sess, _, err := l.registry.StartSessionWithJob(ctx, name, command, scriptPath, keepAlive)
	if err != nil {
		// The process is already running; tracking degradation must not
		// abort it.
		slog.Warn("session started but tracking unavailable", "session", name, "error", err)
		return &session.Session{Name: name, Status: store.SessionRunning, Command: command, KeepAlive: keepAlive}, nil
	}
	l.watcher.Watch(name)
	return sess, nil
}

// buildScript wraps the user command into the bash sequence run inside the
// session: log markers around the command, the real exit code captured
// before anything can clobber $?, the completion signal as the last action,
// and an indefinite tail when the session should stay attachable.
func (l *Launcher) buildScript(name, command string, keepAlive bool) string {
	logFile := QuoteShell(l.LogFile(name))
	appendMode := fileExists(l.LogFile(name))

	var b []string
	if appendMode {
		b = append(b,
			fmt.Sprintf(`printf '\n---- NEW SESSION (%%s) -----\n' "$(date '+%%Y-%%m-%%d %%H:%%M:%%S')" >> %s`, logFile),
			fmt.Sprintf(`printf '\n=== SCRIPT STARTING at %%s ===\n' "$(date)" >> %s`, logFile),
		)
	} else {
		b = append(b,
			fmt.Sprintf(`printf '\n=== SCRIPT STARTING at %%s ===\n' "$(date)" > %s`, logFile),
		)
	}
	b = append(b,
		fmt.Sprintf(`(%s) >> %s 2>&1`, command, logFile),
		`SCRIPT_EXIT_CODE=$?`,
		fmt.Sprintf(`printf '\n=== SCRIPT FINISHED at %%s (exit code: %%s) ===\n' "$(date)" "$SCRIPT_EXIT_CODE" >> %s`, logFile),
		fmt.Sprintf(`%s job-finished %s $SCRIPT_EXIT_CODE`, l.cfg.MarkCommand, QuoteShell(name)),
	)
	if keepAlive {
		b = append(b, fmt.Sprintf(`tail -f /dev/null >> %s 2>&1`, logFile))
	}
	return strings.Join(b, "\n")
}

// QuoteShell single-quotes s for safe interpolation into a bash command.
func QuoteShell(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func mustCwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
