// Package tmux wraps the external terminal multiplexer as a process
// supervision primitive: list named sessions, create a detached session
// running a command line, destroy one by name. tmux internals are a black box
// here; only its CLI contract is consumed.
package tmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const listFormat = "#{session_id}:#{session_name}:#{session_created}:#{session_attached}:#{session_windows}"

// SessionInfo is the live metadata reported by the multiplexer for one
// named session.
type SessionInfo struct {
	ID       string
	Name     string
	Created  time.Time
	Attached bool
	Windows  int
}

// Client invokes the tmux binary. The zero value is not usable; call New.
type Client struct {
	bin string
	// run is swappable in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

func New() *Client {
	c := &Client{bin: "tmux"}
	c.run = c.execRun
	return c
}

func (c *Client) execRun(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ListSessions returns the live sessions keyed by name. A multiplexer with no
// server running reports an error exit; that is an empty list, not a failure.
func (c *Client) ListSessions(ctx context.Context) (map[string]SessionInfo, error) {
	out, err := c.run(ctx, "list-sessions", "-F", listFormat)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return map[string]SessionInfo{}, nil
		}
		return nil, err
	}
	return parseSessions(string(out))
}

// HasSession reports whether a named session is currently alive.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return false, err
	}
	_, ok := sessions[name]
	return ok, nil
}

// NewSession creates a detached session running script through bash -c.
func (c *Client) NewSession(ctx context.Context, name, script string) error {
	_, err := c.run(ctx, "new-session", "-d", "-s", name, "bash", "-c", script)
	if err != nil {
		return fmt.Errorf("start session %q: %w", name, err)
	}
	return nil
}

// KillSession destroys a named session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill-session", "-t", name)
	if err != nil {
		return fmt.Errorf("kill session %q: %w", name, err)
	}
	return nil
}

// AttachArgs returns the argv for replacing the current process with an
// attach to the named session.
func (c *Client) AttachArgs(name string) []string {
	return []string{c.bin, "attach-session", "-t", name}
}

func parseSessions(output string) (map[string]SessionInfo, error) {
	sessions := make(map[string]SessionInfo)
	s := bufio.NewScanner(strings.NewReader(output))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 5 {
			return nil, fmt.Errorf("invalid tmux list-sessions line: %q", line)
		}
		// Session names may contain ':'; the trailing four fields are ours.
		n := len(parts)
		id := parts[0]
		name := strings.Join(parts[1:n-3], ":")
		createdSec, err := strconv.ParseInt(parts[n-3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid session_created in line %q: %w", line, err)
		}
		windows, err := strconv.Atoi(parts[n-1])
		if err != nil {
			return nil, fmt.Errorf("invalid session_windows in line %q: %w", line, err)
		}
		sessions[name] = SessionInfo{
			ID:       id,
			Name:     name,
			Created:  time.Unix(createdSec, 0),
			Attached: parts[n-2] == "1",
			Windows:  windows,
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan tmux output: %w", err)
	}
	return sessions, nil
}
