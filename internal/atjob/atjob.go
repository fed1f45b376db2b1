// Package atjob wraps the at(1) one-shot scheduler used for delayed session
// starts: schedule a command line, list the queue, fetch a job's command,
// cancel by id. at is invoked as a black box.
package atjob

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

var jobIDPattern = regexp.MustCompile(`job (\d+)`)

// Job is one entry of the at queue.
type Job struct {
	ID       string
	DateTime string
	Queue    string
	User     string
}

// Manager shells out to at/atq/atrm.
type Manager struct {
	// run is swappable in tests.
	run func(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

func New() *Manager {
	m := &Manager{}
	m.run = execRun
	return m
}

func execRun(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(stderr.String()))
	}
	// at prints "job N at <date>" on stderr.
	return stdout.String() + stderr.String(), nil
}

// Schedule hands command to at for execution at timeSpec (e.g. "now + 5
// minutes", "22:00"). Returns the assigned job id.
func (m *Manager) Schedule(ctx context.Context, command, timeSpec string) (string, error) {
	out, err := m.run(ctx, command, "at", timeSpec)
	if err != nil {
		return "", fmt.Errorf("schedule with at: %w", err)
	}
	id := parseJobID(out)
	if id == "" {
		return "", fmt.Errorf("no job id in at output: %q", out)
	}
	return id, nil
}

// List returns the pending queue from atq. An unavailable at daemon yields an
// empty list, mirroring how a missing multiplexer yields no sessions.
func (m *Manager) List(ctx context.Context) ([]Job, error) {
	out, err := m.run(ctx, "", "atq")
	if err != nil {
		return []Job{}, nil
	}
	return parseQueue(out), nil
}

// JobCommand returns the command body of a scheduled job (at -c).
func (m *Manager) JobCommand(ctx context.Context, id string) (string, error) {
	out, err := m.run(ctx, "", "at", "-c", id)
	if err != nil {
		return "", fmt.Errorf("read job %s: %w", id, err)
	}
	return out, nil
}

// Cancel removes a scheduled job by id.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if _, err := m.run(ctx, "", "atrm", id); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// CancelAll removes every pending job, returning how many were cancelled and
// the errors encountered.
func (m *Manager) CancelAll(ctx context.Context) (int, []error) {
	jobs, err := m.List(ctx)
	if err != nil {
		return 0, []error{err}
	}
	cancelled := 0
	var errs []error
	for _, j := range jobs {
		if err := m.Cancel(ctx, j.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		cancelled++
	}
	return cancelled, errs
}

func parseJobID(out string) string {
	match := jobIDPattern.FindStringSubmatch(out)
	if match == nil {
		return ""
	}
	return match[1]
}

// parseQueue parses atq lines like:
//
//	12	Sat Jul 20 12:00:00 2025 a user
func parseQueue(out string) []Job {
	jobs := []Job{}
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 7 {
			continue
		}
		j := Job{
			ID:       parts[0],
			DateTime: strings.Join(parts[1:6], " "),
			Queue:    parts[6],
		}
		if len(parts) > 7 {
			j.User = parts[7]
		}
		jobs = append(jobs, j)
	}
	return jobs
}
