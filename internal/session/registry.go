package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalfasyan/desto/internal/store"
)

var (
	// ErrDuplicate is returned when a session name is still held by a
	// non-terminal session.
	ErrDuplicate = errors.New("session name already in use")
	// ErrNotFound is returned by lookups of unknown session names.
	ErrNotFound = errors.New("session not found")
)

// Registry enforces "one active session per name" and owns creation and
// terminal transitions of status records. It is a pure tracking API: unlike
// the launcher it rejects cleanly when the store is unreachable.
type Registry struct {
	client  *store.Client
	tracker *store.Tracker
}

func NewRegistry(client *store.Client, tracker *store.Tracker) *Registry {
	return &Registry{client: client, tracker: tracker}
}

// Tracker exposes the underlying status store for callers that need the raw
// record operations (reconciler, completion signal handler).
func (r *Registry) Tracker() *store.Tracker { return r.tracker }

// CreateSession records a scheduled session. It rejects while a session with
// the same name is scheduled or running, leaving the existing record (and its
// start_time) untouched.
func (r *Registry) CreateSession(ctx context.Context, name, command, scriptPath string, keepAlive bool) (*Session, error) {
	if !r.client.Connected(ctx) {
		return nil, store.ErrUnavailable
	}
	existing, err := r.tracker.GetSession(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check existing session %q: %w", name, err)
	}
	if existing != nil && !existing.Status.Terminal() {
		return nil, fmt.Errorf("%w: %q is %s", ErrDuplicate, name, existing.Status)
	}
	if err := r.tracker.CreateScheduled(ctx, name, command, scriptPath, keepAlive); err != nil {
		return nil, err
	}
	rec, err := r.tracker.GetSession(ctx, name)
	if err != nil || rec == nil {
		return nil, fmt.Errorf("read back created session %q: %w", name, err)
	}
	return sessionFromRecord(*rec), nil
}

// StartSessionWithJob transitions a session to running and creates its first
// job in the same call. A previously scheduled record with this name is the
// session starting, so it is allowed through; a running one is a duplicate.
func (r *Registry) StartSessionWithJob(ctx context.Context, name, command, scriptPath string, keepAlive bool) (*Session, *Job, error) {
	if !r.client.Connected(ctx) {
		return nil, nil, store.ErrUnavailable
	}
	existing, err := r.tracker.GetSession(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("check existing session %q: %w", name, err)
	}
	if existing != nil && existing.Status == store.SessionRunning {
		return nil, nil, fmt.Errorf("%w: %q is running", ErrDuplicate, name)
	}
	if err := r.tracker.MarkSessionStarted(ctx, name, command, scriptPath); err != nil {
		return nil, nil, err
	}
	jobID := uuid.NewString()
	if err := r.tracker.AppendJob(ctx, name, jobID); err != nil {
		return nil, nil, err
	}
	if err := r.tracker.SetSessionMeta(ctx, name, "", keepAlive); err != nil {
		return nil, nil, err
	}
	rec, err := r.tracker.GetSession(ctx, name)
	if err != nil || rec == nil {
		return nil, nil, fmt.Errorf("read back started session %q: %w", name, err)
	}
	return sessionFromRecord(*rec), jobFromRecord(*rec), nil
}

// AppendJob starts a fresh job inside an existing kept-alive session.
func (r *Registry) AppendJob(ctx context.Context, name string) (*Job, error) {
	rec, err := r.tracker.GetSession(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	jobID := uuid.NewString()
	if err := r.tracker.AppendJob(ctx, name, jobID); err != nil {
		return nil, err
	}
	return &Job{ID: jobID, SessionName: name, Status: store.JobRunning}, nil
}

// FinishSession marks the session (not the job) terminal. The reconciler uses
// this when the tmux process vanished.
func (r *Registry) FinishSession(ctx context.Context, name string, exitCode int) error {
	return r.tracker.MarkSessionFinished(ctx, name, exitCode)
}

// FailSession marks the session terminal with an error message.
func (r *Registry) FailSession(ctx context.Context, name, errMsg string) error {
	return r.tracker.MarkSessionFailed(ctx, name, errMsg)
}

// FinishJob and FailJob proxy the job-level completion signal.
func (r *Registry) FinishJob(ctx context.Context, name string, exitCode int) error {
	return r.tracker.MarkJobFinished(ctx, name, exitCode)
}

func (r *Registry) FailJob(ctx context.Context, name, errMsg string) error {
	return r.tracker.MarkJobFailed(ctx, name, errMsg)
}

// GetSessionByName returns the typed session, or ErrNotFound.
func (r *Registry) GetSessionByName(ctx context.Context, name string) (*Session, error) {
	rec, err := r.tracker.GetSession(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return sessionFromRecord(*rec), nil
}

// GetJob returns the latest job view of a session.
func (r *Registry) GetJob(ctx context.Context, name string) (*Job, error) {
	rec, err := r.tracker.GetSession(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return jobFromRecord(*rec), nil
}

// ListAllSessions scans the namespace; the result is bounded by record expiry.
func (r *Registry) ListAllSessions(ctx context.Context) ([]*Session, error) {
	recs, err := r.tracker.AllSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sessionFromRecord(rec))
	}
	return out, nil
}

// GetJobStatus is the field the UI trusts over raw session status: keep-alive
// sessions stay running forever but their job can finish. Never errors.
func (r *Registry) GetJobStatus(ctx context.Context, name string) store.JobStatus {
	return r.tracker.GetJobStatus(ctx, name)
}

// DisplayStatus resolves what the UI should show for a live tmux session:
// "Finished" once the job completed or failed, "Running" otherwise.
func (r *Registry) DisplayStatus(ctx context.Context, name string) string {
	if r.tracker.GetJobStatus(ctx, name).Done() {
		return "Finished"
	}
	return "Running"
}
