package store

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"
)

// NA is the sentinel for durations that cannot be computed (missing
// start_time, absent record, unreachable store).
const NA = "N/A"

// DefaultTTL is how long a session record survives after its last major
// status write. Kept at the historical 7 days unless overridden in config.
const DefaultTTL = 7 * 24 * time.Hour

// ErrUnavailable is returned by write paths when tracking is disabled or the
// store cannot be reached. Read paths absorb it into their sentinels.
var ErrUnavailable = errors.New("status store unavailable")

// Publisher receives every status mutation after its store write succeeded.
// Implementations must be fire-and-forget: a failed publish never rolls back
// or blocks the mutation.
type Publisher interface {
	Publish(ctx context.Context, sessionName string, fields map[string]string)
}

// Tracker owns the per-session flat status record: lifecycle writes for
// sessions and jobs, heartbeats, derived durations and expiry. Every read
// degrades to a documented sentinel instead of surfacing store errors, so a
// UI polling it cannot crash because Redis went away.
type Tracker struct {
	client *Client
	pub    Publisher
	ttl    time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewTracker builds a Tracker. pub may be nil (no change notifications).
// ttl <= 0 selects DefaultTTL.
func NewTracker(client *Client, pub Publisher, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{client: client, pub: pub, ttl: ttl, now: time.Now}
}

// MarkSessionStarted writes the initial running record and arms its expiry.
func (t *Tracker) MarkSessionStarted(ctx context.Context, name, command, scriptPath string) error {
	now := t.now()
	rec := Record{
		SessionName:   name,
		Status:        SessionRunning,
		Command:       command,
		ScriptPath:    scriptPath,
		StartTime:     now,
		LastHeartbeat: now,
	}
	return t.write(ctx, name, rec.toMap())
}

// MarkSessionFinished marks the whole session terminal (the tmux process
// ended). Idempotent: a second call just overwrites the terminal fields.
func (t *Tracker) MarkSessionFinished(ctx context.Context, name string, exitCode int) error {
	rec := Record{
		Status:   SessionFinished,
		ExitCode: strconv.Itoa(exitCode),
		EndTime:  t.now(),
		Duration: t.duration(ctx, name),
		Elapsed:  t.elapsed(ctx, name),
	}
	return t.write(ctx, name, rec.toMap())
}

// MarkSessionFailed marks the session terminal with an error message.
func (t *Tracker) MarkSessionFailed(ctx context.Context, name, errMsg string) error {
	rec := Record{
		Status:   SessionFailed,
		Error:    errMsg,
		EndTime:  t.now(),
		Duration: t.duration(ctx, name),
	}
	return t.write(ctx, name, rec.toMap())
}

// UpdateHeartbeat refreshes only last_heartbeat. High frequency, so it is
// deliberately not published.
func (t *Tracker) UpdateHeartbeat(ctx context.Context, name string) error {
	if !t.client.Enabled() {
		return ErrUnavailable
	}
	return t.client.Redis().HSet(ctx, t.client.SessionKey(name),
		fieldLastHeartbeat, formatTime(t.now())).Err()
}

// MarkJobFinished records script completion separately from session end; a
// keep-alive session stays running while its job is finished.
func (t *Tracker) MarkJobFinished(ctx context.Context, name string, exitCode int) error {
	rec := Record{
		JobStatus:       JobFinished,
		JobExitCode:     strconv.Itoa(exitCode),
		JobFinishedTime: t.now(),
		JobElapsed:      t.jobElapsed(ctx, name),
	}
	return t.write(ctx, name, rec.toMap())
}

// MarkJobFailed records script failure.
func (t *Tracker) MarkJobFailed(ctx context.Context, name, errMsg string) error {
	rec := Record{
		JobStatus:       JobFailed,
		JobError:        errMsg,
		JobFinishedTime: t.now(),
		JobElapsed:      t.jobElapsed(ctx, name),
	}
	return t.write(ctx, name, rec.toMap())
}

// GetJobStatus resolves the job state for a session. Absent field means the
// job is assumed in flight; any read failure yields JobUnknown. Never errors.
func (t *Tracker) GetJobStatus(ctx context.Context, name string) JobStatus {
	if !t.client.Enabled() {
		return JobUnknown
	}
	m, err := t.client.Redis().HGetAll(ctx, t.client.SessionKey(name)).Result()
	if err != nil {
		slog.Error("get job status failed", "session", name, "error", err)
		return JobUnknown
	}
	if len(m) == 0 {
		return JobUnknown
	}
	return fromMap(m).ResolvedJobStatus()
}

// GetSession returns the typed record for a session, or nil when absent.
func (t *Tracker) GetSession(ctx context.Context, name string) (*Record, error) {
	if !t.client.Enabled() {
		return nil, ErrUnavailable
	}
	m, err := t.client.Redis().HGetAll(ctx, t.client.SessionKey(name)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	rec := fromMap(m)
	return &rec, nil
}

// IsSessionFinished reports whether the session reached a terminal state.
// Degrades to false when the store cannot answer.
func (t *Tracker) IsSessionFinished(ctx context.Context, name string) bool {
	rec, err := t.GetSession(ctx, name)
	if err != nil || rec == nil {
		return false
	}
	return rec.Status.Terminal()
}

// AllSessions scans the session namespace and returns every record. The scan
// is bounded by the records' expiry.
func (t *Tracker) AllSessions(ctx context.Context) ([]Record, error) {
	if !t.client.Enabled() {
		return nil, ErrUnavailable
	}
	var out []Record
	iter := t.client.Redis().Scan(ctx, 0, SessionPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		m, err := t.client.Redis().HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			continue
		}
		out = append(out, fromMap(m))
	}
	return out, iter.Err()
}

// ActiveSessions returns the records still marked running, keyed by name.
func (t *Tracker) ActiveSessions(ctx context.Context) (map[string]Record, error) {
	all, err := t.AllSessions(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]Record)
	for _, rec := range all {
		if rec.Status == SessionRunning {
			active[rec.SessionName] = rec
		}
	}
	return active, nil
}

// CleanupOlderThan deletes records whose end_time is older than maxAge.
// Returns the number of deleted records.
func (t *Tracker) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if !t.client.Enabled() {
		return 0, ErrUnavailable
	}
	cutoff := t.now().Add(-maxAge)
	deleted := 0
	iter := t.client.Redis().Scan(ctx, 0, SessionPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		m, err := t.client.Redis().HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return deleted, err
		}
		rec := fromMap(m)
		if !rec.EndTime.IsZero() && rec.EndTime.Before(cutoff) {
			if err := t.client.Redis().Del(ctx, iter.Val()).Err(); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, iter.Err()
}

// CreateScheduled writes a placeholder record for a session that has been
// handed to the delayed-execution scheduler but has not started yet.
func (t *Tracker) CreateScheduled(ctx context.Context, name, command, scriptPath string, keepAlive bool) error {
	rec := Record{
		SessionName: name,
		Status:      SessionScheduled,
		Command:     command,
		ScriptPath:  scriptPath,
		KeepAlive:   keepAlive,
	}
	return t.write(ctx, name, rec.toMap())
}

// SetSessionMeta records the supervisor-assigned session id and the
// keep-alive flag alongside an already-written record.
func (t *Tracker) SetSessionMeta(ctx context.Context, name, sessionID string, keepAlive bool) error {
	rec := Record{SessionID: sessionID, KeepAlive: keepAlive}
	m := rec.toMap()
	if !keepAlive {
		// toMap omits false; persist it so re-reads are explicit.
		m[fieldKeepAlive] = "false"
	}
	return t.write(ctx, name, m)
}

// AppendJob appends jobID to the session's ordered job list and resets the
// job fields to a fresh running state, supporting re-runs inside a kept-alive
// session.
func (t *Tracker) AppendJob(ctx context.Context, name, jobID string) error {
	rec, err := t.GetSession(ctx, name)
	if err != nil {
		return err
	}
	var ids []string
	if rec != nil {
		ids = rec.JobIDs
	}
	ids = append(ids, jobID)
	upd := Record{JobIDs: ids, JobStatus: JobRunning}
	if err := t.write(ctx, name, upd.toMap()); err != nil {
		return err
	}
	// Clear leftovers from a previous run of this session.
	return t.client.Redis().HDel(ctx, t.client.SessionKey(name),
		fieldJobExitCode, fieldJobError, fieldJobFinishedTime, fieldJobElapsed).Err()
}

// Delete removes a session record outright.
func (t *Tracker) Delete(ctx context.Context, name string) error {
	if !t.client.Enabled() {
		return ErrUnavailable
	}
	return t.client.Redis().Del(ctx, t.client.SessionKey(name)).Err()
}

// write performs one atomic hash write, refreshes the expiry and publishes
// the mutated fields. Store failures are logged and returned so callers can
// decide whether tracking degradation matters to them.
func (t *Tracker) write(ctx context.Context, name string, fields map[string]string) error {
	if !t.client.Enabled() {
		return ErrUnavailable
	}
	key := t.client.SessionKey(name)
	if err := t.client.Redis().HSet(ctx, key, fields).Err(); err != nil {
		slog.Error("status write failed", "session", name, "error", err)
		return err
	}
	if err := t.client.Redis().Expire(ctx, key, t.ttl).Err(); err != nil {
		slog.Warn("status expire failed", "session", name, "error", err)
	}
	if t.pub != nil {
		t.pub.Publish(ctx, name, fields)
	}
	return nil
}

// duration is end-of-session minus start_time, as a human duration string.
func (t *Tracker) duration(ctx context.Context, name string) string {
	rec, err := t.GetSession(ctx, name)
	if err != nil || rec == nil || rec.StartTime.IsZero() {
		return NA
	}
	return formatDuration(t.now().Sub(rec.StartTime))
}

// elapsed is script execution time: start_time to job_finished_time when the
// job completed, else to now.
func (t *Tracker) elapsed(ctx context.Context, name string) string {
	return t.jobElapsed(ctx, name)
}

func (t *Tracker) jobElapsed(ctx context.Context, name string) string {
	rec, err := t.GetSession(ctx, name)
	if err != nil || rec == nil || rec.StartTime.IsZero() {
		return NA
	}
	end := t.now()
	if !rec.JobFinishedTime.IsZero() {
		end = rec.JobFinishedTime
	}
	return formatDuration(end.Sub(rec.StartTime))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
