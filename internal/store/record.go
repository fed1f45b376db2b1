package store

import (
	"strconv"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a tmux-backed session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionRunning   SessionStatus = "running"
	SessionFinished  SessionStatus = "finished"
	SessionFailed    SessionStatus = "failed"
	// SessionUnknown is the read-side sentinel when the store cannot be reached.
	SessionUnknown SessionStatus = "unknown"
)

// Terminal reports whether the session reached a final state.
func (s SessionStatus) Terminal() bool {
	return s == SessionFinished || s == SessionFailed
}

// JobStatus is the lifecycle state of one script execution inside a session.
// A record written before job tracking (or by an older writer) carries no
// job_status field; readers resolve that to JobRunning.
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
	// JobUnknown is the read-side sentinel when the store cannot be reached.
	JobUnknown JobStatus = "unknown"
)

// Done reports whether the job reached a final state.
func (s JobStatus) Done() bool { return s == JobFinished || s == JobFailed }

// Hash field names of the persisted flat record. Only this file touches them;
// everything else goes through Record.
const (
	fieldSessionName     = "session_name"
	fieldSessionID       = "session_id"
	fieldStatus          = "status"
	fieldCommand         = "command"
	fieldScriptPath      = "script_path"
	fieldStartTime       = "start_time"
	fieldEndTime         = "end_time"
	fieldLastHeartbeat   = "last_heartbeat"
	fieldExitCode        = "exit_code"
	fieldError           = "error"
	fieldDuration        = "duration"
	fieldElapsed         = "elapsed"
	fieldKeepAlive       = "keep_alive"
	fieldJobIDs          = "job_ids"
	fieldJobStatus       = "job_status"
	fieldJobExitCode     = "job_exit_code"
	fieldJobError        = "job_error"
	fieldJobFinishedTime = "job_finished_time"
	fieldJobElapsed      = "job_elapsed"
)

// timeLayout is the stored timestamp format.
const timeLayout = time.RFC3339Nano

// Record is the typed view over one session's flat hash. Zero values mean
// "field absent" (times compare with IsZero, strings with "").
type Record struct {
	SessionName     string
	SessionID       string
	Status          SessionStatus
	Command         string
	ScriptPath      string
	StartTime       time.Time
	EndTime         time.Time
	LastHeartbeat   time.Time
	ExitCode        string
	Error           string
	Duration        string
	Elapsed         string
	KeepAlive       bool
	JobIDs          []string
	JobStatus       JobStatus
	JobExitCode     string
	JobError        string
	JobFinishedTime time.Time
	JobElapsed      string
}

// ResolvedJobStatus applies the absent-field default: a record without a
// job_status field is assumed to still be in flight.
func (r Record) ResolvedJobStatus() JobStatus {
	if r.JobStatus == "" {
		return JobRunning
	}
	return r.JobStatus
}

// fromMap decodes the raw hash into a Record. Unparseable timestamps are
// dropped rather than failing the whole read.
func fromMap(m map[string]string) Record {
	r := Record{
		SessionName: m[fieldSessionName],
		SessionID:   m[fieldSessionID],
		Status:      SessionStatus(m[fieldStatus]),
		Command:     m[fieldCommand],
		ScriptPath:  m[fieldScriptPath],
		ExitCode:    m[fieldExitCode],
		Error:       m[fieldError],
		Duration:    m[fieldDuration],
		Elapsed:     m[fieldElapsed],
		JobStatus:   JobStatus(m[fieldJobStatus]),
		JobExitCode: m[fieldJobExitCode],
		JobError:    m[fieldJobError],
		JobElapsed:  m[fieldJobElapsed],
	}
	r.StartTime = parseTime(m[fieldStartTime])
	r.EndTime = parseTime(m[fieldEndTime])
	r.LastHeartbeat = parseTime(m[fieldLastHeartbeat])
	r.JobFinishedTime = parseTime(m[fieldJobFinishedTime])
	r.KeepAlive, _ = strconv.ParseBool(m[fieldKeepAlive])
	if ids := m[fieldJobIDs]; ids != "" {
		r.JobIDs = strings.Split(ids, ",")
	}
	return r
}

// toMap encodes only the set fields, so partial updates never clobber
// neighbouring fields in the hash.
func (r Record) toMap() map[string]string {
	m := make(map[string]string)
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put(fieldSessionName, r.SessionName)
	put(fieldSessionID, r.SessionID)
	put(fieldStatus, string(r.Status))
	put(fieldCommand, r.Command)
	put(fieldScriptPath, r.ScriptPath)
	put(fieldStartTime, formatTime(r.StartTime))
	put(fieldEndTime, formatTime(r.EndTime))
	put(fieldLastHeartbeat, formatTime(r.LastHeartbeat))
	put(fieldExitCode, r.ExitCode)
	put(fieldError, r.Error)
	put(fieldDuration, r.Duration)
	put(fieldElapsed, r.Elapsed)
	put(fieldJobStatus, string(r.JobStatus))
	put(fieldJobExitCode, r.JobExitCode)
	put(fieldJobError, r.JobError)
	put(fieldJobFinishedTime, formatTime(r.JobFinishedTime))
	put(fieldJobElapsed, r.JobElapsed)
	if r.KeepAlive {
		m[fieldKeepAlive] = "true"
	}
	if len(r.JobIDs) > 0 {
		m[fieldJobIDs] = strings.Join(r.JobIDs, ",")
	}
	return m
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}
