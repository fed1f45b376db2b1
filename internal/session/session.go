// Package session provides the typed entity model over the flat status
// records: Session and Job views, duplicate prevention, and the lookup
// operations the UI and CLI consume.
package session

import (
	"time"

	"github.com/kalfasyan/desto/internal/store"
)

// Session is one supervised tmux session lifetime.
type Session struct {
	ID         string              `json:"id,omitempty"`
	Name       string              `json:"name"`
	Status     store.SessionStatus `json:"status"`
	Command    string              `json:"command,omitempty"`
	ScriptPath string              `json:"script_path,omitempty"`
	StartTime  time.Time           `json:"start_time,omitempty"`
	EndTime    time.Time           `json:"end_time,omitempty"`
	KeepAlive  bool                `json:"keep_alive,omitempty"`
	JobIDs     []string            `json:"job_ids,omitempty"`
}

// Active reports whether the session has not reached a terminal state.
func (s *Session) Active() bool { return !s.Status.Terminal() }

// Job is one script execution inside a session. A kept-alive session may host
// several sequential jobs; the last one's state lives on the session record.
type Job struct {
	ID           string          `json:"id,omitempty"`
	SessionName  string          `json:"session_name"`
	Status       store.JobStatus `json:"status"`
	ExitCode     string          `json:"exit_code,omitempty"`
	Error        string          `json:"error,omitempty"`
	FinishedTime time.Time       `json:"finished_time,omitempty"`
	Elapsed      string          `json:"elapsed,omitempty"`
}

func sessionFromRecord(rec store.Record) *Session {
	return &Session{
		ID:         rec.SessionID,
		Name:       rec.SessionName,
		Status:     rec.Status,
		Command:    rec.Command,
		ScriptPath: rec.ScriptPath,
		StartTime:  rec.StartTime,
		EndTime:    rec.EndTime,
		KeepAlive:  rec.KeepAlive,
		JobIDs:     rec.JobIDs,
	}
}

func jobFromRecord(rec store.Record) *Job {
	j := &Job{
		SessionName:  rec.SessionName,
		Status:       rec.ResolvedJobStatus(),
		ExitCode:     rec.JobExitCode,
		Error:        rec.JobError,
		FinishedTime: rec.JobFinishedTime,
		Elapsed:      rec.JobElapsed,
	}
	if n := len(rec.JobIDs); n > 0 {
		j.ID = rec.JobIDs[n-1]
	}
	return j
}
