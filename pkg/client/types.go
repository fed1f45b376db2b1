package client

import "time"

// LaunchRequest starts a script in a new session.
type LaunchRequest struct {
	Name       string `json:"name"`
	Command    string `json:"command"`
	ScriptPath string `json:"script_path,omitempty"`
	KeepAlive  bool   `json:"keep_alive,omitempty"`
}

// ScheduleRequest queues a delayed launch through the daemon's at(1) queue.
type ScheduleRequest struct {
	Name       string `json:"name"`
	ScriptPath string `json:"script_path"`
	Time       string `json:"time"`
	KeepAlive  bool   `json:"keep_alive,omitempty"`
}

// Session mirrors the server's session representation.
type Session struct {
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	Command       string    `json:"command,omitempty"`
	ScriptPath    string    `json:"script_path,omitempty"`
	StartTime     time.Time `json:"start_time,omitempty"`
	EndTime       time.Time `json:"end_time,omitempty"`
	KeepAlive     bool      `json:"keep_alive,omitempty"`
	JobIDs        []string  `json:"job_ids,omitempty"`
	Alive         bool      `json:"alive,omitempty"`
	Attached      bool      `json:"attached,omitempty"`
	DisplayStatus string    `json:"display_status,omitempty"`
}

// Job mirrors the server's job representation.
type Job struct {
	ID           string    `json:"id,omitempty"`
	SessionName  string    `json:"session_name"`
	Status       string    `json:"status"`
	ExitCode     string    `json:"exit_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	FinishedTime time.Time `json:"finished_time,omitempty"`
	Elapsed      string    `json:"elapsed,omitempty"`
}

// ScheduledJob is one pending entry of the daemon's at queue.
type ScheduledJob struct {
	ID       string `json:"ID"`
	DateTime string `json:"DateTime"`
	Queue    string `json:"Queue"`
	User     string `json:"User"`
}

// Health is the daemon liveness report.
type Health struct {
	Status         string `json:"status"`
	StoreConnected bool   `json:"store_connected"`
}

// Logs is the tail of one session's log file.
type Logs struct {
	SessionName string   `json:"session_name"`
	Lines       []string `json:"lines"`
}

// ErrorResponse is the API error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
