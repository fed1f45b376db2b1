package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalfasyan/desto/internal/atjob"
	"github.com/kalfasyan/desto/internal/config"
	"github.com/kalfasyan/desto/internal/manager"
	"github.com/kalfasyan/desto/internal/metrics"
	"github.com/kalfasyan/desto/internal/server"
	"github.com/kalfasyan/desto/pkg/client"
)

// command carries the shared state of all CLI subcommands.
type command struct {
	flags *GlobalFlags
}

// remote returns an API client when --server was given; commands then talk
// to the running daemon instead of building a local manager.
func (c command) remote() *client.Client {
	if c.flags.Server == "" {
		return nil
	}
	cfg := client.DefaultConfig()
	cfg.BaseURL = c.flags.Server
	return client.New(cfg)
}

func (c command) newManager() (*manager.Manager, config.FileConfig, error) {
	fc, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return nil, fc, fmt.Errorf("load config: %w", err)
	}
	mgr, err := manager.New(fc)
	if err != nil {
		return nil, fc, err
	}
	return mgr, fc, nil
}

// Serve runs the daemon: HTTP API with metrics, session monitors and the
// periodic record cleanup.
func (c command) Serve() error {
	fc, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, logCloser, err := fc.Log.Setup()
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("failed to register metrics", "error", err)
	}

	mgr, err := manager.New(fc)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	if err := mgr.Resync(ctx); err != nil {
		log.Warn("session resync incomplete", "error", err)
	}

	srv, err := server.NewServer(fc.Server.Listen, "", mgr)
	if err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	log.Info("desto daemon started", "listen", fc.Server.Listen)

	maintDone := make(chan struct{})
	go func() {
		// Resync covers sessions started outside the daemon (scheduled
		// launches, directly started ones) and repairs dropped monitors.
		resync := time.NewTicker(time.Minute)
		defer resync.Stop()
		cleanup := time.NewTicker(time.Hour)
		defer cleanup.Stop()
		for {
			select {
			case <-maintDone:
				return
			case <-resync.C:
				if err := mgr.Resync(ctx); err != nil {
					log.Warn("session resync failed", "error", err)
				}
			case <-cleanup.C:
				if n, err := mgr.Cleanup(ctx, fc.SessionTTL); err != nil {
					log.Warn("record cleanup failed", "error", err)
				} else if n > 0 {
					log.Info("cleaned up old session records", "removed", n)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	close(maintDone)
	return srv.Close()
}

// Start launches a script in a new session. args is the script followed by
// its arguments.
func (c command) Start(flags StartFlags, args []string) error {
	ctx := context.Background()
	scriptPath := args[0]
	cmdLine := strings.Join(args, " ")

	if rc := c.remote(); rc != nil {
		if flags.Wait {
			return fmt.Errorf("--wait is not supported with --server; the daemon monitors the session")
		}
		sess, err := rc.Launch(ctx, client.LaunchRequest{
			Name:       flags.Name,
			Command:    cmdLine,
			ScriptPath: scriptPath,
			KeepAlive:  flags.KeepAlive,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Started session %q on %s\n", sess.Name, c.flags.Server)
		return nil
	}

	mgr, _, err := c.newManager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	sess, err := mgr.Launch(ctx, flags.Name, cmdLine, scriptPath, flags.KeepAlive)
	if err != nil {
		return err
	}
	fmt.Printf("Started session %q (log: %s)\n", sess.Name, mgr.LogPath(sess.Name))

	if flags.Wait {
		// Scheduled launches run with --wait: this process is the only
		// monitor the session has, so it stays alive until the session
		// ends and its record is finalized.
		return mgr.WaitSession(ctx, sess.Name)
	}

	// Give the monitor a beat to observe the fresh session before the
	// process exits and cancels it.
	time.Sleep(100 * time.Millisecond)
	return nil
}

func (c command) List() error {
	ctx := context.Background()

	var views []client.Session
	if rc := c.remote(); rc != nil {
		remote, err := rc.Sessions(ctx)
		if err != nil {
			return err
		}
		views = remote
	} else {
		mgr, _, err := c.newManager()
		if err != nil {
			return err
		}
		defer func() { _ = mgr.Close() }()
		local, err := mgr.Sessions(ctx)
		if err != nil {
			return err
		}
		for _, v := range local {
			views = append(views, client.Session{
				Name:          v.Name,
				DisplayStatus: v.DisplayStatus,
				Alive:         v.Alive,
				Attached:      v.Attached,
				KeepAlive:     v.KeepAlive,
				StartTime:     v.StartTime,
			})
		}
	}
	if len(views) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATUS\tALIVE\tATTACHED\tKEEP-ALIVE\tSTARTED")
	for _, v := range views {
		started := ""
		if !v.StartTime.IsZero() {
			started = v.StartTime.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%v\t%s\n",
			v.Name, v.DisplayStatus, v.Alive, v.Attached, v.KeepAlive, started)
	}
	return w.Flush()
}

func (c command) Status(name string) error {
	if rc := c.remote(); rc != nil {
		return c.remoteStatus(rc, name)
	}
	mgr, _, err := c.newManager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	sess, err := mgr.Session(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("Session:   %s\n", sess.Name)
	fmt.Printf("Status:    %s\n", mgr.DisplayStatus(ctx, name))
	fmt.Printf("State:     %s\n", sess.Status)
	fmt.Printf("Command:   %s\n", sess.Command)
	if !sess.StartTime.IsZero() {
		fmt.Printf("Started:   %s\n", sess.StartTime.Format(time.RFC3339))
	}
	if !sess.EndTime.IsZero() {
		fmt.Printf("Ended:     %s\n", sess.EndTime.Format(time.RFC3339))
	}
	if sess.KeepAlive {
		fmt.Println("KeepAlive: true")
	}
	if job, err := mgr.Job(ctx, name); err == nil {
		fmt.Printf("Job:       %s", job.Status)
		if job.ExitCode != "" {
			fmt.Printf(" (exit %s)", job.ExitCode)
		}
		fmt.Println()
		if job.Error != "" {
			fmt.Printf("Error:     %s\n", job.Error)
		}
	}
	return nil
}

func (c command) remoteStatus(rc *client.Client, name string) error {
	ctx := context.Background()
	sess, err := rc.Session(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("Session:   %s\n", sess.Name)
	fmt.Printf("Status:    %s\n", sess.DisplayStatus)
	fmt.Printf("State:     %s\n", sess.Status)
	fmt.Printf("Command:   %s\n", sess.Command)
	if !sess.StartTime.IsZero() {
		fmt.Printf("Started:   %s\n", sess.StartTime.Format(time.RFC3339))
	}
	if !sess.EndTime.IsZero() {
		fmt.Printf("Ended:     %s\n", sess.EndTime.Format(time.RFC3339))
	}
	if sess.KeepAlive {
		fmt.Println("KeepAlive: true")
	}
	if job, err := rc.Job(ctx, name); err == nil {
		fmt.Printf("Job:       %s", job.Status)
		if job.ExitCode != "" {
			fmt.Printf(" (exit %s)", job.ExitCode)
		}
		fmt.Println()
		if job.Error != "" {
			fmt.Printf("Error:     %s\n", job.Error)
		}
	}
	return nil
}

func (c command) Kill(name string) error {
	if rc := c.remote(); rc != nil {
		if err := rc.Kill(context.Background(), name); err != nil {
			return err
		}
		fmt.Printf("Killed session %q\n", name)
		return nil
	}
	mgr, _, err := c.newManager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	if err := mgr.Kill(context.Background(), name); err != nil {
		return err
	}
	fmt.Printf("Killed session %q\n", name)
	return nil
}

func (c command) KillAll() error {
	if rc := c.remote(); rc != nil {
		killed, err := rc.KillAll(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Killed %d session(s)\n", killed)
		return nil
	}
	mgr, _, err := c.newManager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	killed, err := mgr.KillAll(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Killed %d session(s)\n", killed)
	return nil
}

func (c command) Attach(name string) error {
	mgr, _, err := c.newManager()
	if err != nil {
		return err
	}
	argv := mgr.AttachArgs(name)
	_ = mgr.Close()

	attach := exec.Command(argv[0], argv[1:]...)
	attach.Stdin = os.Stdin
	attach.Stdout = os.Stdout
	attach.Stderr = os.Stderr
	return attach.Run()
}

func (c command) Logs(name string, flags LogsFlags) error {
	if rc := c.remote(); rc != nil {
		if flags.Follow {
			return fmt.Errorf("--follow is not supported with --server")
		}
		logs, err := rc.Logs(context.Background(), name, flags.Lines)
		if err != nil {
			return err
		}
		for _, line := range logs.Lines {
			fmt.Println(line)
		}
		return nil
	}
	mgr, _, err := c.newManager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	lines, err := mgr.TailLog(name, flags.Lines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	if !flags.Follow {
		return nil
	}
	return followFile(mgr.LogPath(name))
}

// followFile streams appended content until interrupted.
func followFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-sigCh:
			return nil
		default:
		}
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = os.Stdout.Write(buf[:n])
			continue
		}
		if err != nil && err != io.EOF {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (c command) Schedule(flags ScheduleFlags, scriptPath string) error {
	if rc := c.remote(); rc != nil {
		id, err := rc.Schedule(context.Background(), client.ScheduleRequest{
			Name:       flags.Name,
			ScriptPath: scriptPath,
			Time:       flags.Time,
			KeepAlive:  flags.KeepAlive,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Scheduled session %q as at job %s\n", flags.Name, id)
		return nil
	}
	mgr, _, err := c.newManager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	id, err := mgr.Schedule(context.Background(), flags.Name, scriptPath, flags.Time, flags.KeepAlive)
	if err != nil {
		return err
	}
	fmt.Printf("Scheduled session %q as at job %s\n", flags.Name, id)
	return nil
}

func (c command) Scheduled() error {
	var jobs []atjob.Job
	if rc := c.remote(); rc != nil {
		remote, err := rc.Scheduled(context.Background())
		if err != nil {
			return err
		}
		for _, j := range remote {
			jobs = append(jobs, atjob.Job{ID: j.ID, DateTime: j.DateTime, Queue: j.Queue, User: j.User})
		}
	} else {
		mgr, _, err := c.newManager()
		if err != nil {
			return err
		}
		defer func() { _ = mgr.Close() }()

		jobs, err = mgr.ScheduledJobs(context.Background())
		if err != nil {
			return err
		}
	}
	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tWHEN\tQUEUE\tUSER")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.DateTime, j.Queue, j.User)
	}
	return w.Flush()
}

func (c command) Unschedule(id string) error {
	if rc := c.remote(); rc != nil {
		if err := rc.Unschedule(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Cancelled scheduled job %s\n", id)
		return nil
	}
	mgr, _, err := c.newManager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	if err := mgr.Unschedule(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Cancelled scheduled job %s\n", id)
	return nil
}

func (c command) Cleanup(maxAge time.Duration) error {
	mgr, _, err := c.newManager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	removed, err := mgr.Cleanup(context.Background(), maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d old session record(s)\n", removed)
	return nil
}

// MarkJobFinished is invoked by the wrapped bash script as its last action.
// It never fails: any problem is printed and swallowed so the in-session
// script keeps its own exit semantics.
func (c command) MarkJobFinished(name, exitCodeStr string) {
	exitCode, err := strconv.Atoi(exitCodeStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid exit code %q, recording failure\n", exitCodeStr)
		exitCode = 1
	}
	mgr, _, err := c.newManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mark job-finished: %v\n", err)
		return
	}
	defer func() { _ = mgr.Close() }()
	mgr.SignalJobCompletion(context.Background(), name, exitCode)
}

// MarkSessionStarted records a session started outside the launcher, e.g. by
// a scheduled at job. Failures are printed and swallowed.
func (c command) MarkSessionStarted(name, cmdLine, scriptPath string) {
	mgr, _, err := c.newManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mark session-started: %v\n", err)
		return
	}
	defer func() { _ = mgr.Close() }()
	mgr.MarkSessionStarted(context.Background(), name, cmdLine, scriptPath)
}
