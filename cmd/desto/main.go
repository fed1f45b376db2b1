package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Server     string
}

// StartFlags holds flags for the start command.
type StartFlags struct {
	Name      string
	KeepAlive bool
	Wait      bool
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	Lines  int
	Follow bool
}

// ScheduleFlags holds flags for the schedule command.
type ScheduleFlags struct {
	Name      string
	Time      string
	KeepAlive bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	logsFlags := &LogsFlags{}
	scheduleFlags := &ScheduleFlags{}

	c := command{flags: globalFlags}

	root := &cobra.Command{
		Use:   "desto",
		Short: "Launch and monitor shell scripts in tmux sessions",
		Long: `Desto launches shell scripts inside detached tmux sessions and tracks
their status in Redis: running, finished or failed, with per-job exit codes.

Examples:
  desto start --name=backup ./backup.sh     # Run a script in a new session
  desto list                                # Show all sessions
  desto logs backup                         # Tail a session's log
  desto serve                               # Start the HTTP daemon`,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&globalFlags.Server, "server", "", "base URL of a running desto daemon; commands run remotely through its API")

	root.AddCommand(
		createServeCommand(c),
		createStartCommand(c, startFlags),
		createListCommand(c),
		createStatusCommand(c),
		createKillCommand(c),
		createKillAllCommand(c),
		createAttachCommand(c),
		createLogsCommand(c, logsFlags),
		createScheduleCommand(c, scheduleFlags),
		createScheduledCommand(c),
		createUnscheduleCommand(c),
		createCleanupCommand(c),
		createMarkCommand(c),
	)
	return root
}

func createServeCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the desto daemon",
		Long: `Start the desto daemon: the HTTP API, the Prometheus metrics endpoint
and the session monitors. On startup the daemon reattaches monitors to
sessions that were running before a restart.

Examples:
  desto serve
  desto serve --config=desto.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve()
		},
	}
}

func createStartCommand(c command, flags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [script] [args...]",
		Short: "Run a script in a new session",
		Long: `Run a script inside a new detached tmux session. The script's output is
appended to <logs_dir>/<name>.log and its status is tracked in Redis.
With --keep-alive the session stays open after the script finishes.

Examples:
  desto start --name=backup ./backup.sh
  desto start --name=backup ./backup.sh --fast full
  desto start --name=web --keep-alive ./serve.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "session name (required)")
	cmd.Flags().BoolVar(&flags.KeepAlive, "keep-alive", false, "keep the session open after the script finishes")
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "block and monitor until the session ends")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createListCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Long: `List tracked sessions with their live tmux state and display status.

Examples:
  desto list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List()
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session>",
		Short: "Show one session's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(args[0])
		},
	}
}

func createKillCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(args[0])
		},
	}
}

func createKillAllCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill-all",
		Short: "Terminate every live session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.KillAll()
		},
	}
}

func createAttachCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session>",
		Short: "Attach the terminal to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Attach(args[0])
		},
	}
}

func createLogsCommand(c command, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <session>",
		Short: "Show a session's log",
		Long: `Print the last lines of a session's log file.

Examples:
  desto logs backup
  desto logs backup --lines=200
  desto logs backup -f`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(args[0], *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 100, "number of lines to show (0 for all)")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep streaming appended log output")
	return cmd
}

func createScheduleCommand(c command, flags *ScheduleFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule <script>",
		Short: "Schedule a script for later via at(1)",
		Long: `Queue a delayed session start through at(1). The time specification
accepts everything at does.

Examples:
  desto schedule --name=nightly --time="22:00" ./backup.sh
  desto schedule --name=oneoff --time="now + 30 minutes" ./job.sh`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Schedule(*flags, args[0])
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "session name (required)")
	cmd.Flags().StringVar(&flags.Time, "time", "", "at(1) time specification (required)")
	cmd.Flags().BoolVar(&flags.KeepAlive, "keep-alive", false, "keep the session open after the script finishes")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("time"); err != nil {
		panic(err)
	}
	return cmd
}

func createScheduledCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled launches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Scheduled()
		},
	}
}

func createUnscheduleCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "unschedule <job-id>",
		Short: "Cancel a scheduled launch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Unschedule(args[0])
		},
	}
}

func createCleanupCommand(c command) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old finished session records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Cleanup(maxAge)
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 7*24*time.Hour, "delete terminal records older than this")
	return cmd
}

// createMarkCommand builds the hidden subcommands the wrapped bash script
// invokes from inside a session. They must always exit zero: a failure here
// would clobber the script's own exit handling.
func createMarkCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "mark",
		Short:  "Record lifecycle transitions (internal)",
		Hidden: true,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:  "job-finished <session> <exit-code>",
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c.MarkJobFinished(args[0], args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:  "session-started <session> <command> <script>",
			Args: cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				c.MarkSessionStarted(args[0], args[1], args[2])
				return nil
			},
		},
	)
	return cmd
}
