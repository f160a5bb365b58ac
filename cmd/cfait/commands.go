package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cfait/cfait/internal/config"
	"github.com/cfait/cfait/internal/credentials"
	"github.com/cfait/cfait/internal/daemon"
	"github.com/cfait/cfait/internal/task"
	"github.com/cfait/cfait/internal/watcher"
)

func newAddCmd() *cobra.Command {
	var calHref string
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a task using natural-language date/priority/tag shorthand",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			t, err := a.facade.AddTaskSmart(strings.Join(args, " "), calHref)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s: %s\n", t.UID, t.Summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&calHref, "calendar", "", "target calendar href (default: configured default calendar)")
	return cmd
}

func newListCmd() *cobra.Command {
	var tagMode, query string
	var tags []string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by tag or query expression",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			tasks, err := a.facade.GetViewTasks(tags, tagMode, query)
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(tasks)
			}
			printTaskTable(cmd, tasks)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter to tasks carrying these tags")
	cmd.Flags().StringVar(&tagMode, "tag-mode", "OR", "tag match mode: OR|AND")
	cmd.Flags().StringVar(&query, "query", "", "query expression (e.g. #urgent @<1d)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON instead of a table")
	return cmd
}

func printTaskTable(cmd *cobra.Command, tasks []*task.Task) {
	out := cmd.OutOrStdout()
	for _, t := range tasks {
		due := "-"
		if t.Due != nil {
			due = humanize.Time(t.Due.Time)
		}
		mark := " "
		if t.IsDone() {
			mark = "x"
		}
		fmt.Fprintf(out, "[%s] %-8s p%d  due %-15s %s\n", mark, shortUID(t.UID), t.EffectivePriority(), due, t.Summary)
	}
}

func shortUID(uid string) string {
	if len(uid) <= 8 {
		return uid
	}
	return uid[:8]
}

func newDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <uid>",
		Short: "Toggle a task between done and active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()
			return a.facade.ToggleTask(args[0])
		},
	}
	return cmd
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync pending local changes and remote updates with the CalDAV server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			outcome := a.facade.Sync(cmd.Context())
			if outcome.AlreadySyncing {
				fmt.Fprintln(cmd.OutOrStdout(), "sync already in progress")
				return nil
			}
			for _, n := range outcome.Notices {
				fmt.Fprintf(cmd.OutOrStdout(), "notice: %s\n", n.Message)
			}
			return outcome.Err
		},
	}
	return cmd
}

// termLineReader wraps stdin with golang.org/x/term's non-echoing read when
// stdin is an interactive terminal, falling back to a plain line read
// (e.g. piped input in scripts or tests) otherwise.
type termLineReader struct{ fd int }

func (r *termLineReader) Read(p []byte) (int, error) {
	if !term.IsTerminal(r.fd) {
		return os.Stdin.Read(p)
	}
	line, err := term.ReadPassword(r.fd)
	if err != nil {
		return 0, err
	}
	line = append(line, '\n')
	return copy(p, line), nil
}

func newCredentialsCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the stored CalDAV account password",
	}

	var jsonOut bool
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show whether a password is resolvable, and from where",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			h := credentials.NewCLIHandler(credentials.NewManager(), os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return h.Get(cfg.Username, cfg.Password, jsonOut)
		},
	}
	getCmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON")

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Prompt for a password and store it in the system keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			stdin := &termLineReader{fd: int(os.Stdin.Fd())}
			h := credentials.NewCLIHandler(credentials.NewManager(), stdin, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return h.Set(cfg.Username)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored password from the system keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			h := credentials.NewCLIHandler(credentials.NewManager(), os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return h.Delete(cfg.Username)
		},
	}

	root.AddCommand(getCmd, setCmd, deleteCmd)
	return root
}

const (
	defaultDaemonInterval     = 15 * time.Minute
	defaultHeartbeatInterval  = 60 * time.Second
	daemonModeFlag            = "daemon-mode"
	daemonIntervalSecondsFlag = "daemon-interval"
)

func defaultDaemonConfig() *daemon.Config {
	dir := filepath.Dir(defaultPIDPath())
	return &daemon.Config{
		PIDPath:           defaultPIDPath(),
		SocketPath:        defaultSocketPath(),
		LogPath:           filepath.Join(dir, "daemon.log"),
		HeartbeatPath:     filepath.Join(dir, "daemon.heartbeat"),
		Interval:          defaultDaemonInterval,
		HeartbeatInterval: defaultHeartbeatInterval,
	}
}

func newDaemonCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "daemon",
		Short: "Start, stop, or query the background sync daemon",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Fork a detached daemon process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultDaemonConfig()
			if daemon.IsRunning(cfg.PIDPath, cfg.SocketPath) {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon already running")
				return nil
			}
			if err := daemon.Fork(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon started")
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.NewClient(defaultDaemonConfig().SocketPath).Stop()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report the daemon's sync count, last sync time, and circuit state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultDaemonConfig()
			if !daemon.IsRunning(cfg.PIDPath, cfg.SocketPath) {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon not running")
				return nil
			}
			resp, err := daemon.NewClient(cfg.SocketPath).Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sync count: %d, last sync: %s, circuit: %s\n",
				resp.SyncCount, resp.LastSync, resp.CircuitState)
			return nil
		},
	}

	root.AddCommand(startCmd, stopCmd, statusCmd)
	return root
}

// runDaemonModeIfRequested is checked by the root command before dispatching
// to a subcommand: daemon.Fork re-invokes the executable with --daemon-mode
// and a handful of --daemon-* flags rather than a subcommand name, so this
// is handled directly on root instead of as a cobra subcommand.
func runDaemonModeIfRequested(cmd *cobra.Command) (handled bool, err error) {
	daemonMode, _ := cmd.Flags().GetBool(daemonModeFlag)
	if !daemonMode {
		return false, nil
	}

	a, cleanup, err := openApp()
	if err != nil {
		return true, err
	}
	defer cleanup()

	cfg := defaultDaemonConfig()
	if v, _ := cmd.Flags().GetString("daemon-pid-path"); v != "" {
		cfg.PIDPath = v
	}
	if v, _ := cmd.Flags().GetString("daemon-socket-path"); v != "" {
		cfg.SocketPath = v
	}
	if v, _ := cmd.Flags().GetString("daemon-log-path"); v != "" {
		cfg.LogPath = v
	}
	if v, _ := cmd.Flags().GetString(daemonIntervalSecondsFlag); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Interval = time.Duration(secs) * time.Second
		}
	}
	if v, _ := cmd.Flags().GetString("daemon-idle-timeout"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.IdleTimeout = time.Duration(secs) * time.Second
		}
	}
	if v, _ := cmd.Flags().GetString("daemon-task-timeout"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil {
			cfg.TaskTimeout = time.Duration(mins) * time.Minute
		}
	}

	syncFunc := daemon.SyncFunc(func(ctx context.Context) error {
		outcome := a.facade.Sync(ctx)
		return outcome.Err
	})
	daemon.RunDaemonMode(cfg, syncFunc) // never returns
	return true, nil
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the cache root and journal for external changes and reload the cached tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			watchCfg := watcher.DefaultConfig(func() {
				_ = a.facade.LoadFromCache()
			})
			watchCfg.Paths = []string{
				filepath.Join(config.DataDir(), "cache"),
				filepath.Join(config.DataDir(), "journal.log"),
			}
			w, err := watcher.New(watchCfg)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			<-cmd.Context().Done()
			return nil
		},
	}
	return cmd
}
