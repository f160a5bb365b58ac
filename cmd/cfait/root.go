// Command cfait is the CLI entrypoint wiring config, credentials, the
// CalDAV client (behind the rate-limited transport), the storage journal,
// and the store facade into add/list/sync/credentials/daemon/watch
// subcommands.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cfait/cfait/internal/apperrors"
	"github.com/cfait/cfait/internal/caldav"
	"github.com/cfait/cfait/internal/config"
	"github.com/cfait/cfait/internal/credentials"
	"github.com/cfait/cfait/internal/logging"
	"github.com/cfait/cfait/internal/ratelimit"
	"github.com/cfait/cfait/internal/storage"
	"github.com/cfait/cfait/internal/store"
)

// resolvePassword applies the keyring -> config -> environment priority
// chain to find the CalDAV account's password.
func resolvePassword(cfg *config.Config) (string, error) {
	m := credentials.NewManager()
	resolved := m.Get(cfg.Username, cfg.Password)
	if !resolved.Found {
		return "", apperrors.Auth(fmt.Errorf("no credentials found for %q: run `cfait credentials set`", cfg.Username))
	}
	return resolved.Password, nil
}

var (
	flagConfigPath string
	flagVerbose    bool
)

// app bundles the wired-up core for a single CLI invocation.
type app struct {
	cfg    *config.Config
	st     *storage.Store
	facade *store.Facade
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cfait",
		Short:         "A local-first CalDAV task manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to config file (default: XDG config dir)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	// Flags consumed only by daemon.Fork's re-invocation of this executable
	// (see runDaemonModeIfRequested); hidden from --help on every command.
	root.PersistentFlags().Bool(daemonModeFlag, false, "internal: run as the background sync daemon")
	root.PersistentFlags().String("daemon-pid-path", "", "")
	root.PersistentFlags().String("daemon-socket-path", "", "")
	root.PersistentFlags().String("daemon-log-path", "", "")
	root.PersistentFlags().String(daemonIntervalSecondsFlag, "", "")
	root.PersistentFlags().String("daemon-idle-timeout", "", "")
	root.PersistentFlags().String("daemon-task-timeout", "", "")
	root.PersistentFlags().String("config-path", "", "")
	root.PersistentFlags().String("db-path", "", "")
	root.PersistentFlags().String("cache-path", "", "")
	for _, name := range []string{
		daemonModeFlag, "daemon-pid-path", "daemon-socket-path", "daemon-log-path",
		daemonIntervalSecondsFlag, "daemon-idle-timeout", "daemon-task-timeout",
		"config-path", "db-path", "cache-path",
	} {
		_ = root.PersistentFlags().MarkHidden(name)
	}

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		handled, err := runDaemonModeIfRequested(cmd)
		if handled {
			return err
		}
		return nil
	}

	root.AddCommand(
		newAddCmd(),
		newListCmd(),
		newDoneCmd(),
		newSyncCmd(),
		newCredentialsCmd(),
		newDaemonCmd(),
		newWatchCmd(),
	)
	return root
}

func openApp() (*app, func(), error) {
	logging.SetVerbose(flagVerbose)

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	dataDir := config.DataDir()
	st, err := storage.Open(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}

	var client *caldav.Client
	if cfg.URL != "" {
		password, err := resolvePassword(cfg)
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		transport := ratelimit.NewTransport(ratelimit.Config{EnableJitter: true})
		client = caldav.New(caldav.Config{
			URL:                cfg.URL,
			Username:           cfg.Username,
			Password:           password,
			AllowInsecureCerts: cfg.AllowInsecureCerts,
		}, transport)
	}

	facade := store.New(cfg, client, st)
	if err := facade.LoadFromCache(); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("loading cache: %w", err)
	}

	a := &app{cfg: cfg, st: st, facade: facade}
	cleanup := func() { _ = st.Close() }
	return a, cleanup, nil
}

// exitCode maps a closed apperrors.Kind to a process exit status, so
// scripts driving the CLI can distinguish "nothing to do" from "broken".
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	kind, ok := apperrors.KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case apperrors.KindNotFound:
		return 2
	case apperrors.KindAuth:
		return 3
	case apperrors.KindTransport, apperrors.KindPreconditionFailed:
		return 4
	case apperrors.KindLockBusy:
		return 5
	default:
		return 1
	}
}

func defaultSocketPath() string {
	return filepath.Join(config.CacheDir(), "cfait", "daemon.sock")
}

func defaultPIDPath() string {
	return filepath.Join(config.CacheDir(), "cfait", "daemon.pid")
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cfait:", err)
		os.Exit(exitCode(err))
	}
}
