// Package cli implements the screentrail command tree.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"screentrail/internal/app"
	"screentrail/internal/capture"
	"screentrail/internal/config"
	"screentrail/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// crashRetention is how long crash reports are kept.
const crashRetention = 30 * 24 * time.Hour

// Dependencies carries state shared by all commands. The app is opened on
// first use so that commands that do not touch the data directory never
// take its lock.
type Dependencies struct {
	Out io.Writer
	Err io.Writer

	configPath string
	dataDir    string
	logLevel   string

	cfg      *config.Config
	logger   *logging.Logger
	crash    *logging.CrashHandler
	app      *app.App
	recorder *capture.Recorder
}

// NewDependencies returns dependencies writing to stdout and stderr.
func NewDependencies() *Dependencies {
	return &Dependencies{Out: os.Stdout, Err: os.Stderr}
}

// Config returns the loaded configuration.
func (d *Dependencies) Config() *config.Config { return d.cfg }

// App opens the data directory on first call.
func (d *Dependencies) App() (*app.App, error) {
	if d.app != nil {
		return d.app, nil
	}
	a, err := app.Open(d.cfg, app.Options{Logger: d.logger.Logger})
	if err != nil {
		return nil, err
	}
	d.app = a
	return a, nil
}

// Close drains pending metadata and releases the data directory.
func (d *Dependencies) Close() error {
	var errs []error
	if d.app != nil {
		errs = append(errs, d.app.Close())
		d.app = nil
	}
	if d.logger != nil {
		errs = append(errs, d.logger.Close())
	}
	return errors.Join(errs...)
}

// watchConfig reloads the log level when the configuration file changes.
// A --log-level flag takes precedence and disables the reload.
func (d *Dependencies) watchConfig() func() {
	if d.logLevel != "" {
		return func() {}
	}
	loader := config.NewLoader(d.configPath)
	if err := loader.Watch(); err != nil {
		d.logger.Debug("config watch unavailable", "path", loader.Path(), "error", err)
		return func() {}
	}
	loader.OnChange(func(c *config.Config) {
		defer d.crash.RecoverGoroutine("config-reload")
		level, err := logging.ParseLevel(c.Logging.Level)
		if err != nil {
			return
		}
		d.logger.SetLevel(level)
		d.logger.Info("log level reloaded", "level", logging.LevelString(level))
	})
	return func() { _ = loader.Close() }
}

// load reads the configuration, applies the global flags and sets up
// logging and crash handling.
func (d *Dependencies) load(cmd *cobra.Command) error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if d.dataDir != "" {
		cfg.Storage.DataDir = d.dataDir
	}
	if d.logLevel != "" {
		cfg.Logging.Level = d.logLevel
	}

	problems := config.Check(cfg)
	if problems.HasErrors() {
		return fmt.Errorf("invalid configuration: %w", problems.Errors())
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(logger)
	for _, w := range problems.Warnings() {
		logger.Debug("configuration warning", "field", w.Field, "message", w.Message)
	}

	d.cfg = cfg
	d.logger = logger
	d.crash = logging.NewCrashHandler(logging.CrashHandlerConfig{
		CrashDir:  cfg.CrashDir(),
		Version:   Version,
		Component: "cli",
		ActiveSession: func() (int64, bool) {
			if d.recorder == nil {
				return 0, false
			}
			return d.recorder.Active()
		},
		OnCrash: func(logging.CrashReport) {
			if d.app != nil {
				d.app.Flush()
			}
		},
	})
	d.crash.SetCommand(cmd.CommandPath())
	if n, err := d.crash.CleanupOldCrashReports(crashRetention); err != nil {
		logger.Debug("crash report cleanup failed", "error", err)
	} else if n > 0 {
		logger.Debug("removed old crash reports", "count", n)
	}
	return nil
}

// guard runs fn under the crash handler.
func (d *Dependencies) guard(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return d.crash.Guard(func() error { return fn(cmd, args) })
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "screentrail",
		Short:         "Record screen snapshots into sessions and sync them",
		Long:          "screentrail records periodic screenshots into local sessions, keeps per-session metadata next to the images, and submits sessions to a remote backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.load(cmd)
		},
	}
	rootCmd.Version = Version
	rootCmd.SetOut(deps.Out)
	rootCmd.SetErr(deps.Err)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&deps.configPath, "config", "", "config file (default: platform config dir)")
	flags.StringVar(&deps.dataDir, "data-dir", "", "data directory override")
	flags.StringVar(&deps.logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewSessionsCmd(deps))
	rootCmd.AddCommand(NewLabelCmd(deps))
	rootCmd.AddCommand(NewCommentCmd(deps))
	rootCmd.AddCommand(NewSubmitCmd(deps))
	rootCmd.AddCommand(NewSyncCmd(deps))
	rootCmd.AddCommand(NewMigrateCmd(deps))
	rootCmd.AddCommand(NewSearchCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))
	rootCmd.AddCommand(NewConfigCmd(deps))
	rootCmd.AddCommand(NewActivityCmd(deps))

	return rootCmd
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func parseSeconds(s, what string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return v, nil
}
