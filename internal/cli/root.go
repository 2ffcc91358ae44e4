// Package cli implements the provisiond command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"provisiond/internal/config"
)

// app carries state shared by all subcommands once the root pre-run has
// resolved configuration and logging.
type app struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
	version    string

	cfg config.Config
	log zerolog.Logger
	out io.Writer
	err io.Writer
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// NewRootCmd builds the command tree. Flag defaults are seeded from the
// PROVISIOND_* environment.
func NewRootCmd(version string) *cobra.Command {
	a := &app{version: version, out: os.Stdout, err: os.Stderr}
	root := &cobra.Command{
		Use:           "provisiond",
		Short:         "Detect, install and cancel the local inference runtime stack",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", envStr("PROVISIOND_CONFIG", ""), "Config file (.yaml, .yml, .json, .toml)")
	root.PersistentFlags().StringVar(&a.addr, "addr", envStr("PROVISIOND_ADDR", ""), "HTTP listen address, e.g. :8080")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", envStr("PROVISIOND_LOG_LEVEL", ""), "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: console|json")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		a.out, a.err = cmd.OutOrStdout(), cmd.ErrOrStderr()
		return a.setup()
	}

	root.AddCommand(
		newServeCmd(a),
		newCheckCmd(a),
		newInstallCmd(a),
		newUninstallCmd(a),
		newVersionCmd(a),
	)
	return root
}

// setup loads the config file, applies flag overrides and defaults, and
// builds the root logger.
func (a *app) setup() error {
	var cfg config.Config
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if a.addr != "" {
		cfg.Addr = a.addr
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	config.ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	a.log = newLogger(a.err, cfg.LogLevel, cfg.LogFormat)
	return nil
}

func newLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, version string, args []string) int {
	root := NewRootCmd(version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}
