package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/researchroom/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagMode       string
	flagDatabase   string
	flagWebsocket  bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "researchroom",
		Short:   "Read research papers together in real time",
		Long:    "Create a room, upload papers, and annotate them with others; every participant's view stays live.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file path")
	pf.StringVar(&flagMode, "mode", "", "backend: remote or local")
	pf.StringVar(&flagDatabase, "database", "", "local database file (local mode)")
	pf.BoolVar(&flagWebsocket, "websocket", true, "receive push notifications (remote mode)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "show informational logs")
	pf.BoolVar(&flagDebug, "debug", false, "show debug logs")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "only show errors")

	cmd.AddCommand(newJoinCmd())
	cmd.AddCommand(newRoomCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result in resolvedCfg.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	// Only pass flags the user explicitly set, so the file and env layers
	// are not masked by flag defaults.
	if cmd.Flags().Changed("mode") {
		cli.Mode = &flagMode
	}

	if cmd.Flags().Changed("database") {
		cli.Database = &flagDatabase
	}

	if cmd.Flags().Changed("websocket") {
		cli.Websocket = &flagWebsocket
	}

	env, err := config.ReadEnvOverrides()
	if err != nil {
		return err
	}

	resolved, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// bootstrapLogger is used before configuration is loaded. It honors only
// the CLI flags.
func bootstrapLogger() *slog.Logger {
	return newLogger(os.Stderr, flagLevel(slog.LevelWarn), "text")
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. The config file's log level is the baseline; flags win.
func buildLogger(cfg *config.Resolved) *slog.Logger {
	if cfg == nil {
		return bootstrapLogger()
	}

	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return newLogger(os.Stderr, flagLevel(level), cfg.LogFormat)
}

// flagLevel applies --verbose, --debug and --quiet on top of base.
func flagLevel(base slog.Level) slog.Level {
	level := base

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return level
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}
