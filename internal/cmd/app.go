// Package cmd provides the CLI commands for difysync.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/corentel/difysync/internal/apperrors"
	"github.com/corentel/difysync/internal/archive"
	"github.com/corentel/difysync/internal/dify"
	"github.com/corentel/difysync/internal/drive"
	"github.com/corentel/difysync/internal/engine"
	"github.com/corentel/difysync/internal/metastore"
	"github.com/corentel/difysync/internal/version"
)

const (
	defaultDBPath      = "difysync.db"
	defaultInterval    = 5 * time.Minute
	defaultParallelism = 4
	defaultMaxAttempts = 3
	defaultRetryBase   = time.Second
	defaultRetryMax    = 30 * time.Second

	historyDisplayLimit = 20
)

var (
	// konfig is the global koanf instance.
	konfig = koanf.New(".")
)

// verboseFlag is the shared verbose flag for all commands.
var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Enable verbose logging",
}

// LogFormat represents the log output format.
type LogFormat string

const (
	// LogFormatText is the human-readable text format (default).
	LogFormatText LogFormat = "text"
	// LogFormatJSON is the JSON-formatted structured logs.
	LogFormatJSON LogFormat = "json"
)

// getLogFormat returns the configured log format from DFY_LOG_FORMAT environment variable.
func getLogFormat() LogFormat {
	val := strings.ToLower(os.Getenv("DFY_LOG_FORMAT"))
	switch val {
	case "json":
		return LogFormatJSON
	case "text", "":
		return LogFormatText
	default:
		// Invalid format - will warn after logger is set up
		return LogFormatText
	}
}

// setupLogging configures the global logger based on the verbose flag and DFY_LOG_FORMAT.
func setupLogging(cmd *cli.Command) {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}

	format := getLogFormat()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))

	// Warn about invalid format after logger is set up
	envVal := strings.ToLower(os.Getenv("DFY_LOG_FORMAT"))
	if envVal != "" && envVal != "text" && envVal != "json" {
		slog.Warn("Invalid DFY_LOG_FORMAT value, using text format", "value", envVal)
	}

	if level == slog.LevelDebug {
		slog.Debug("Verbose logging enabled")
	}
}

// NewApp creates the CLI application.
//
//nolint:funlen // CLI application with many flags
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "difysync",
		Usage:   "Synchronize a Google Drive folder into a Dify knowledge base dataset",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "drive-token",
				Usage:   "Google Drive API access token",
				Sources: cli.EnvVars("DFY_DRIVE_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "folder",
				Aliases: []string{"f"},
				Usage:   "Drive folder ID to watch",
				Sources: cli.EnvVars("DFY_DRIVE_FOLDER"),
			},
			&cli.StringFlag{
				Name:    "dify-url",
				Usage:   "Dify API base URL",
				Sources: cli.EnvVars("DFY_API_URL"),
			},
			&cli.StringFlag{
				Name:    "dify-key",
				Usage:   "Dify API key",
				Sources: cli.EnvVars("DFY_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "dataset",
				Usage:   "Dify dataset (knowledge base) ID",
				Sources: cli.EnvVars("DFY_DATASET"),
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the sync state database",
				Value:   defaultDBPath,
				Sources: cli.EnvVars("DFY_DB"),
			},
			&cli.StringFlag{
				Name:    "archive",
				Usage:   "Directory for the git-backed mirror of synced files (empty disables)",
				Sources: cli.EnvVars("DFY_ARCHIVE_DIR"),
			},
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "Idle time between sync cycles",
				Value:   defaultInterval,
				Sources: cli.EnvVars("DFY_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "parallelism",
				Aliases: []string{"p"},
				Usage:   "Maximum concurrent file transfers",
				Value:   defaultParallelism,
				Sources: cli.EnvVars("DFY_PARALLELISM"),
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Attempts per file operation before marking it failed",
				Value:   defaultMaxAttempts,
				Sources: cli.EnvVars("DFY_MAX_ATTEMPTS"),
			},
			&cli.DurationFlag{
				Name:    "retry-base",
				Usage:   "Initial retry backoff delay",
				Value:   defaultRetryBase,
				Sources: cli.EnvVars("DFY_RETRY_BASE"),
			},
			&cli.DurationFlag{
				Name:    "retry-max",
				Usage:   "Maximum retry backoff delay",
				Value:   defaultRetryMax,
				Sources: cli.EnvVars("DFY_RETRY_MAX"),
			},
			&cli.StringFlag{
				Name:    "removal",
				Usage:   "Deletion policy: 'local' forgets removed files, 'sink' also deletes their documents",
				Value:   string(engine.RemovalLocal),
				Sources: cli.EnvVars("DFY_REMOVAL"),
			},
			verboseFlag,
		},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			// Load environment variables with DFY_ prefix
			if err := konfig.Load(env.Provider(".", env.Opt{
				Prefix: "DFY_",
			}), nil); err != nil {
				return ctx, fmt.Errorf("load env: %w", err)
			}

			return ctx, nil
		},
		Commands: []*cli.Command{
			syncCommand(),
			watchCommand(),
			statusCommand(),
			checkCommand(),
			remoteCommand(),
		},
	}
}

// syncCommand creates the sync subcommand.
func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a single sync cycle and exit",
		Flags: []cli.Flag{
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			orch, store, err := setupOrchestrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeStore(store)

			result, err := orch.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			displayCycleResult(result)
			return nil
		},
	}
}

// watchCommand creates the watch subcommand.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Continuously sync, idling the configured interval between cycles",
		Flags: []cli.Flag{
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			orch, store, err := setupOrchestrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeStore(store)

			return orch.Run(ctx)
		},
	}
}

// statusCommand creates the status subcommand.
func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show sync state counts, failed files, and recent history",
		Flags: []cli.Flag{
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			store, err := metastore.Open(cmd.String("db"))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer closeStore(store)

			counts, err := store.StatusCounts(ctx)
			if err != nil {
				return fmt.Errorf("status counts: %w", err)
			}

			records, err := store.ListAll(ctx)
			if err != nil {
				return fmt.Errorf("list records: %w", err)
			}

			var failed []metastore.FileRecord
			for _, rec := range records {
				if rec.Status == metastore.StatusFailed {
					failed = append(failed, rec)
				}
			}

			history, err := store.RecentHistory(ctx, historyDisplayLimit)
			if err != nil {
				return fmt.Errorf("recent history: %w", err)
			}

			displayStatus(counts, failed, history)
			return nil
		},
	}
}

// checkCommand creates the check subcommand.
func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Verify connectivity to Drive, Dify, the state database, and the mirror remote",
		Flags: []cli.Flag{
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var failures int

			provider, err := setupDriveClient(cmd)
			if err != nil {
				displayCheck("drive", err)
				failures++
			} else {
				folderName, pingErr := provider.Ping(ctx)
				displayCheckDetail("drive", pingErr, "folder "+folderName)
				if pingErr != nil {
					failures++
				}
			}

			sink, err := setupDifyClient(cmd)
			if err != nil {
				displayCheck("dify", err)
				failures++
			} else {
				total, pingErr := sink.Ping(ctx)
				displayCheckDetail("dify", pingErr, fmt.Sprintf("%d documents", total))
				if pingErr != nil {
					failures++
				}
			}

			store, err := metastore.Open(cmd.String("db"))
			displayCheck("database", err)
			if err != nil {
				failures++
			} else {
				closeStore(store)
			}

			remoteCfg := archive.LoadRemoteConfigFromEnv()
			if remoteCfg.IsEnabled() {
				err := remoteCfg.TestConnection(ctx)
				displayCheck("mirror remote", err)
				if err != nil {
					failures++
				}
			}

			if failures > 0 {
				return fmt.Errorf("%d check(s) failed: %w", failures, apperrors.ErrCheckFailed)
			}
			return nil
		},
	}
}

// remoteCommand creates the remote subcommand.
func remoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "remote",
		Usage: "Manage the mirror's remote git repository",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show current remote configuration from environment variables",
				Flags: []cli.Flag{
					verboseFlag,
				},
				Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
					setupLogging(cmd)
					return ctx, nil
				},
				Action: func(_ context.Context, _ *cli.Command) error {
					cfg := archive.LoadRemoteConfigFromEnv()
					displayRemoteConfig(cfg)
					return nil
				},
			},
			{
				Name:  "test",
				Usage: "Test connection to the mirror's remote repository",
				Flags: []cli.Flag{
					verboseFlag,
				},
				Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
					setupLogging(cmd)
					return ctx, nil
				},
				Action: func(ctx context.Context, _ *cli.Command) error {
					cfg := archive.LoadRemoteConfigFromEnv()

					if !cfg.IsEnabled() {
						return apperrors.ErrRemoteNotConfigured
					}

					return displayConnectionTest(ctx, cfg)
				},
			},
		},
	}
}

// setupDriveClient creates the Drive client from command flags.
func setupDriveClient(cmd *cli.Command) (*drive.Client, error) {
	token := cmd.String("drive-token")
	if token == "" {
		return nil, apperrors.ErrDriveTokenRequired
	}

	folderID := cmd.String("folder")
	if folderID == "" {
		return nil, apperrors.ErrDriveFolderRequired
	}

	return drive.NewClient(token, folderID, drive.WithLogger(slog.Default())), nil
}

// setupDifyClient creates the Dify client from command flags.
func setupDifyClient(cmd *cli.Command) (*dify.Client, error) {
	apiURL := cmd.String("dify-url")
	apiKey := cmd.String("dify-key")
	dataset := cmd.String("dataset")
	if apiURL == "" || apiKey == "" || dataset == "" {
		return nil, apperrors.ErrDifyNotConfigured
	}

	return dify.NewClient(apiURL, apiKey, dataset, dify.WithLogger(slog.Default())), nil
}

// setupOrchestrator wires the full pipeline from command flags: Drive client,
// Dify client, state store, optional mirror, and the orchestrator on top.
func setupOrchestrator(ctx context.Context, cmd *cli.Command) (*engine.Orchestrator, *metastore.Store, error) {
	provider, err := setupDriveClient(cmd)
	if err != nil {
		return nil, nil, err
	}

	sink, err := setupDifyClient(cmd)
	if err != nil {
		return nil, nil, err
	}

	removal, err := engine.ParseRemovalPolicy(cmd.String("removal"))
	if err != nil {
		return nil, nil, err
	}

	store, err := metastore.Open(cmd.String("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	opts := []engine.Option{
		engine.WithLogger(slog.Default()),
	}

	if archiveDir := cmd.String("archive"); archiveDir != "" {
		remoteConfig := archive.LoadRemoteConfigFromEnv()
		mirror, err := archive.NewMirror(archiveDir,
			archive.WithLogger(slog.Default()),
			archive.WithRemoteConfig(remoteConfig))
		if err != nil {
			closeStore(store)
			return nil, nil, fmt.Errorf("create mirror: %w", err)
		}

		// Converge on the remote before the first cycle
		if mirror.IsRemoteEnabled() {
			if pullErr := mirror.Pull(ctx); pullErr != nil {
				slog.Warn("mirror pull failed", "error", pullErr)
			}
		}

		opts = append(opts, engine.WithArchive(mirror))
	}

	cfg := engine.Config{
		Interval:    cmd.Duration("interval"),
		Parallelism: cmd.Int("parallelism"),
		Retry: engine.RetryPolicy{
			MaxAttempts: cmd.Int("max-attempts"),
			BaseDelay:   cmd.Duration("retry-base"),
			MaxDelay:    cmd.Duration("retry-max"),
		},
		Removal: removal,
	}

	return engine.New(provider, sink, store, cfg, opts...), store, nil
}

// closeStore closes the store, logging instead of failing on error.
func closeStore(store *metastore.Store) {
	if err := store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}
