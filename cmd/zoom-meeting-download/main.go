package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tribloom/Zoom-Meeting-Download/internal/config"
	"github.com/tribloom/Zoom-Meeting-Download/internal/directory"
	"github.com/tribloom/Zoom-Meeting-Download/internal/download"
	"github.com/tribloom/Zoom-Meeting-Download/internal/email"
	"github.com/tribloom/Zoom-Meeting-Download/internal/filename"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
	"github.com/tribloom/Zoom-Meeting-Download/internal/processor"
	"github.com/tribloom/Zoom-Meeting-Download/internal/progress"
	"github.com/tribloom/Zoom-Meeting-Download/internal/recordings"
	"github.com/tribloom/Zoom-Meeting-Download/internal/remotesync"
	"github.com/tribloom/Zoom-Meeting-Download/internal/retry"
	"github.com/tribloom/Zoom-Meeting-Download/internal/tracking"
	"github.com/tribloom/Zoom-Meeting-Download/internal/users"
	"github.com/tribloom/Zoom-Meeting-Download/internal/window"
	"github.com/tribloom/Zoom-Meeting-Download/internal/zoom"
)

var (
	// Version information - will be set during build
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// options holds the root command flags
type options struct {
	settings  string
	email     string
	from      string
	to        string
	usersFile string
	outputDir string
	workers   int
	dryRun    bool
	noSync    bool
	verbose   bool
}

// runDates is the parsed date range of a run
type runDates struct {
	from time.Time // zero when --from was not given
	to   time.Time
}

// buildRootCommand creates and configures the root command
func buildRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "zoom-meeting-download",
		Short: "Download Zoom cloud recordings over any date range",
		Long: `zoom-meeting-download lists a Zoom user's cloud recordings over an
arbitrary date range and downloads every recording file to local storage.

The range is split into windows of at most four weeks, which the Zoom API
accepts per query. Pages are merged into one deduplicated meeting list and
the files are downloaded by a fixed pool of workers. When sync is enabled the
finished directory is copied to cloud storage with rclone.`,
		Example: `  zoom-meeting-download -s settings.json -e jchill@example.com
  zoom-meeting-download -s settings.yaml -e jchill@example.com -f 2020-11-01 -t 2020-12-15
  zoom-meeting-download -s settings.toml --users-file users.txt --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dates, err := validateOptions(opts)
			if err != nil {
				return err
			}
			// Flags are valid; later failures are not usage errors
			cmd.SilenceUsage = true

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDownload(ctx, cmd, opts, dates)
		},
	}

	// Add subcommands
	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.settings, "settings", "s", "", "settings file path (.json, .yaml, .yml or .toml)")
	flags.StringVarP(&opts.email, "email", "e", "", "email of the Zoom user whose recordings are downloaded")
	flags.StringVarP(&opts.from, "from", "f", "", "first date to download, YYYY-MM-DD (default: earliest_date)")
	flags.StringVarP(&opts.to, "to", "t", "", "last date to download, YYYY-MM-DD (default: yesterday)")
	flags.StringVar(&opts.usersFile, "users-file", "", "file listing one user email per line (overrides users.file)")
	flags.StringVar(&opts.outputDir, "output-dir", "", "base download directory (overrides download.output_dir)")
	flags.IntVar(&opts.workers, "workers", 0, "number of download workers (overrides download.workers)")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "log what would be downloaded without writing files")
	flags.BoolVar(&opts.noSync, "no-sync", false, "skip the rclone sync step")
	flags.BoolVar(&opts.verbose, "verbose", false, "verbose logging")

	rootCmd.MarkFlagRequired("settings")
	rootCmd.MarkFlagsMutuallyExclusive("email", "users-file")

	return rootCmd
}

// validateOptions checks flag values and parses the date range
func validateOptions(opts *options) (runDates, error) {
	var dates runDates

	if opts.settings == "" {
		return dates, fmt.Errorf("--settings is required")
	}
	if opts.email != "" && !email.IsValidEmail(opts.email) {
		return dates, fmt.Errorf("invalid email format for --email: %s", opts.email)
	}
	if opts.workers < 0 {
		return dates, fmt.Errorf("--workers must be a positive number or 0, got: %d", opts.workers)
	}

	if opts.from != "" {
		from, err := window.ParseDate(opts.from)
		if err != nil {
			return dates, fmt.Errorf("--from: %w", err)
		}
		dates.from = from
	}

	if opts.to != "" {
		to, err := window.ParseDate(opts.to)
		if err != nil {
			return dates, fmt.Errorf("--to: %w", err)
		}
		dates.to = to
	} else {
		dates.to = window.DefaultTo(time.Now())
	}

	if !dates.from.IsZero() && dates.from.After(dates.to) {
		return dates, fmt.Errorf("--from %s is after --to %s", dates.from.Format(window.DateLayout), dates.to.Format(window.DateLayout))
	}

	return dates, nil
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version, commit, and build information for zoom-meeting-download",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("zoom-meeting-download version %s\n", version)
			cmd.Printf("Commit: %s\n", commit)
			cmd.Printf("Build date: %s\n", buildDate)
		},
	}
}

// createConfigCommand creates the config help subcommand
func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show settings file structure and examples",
		Long:  "Display the settings file structure, environment variables and usage examples",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(configHelp)
		},
	}
}

const configHelp = `Settings File Structure (settings.json, .yaml, .yml or .toml):

ZOOM API CONFIGURATION (Required):
=================================
{
  "zoom": {
    "account_id": "your_zoom_account_id",        # Server-to-Server OAuth account ID
    "client_id": "your_zoom_client_id",          # OAuth app client ID
    "client_secret": "your_zoom_client_secret",  # OAuth app client secret
    "base_url": "https://api.zoom.us/v2",        # default
    "oauth_url": "https://zoom.us/oauth/token",  # default
    "auth_type": "account_credentials"           # account_credentials (default) or jwt
  },
  "earliest_date": "2019-09-26",                 # account-wide floor, YYYY-MM-DD
  "testing": false                               # dry run: log actions, write nothing

# REQUIRED SCOPES: recording:read:admin, user:read:admin

DOWNLOAD CONFIGURATION:
======================
  "download": {
    "output_dir": "./downloads",      # base directory (default: ./downloads)
    "workers": 8,                     # download workers (default: 8)
    "batch_size": 25000,              # meetings queued at once (default: 25000)
    "join_timeout_minutes": 120,      # time one worker may spend on a meeting (default: 120)
    "timeout_seconds": 3600,          # timeout per API request (default: 3600)
    "response_header_timeout_seconds": 120, # wait for a file download to start (default: 120)
    "page_size": 300,                 # recordings per page, 1-300 (default: 300)
    "timezone": "America/Denver"      # meeting directory names (default: local time)
  }

RETRY CONFIGURATION:
===================
  "retry": {
    "credential": {"max_attempts": 10, "base_delay_ms": 5000, "max_delay_ms": 50000},
    "lookup":     {"max_attempts": 10, "base_delay_ms": 5000, "max_delay_ms": 50000},
    "download":   {"max_attempts": 5,  "base_delay_ms": 5000, "max_delay_ms": 50000}
  }

LOGGING CONFIGURATION:
=====================
  "logging": {
    "level": "info",                  # debug, info, warn, error (default: info)
    "dir": "./logs",                  # one timestamped log per run (default: ./logs)
    "file": "",                       # explicit log file, overrides dir
    "console": true,                  # mirror log lines to stdout (default: true)
    "json_format": false              # JSON log lines (default: false)
  }

SYNC CONFIGURATION (Optional):
=============================
  "sync": {
    "enabled": false,                 # run rclone after each user (default: false)
    "command": "rclone",              # default
    "remote": "gdrive",               # rclone remote name (default: gdrive)
    "remote_path": "ZoomRecordings",  # folder on the remote (default: ZoomRecordings)
    "transfers": 6                    # parallel rclone transfers (default: 6)
  }

USERS FILE (Optional):
=====================
  "users": {
    "file": "./users.txt",            # one email per line, # starts a comment
    "watch": true                     # pick up users appended during the run
  }
}

ENVIRONMENT VARIABLES:
=====================
A .env file next to the settings file is loaded first; variables already set win.

  ZOOM_ACCOUNT_ID     - Zoom account ID
  ZOOM_CLIENT_ID      - Zoom OAuth app client ID
  ZOOM_CLIENT_SECRET  - Zoom OAuth app client secret
  ZOOM_BASE_URL       - Zoom API base URL (optional)
  ZOOM_OAUTH_URL      - Zoom OAuth token URL (optional)
  DOWNLOAD_OUTPUT_DIR - Base download directory

EXAMPLE USAGE:
=============
1. One user, everything up to yesterday:
   zoom-meeting-download -s settings.json -e jchill@example.com

2. One user, a fixed range:
   zoom-meeting-download -s settings.json -e jchill@example.com -f 2020-11-01 -t 2020-12-15

3. Every user in a file, without syncing:
   zoom-meeting-download -s settings.json --users-file users.txt --no-sync

4. See what would be downloaded:
   zoom-meeting-download -s settings.json -e jchill@example.com --dry-run

DIRECTORY STRUCTURE:
==================
downloads/
└── jchill@example.com-ZoomRecordings-2020-11-01-2020-12-15/
    ├── downloads.csv
    └── 2020-11-20-06.30.00-PM---Team---Sync/
        ├── shared_screen_with_speaker_view MP4.mp4
        ├── audio_only M4A.m4a
        └── audio_transcript TRANSCRIPT.vtt

Without --from the run directory is named <email>-ZoomRecordings-Through-<to>.
downloads.csv lists every file downloaded into the run directory.
Synced runs are copied to <remote>:/<remote_path>/<email>.

TROUBLESHOOTING:
===============
- Ensure your Zoom app is a Server-to-Server OAuth app with the scopes above
- Check account_id matches your Zoom account (not a user ID)
- "user not found" means the email does not belong to the account
- Files still processing on Zoom's side are skipped; run again later for them
`

// runDownload executes the download run for one user or every listed user
func runDownload(ctx context.Context, cmd *cobra.Command, opts *options, dates runDates) error {
	cfg, err := config.LoadConfig(opts.settings)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	applyOverrides(cfg, opts)

	if opts.email == "" && cfg.Users.File == "" {
		return fmt.Errorf("either --email or --users-file (or users.file in settings) is required")
	}

	floor, err := cfg.Floor()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	location, err := cfg.Download.Location()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Initialize logging first
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	ctx = logging.WithRunID(ctx, logging.GenerateRunID())
	logger.InfoWithContext(ctx, "Starting zoom-meeting-download %s", version)
	logger.LogUserAction("session_start", "cli", map[string]interface{}{
		"email":      opts.email,
		"users_file": cfg.Users.File,
		"from":       formatDate(dates.from),
		"to":         formatDate(dates.to),
		"floor":      floor.Format(window.DateLayout),
		"dry_run":    cfg.Testing,
		"sync":       cfg.Sync.Enabled,
		"workers":    cfg.Download.Workers,
		"output_dir": cfg.Download.OutputDir,
	})
	if cfg.Testing {
		cmd.Printf("DRY RUN: showing what would be downloaded (no files will be saved)\n\n")
	}

	// Zoom API
	policies := retry.NewPolicies(cfg.Retry, logger)
	httpClient := zoom.NewHTTPClient(cfg.Download.TimeoutDuration())
	credentials, err := zoom.NewCredentialProvider(cfg.Zoom, httpClient, policies.Credential, logger)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	downloadClient := zoom.NewDownloadHTTPClient(cfg.Download.ResponseHeaderTimeout())
	api := zoom.NewClient(zoom.NewAuthenticatedClient(httpClient, credentials, logger), cfg.Zoom.BaseURL).
		WithDownloadClient(zoom.NewAuthenticatedClient(downloadClient, credentials, logger))

	// Pipeline
	namer := filename.NewNamer(filename.Options{Location: location})
	dirs := directory.NewDirectoryManager(directory.DirectoryConfig{
		BaseDirectory: cfg.Download.OutputDir,
		DryRun:        cfg.Testing,
	}, namer, logger)

	reporter := progress.NewProgressReporter(progress.ProgressConfig{
		EnableFileLogging: !cfg.Testing,
		Writer:            cmd.OutOrStdout(),
	}, logger)

	// completed files are also recorded in each run root's downloads.csv
	var fileReporter download.Reporter = reporter
	if !cfg.Testing {
		fileReporter = tracking.NewReporter(reporter, logger)
	}

	downloads := download.NewDownloadManager(download.DownloadConfig{}, api, policies.Download, logger)
	scheduler := download.NewScheduler(download.SchedulerConfig{
		Workers:     cfg.Download.Workers,
		BatchSize:   cfg.Download.BatchSize,
		JoinTimeout: cfg.Download.JoinTimeout(),
		DryRun:      cfg.Testing,
	}, downloads, dirs, namer, fileReporter, logger)

	userProcessor := processor.NewUserProcessor(
		recordings.NewEngine(api, policies.Lookup, cfg.Download.PageSize, logger),
		scheduler,
		dirs,
		remotesync.New(cfg.Sync, cfg.Testing, nil, logger),
		processor.ProcessorConfig{From: dates.from, To: dates.to, Floor: floor},
		logger,
	)

	if err := reporter.Start(ctx, 0); err != nil {
		return fmt.Errorf("failed to start progress tracking: %w", err)
	}

	var results []*processor.ProcessorResult
	var runErr error
	if opts.email != "" {
		var result *processor.ProcessorResult
		result, runErr = userProcessor.ProcessUser(ctx, email.NormalizeEmail(opts.email))
		results = append(results, result)
	} else {
		var summary *processor.ProcessorSummary
		summary, runErr = processUsersFile(ctx, cfg.Users, userProcessor, logger)
		if summary != nil {
			results = summary.UserResults
		}
	}

	summary := reporter.Finish()
	showRunSummary(cmd, results, summary, dirs.GetStats(), cfg.Testing)

	// Partial failures are in the log; only cancellation ends the run with an error
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	if runErr != nil && len(results) == 0 {
		return runErr
	}
	return nil
}

// applyOverrides applies command-line flags on top of the loaded settings
func applyOverrides(cfg *config.Config, opts *options) {
	if opts.outputDir != "" {
		cfg.Download.OutputDir = opts.outputDir
	}
	if opts.workers > 0 {
		cfg.Download.Workers = opts.workers
	}
	if opts.dryRun {
		cfg.Testing = true
	}
	if opts.noSync {
		cfg.Sync.Enabled = false
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	if opts.usersFile != "" {
		cfg.Users.File = opts.usersFile
	}
}

// processUsersFile runs every user listed in the users file
func processUsersFile(ctx context.Context, cfg config.UsersConfig, userProcessor processor.UserProcessor, logger logging.Logger) (*processor.ProcessorSummary, error) {
	manager, err := users.NewUserListManager(users.UserListConfig{
		FilePath:  cfg.File,
		WatchFile: cfg.Watch,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize user list: %w", err)
	}
	defer manager.Close()

	stats := manager.GetStats()
	logger.InfoWithContext(ctx, "Processing recordings for %d users from %s", stats.TotalUsers, stats.FilePath)
	if stats.TotalUsers == 0 {
		logger.Warn("No users listed in %s", stats.FilePath)
	}

	queue := users.NewQueue(manager)
	summary, err := userProcessor.ProcessAllUsers(ctx, queue)
	if added := queue.Handed() - stats.TotalUsers; added > 0 {
		logger.InfoWithContext(ctx, "Picked up %d users added to %s during the run", added, stats.FilePath)
	}
	return summary, err
}

// showRunSummary prints per-user results after the reporter's file summary
func showRunSummary(cmd *cobra.Command, results []*processor.ProcessorResult, summary *progress.Summary, dirStats directory.DirectoryStats, dryRun bool) {
	if dryRun {
		cmd.Printf("\nDRY RUN COMPLETED\n")
	} else {
		cmd.Printf("\nDOWNLOAD COMPLETED\n")
	}

	for _, result := range results {
		if result == nil {
			continue
		}
		status := "ok"
		if len(result.Errors) > 0 {
			status = fmt.Sprintf("%d errors", len(result.Errors))
		}
		cmd.Printf("- %s: %d meetings, %d downloaded, %d skipped, %d failed (%s)\n",
			result.Email, result.Meetings, result.Downloaded, result.Skipped, result.Failed, status)
		if result.Root != "" {
			cmd.Printf("    %s\n", result.Root)
		}
		for _, err := range result.Errors {
			cmd.Printf("    ! %v\n", err)
		}
	}

	if !dryRun && dirStats.DirectoriesCreated+dirStats.AlreadyExisted+dirStats.Failures > 0 {
		cmd.Printf("Directories: %d created, %d already existed, %d failed\n",
			dirStats.DirectoriesCreated, dirStats.AlreadyExisted, dirStats.Failures)
	}

	if summary == nil || len(summary.SkippedItems) == 0 {
		return
	}
	cmd.Printf("\nSkipped items by reason:\n")
	for reason, items := range summary.GetSkippedByReason() {
		cmd.Printf("   %s: %d items\n", reason.String(), len(items))
		if len(items) <= 5 {
			for _, item := range items {
				cmd.Printf("     - %s\n", item.Item)
			}
			continue
		}
		for i := 0; i < 3; i++ {
			cmd.Printf("     - %s\n", items[i].Item)
		}
		cmd.Printf("     ... and %d more\n", len(items)-3)
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(window.DateLayout)
}

func main() {
	rootCmd := buildRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
