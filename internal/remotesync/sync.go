// Package remotesync copies a finished run root to cloud storage with rclone
package remotesync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/config"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
)

// Runner runs an external command
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error
}

// ExecRunner runs commands with os/exec, without a shell
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Syncer copies run roots to <remote>:/<remote_path>/<email>
type Syncer struct {
	config config.SyncConfig
	dryRun bool
	runner Runner
	logger logging.Logger
}

// New creates a Syncer. A nil runner uses ExecRunner.
func New(cfg config.SyncConfig, dryRun bool, runner Runner, logger logging.Logger) *Syncer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Command == "" {
		cfg.Command = "rclone"
	}
	return &Syncer{config: cfg, dryRun: dryRun, runner: runner, logger: logger}
}

// Destination returns the remote path a user's root is copied to
func (s *Syncer) Destination(userEmail string) string {
	return s.config.Remote + ":" + path.Join("/", s.config.RemotePath, userEmail)
}

// Args returns the command arguments for copying root
func (s *Syncer) Args(root, userEmail string) []string {
	args := []string{"copy", "--progress"}
	if s.config.Transfers > 0 {
		args = append(args, "--transfers", strconv.Itoa(s.config.Transfers))
	}
	return append(args, root, s.Destination(userEmail))
}

// Sync copies root for userEmail. Disabled sync is a no-op and dry run only logs
// the command.
func (s *Syncer) Sync(ctx context.Context, root, userEmail string) error {
	if !s.config.Enabled {
		s.logger.Debug("Sync disabled, leaving %s in place", root)
		return nil
	}

	args := s.Args(root, userEmail)
	command := s.config.Command + " " + strings.Join(args, " ")
	if s.dryRun {
		s.logger.Info("%sRun %s", logging.DryRunPrefix, command)
		return nil
	}

	logging.Separator(s.logger, "Sync "+userEmail)
	s.logger.Info("Running %s", command)

	stdout := newLineLogger(s.logger.Info)
	stderr := newLineLogger(s.logger.Warn)
	start := time.Now()
	err := s.runner.Run(ctx, s.config.Command, args, stdout, stderr)
	stdout.Flush()
	stderr.Flush()

	s.logger.LogPerformance(logging.PerformanceMetrics{
		Operation: "remote_sync",
		Duration:  time.Since(start),
		Success:   err == nil,
		Metadata: map[string]interface{}{
			"user":        userEmail,
			"destination": s.Destination(userEmail),
		},
	})
	if err != nil {
		return fmt.Errorf("sync of %s to %s failed: %w", root, s.Destination(userEmail), err)
	}
	s.logger.Info("Synced %s to %s in %v", root, s.Destination(userEmail), time.Since(start).Round(time.Second))
	return nil
}

// lineLogger forwards complete output lines to a log function
type lineLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
	log func(format string, args ...interface{})
}

func newLineLogger(log func(format string, args ...interface{})) *lineLogger {
	return &lineLogger{log: log}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			return len(p), nil
		}
		l.emit(line)
	}
}

// Flush logs any trailing partial line
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line string) {
	// rclone --progress redraws with carriage returns
	if i := strings.LastIndex(line, "\r"); i >= 0 && i < len(strings.TrimRight(line, "\r\n")) {
		line = line[i+1:]
	}
	if line = strings.TrimSpace(line); line != "" {
		l.log("%s", line)
	}
}
