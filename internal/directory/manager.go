// Package directory creates the run root and per-meeting directories for downloads
package directory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/email"
	"github.com/tribloom/Zoom-Meeting-Download/internal/filename"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
	"github.com/tribloom/Zoom-Meeting-Download/internal/window"
	"github.com/tribloom/Zoom-Meeting-Download/internal/zoom"
)

// DirectoryManager defines the interface for directory structure operations
type DirectoryManager interface {
	// RunRoot creates <base>/<email>-ZoomRecordings-<from>-<to>, or
	// <email>-ZoomRecordings-Through-<to> when no from date was given
	RunRoot(userEmail string, from, to time.Time) (string, error)

	// EnsureMeetingDir creates the meeting's directory under root and returns its
	// path. An existing directory is only a warning.
	EnsureMeetingDir(root string, meeting zoom.Meeting) (string, error)

	GetStats() DirectoryStats
}

// DirectoryConfig holds configuration for the directory manager
type DirectoryConfig struct {
	BaseDirectory string
	DryRun        bool
}

// DirectoryStats provides statistics about directory operations
type DirectoryStats struct {
	DirectoriesCreated int
	AlreadyExisted     int
	Failures           int
	BaseDirectory      string
	LastCreated        time.Time
}

type directoryManagerImpl struct {
	config DirectoryConfig
	namer  filename.Namer
	logger logging.Logger

	mu    sync.Mutex
	stats DirectoryStats
}

// NewDirectoryManager creates a new directory manager with the given configuration
func NewDirectoryManager(config DirectoryConfig, namer filename.Namer, logger logging.Logger) DirectoryManager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &directoryManagerImpl{
		config: config,
		namer:  namer,
		logger: logger,
		stats:  DirectoryStats{BaseDirectory: config.BaseDirectory},
	}
}

// RootName returns the run root directory name
func RootName(userEmail string, from, to time.Time) string {
	if from.IsZero() {
		return fmt.Sprintf("%s-ZoomRecordings-Through-%s", userEmail, to.Format(window.DateLayout))
	}
	return fmt.Sprintf("%s-ZoomRecordings-%s-%s", userEmail, from.Format(window.DateLayout), to.Format(window.DateLayout))
}

func (dm *directoryManagerImpl) RunRoot(userEmail string, from, to time.Time) (string, error) {
	if userEmail == "" {
		return "", fmt.Errorf("user email cannot be empty")
	}
	if !email.IsValidEmail(userEmail) {
		return "", fmt.Errorf("invalid email format: %s", userEmail)
	}
	if dm.config.BaseDirectory == "" {
		return "", fmt.Errorf("base directory cannot be empty")
	}

	root := filepath.Join(dm.config.BaseDirectory, dm.namer.Sanitize(RootName(email.NormalizeEmail(userEmail), from, to)))
	if err := dm.ensure(root, true); err != nil {
		return root, err
	}
	return root, nil
}

func (dm *directoryManagerImpl) EnsureMeetingDir(root string, meeting zoom.Meeting) (string, error) {
	path := filepath.Join(root, dm.namer.MeetingDir(meeting))
	return path, dm.ensure(path, false)
}

func (dm *directoryManagerImpl) ensure(path string, parents bool) error {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		dm.logger.Warn("Directory already exists: %s", path)
		dm.record(func(s *DirectoryStats) { s.AlreadyExisted++ })
		return nil
	case err == nil:
		dm.record(func(s *DirectoryStats) { s.Failures++ })
		err = fmt.Errorf("creation of the directory failed: %s exists and is not a directory", path)
		dm.logger.Error("%v", err)
		return err
	case !errors.Is(err, fs.ErrNotExist):
		dm.record(func(s *DirectoryStats) { s.Failures++ })
		dm.logger.Error("Creation of the directory failed: %s: %v", path, err)
		return fmt.Errorf("failed to stat directory %s: %w", path, err)
	}

	if dm.config.DryRun {
		dm.logger.Info("%sMaking directory: %s", logging.DryRunPrefix, path)
		return nil
	}

	dm.logger.Debug("Making directory: %s", path)
	mkdir := os.Mkdir
	if parents {
		mkdir = os.MkdirAll
	}
	if err := mkdir(path, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			dm.logger.Warn("Directory already exists: %s", path)
			dm.record(func(s *DirectoryStats) { s.AlreadyExisted++ })
			return nil
		}
		dm.record(func(s *DirectoryStats) { s.Failures++ })
		dm.logger.Error("Creation of the directory failed: %s: %v", path, err)
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	dm.record(func(s *DirectoryStats) {
		s.DirectoriesCreated++
		s.LastCreated = time.Now()
	})
	return nil
}

func (dm *directoryManagerImpl) record(update func(*DirectoryStats)) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	update(&dm.stats)
}

// GetStats returns statistics about directory operations
func (dm *directoryManagerImpl) GetStats() DirectoryStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.stats
}
