// Package users reads the list of Zoom users whose recordings a run downloads
package users

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tribloom/Zoom-Meeting-Download/internal/email"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
)

// UserListManager defines the interface for user list operations
type UserListManager interface {
	// Users returns the listed users in file order
	Users() []string
	GetStats() UserStats
	Reload() error
	Close() error
}

// UserListConfig holds configuration for the user list manager
type UserListConfig struct {
	FilePath  string // Path to the users file, one email per line
	WatchFile bool   // Whether to reload the file when it changes
}

// UserStats provides statistics about the user list
type UserStats struct {
	TotalUsers   int       // Number of valid users listed
	InvalidLines int       // Lines skipped as invalid email addresses
	Reloads      int       // Times the list was loaded
	LastUpdated  time.Time // When the list was last loaded
	FilePath     string    // Path to the user list file
	FileSize     int64     // Size of the user list file
	IsWatching   bool      // Whether file watching is enabled
}

type userListManagerImpl struct {
	config    UserListConfig
	logger    logging.Logger
	userList  []string
	mutex     sync.RWMutex
	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	closeOnce sync.Once
	stats     UserStats
}

// NewUserListManager loads the users file and, when configured, watches it for
// changes
func NewUserListManager(config UserListConfig, logger logging.Logger) (UserListManager, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("users file path cannot be empty")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	manager := &userListManagerImpl{
		config:    config,
		logger:    logger,
		stopWatch: make(chan struct{}),
		stats: UserStats{
			FilePath:   config.FilePath,
			IsWatching: config.WatchFile,
		},
	}

	if err := manager.loadUserList(); err != nil {
		return nil, fmt.Errorf("failed to load initial user list: %w", err)
	}

	if config.WatchFile {
		if err := manager.setupFileWatcher(); err != nil {
			return nil, fmt.Errorf("failed to setup file watcher: %w", err)
		}
	}

	return manager, nil
}

// Users returns a copy of the user list
func (m *userListManagerImpl) Users() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]string, len(m.userList))
	copy(result, m.userList)
	return result
}

// GetStats returns statistics about the user list
func (m *userListManagerImpl) GetStats() UserStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// Reload reloads the user list from the file
func (m *userListManagerImpl) Reload() error {
	return m.loadUserList()
}

// Close stops the file watcher
func (m *userListManagerImpl) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopWatch)
		if m.watcher != nil {
			err = m.watcher.Close()
		}
	})
	return err
}

func (m *userListManagerImpl) loadUserList() error {
	file, err := os.Open(m.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to open user list file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file info: %w", err)
	}

	seen := make(map[string]bool)
	newUserList := make([]string, 0)
	invalid := 0

	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		address := email.NormalizeEmail(line)
		if !email.IsValidEmail(address) {
			invalid++
			m.logger.Warn("Ignoring invalid email on line %d of %s: %q", lineNumber, m.config.FilePath, line)
			continue
		}

		if !seen[address] {
			seen[address] = true
			newUserList = append(newUserList, address)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading user list file: %w", err)
	}

	m.mutex.Lock()
	m.userList = newUserList
	m.stats.TotalUsers = len(newUserList)
	m.stats.InvalidLines = invalid
	m.stats.Reloads++
	m.stats.LastUpdated = time.Now()
	m.stats.FileSize = fileInfo.Size()
	m.mutex.Unlock()

	m.logger.Debug("Loaded %d users from %s", len(newUserList), m.config.FilePath)
	return nil
}

// setupFileWatcher watches the file's directory so editors that replace the
// file on save are still seen
func (m *userListManagerImpl) setupFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(m.config.FilePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher
	go m.watchFileChanges()
	return nil
}

func (m *userListManagerImpl) watchFileChanges() {
	target := filepath.Clean(m.config.FilePath)

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			// Small delay to ensure file write is complete
			time.Sleep(10 * time.Millisecond)

			if err := m.loadUserList(); err != nil {
				m.logger.Warn("Failed to reload users file: %v", err)
				continue
			}
			m.logger.Info("Users file %s changed, %d users listed", m.config.FilePath, len(m.Users()))

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Users file watcher error: %v", err)

		case <-m.stopWatch:
			return
		}
	}
}

// Queue hands out each listed user once per run. Users added to a watched file
// while the run is in progress are handed out before the queue drains.
type Queue struct {
	manager UserListManager
	mu      sync.Mutex
	done    map[string]bool
}

// NewQueue creates a queue over manager's list
func NewQueue(manager UserListManager) *Queue {
	return &Queue{manager: manager, done: make(map[string]bool)}
}

// Next returns the first listed user not yet handed out
func (q *Queue) Next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, user := range q.manager.Users() {
		if !q.done[user] {
			q.done[user] = true
			return user, true
		}
	}
	return "", false
}

// Handed returns how many users the queue has handed out
func (q *Queue) Handed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.done)
}
