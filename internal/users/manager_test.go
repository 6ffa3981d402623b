package users

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeUsersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create users file: %v", err)
	}
	return path
}

// TestUserListManager tests loading of the users file
func TestUserListManager(t *testing.T) {
	tests := []struct {
		name            string
		fileContent     string
		expectedUsers   []string
		expectedInvalid int
	}{
		{
			name: "valid user list with mixed content",
			fileContent: `john.doe@company.com
jane.smith@company.com
admin@company.com

# This is a comment
user@example.org
# Another comment

test.user@domain.co.uk`,
			expectedUsers: []string{
				"john.doe@company.com",
				"jane.smith@company.com",
				"admin@company.com",
				"user@example.org",
				"test.user@domain.co.uk",
			},
		},
		{
			name:          "empty file",
			fileContent:   ``,
			expectedUsers: []string{},
		},
		{
			name: "only comments and empty lines",
			fileContent: `
# This is a comment
# Another comment


   # Indented comment
`,
			expectedUsers: []string{},
		},
		{
			name: "case and whitespace are normalized and duplicates dropped",
			fileContent: `  JChill@Example.com
jchill@example.com
Other@Example.com	`,
			expectedUsers: []string{"jchill@example.com", "other@example.com"},
		},
		{
			name: "invalid lines are skipped",
			fileContent: `valid@example.com
not-an-email
@example.com
also.valid@example.com`,
			expectedUsers:   []string{"valid@example.com", "also.valid@example.com"},
			expectedInvalid: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewUserListManager(UserListConfig{FilePath: writeUsersFile(t, tt.fileContent)}, nil)
			if err != nil {
				t.Fatalf("Failed to create manager: %v", err)
			}
			defer manager.Close()

			users := manager.Users()
			if fmt.Sprint(users) != fmt.Sprint(tt.expectedUsers) {
				t.Errorf("Expected users %v, got %v", tt.expectedUsers, users)
			}

			stats := manager.GetStats()
			if stats.TotalUsers != len(tt.expectedUsers) {
				t.Errorf("Expected %d users in stats, got %d", len(tt.expectedUsers), stats.TotalUsers)
			}
			if stats.InvalidLines != tt.expectedInvalid {
				t.Errorf("Expected %d invalid lines, got %d", tt.expectedInvalid, stats.InvalidLines)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := NewUserListManager(UserListConfig{FilePath: filepath.Join(t.TempDir(), "missing.txt")}, nil); err == nil {
		t.Error("Expected error for a missing users file")
	}
	if _, err := NewUserListManager(UserListConfig{}, nil); err == nil {
		t.Error("Expected error for an empty path")
	}
}

func TestUsersReturnsCopy(t *testing.T) {
	manager, err := NewUserListManager(UserListConfig{FilePath: writeUsersFile(t, "a@example.com\n")}, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer manager.Close()

	users := manager.Users()
	users[0] = "changed@example.com"
	if manager.Users()[0] != "a@example.com" {
		t.Error("Users should return a copy")
	}
}

func TestReload(t *testing.T) {
	path := writeUsersFile(t, "a@example.com\n")
	manager, err := NewUserListManager(UserListConfig{FilePath: path}, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer manager.Close()

	if err := os.WriteFile(path, []byte("a@example.com\nb@example.com\n"), 0644); err != nil {
		t.Fatalf("Failed to update users file: %v", err)
	}
	if err := manager.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := len(manager.Users()); got != 2 {
		t.Errorf("Expected 2 users after reload, got %d", got)
	}
	if stats := manager.GetStats(); stats.Reloads != 2 {
		t.Errorf("Expected 2 loads, got %d", stats.Reloads)
	}
}

func TestUserListFileWatching(t *testing.T) {
	path := writeUsersFile(t, "user1@example.com\nuser2@example.com\n")

	manager, err := NewUserListManager(UserListConfig{FilePath: path, WatchFile: true}, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer manager.Close()

	if !manager.GetStats().IsWatching {
		t.Error("Expected watching to be reported")
	}

	if err := os.WriteFile(path, []byte("user1@example.com\nuser2@example.com\nuser3@example.com\n"), 0644); err != nil {
		t.Fatalf("Failed to update users file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(manager.Users()) != 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := manager.Users(); len(got) != 3 || got[2] != "user3@example.com" {
		t.Errorf("Expected the appended user to be picked up, got %v", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	manager, err := NewUserListManager(UserListConfig{FilePath: writeUsersFile(t, "a@example.com\n"), WatchFile: true}, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestQueue(t *testing.T) {
	path := writeUsersFile(t, "a@example.com\nb@example.com\n")
	manager, err := NewUserListManager(UserListConfig{FilePath: path}, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer manager.Close()

	queue := NewQueue(manager)
	first, ok := queue.Next()
	if !ok || first != "a@example.com" {
		t.Fatalf("Expected a@example.com, got %q", first)
	}

	// A user appended mid-run is handed out before the queue drains
	if err := os.WriteFile(path, []byte("a@example.com\nb@example.com\nc@example.com\n"), 0644); err != nil {
		t.Fatalf("Failed to update users file: %v", err)
	}
	if err := manager.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	var rest []string
	for {
		user, ok := queue.Next()
		if !ok {
			break
		}
		rest = append(rest, user)
	}
	if fmt.Sprint(rest) != "[b@example.com c@example.com]" {
		t.Errorf("Unexpected remaining users %v", rest)
	}
	if queue.Handed() != 3 {
		t.Errorf("Expected 3 users handed out, got %d", queue.Handed())
	}
}

func TestConcurrentAccess(t *testing.T) {
	path := writeUsersFile(t, "a@example.com\nb@example.com\nc@example.com\n")
	manager, err := NewUserListManager(UserListConfig{FilePath: path}, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer manager.Close()

	queue := NewQueue(manager)
	var wg sync.WaitGroup
	var mu sync.Mutex
	handed := make(map[string]int)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				user, ok := queue.Next()
				if !ok {
					return
				}
				mu.Lock()
				handed[user]++
				mu.Unlock()
				manager.Reload()
			}
		}()
	}
	wg.Wait()

	if len(handed) != 3 {
		t.Errorf("Expected 3 users, got %v", handed)
	}
	for user, count := range handed {
		if count != 1 {
			t.Errorf("User %s handed out %d times", user, count)
		}
	}
}
