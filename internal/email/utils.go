// Package email provides utilities for email address handling
package email

import (
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9._-]+\.[a-zA-Z]{2,}$`)

// IsValidEmail performs basic email validation
func IsValidEmail(email string) bool {
	// Check for empty email first
	if email == "" {
		return false
	}

	// Check if email has leading/trailing spaces (invalid)
	if strings.TrimSpace(email) != email {
		return false
	}

	// Check for reasonable length limit (RFC 5321 suggests 320 chars max)
	if len(email) > 320 {
		return false
	}

	// Check for basic format using regex
	return emailRegex.MatchString(email)
}

// NormalizeEmail trims surrounding space and lowercases an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
