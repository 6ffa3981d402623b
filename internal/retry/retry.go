// Package retry provides error classification and exponential backoff for Zoom API
// calls and recording downloads
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/config"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
)

// ErrorType represents different categories of errors for retry logic
type ErrorType string

const (
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeServer    ErrorType = "server"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeAuth      ErrorType = "auth"
	ErrorTypeNotFound  ErrorType = "not_found"
	ErrorTypeClient    ErrorType = "client"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// StatusCoder is implemented by errors that carry an HTTP status
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer is implemented by errors that carry a server supplied wait hint
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Config holds the backoff parameters of one policy
type Config struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`

	Jitter        bool `json:"jitter"`
	JitterPercent int  `json:"jitter_percent"` // 0-100

	RetryableErrors []ErrorType `json:"retryable_errors"`
}

// DefaultRetryableErrors lists the error types retried unless a policy says otherwise
func DefaultRetryableErrors() []ErrorType {
	return []ErrorType{
		ErrorTypeNetwork,
		ErrorTypeTimeout,
		ErrorTypeServer,
		ErrorTypeRateLimit,
		ErrorTypeAuth,
	}
}

// DefaultConfig returns 10 attempts with 5s base delay doubling up to 50s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     10,
		BaseDelay:       5 * time.Second,
		MaxDelay:        50 * time.Second,
		Multiplier:      2.0,
		RetryableErrors: DefaultRetryableErrors(),
	}
}

// FromSettings builds a Config from a settings file retry section
func FromSettings(settings config.RetryPolicyConfig) Config {
	cfg := DefaultConfig()
	if settings.MaxAttempts > 0 {
		cfg.MaxAttempts = settings.MaxAttempts
	}
	if settings.BaseDelayMs > 0 {
		cfg.BaseDelay = settings.BaseDelay()
	}
	if settings.MaxDelayMs > 0 {
		cfg.MaxDelay = settings.MaxDelay()
	}
	return cfg
}

// ValidateConfig validates a retry configuration
func ValidateConfig(cfg Config) error {
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0")
	}
	if cfg.BaseDelay < 0 {
		return fmt.Errorf("base_delay cannot be negative")
	}
	if cfg.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be >= 1.0")
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.BaseDelay {
		return fmt.Errorf("max_delay cannot be less than base_delay")
	}
	if cfg.JitterPercent < 0 || cfg.JitterPercent > 100 {
		return fmt.Errorf("jitter_percent must be between 0 and 100")
	}
	return nil
}

// ExhaustedError is returned when every allowed attempt failed with a retryable error
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Policy executes operations with classification-driven retries. A Policy is safe
// for concurrent use.
type Policy struct {
	config Config
	logger logging.Logger

	mu     sync.Mutex
	random *rand.Rand
}

// NewPolicy creates a policy; a nil logger discards retry messages
func NewPolicy(cfg Config, logger logging.Logger) *Policy {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 2.0
	}
	if len(cfg.RetryableErrors) == 0 {
		cfg.RetryableErrors = DefaultRetryableErrors()
	}
	return &Policy{
		config: cfg,
		logger: logger,
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config returns the policy configuration
func (p *Policy) Config() Config {
	return p.config
}

// IsRetryable checks if an error type is configured as retryable
func (p *Policy) IsRetryable(errorType ErrorType) bool {
	for _, retryable := range p.config.RetryableErrors {
		if retryable == errorType {
			return true
		}
	}
	return false
}

// Backoff returns the delay after the given failed attempt (1-based),
// base * multiplier^(attempt-1) capped at the maximum delay
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.config.BaseDelay) * math.Pow(p.config.Multiplier, float64(attempt-1))
	if p.config.MaxDelay > 0 && delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}
	return time.Duration(delay)
}

// CalculateDelay returns the wait before the next attempt and whether there
// should be one
func (p *Policy) CalculateDelay(err error, attempt int) (time.Duration, bool) {
	if attempt >= p.config.MaxAttempts {
		return 0, false
	}
	if !p.IsRetryable(ClassifyError(err)) {
		return 0, false
	}

	delay := p.Backoff(attempt)
	if p.config.Jitter {
		delay = p.applyJitter(delay)
	}

	var hinted RetryAfterer
	if errors.As(err, &hinted) && hinted.RetryAfter() > delay {
		delay = hinted.RetryAfter()
	}
	if p.config.MaxDelay > 0 && delay > p.config.MaxDelay {
		delay = p.config.MaxDelay
	}
	return delay, true
}

func (p *Policy) applyJitter(delay time.Duration) time.Duration {
	if p.config.JitterPercent <= 0 {
		return delay
	}

	p.mu.Lock()
	r := p.random.Float64()
	p.mu.Unlock()

	jitterRange := float64(delay) * float64(p.config.JitterPercent) / 100.0
	jittered := float64(delay) + (r-0.5)*2*jitterRange
	if jittered < 0 {
		jittered = float64(delay) * 0.1
	}
	return time.Duration(jittered)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempt++
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Debug("%s succeeded on attempt %d", op, attempt)
			}
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		errorType := ClassifyError(err)
		if !p.IsRetryable(errorType) {
			return fmt.Errorf("%s: %w", op, err)
		}

		delay, again := p.CalculateDelay(err, attempt)
		if !again {
			return &ExhaustedError{Op: op, Attempts: attempt, Err: err}
		}

		p.logger.Warn("%s attempt %d/%d failed (%s): %v; retrying in %v",
			op, attempt, p.config.MaxAttempts, errorType, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Execute is Do for operations that produce a value
func Execute[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

// ClassifyError classifies an error into an ErrorType for retry logic
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var status StatusCoder
	if errors.As(err, &status) {
		return ClassifyHTTPStatus(status.StatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return ErrorTypeNetwork
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "connection") || strings.Contains(errMsg, "network") {
		return ErrorTypeNetwork
	}
	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline") {
		return ErrorTypeTimeout
	}

	return ErrorTypeUnknown
}

// ClassifyHTTPStatus classifies HTTP status codes into error types
func ClassifyHTTPStatus(statusCode int) ErrorType {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorTypeAuth
	case statusCode == http.StatusNotFound:
		return ErrorTypeNotFound
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClient
	case statusCode >= 500:
		return ErrorTypeServer
	default:
		return ErrorTypeUnknown
	}
}

// Policies groups the three policies a run uses
type Policies struct {
	Credential *Policy
	Lookup     *Policy
	Download   *Policy
}

// NewPolicies builds the credential, lookup and download policies from settings
func NewPolicies(settings config.RetryConfig, logger logging.Logger) Policies {
	return Policies{
		Credential: NewPolicy(FromSettings(settings.Credential), logger),
		Lookup:     NewPolicy(FromSettings(settings.Lookup), logger),
		Download:   NewPolicy(FromSettings(settings.Download), logger),
	}
}
