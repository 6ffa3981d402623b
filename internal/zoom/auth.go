// Package zoom provides Zoom API authentication and client functionality
package zoom

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tribloom/Zoom-Meeting-Download/internal/config"
	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
	"github.com/tribloom/Zoom-Meeting-Download/internal/retry"
)

const (
	// DefaultTokenLifetime is used when the token endpoint reports no lifetime
	DefaultTokenLifetime = 3599 * time.Second

	// ExpiryBuffer is subtracted from a token lifetime before it is considered stale
	ExpiryBuffer = 60 * time.Second
)

// AccessToken represents a bearer token with its expiry
type AccessToken struct {
	AccessToken string
	TokenType   string
	Scopes      []string
	ExpiresAt   time.Time
}

// IsExpired returns true if the token is expired or will expire within the buffer time
func (t *AccessToken) IsExpired(buffer time.Duration) bool {
	return time.Now().Add(buffer).After(t.ExpiresAt)
}

// TokenResponse represents the response from the OAuth token endpoint
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// AuthError represents authentication-related errors
type AuthError struct {
	Type   string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error %s: %s (%v)", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth error %s: %s", e.Type, e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// CredentialProvider supplies bearer tokens for Zoom API requests. Invalidate
// drops any cached token so the next Token call obtains a fresh one.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// NewCredentialProvider returns the provider selected by cfg.AuthType
func NewCredentialProvider(cfg config.ZoomConfig, client *http.Client, policy *retry.Policy, logger logging.Logger) (CredentialProvider, error) {
	switch cfg.AuthType {
	case "", config.AuthTypeAccountCredentials:
		return NewAccountCredentials(cfg, client, policy, logger), nil
	case config.AuthTypeJWT:
		return NewLegacyJWTCredentials(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported auth_type %q", cfg.AuthType)
	}
}

// AccountCredentials implements Server-to-Server OAuth (account_credentials grant)
type AccountCredentials struct {
	config config.ZoomConfig
	client *http.Client
	policy *retry.Policy
	logger logging.Logger

	mu     sync.Mutex
	cached *AccessToken
}

// NewAccountCredentials creates an account credentials provider; a nil policy
// fetches the token once without retries
func NewAccountCredentials(cfg config.ZoomConfig, client *http.Client, policy *retry.Policy, logger logging.Logger) *AccountCredentials {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if policy == nil {
		policy = retry.NewPolicy(retry.Config{MaxAttempts: 1}, logger)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &AccountCredentials{
		config: cfg,
		client: client,
		policy: policy,
		logger: logger,
	}
}

// Token returns the cached access token or fetches a new one
func (a *AccountCredentials) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached != nil && !a.cached.IsExpired(ExpiryBuffer) {
		return a.cached.AccessToken, nil
	}

	token, err := retry.Execute(ctx, a.policy, "fetch access token", a.fetch)
	if err != nil {
		return "", err
	}

	a.logger.Debug("Obtained access token valid until %s", token.ExpiresAt.Format(time.RFC3339))
	a.cached = token
	return token.AccessToken, nil
}

// Invalidate drops the cached token
func (a *AccountCredentials) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cached = nil
}

func (a *AccountCredentials) fetch(ctx context.Context) (*AccessToken, error) {
	query := url.Values{}
	query.Set("grant_type", "account_credentials")
	query.Set("account_id", a.config.AccountID)
	tokenURL := a.config.OAuthURL + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, nil)
	if err != nil {
		return nil, &AuthError{
			Type:   "request_creation",
			Reason: "failed to create OAuth request",
			Err:    err,
		}
	}

	basic := base64.StdEncoding.EncodeToString([]byte(a.config.ClientID + ":" + a.config.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &AuthError{
			Type:   "request_failed",
			Reason: "failed to get access token",
			Err:    err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{
			Type:   "response_read",
			Reason: "failed to read token response",
			Err:    err,
		}
	}

	var tokenResponse TokenResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &tokenResponse); err != nil && resp.StatusCode == http.StatusOK {
			return nil, &AuthError{
				Type:   "response_parsing",
				Reason: "failed to parse token response",
				Err:    err,
			}
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{
			Type:   "http_error",
			Reason: strings.TrimSpace(tokenResponse.Error + " " + tokenResponse.Reason),
			Err: &APIError{
				Status:  resp.StatusCode,
				Message: tokenResponse.Reason,
				Wait:    parseRetryAfter(resp.Header.Get("Retry-After")),
			},
		}
	}

	if tokenResponse.AccessToken == "" {
		return nil, &AuthError{
			Type:   "empty_token",
			Reason: "token endpoint returned no access_token",
		}
	}

	tokenType := tokenResponse.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}

	token := &AccessToken{
		AccessToken: tokenResponse.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   time.Now().Add(tokenLifetime(tokenResponse)),
	}
	if tokenResponse.Scope != "" {
		token.Scopes = strings.Fields(tokenResponse.Scope)
	}
	return token, nil
}

// tokenLifetime prefers expires_in, then the JWT exp claim of the token itself
func tokenLifetime(resp TokenResponse) time.Duration {
	if resp.ExpiresIn > 0 {
		return time.Duration(resp.ExpiresIn) * time.Second
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			if lifetime := time.Until(exp.Time); lifetime > 0 {
				return lifetime
			}
		}
	}

	return DefaultTokenLifetime
}

// LegacyJWTCredentials signs tokens locally with the app secret (JWT app type)
type LegacyJWTCredentials struct {
	config config.ZoomConfig
	now    func() time.Time

	mu     sync.Mutex
	cached *AccessToken
}

// NewLegacyJWTCredentials creates a provider for legacy JWT apps
func NewLegacyJWTCredentials(cfg config.ZoomConfig) *LegacyJWTCredentials {
	return &LegacyJWTCredentials{config: cfg, now: time.Now}
}

// Token returns a signed HS256 token, reusing the previous one until it nears expiry
func (l *LegacyJWTCredentials) Token(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && !l.cached.IsExpired(ExpiryBuffer) {
		return l.cached.AccessToken, nil
	}

	now := l.now()
	expiresAt := now.Add(time.Hour)
	claims := jwt.MapClaims{
		"iss": l.config.ClientID,
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(l.config.ClientSecret))
	if err != nil {
		return "", &AuthError{
			Type:   "jwt_generation",
			Reason: "failed to sign JWT token",
			Err:    err,
		}
	}

	l.cached = &AccessToken{AccessToken: signed, TokenType: "bearer", ExpiresAt: expiresAt}
	return signed, nil
}

// Invalidate drops the cached token
func (l *LegacyJWTCredentials) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cached = nil
}
