package zoom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tribloom/Zoom-Meeting-Download/internal/logging"
)

// MaxRedirects bounds redirect chains, download URLs redirect to storage hosts
const MaxRedirects = 10

var (
	// ErrUserNotFound is returned when Zoom reports the user does not exist
	ErrUserNotFound = errors.New("zoom user not found")

	// ErrEmptyBody is returned when a successful response carries no body
	ErrEmptyBody = errors.New("empty response body")
)

// APIError is a non-2xx Zoom response
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`

	// Wait is the Retry-After hint, zero when absent
	Wait time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("zoom API error %d (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("zoom API error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("zoom API error (HTTP %d)", e.Status)
}

// StatusCode returns the HTTP status of the response
func (e *APIError) StatusCode() int {
	return e.Status
}

// RetryAfter returns the server's wait hint
func (e *APIError) RetryAfter() time.Duration {
	return e.Wait
}

// NewHTTPClient returns an http.Client with the given per-request timeout and a
// bounded redirect policy
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("too many redirects: %d", len(via))
			}
			return nil
		},
	}
}

// NewDownloadHTTPClient returns an http.Client for recording files. Transfers have
// no overall deadline; only the wait for response headers is bounded.
func NewDownloadHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout

	client := NewHTTPClient(0)
	client.Transport = transport
	return client
}

// AuthenticatedClient adds bearer credentials to requests, replays a request once
// with a fresh token after a 401, and turns error statuses into *APIError
type AuthenticatedClient struct {
	client      *http.Client
	credentials CredentialProvider
	logger      logging.Logger
}

// NewAuthenticatedClient creates an HTTP client with automatic authentication
func NewAuthenticatedClient(client *http.Client, credentials CredentialProvider, logger logging.Logger) *AuthenticatedClient {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &AuthenticatedClient{
		client:      client,
		credentials: credentials,
		logger:      logger,
	}
}

// Do executes req. On success the caller owns the response body; status codes of
// 400 and above are returned as *APIError with the body consumed.
func (c *AuthenticatedClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.logger.Warn("Received 401 for %s, refreshing credentials and retrying once", req.URL.Path)
		c.credentials.Invalidate()

		replay, err := cloneForReplay(req)
		if err != nil {
			return nil, err
		}
		resp, err = c.send(replay)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode >= 400 {
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func (c *AuthenticatedClient) send(req *http.Request) (*http.Response, error) {
	token, err := c.credentials.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to get access token for request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	requestID := logging.GenerateRequestID()
	c.logger.LogAPIRequest(logging.APIRequest{
		Method:    req.Method,
		URL:       req.URL.Redacted(),
		Headers:   map[string]string{"Authorization": "Bearer"},
		RequestID: requestID,
	})

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.LogAPIResponse(logging.APIResponse{
			RequestID: requestID,
			Duration:  time.Since(start),
			Error:     err.Error(),
		})
		return nil, err
	}

	c.logger.LogAPIResponse(logging.APIResponse{
		StatusCode: resp.StatusCode,
		RequestID:  requestID,
		Duration:   time.Since(start),
		Success:    resp.StatusCode < 400,
	})
	return resp, nil
}

// Client returns the underlying HTTP client
func (c *AuthenticatedClient) Client() *http.Client {
	return c.client
}

func cloneForReplay(req *http.Request) (*http.Request, error) {
	replay := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("cannot replay %s %s: request body is not rewindable", req.Method, req.URL.Path)
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		replay.Body = body
	}
	return replay, nil
}

func readAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	apiErr := &APIError{
		Status: resp.StatusCode,
		Wait:   parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, apiErr); err != nil {
			apiErr.Message = string(body)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
