package zoom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultPageSize is the largest page the recordings endpoint accepts
const DefaultPageSize = 300

// RecordingsAPI is the subset of the Zoom API the download run depends on
type RecordingsAPI interface {
	GetUser(ctx context.Context, email string) (*User, error)
	ListUserRecordings(ctx context.Context, userID string, params ListRecordingsParams) (*ListRecordingsResponse, error)
}

// FileDownloader streams a recording file to w and reports the bytes written
type FileDownloader interface {
	DownloadFile(ctx context.Context, downloadURL string, w io.Writer) (int64, error)
}

// ListRecordingsParams holds parameters for listing recordings
type ListRecordingsParams struct {
	From          time.Time // inclusive, date only
	To            time.Time // inclusive, date only
	PageSize      int       // default 300
	NextPageToken string
}

// Client calls the Zoom v2 REST API
type Client struct {
	http      *AuthenticatedClient
	downloads *AuthenticatedClient
	baseURL   string
}

// NewClient creates a new Zoom API client. Files are downloaded through httpClient
// too unless WithDownloadClient sets another one.
func NewClient(httpClient *AuthenticatedClient, baseURL string) *Client {
	return &Client{
		http:      httpClient,
		downloads: httpClient,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
}

// WithDownloadClient sets the client used by DownloadFile
func (c *Client) WithDownloadClient(httpClient *AuthenticatedClient) *Client {
	c.downloads = httpClient
	return c
}

// GetUser resolves an email (or "me") to a Zoom user
func (c *Client) GetUser(ctx context.Context, email string) (*User, error) {
	endpoint := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(email))

	var user User
	if err := c.getJSON(ctx, endpoint, &user); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrUserNotFound, email, err)
		}
		return nil, fmt.Errorf("get user %s: %w", email, err)
	}
	return &user, nil
}

// ListUserRecordings fetches one page of a user's cloud recordings
func (c *Client) ListUserRecordings(ctx context.Context, userID string, params ListRecordingsParams) (*ListRecordingsResponse, error) {
	query := url.Values{}
	if !params.From.IsZero() {
		query.Set("from", params.From.Format("2006-01-02"))
	}
	if !params.To.IsZero() {
		query.Set("to", params.To.Format("2006-01-02"))
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	query.Set("page_size", strconv.Itoa(pageSize))
	if params.NextPageToken != "" {
		query.Set("next_page_token", params.NextPageToken)
	}

	endpoint := fmt.Sprintf("%s/users/%s/recordings?%s", c.baseURL, url.PathEscape(userID), query.Encode())

	var result ListRecordingsResponse
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrUserNotFound, userID, err)
		}
		return nil, err
	}
	return &result, nil
}

// DownloadFile streams the file at downloadURL into w
func (c *Client) DownloadFile(ctx context.Context, downloadURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.downloads.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		return written, fmt.Errorf("failed to copy file content: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return written, fmt.Errorf("short download: got %d of %d bytes: %w", written, resp.ContentLength, io.ErrUnexpectedEOF)
	}
	return written, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrEmptyBody
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
