package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/beatgen/api/internal/model"
)

const (
	DefaultPollInterval = 800 * time.Millisecond
	DefaultWaitTimeout  = 60 * time.Second
)

// ErrWaitTimeout is returned by Wait when the job is still running at the deadline.
var ErrWaitTimeout = errors.New("timed out waiting for export job")

// APIError is a non-2xx response from the export API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("export api error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("export api error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// JobFailedError is returned by Wait when the job ends in failed.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("export job %s failed: %s", e.JobID, e.Message)
}

// APIClient talks to the export HTTP API
type APIClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewAPIClient creates a client for the API at baseURL
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Submit requests an export and returns the job id
func (c *APIClient) Submit(ctx context.Context, kind model.ExportKind, arrangement json.RawMessage, presetID string) (string, error) {
	body := map[string]interface{}{"kind": kind}
	if len(arrangement) > 0 {
		body["arrangement"] = arrangement
	}
	if presetID != "" {
		body["presetId"] = presetID
	}

	var result model.ExportAcceptedResponse
	if err := c.do(ctx, http.MethodPost, "/export", body, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", errors.New("export api returned no job id")
	}
	return result.ID, nil
}

// Status fetches the current job status
func (c *APIClient) Status(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	var result model.JobStatusResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Wait polls until the job completes, fails, or timeout elapses. A zero
// interval or timeout uses the defaults.
func (c *APIClient) Wait(ctx context.Context, jobID string, interval, timeout time.Duration) (*model.JobStatusResponse, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		status, err := c.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case model.JobStatusCompleted:
			return status, nil
		case model.JobStatusFailed:
			msg := status.Error
			if msg == "" {
				msg = "unknown error"
			}
			return status, &JobFailedError{JobID: jobID, Message: msg}
		}

		if !time.Now().Add(interval).Before(deadline) {
			return status, ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Download fetches resultURL into dir and returns the local path and size.
// A relative resultURL is resolved against the API base URL.
func (c *APIClient) Download(ctx context.Context, resultURL, dir string) (string, int64, error) {
	target, err := c.resolve(resultURL)
	if err != nil {
		return "", 0, err
	}

	name := path.Base(target.Path)
	if name == "" || name == "/" || name == "." {
		return "", 0, fmt.Errorf("cannot derive file name from %q", resultURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, decodeAPIError(resp)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("ensure download directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("download %s: %w", name, err)
	}

	dest := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("rename download: %w", err)
	}
	return dest, size, nil
}

func (c *APIClient) resolve(ref string) (*url.URL, error) {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid result url %q: %w", ref, err)
	}
	return base.ResolveReference(u), nil
}

// do sends a request with an optional JSON body and parses the JSON response
func (c *APIClient) do(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
