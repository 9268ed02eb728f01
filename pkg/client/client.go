// Package client provides a typed HTTP client SDK for the vinskraper job API.
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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/snublejuice/vinskraper/pkg/types"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxRetries       = 3
	defaultWaitPollInterval = 2 * time.Second
	jobsPath                = "/api/v1/jobs"
	versionPath             = "/version"
	maxErrorBody            = 4 << 10
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the root URL of a running `vinskraper serve` (for example: http://localhost:8087).
	BaseURL string
	// Timeout is the per-request timeout. Defaults to 30s.
	Timeout time.Duration
	// MaxRetries is the number of retry attempts for transient errors.
	MaxRetries int
	// HTTPClient overrides the default client. Its Timeout is left untouched.
	HTTPClient *http.Client
}

// APIError is a non-success response. Problem is filled when the server
// returned an RFC 9457 body.
type APIError struct {
	StatusCode int
	Problem    types.Problem
}

func (e *APIError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Problem.Detail)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the typed HTTP SDK for the job API.
type Client struct {
	http       *http.Client
	baseURL    string
	cfg        Config
	newBackOff func() backoff.BackOff
}

// WaitJobOptions configures polling behavior in WaitJob.
type WaitJobOptions struct {
	Interval time.Duration
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("client: BaseURL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	cfg.BaseURL = baseURL

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		http:    httpClient,
		baseURL: cfg.BaseURL,
		cfg:     cfg,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}, nil
}

// Version returns the server build info.
func (c *Client) Version(ctx context.Context) (*types.BuildInfo, error) {
	var result types.BuildInfo
	if err := c.do(ctx, http.MethodGet, versionPath, &result, http.StatusOK); err != nil {
		return nil, fmt.Errorf("getting version: %w", err)
	}
	return &result, nil
}

// ListJobs returns every scheduled job ordered by name.
func (c *Client) ListJobs(ctx context.Context) (*types.JobList, error) {
	var result types.JobList
	if err := c.do(ctx, http.MethodGet, jobsPath, &result, http.StatusOK); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return &result, nil
}

// GetJob returns one job's status. The API has no per-job read endpoint, so
// this filters ListJobs.
func (c *Client) GetJob(ctx context.Context, name string) (*types.JobStatus, error) {
	jobName := strings.TrimSpace(name)
	if jobName == "" {
		return nil, fmt.Errorf("job name is required")
	}

	list, err := c.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range list.Items {
		if item.Name == jobName {
			return &item, nil
		}
	}
	return nil, fmt.Errorf("getting job %q: %w", jobName, &APIError{
		StatusCode: http.StatusNotFound,
		Problem:    types.Problem{Status: http.StatusNotFound, Detail: "unknown job: " + jobName},
	})
}

// TriggerJob queues a run. A job that already has a queued run is not an
// error: the result has Accepted false.
func (c *Client) TriggerJob(ctx context.Context, name string) (*types.JobTrigger, error) {
	jobName := strings.TrimSpace(name)
	if jobName == "" {
		return nil, fmt.Errorf("job name is required")
	}

	var result types.JobTrigger
	path := fmt.Sprintf("%s/%s/trigger", jobsPath, url.PathEscape(jobName))
	if err := c.do(ctx, http.MethodPost, path, &result, http.StatusAccepted, http.StatusConflict); err != nil {
		return nil, fmt.Errorf("triggering job %q: %w", jobName, err)
	}
	return &result, nil
}

// WaitJob polls until the job is idle with an attempt that started at or
// after since.
func (c *Client) WaitJob(ctx context.Context, name string, since time.Time, opts WaitJobOptions) (*types.JobStatus, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultWaitPollInterval
	}

	for {
		status, err := c.GetJob(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("waiting job %q: %w", name, err)
		}
		if status.Idle() && status.LastAttemptAt != nil && !status.LastAttemptAt.Before(since) {
			return status, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("waiting job %q: %w", name, ctx.Err())
		case <-timer.C:
		}
	}
}

// do sends one request with retries on transport errors, 429 and 5xx. The
// body is decoded into out when the status is one of accept.
func (c *Client) do(ctx context.Context, method, path string, out any, accept ...int) error {
	endpoint := c.baseURL + path
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		for _, code := range accept {
			if resp.StatusCode != code {
				continue
			}
			if out == nil {
				return struct{}{}, nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("decoding response: %w", err))
			}
			return struct{}{}, nil
		}

		apiErr := decodeAPIError(resp)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return struct{}{}, apiErr
		}
		return struct{}{}, backoff.Permanent(apiErr)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
	)
	return err
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return apiErr
	}
	_ = json.Unmarshal(body, &apiErr.Problem)
	return apiErr
}
