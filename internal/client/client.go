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

	"github.com/ternarybob/supercomp/internal/models"
	"github.com/ternarybob/supercomp/internal/services/lookup"
)

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// Unwrap maps the reported error kind back to its sentinel so callers can use errors.Is
func (e *APIError) Unwrap() error {
	switch e.Kind {
	case models.KindValidation:
		return models.ErrValidation
	case models.KindEmptySolution:
		return models.ErrEmptySolution
	case models.KindNotFound:
		return models.ErrNotFound
	case models.KindNotReady:
		return models.ErrNotReady
	case models.KindAlreadySubmitted:
		return models.ErrAlreadySubmitted
	case models.KindInvalidTransition:
		return models.ErrInvalidTransition
	case models.KindRemoteRejected:
		return models.ErrRemoteRejected
	case models.KindTimeout:
		return models.ErrTimeout
	case models.KindAutomationFailure:
		return models.ErrAutomationFailure
	}
	if e.StatusCode == http.StatusNotFound {
		return models.ErrNotFound
	}
	return nil
}

// CreateResponse is the answer to POST /api/jobs
type CreateResponse struct {
	Success  bool            `json:"success"`
	JobID    string          `json:"jobId"`
	Status   models.JobState `json:"status"`
	Attached bool            `json:"attached"`
}

// Client talks to the job-keyed polling API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the server at baseURL. A nil httpClient gets a 30s default.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewDefaultHTTPClient(30 * time.Second)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Create starts (or attaches to) the lookup for an identifier
func (c *Client) Create(ctx context.Context, identifier, year string) (*CreateResponse, error) {
	var out CreateResponse
	body := lookup.CreateRequest{Identifier: identifier, Year: year}
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status polls the job's state
func (c *Client) Status(ctx context.Context, jobID string) (*lookup.StatusView, error) {
	var out lookup.StatusView
	if err := c.doJSON(ctx, http.MethodGet, c.jobPath(jobID, "status"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Job fetches the full job snapshot
func (c *Client) Job(ctx context.Context, jobID string) (*models.Job, error) {
	var out models.Job
	if err := c.doJSON(ctx, http.MethodGet, c.jobPath(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Challenge downloads the current challenge image
func (c *Client) Challenge(ctx context.Context, jobID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.jobPath(jobID, "captcha"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge image: %w", err)
	}
	return data, nil
}

// Submit sends the operator's solution for the current challenge
func (c *Client) Submit(ctx context.Context, jobID, text string) error {
	return c.doJSON(ctx, http.MethodPost, c.jobPath(jobID, "captcha"), lookup.SolutionRequest{Text: text}, nil)
}

// Evidence downloads a capture ("before", "after") or the "report.pdf"
func (c *Client) Evidence(ctx context.Context, jobID, name string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.jobPath(jobID, "evidence", name), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence %s: %w", name, err)
	}
	return data, nil
}

func (c *Client) jobPath(jobID string, parts ...string) string {
	segments := append([]string{"/api/jobs", url.PathEscape(jobID)}, parts...)
	return strings.Join(segments, "/")
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// do sends the request and turns non-2xx responses into *APIError
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var payload struct {
		Message   string `json:"message"`
		Error     string `json:"error"`
		ErrorKind string `json:"error_kind"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err == nil {
		if payload.Message != "" {
			apiErr.Message = payload.Message
		} else if payload.Error != "" {
			apiErr.Message = payload.Error
		}
		apiErr.Kind = payload.ErrorKind
	}
	return nil, apiErr
}

// IsKind reports whether err is an API error of the given kind
func IsKind(err error, kind string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
