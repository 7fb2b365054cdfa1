// Package catalog is the HTTP client for the workflow catalog REST API.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	sferrors "github.com/randalmurphal/stepflow/internal/errors"
	"github.com/randalmurphal/stepflow/internal/util"
	"github.com/randalmurphal/stepflow/internal/workflow"
)

// StatusError is a non-2xx catalog response.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("catalog returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("catalog returned %d: %s", e.Status, e.Message)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int {
	return e.Status
}

// Unwrap exposes the structured error the server reported, if any.
func (e *StatusError) Unwrap() error {
	if e.Code == "" {
		return nil
	}
	return &sferrors.Error{Code: sferrors.Code(e.Code), What: e.Message}
}

// Client talks to the catalog API under one base URL.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	retry   util.RetryConfig
	logger  *slog.Logger
	group   singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The client is copied, so later
// options never modify the caller's value.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetry sets the retry policy for reads.
func WithRetry(cfg util.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for baseURL (scheme and host, optionally a path).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("catalog url %q must be http(s)://host", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: 10 * time.Second,
		retry:   util.DefaultRetryConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.http
	if c.timeout > 0 {
		hc.Timeout = c.timeout
	}
	c.http = &hc
	return c, nil
}

// List returns every workflow with its steps.
func (c *Client) List(ctx context.Context) ([]workflow.Workflow, error) {
	var out []workflow.Workflow
	err := c.read(ctx, "/api/workflows", &out)
	return out, err
}

// Get returns one workflow. Concurrent calls for the same id share one request.
// The shared request outlives a caller whose ctx is done; that caller returns
// ctx.Err() while the others still get the result.
func (c *Client) Get(ctx context.Context, id int64) (*workflow.Workflow, error) {
	key := strconv.FormatInt(id, 10)
	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchBudget())
		defer cancel()
		var w workflow.Workflow
		if err := c.read(fetchCtx, "/api/workflows/"+key, &w); err != nil {
			return nil, err
		}
		return &w, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		c.logger.Debug("coalesced workflow fetch", "workflow_id", id)
	}
	// Callers may modify the result.
	w := *res.Val.(*workflow.Workflow)
	w.Steps = append([]workflow.Step(nil), w.Steps...)
	return &w, nil
}

// Steps returns the steps of workflow id ordered by step number.
func (c *Client) Steps(ctx context.Context, id int64) ([]workflow.Step, error) {
	var out []workflow.Step
	err := c.read(ctx, "/api/workflows/"+strconv.FormatInt(id, 10)+"/steps", &out)
	return out, err
}

// Create creates a workflow. Not retried.
func (c *Client) Create(ctx context.Context, req workflow.NewWorkflow) (*workflow.Workflow, error) {
	var out workflow.Workflow
	if err := c.do(ctx, http.MethodPost, "/api/workflows", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddStep appends a step to workflow id. Not retried.
func (c *Client) AddStep(ctx context.Context, id int64, req workflow.NewStep) (*workflow.Step, error) {
	var out workflow.Step
	if err := c.do(ctx, http.MethodPost, "/api/workflows/"+strconv.FormatInt(id, 10)+"/steps", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// fetchBudget bounds a shared read: every attempt may use the full request
// timeout plus the longest backoff between attempts.
func (c *Client) fetchBudget() time.Duration {
	timeout := c.http.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	attempts := max(c.retry.MaxAttempts, 1)
	return time.Duration(attempts)*timeout + time.Duration(attempts-1)*c.retry.MaxBackoff
}

// read GETs path with retries.
func (c *Client) read(ctx context.Context, path string, out any) error {
	attempt := 0
	return util.Retry(ctx, c.retry, func() error {
		attempt++
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err != nil && util.IsRetryable(err) {
			c.logger.Debug("catalog read failed", "path", path, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return sferrors.ErrCatalogUnavailable(c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	se := &StatusError{Status: resp.StatusCode}

	var body struct {
		Error  string `json:"error"`
		Code   string `json:"code"`
		Detail any    `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		se.Code = body.Code
		se.Message = body.Error
		if se.Message == "" && body.Detail != nil {
			se.Message = fmt.Sprint(body.Detail)
		}
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(data))
	}
	if se.Message == "" {
		se.Message = http.StatusText(resp.StatusCode)
	}
	return se
}

// IsNotFound reports whether err is a 404 from the catalog.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}
