// Package client talks to a running plughost over its HTTP API. The CLI and
// the monitor TUI use it.
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
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mattjoyce/plughost/internal/api"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/queue"
	"github.com/mattjoyce/plughost/internal/runs"
)

const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultMaxPolls     = 300
)

// ErrStillRunning is returned by WaitRun when polling gives up before the
// run reaches a terminal state.
var ErrStillRunning = errors.New("run still in progress")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// Client is a thin JSON client for the plughost API.
type Client struct {
	baseURL      string
	http         *http.Client
	stream       *http.Client
	pollInterval time.Duration
	maxPolls     uint64
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithPolling sets the WaitRun cadence.
func WithPolling(interval time.Duration, maxPolls uint64) Option {
	return func(cl *Client) {
		if interval > 0 {
			cl.pollInterval = interval
		}
		if maxPolls > 0 {
			cl.maxPolls = maxPolls
		}
	}
}

// New returns a client for baseURL, e.g. "http://127.0.0.1:8080". A bare
// host:port gets an http scheme.
func New(baseURL string, opts ...Option) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: 10 * time.Second},
		stream:       &http.Client{},
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPolls,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) CreateRun(ctx context.Context, req api.CreateRunRequest) (string, error) {
	var resp api.CreateRunResponse
	if err := c.do(ctx, http.MethodPost, "/runs", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// GetRun fetches a run. Unknown or expired ids wrap runs.ErrRunNotFound.
func (c *Client) GetRun(ctx context.Context, id string) (runs.Run, error) {
	var run runs.Run
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &run)
	return run, notFoundAsRun(err, id)
}

func (c *Client) Export(ctx context.Context, id string) (runs.Export, error) {
	var export runs.Export
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id)+"/export", nil, &export)
	return export, notFoundAsRun(err, id)
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]runs.Run, error) {
	var resp api.ListRunsResponse
	path := "/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// WaitRun polls until the run is terminal, the poll budget is spent, or ctx
// ends. A spent budget returns the last observed run with ErrStillRunning.
func (c *Client) WaitRun(ctx context.Context, id string) (runs.Run, error) {
	var last runs.Run
	backoff := retry.WithMaxRetries(c.maxPolls, retry.NewConstant(c.pollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return err
		}
		last = run
		if !run.Status.Terminal() {
			return retry.RetryableError(ErrStillRunning)
		}
		return nil
	})
	return last, err
}

func (c *Client) ListPlugins(ctx context.Context) ([]plugin.Info, error) {
	var resp api.ListPluginsResponse
	if err := c.do(ctx, http.MethodGet, "/plugins", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Plugins, nil
}

func (c *Client) Connect(ctx context.Context, id string) (api.ConnectResponse, error) {
	var resp api.ConnectResponse
	err := c.do(ctx, http.MethodPost, "/plugins/"+url.PathEscape(id)+"/connect", nil, &resp)
	return resp, err
}

func (c *Client) Disconnect(ctx context.Context, id string) (api.DisconnectResponse, error) {
	var resp api.DisconnectResponse
	err := c.do(ctx, http.MethodPost, "/plugins/"+url.PathEscape(id)+"/disconnect", nil, &resp)
	return resp, err
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/plugins/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Reload(ctx context.Context) (plugin.ReloadReport, error) {
	var report plugin.ReloadReport
	err := c.do(ctx, http.MethodPost, "/plugins/reload", nil, &report)
	return report, err
}

// Messages drains up to max plugin messages; max <= 0 uses the server batch.
func (c *Client) Messages(ctx context.Context, max int) ([]queue.Item, error) {
	var resp api.MessagesResponse
	path := "/messages"
	if max > 0 {
		path += "?max=" + strconv.Itoa(max)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var resp api.HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Code = e.Code
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func notFoundAsRun(err error, id string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", runs.ErrRunNotFound, id)
	}
	return err
}
