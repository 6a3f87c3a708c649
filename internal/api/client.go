package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kggtools/kgg-cli/internal/httpx"
	"github.com/kggtools/kgg-cli/internal/logging"
)

// retryLogger adapts the package logger to retryablehttp's interface.
// Retries only log at warn and above.
type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}

func fieldMap(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}

// Options configures a backend client.
type Options struct {
	BaseURL   string
	ProxyMode string
	ProxyURL  string
	NoProxy   string
	Logger    *logging.Logger
}

// Client talks to the conversion backend. Request/response endpoints
// go through a retrying HTTP client; the conversion stream uses the
// bare client because a run must never be retried.
type Client struct {
	httpClient   *nethttp.Client
	streamClient *nethttp.Client
	baseURL      string
	log          *logging.Logger
}

// NewClient creates a backend client.
func NewClient(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewDefaultLogger()
	}

	base, err := httpx.NewClient(httpx.Options{
		ProxyMode: opts.ProxyMode,
		ProxyURL:  opts.ProxyURL,
		NoProxy:   opts.NoProxy,
		Timeout:   30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("configure HTTP client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = base
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = &retryLogger{log: opts.Logger}

	// The stream connection stays open for the whole run, so it gets
	// its own client without a request timeout.
	stream, err := httpx.NewClient(httpx.Options{
		ProxyMode: opts.ProxyMode,
		ProxyURL:  opts.ProxyURL,
		NoProxy:   opts.NoProxy,
	})
	if err != nil {
		return nil, fmt.Errorf("configure stream client: %w", err)
	}

	return &Client{
		httpClient:   retryClient.StandardClient(),
		streamClient: stream,
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		log:          opts.Logger,
	}, nil
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// doJSON performs a JSON request and decodes the response into out
// (which may be nil). Non-2xx responses decode into *Error.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// GetConfig fetches backend limits, supported formats and credential
// database status.
func (c *Client) GetConfig(ctx context.Context) (*BackendConfig, error) {
	var cfg BackendConfig
	if err := c.doJSON(ctx, nethttp.MethodGet, "/api/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateDBPath asks the backend whether path is a usable credential
// database.
func (c *Client) ValidateDBPath(ctx context.Context, path string) (*ValidateDBResult, error) {
	body := struct {
		DBPath string `json:"dbPath"`
	}{DBPath: path}

	var result ValidateDBResult
	if err := c.doJSON(ctx, nethttp.MethodPost, "/api/validate-db-path", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PickDirectory opens the backend's native directory dialog.
func (c *Client) PickDirectory(ctx context.Context) (*PickResult, error) {
	var result PickResult
	if err := c.doJSON(ctx, nethttp.MethodPost, "/api/pick-directory", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PickDBFile opens the backend's native credential-file dialog.
func (c *Client) PickDBFile(ctx context.Context) (*PickResult, error) {
	var result PickResult
	if err := c.doJSON(ctx, nethttp.MethodPost, "/api/pick-db-file", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// OpenFolder asks the backend to reveal path in the system file manager.
func (c *Client) OpenFolder(ctx context.Context, path string) error {
	body := struct {
		Path string `json:"path"`
	}{Path: path}
	return c.doJSON(ctx, nethttp.MethodPost, "/api/open-folder", body, nil)
}

// ScanFolders runs a server-side directory scan.
func (c *Client) ScanFolders(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	var result ScanResult
	if err := c.doJSON(ctx, nethttp.MethodPost, "/api/scan-folders", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health returns the backend version.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.doJSON(ctx, nethttp.MethodGet, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
