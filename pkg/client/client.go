// Package client is the HTTP client for a remote desto daemon.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to the desto HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // skip TLS verification
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8088",
		Timeout: 10 * time.Second,
	}
}

// New creates a desto API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8088"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	var h Health
	if err := c.get(ctx, "/healthz", &h); err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return h.Status == "ok"
}

// Healthz returns the daemon health report.
func (c *Client) Healthz(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/healthz", &h)
	return h, err
}

// Launch starts a script in a new session.
func (c *Client) Launch(ctx context.Context, req LaunchRequest) (Session, error) {
	var sess Session
	err := c.post(ctx, "/sessions", req, &sess)
	return sess, err
}

// Sessions lists all tracked sessions with their live state.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := c.get(ctx, "/sessions", &out)
	return out, err
}

// Session fetches one session by name.
func (c *Client) Session(ctx context.Context, name string) (Session, error) {
	var out Session
	err := c.get(ctx, "/sessions/"+url.PathEscape(name), &out)
	return out, err
}

// Job fetches the current job of a session.
func (c *Client) Job(ctx context.Context, name string) (Job, error) {
	var out Job
	err := c.get(ctx, "/sessions/"+url.PathEscape(name)+"/job", &out)
	return out, err
}

// Kill terminates one session.
func (c *Client) Kill(ctx context.Context, name string) error {
	return c.delete(ctx, "/sessions/"+url.PathEscape(name), nil)
}

// KillAll terminates every live session and returns how many were killed.
func (c *Client) KillAll(ctx context.Context) (int, error) {
	var out struct {
		Killed int `json:"killed"`
	}
	err := c.delete(ctx, "/sessions", &out)
	return out.Killed, err
}

// SignalJobFinished reports a wrapped command's exit code.
func (c *Client) SignalJobFinished(ctx context.Context, name string, exitCode int) error {
	body := struct {
		ExitCode int `json:"exit_code"`
	}{ExitCode: exitCode}
	return c.post(ctx, "/sessions/"+url.PathEscape(name)+"/job-finished", body, nil)
}

// Logs returns the last lines of a session's log.
func (c *Client) Logs(ctx context.Context, name string, lines int) (Logs, error) {
	var out Logs
	path := "/sessions/" + url.PathEscape(name) + "/logs?lines=" + strconv.Itoa(lines)
	err := c.get(ctx, path, &out)
	return out, err
}

// Scheduled lists pending scheduled launches.
func (c *Client) Scheduled(ctx context.Context) ([]ScheduledJob, error) {
	var out []ScheduledJob
	err := c.get(ctx, "/scheduled", &out)
	return out, err
}

// Schedule queues a delayed launch. Returns the at job id.
func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	err := c.post(ctx, "/scheduled", req, &out)
	return out.JobID, err
}

// Unschedule cancels a scheduled launch by job id.
func (c *Client) Unschedule(ctx context.Context, id string) error {
	return c.delete(ctx, "/scheduled/"+url.PathEscape(id), nil)
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var errorResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
