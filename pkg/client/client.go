package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to the mcpvisor daemon HTTP API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	Token    string       // Bearer token when the daemon requires auth
	CACert   string       // CA certificate file path for https daemons
	Insecure bool         // Skip TLS verification
}

const DefaultBaseURL = "http://127.0.0.1:8787/api/mcp"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		// stop may take the grace period plus the kill wait
		Timeout: 30 * time.Second,
	}
}

// New creates a new mcpvisor API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	return h, err
}

func (c *Client) List(ctx context.Context) ([]Server, error) {
	var out []Server
	err := c.do(ctx, http.MethodGet, "/servers", nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (Server, error) {
	var s Server
	err := c.do(ctx, http.MethodGet, serverPath(id, ""), nil, &s)
	return s, err
}

func (c *Client) Add(ctx context.Context, req AddRequest) (Server, error) {
	c.logger.Debug("Adding server", "name", req.Name, "command", req.Command)
	var s Server
	err := c.do(ctx, http.MethodPost, "/servers", req, &s)
	return s, err
}

func (c *Client) Update(ctx context.Context, id string, req UpdateRequest) (Server, error) {
	var s Server
	err := c.do(ctx, http.MethodPut, serverPath(id, ""), req, &s)
	return s, err
}

// SetEnabled is Update with only the enabled flag.
func (c *Client) SetEnabled(ctx context.Context, id string, enabled bool) (Server, error) {
	return c.Update(ctx, id, UpdateRequest{Enabled: &enabled})
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, serverPath(id, ""), nil, nil)
}

func (c *Client) Start(ctx context.Context, id string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, serverPath(id, "/start"), nil, &st)
	return st, err
}

func (c *Client) Stop(ctx context.Context, id string) (StopResult, error) {
	var r StopResult
	err := c.do(ctx, http.MethodPost, serverPath(id, "/stop"), nil, &r)
	return r, err
}

func (c *Client) Restart(ctx context.Context, id string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, serverPath(id, "/restart"), nil, &st)
	return st, err
}

// Status returns the runtime status of id; usage adds a CPU/memory sample.
func (c *Client) Status(ctx context.Context, id string, usage bool) (Status, error) {
	p := serverPath(id, "/status")
	if usage {
		p += "?usage=true"
	}
	var st Status
	err := c.do(ctx, http.MethodGet, p, nil, &st)
	return st, err
}

// Logs returns the last lines entries of id. Zero returns everything retained.
func (c *Client) Logs(ctx context.Context, id string, lines int) ([]LogEntry, error) {
	p := serverPath(id, "/logs") + "?lines=" + strconv.Itoa(lines)
	var out []LogEntry
	err := c.do(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

// Test runs an MCP handshake against a throwaway instance of id.
func (c *Client) Test(ctx context.Context, id string) (ProbeResult, error) {
	var r ProbeResult
	err := c.do(ctx, http.MethodPost, serverPath(id, "/test"), nil, &r)
	return r, err
}

func serverPath(id, suffix string) string {
	return "/servers/" + url.PathEscape(id) + suffix
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.CACert != "" {
		if err := loadCACert(tlsConfig, config.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

// do performs one API call and decodes the envelope data into out (may be nil).
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	if !env.Success || resp.StatusCode != http.StatusOK {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Type: "internal", Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.StatusCode = resp.StatusCode
		c.logger.Debug("API request failed", "error", apiErr.Message, "type", apiErr.Type, "status", resp.StatusCode)
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
