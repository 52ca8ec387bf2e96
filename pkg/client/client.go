package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client provides HTTP client functionality to communicate with the simpool daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

const (
	defaultBaseURL = "http://127.0.0.1:8085/api"
	// boot and free wait on the device, so the default is generous
	defaultTimeout = 5 * time.Minute
)

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: defaultTimeout,
	}
}

// New creates a new simpool API client with TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
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

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.doRequest(ctx, http.MethodGet, "/stats", nil, nil, nil)
	c.logger.Debug("Daemon reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

// Allocate leases a simulator matching req.Configuration.
func (c *Client) Allocate(ctx context.Context, req AllocateRequest) (Simulator, error) {
	c.logger.Debug("Allocating simulator", "device_type", req.Configuration.DeviceType, "os_version", req.Configuration.OSVersion, "options", req.Options)
	var sim Simulator
	if err := c.doRequest(ctx, http.MethodPost, "/allocate", nil, req, &sim); err != nil {
		return Simulator{}, err
	}
	c.logger.Debug("Simulator allocated", "udid", sim.UDID, "state", sim.State)
	return sim, nil
}

// Free releases a leased simulator. token is the lease token from Allocate.
func (c *Client) Free(ctx context.Context, udid, token string) (Release, error) {
	var rel Release
	err := c.doRequest(ctx, http.MethodPost, "/free", leaseQuery(udid, token), nil, &rel)
	return rel, err
}

// Boot boots a leased simulator and waits until it is booted.
func (c *Client) Boot(ctx context.Context, udid, token string) (Simulator, error) {
	var sim Simulator
	err := c.doRequest(ctx, http.MethodPost, "/boot", leaseQuery(udid, token), nil, &sim)
	return sim, err
}

// Shutdown shuts a leased simulator down and waits until it is shut down.
func (c *Client) Shutdown(ctx context.Context, udid, token string) (Simulator, error) {
	var sim Simulator
	err := c.doRequest(ctx, http.MethodPost, "/shutdown", leaseQuery(udid, token), nil, &sim)
	return sim, err
}

// Resync makes the daemon re-read the platform status of udid. It is how a
// simulator in the unknown state recovers.
func (c *Client) Resync(ctx context.Context, udid string) (Simulator, error) {
	var sim Simulator
	err := c.doRequest(ctx, http.MethodPost, "/resync", url.Values{"udid": {udid}}, nil, &sim)
	return sim, err
}

func leaseQuery(udid, token string) url.Values {
	return url.Values{"udid": {udid}, "token": {token}}
}

// Prewarm asks the daemon to create free simulators and returns how many it made.
func (c *Client) Prewarm(ctx context.Context, req PrewarmRequest) (int, error) {
	var out struct {
		Created int `json:"created"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/prewarm", nil, req, &out)
	return out.Created, err
}

func (c *Client) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	err := c.doRequest(ctx, http.MethodPost, "/reconcile", nil, nil, &rep)
	return rep, err
}

// List returns simulators in set ("free", "allocated") or all of them when set is empty.
func (c *Client) List(ctx context.Context, set string) ([]Simulator, error) {
	var q url.Values
	if set != "" {
		q = url.Values{"set": {set}}
	}
	var sims []Simulator
	err := c.doRequest(ctx, http.MethodGet, "/simulators", q, nil, &sims)
	return sims, err
}

func (c *Client) Get(ctx context.Context, udid string) (Simulator, error) {
	var sim Simulator
	err := c.doRequest(ctx, http.MethodGet, "/simulators/"+url.PathEscape(udid), nil, nil, &sim)
	return sim, err
}

// History returns the events of udid with a sequence number above since.
func (c *Client) History(ctx context.Context, udid string, since uint64) ([]HistoryEntry, error) {
	var q url.Values
	if since > 0 {
		q = url.Values{"since": {strconv.FormatUint(since, 10)}}
	}
	var entries []HistoryEntry
	err := c.doRequest(ctx, http.MethodGet, "/simulators/"+url.PathEscape(udid)+"/history", q, nil, &entries)
	return entries, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.doRequest(ctx, http.MethodGet, "/stats", nil, nil, &st)
	return st, err
}

// setupClientTLS configures TLS settings for HTTP client
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

// loadCACert loads CA certificate from file and adds it to TLS config
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

// doRequest sends in as JSON (when non-nil) and decodes a 200 response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns non-200 responses into *APIError
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode}
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "reason", errorResp.Reason, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Reason: errorResp.Reason, Message: errorResp.Error}
}
