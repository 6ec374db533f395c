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
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

const (
	EnvServerURL       = "LICENSE_CLIENT_SERVER"
	DefaultSessionFile = ".kiosk-session.dat"
	DefaultConfigDir   = ".kiosk-licensing"
	DefaultServerURL   = "https://localhost:8801"
)

const (
	defaultAppName     = "KioskApp"
	defaultAppVersion  = "0.0.1"
	defaultHTTPTimeout = 5 * time.Second
	maxResponseBytes   = 1 << 20
)

// Config controls where the kiosk keeps its session and how it reaches the
// licensing server.
type Config struct {
	ConfigDir         string
	SessionFile       string
	ServerURL         string
	AppName           string
	AppVersion        string
	HTTPTimeout       time.Duration
	CACertPath        string
	AllowInsecureHTTP bool
	// InsecureSkipVerify disables certificate checks on https URLs.
	// Development only.
	InsecureSkipVerify bool
}

// Client is a thin HTTP client for the licensing API. Transport failures,
// timeouts and 5xx/408/429 answers are reported as
// protocol.ErrNetworkUnavailable; every other failure is the server's
// explicit verdict.
type Client struct {
	config     Config
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	httpClient, err := buildHTTPClient(normalized)
	if err != nil {
		return nil, err
	}
	return &Client{config: normalized, httpClient: httpClient}, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	cfg.ConfigDir = strings.TrimSpace(cfg.ConfigDir)
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = DefaultConfigDir
	}
	if !filepath.IsAbs(cfg.ConfigDir) {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.ConfigDir = filepath.Join(homeDir, cfg.ConfigDir)
	}
	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return Config{}, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg.SessionFile = strings.TrimSpace(cfg.SessionFile)
	if cfg.SessionFile == "" {
		cfg.SessionFile = DefaultSessionFile
	}

	serverURL := strings.TrimSpace(cfg.ServerURL)
	if serverURL == "" {
		serverURL = strings.TrimSpace(os.Getenv(EnvServerURL))
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid server URL: %w", err)
	}
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "https"
	}
	if parsedURL.Host == "" {
		return Config{}, fmt.Errorf("server URL must include host")
	}
	scheme := strings.ToLower(parsedURL.Scheme)
	if scheme != "https" && scheme != "http" {
		return Config{}, fmt.Errorf("unsupported server URL scheme: %s", scheme)
	}
	if scheme == "http" && !cfg.AllowInsecureHTTP {
		return Config{}, fmt.Errorf("http endpoints are disabled; set LICENSE_CLIENT_ALLOW_INSECURE_HTTP=true for development")
	}
	cfg.ServerURL = strings.TrimRight(parsedURL.String(), "/")

	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if strings.TrimSpace(cfg.AppName) == "" {
		cfg.AppName = defaultAppName
	}
	if strings.TrimSpace(cfg.AppVersion) == "" {
		cfg.AppVersion = defaultAppVersion
	}
	if strings.TrimSpace(cfg.CACertPath) != "" {
		if _, err := os.Stat(cfg.CACertPath); err != nil {
			return Config{}, fmt.Errorf("failed to access CA certificate: %w", err)
		}
	}
	return cfg, nil
}

func buildHTTPClient(cfg Config) (*http.Client, error) {
	baseTransport, ok := http.DefaultTransport.(*http.Transport)
	var transport *http.Transport
	if ok {
		transport = baseTransport.Clone()
	} else {
		transport = &http.Transport{}
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if strings.TrimSpace(cfg.CACertPath) != "" {
		caBytes, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	transport.TLSClientConfig = tlsConfig
	return &http.Client{
		Timeout:   cfg.HTTPTimeout,
		Transport: transport,
	}, nil
}

// ServerURL exposes the configured licensing server endpoint.
func (c *Client) ServerURL() string {
	return c.config.ServerURL
}

// SessionPath is where the encrypted session blob lives.
func (c *Client) SessionPath() string {
	return filepath.Join(c.config.ConfigDir, c.config.SessionFile)
}

func (c *Client) userAgent() string {
	return fmt.Sprintf("%s/%s", c.config.AppName, c.config.AppVersion)
}

func (c *Client) Login(ctx context.Context, req protocol.LoginRequest) (*protocol.LoginResponse, error) {
	var out protocol.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", req, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, protocol.ErrNetworkUnavailable.WithMessage("login response missing session token")
	}
	return &out, nil
}

func (c *Client) Validate(ctx context.Context, bearer string) (*protocol.ValidateResponse, error) {
	var out protocol.ValidateResponse
	if err := c.do(ctx, http.MethodGet, "/auth/validate", bearer, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyLicense asks the server to check an offline license token.
func (c *Client) VerifyLicense(ctx context.Context, licenseToken string) (*protocol.LicenseView, error) {
	var out protocol.LicenseView
	req := protocol.VerifyLicenseRequest{LicenseToken: licenseToken}
	if err := c.do(ctx, http.MethodPost, "/auth/license/verify", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.ServerURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrNetworkUnavailable, err)
	}

	if transientStatus(resp.StatusCode) {
		return protocol.ErrNetworkUnavailable.WithMessage(fmt.Sprintf("licensing server answered %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody protocol.ErrorResponse
		_ = json.Unmarshal(raw, &errBody)
		return protocol.FromResponse(resp.StatusCode, errBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", protocol.ErrNetworkUnavailable, err)
	}
	return nil
}

func transientStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// IsTransient reports whether err leaves the server's verdict unknown.
func IsTransient(err error) bool {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		return true
	}
	return pe.Reason == protocol.ReasonNetworkUnavailable
}
