package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

const DefaultClientTimeout = 3 * time.Second

// Client is what a handset uses to log in through a kiosk's bridge.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Login(ctx context.Context, email string) (*protocol.BridgedSession, error) {
	raw, err := json.Marshal(protocol.MobileLoginRequest{Email: email})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/mobile-login", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrNetworkUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		var errBody protocol.ErrorResponse
		_ = json.Unmarshal(body, &errBody)
		return nil, protocol.FromResponse(resp.StatusCode, errBody)
	}
	var out protocol.MobileLoginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("malformed bridge response: %w", err)
	}
	return &out.User, nil
}
