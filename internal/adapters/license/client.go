package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rennalt/gpustudio/internal/core/ports"
)

// Client talks to the licensing/usage edge service. An empty base URL is a
// configuration error surfaced verbatim on first use, not at construction,
// so the daemon can run without the usage gate.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ ports.UsageService = (*Client)(nil)

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) require() error {
	if c.baseURL == "" {
		return fmt.Errorf("worker service URL is not configured")
	}
	return nil
}

func (c *Client) CheckUsage(ctx context.Context, fingerprint string) (ports.UsageStatus, error) {
	if err := c.require(); err != nil {
		return ports.UsageStatus{}, err
	}

	endpoint := fmt.Sprintf("%s/api/generation/check?fingerprint=%s",
		c.baseURL, url.QueryEscape(fingerprint))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ports.UsageStatus{}, fmt.Errorf("failed to create usage check request: %w", err)
	}

	var payload struct {
		IsPro       bool   `json:"isPro"`
		CanGenerate bool   `json:"canGenerate"`
		Limit       int    `json:"limit"`
		Used        int    `json:"used"`
		ResetsIn    string `json:"resetsIn"`
	}
	if err := c.doJSON(req, &payload); err != nil {
		return ports.UsageStatus{}, fmt.Errorf("usage check failed: %w", err)
	}

	return ports.UsageStatus{
		Allowed:  payload.CanGenerate,
		IsPro:    payload.IsPro,
		Limit:    payload.Limit,
		Used:     payload.Used,
		ResetsIn: payload.ResetsIn,
	}, nil
}

func (c *Client) RecordUsage(ctx context.Context, fingerprint string) (int, error) {
	if err := c.require(); err != nil {
		return 0, err
	}

	req, err := c.postJSON(ctx, "/api/generation/track", map[string]string{"fingerprint": fingerprint})
	if err != nil {
		return 0, err
	}

	var payload struct {
		Success bool `json:"success"`
		Count   int  `json:"count"`
	}
	if err := c.doJSON(req, &payload); err != nil {
		return 0, fmt.Errorf("usage tracking failed: %w", err)
	}
	return payload.Count, nil
}

func (c *Client) ActivateLicense(ctx context.Context, key, fingerprint string) (string, error) {
	if err := c.require(); err != nil {
		return "", err
	}

	req, err := c.postJSON(ctx, "/api/license/activate", map[string]string{
		"licenseKey":  key,
		"fingerprint": fingerprint,
	})
	if err != nil {
		return "", err
	}

	var payload struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := c.doJSON(req, &payload); err != nil {
		return "", fmt.Errorf("license activation failed: %w", err)
	}
	if !payload.Success {
		if payload.Error != "" {
			return "", fmt.Errorf("license activation rejected: %s", payload.Error)
		}
		return "", fmt.Errorf("license activation rejected")
	}
	return payload.Message, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("non-JSON response: %s", truncate(string(body), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
