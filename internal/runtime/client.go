package runtime

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

	"github.com/sony/gobreaker"

	"github.com/sawpanic/retune/internal/infrastructure/breaker"
)

// ClientConfig locates the runtime's control API
type ClientConfig struct {
	BaseURL string         `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Token   string         `yaml:"token" json:"-"`
	Timeout time.Duration  `yaml:"timeout" json:"timeout" default:"10s"`
	Breaker breaker.Config `yaml:"breaker" json:"breaker"`
}

// Client talks to the runtime over HTTP:
//
//	POST /config/reload           {"version_id": "..."}
//	GET  /metrics/live
//	GET  /metrics/paper/{version}
type Client struct {
	base    string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a runtime client
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("runtime base_url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid runtime base_url: %w", err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker.New("runtime", config.Breaker),
	}, nil
}

// ReloadConfig asks the runtime to load versionID
func (c *Client) ReloadConfig(ctx context.Context, versionID string) error {
	body, err := json.Marshal(map[string]string{"version_id": versionID})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/config/reload", body, nil)
}

// LiveMetrics fetches the live config's performance
func (c *Client) LiveMetrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	err := c.do(ctx, http.MethodGet, "/metrics/live", nil, &m)
	return m, err
}

// PaperMetrics fetches a version's paper-trading performance
func (c *Client) PaperMetrics(ctx context.Context, versionID string) (Metrics, error) {
	var m Metrics
	err := c.do(ctx, http.MethodGet, "/metrics/paper/"+url.PathEscape(versionID), nil, &m)
	return m, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("runtime %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("runtime %s %s: decode: %w", method, path, err)
			}
		}
		return nil, nil
	})
	return err
}
