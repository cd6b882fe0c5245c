// Package upstream is the client SDK's read-only view of the external
// cluster management API: given a devbox name, it returns the descriptor
// the endpoint resolver (pkg/resolver) needs to locate that devbox's agent
// (§4.8, §6.4). Devbox lifecycle (start/stop/delete) is also proxied
// through here rather than through the agent, per §4.10.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/types"
)

// API is the upstream cluster management surface the resolver and the
// client façade's lifecycle operations depend on. Kept narrow and
// interface-shaped, in the manner of the teacher's other external-system
// seams, so tests can substitute a fake.
type API interface {
	GetDevbox(ctx context.Context, name string) (*types.DevboxDescriptor, *apierr.Error)
	StartDevbox(ctx context.Context, name string) *apierr.Error
	PauseDevbox(ctx context.Context, name string) *apierr.Error
	RestartDevbox(ctx context.Context, name string) *apierr.Error
	ShutdownDevbox(ctx context.Context, name string) *apierr.Error
	DeleteDevbox(ctx context.Context, name string) *apierr.Error
}

// Config configures the HTTP implementation of API.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// HTTPClient is the default API implementation: a thin JSON/REST client
// against the cluster management API.
type HTTPClient struct {
	cfg    Config
	client *http.Client
}

// New builds an HTTPClient against cfg.BaseURL.
func New(cfg Config) *HTTPClient {
	cfg.setDefaults()
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

var _ API = (*HTTPClient)(nil)

func (c *HTTPClient) GetDevbox(ctx context.Context, name string) (*types.DevboxDescriptor, *apierr.Error) {
	var desc types.DevboxDescriptor
	if err := c.do(ctx, http.MethodGet, "/devboxes/"+name, nil, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (c *HTTPClient) StartDevbox(ctx context.Context, name string) *apierr.Error {
	return c.do(ctx, http.MethodPost, "/devboxes/"+name+"/start", nil, nil)
}

func (c *HTTPClient) PauseDevbox(ctx context.Context, name string) *apierr.Error {
	return c.do(ctx, http.MethodPost, "/devboxes/"+name+"/pause", nil, nil)
}

func (c *HTTPClient) RestartDevbox(ctx context.Context, name string) *apierr.Error {
	return c.do(ctx, http.MethodPost, "/devboxes/"+name+"/restart", nil, nil)
}

func (c *HTTPClient) ShutdownDevbox(ctx context.Context, name string) *apierr.Error {
	return c.do(ctx, http.MethodPost, "/devboxes/"+name+"/shutdown", nil, nil)
}

func (c *HTTPClient) DeleteDevbox(ctx context.Context, name string) *apierr.Error {
	return c.do(ctx, http.MethodDelete, "/devboxes/"+name, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) *apierr.Error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apierr.New(apierr.CodeInvalidRequest, "failed to encode request body")
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return apierr.New(apierr.CodeInvalidRequest, fmt.Sprintf("invalid upstream request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apierr.New(apierr.CodeConnectionFailed, fmt.Sprintf("upstream request failed: %v", err)).
			WithContext("path", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return apierr.New(apierr.CodeServiceUnavailable, fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, data)).
			WithContext("status", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.New(apierr.CodeInternalError, "failed to decode upstream response")
	}
	return nil
}
