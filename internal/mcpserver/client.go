package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config holds the configuration for connecting to the platform API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string // Tenant API key, e.g. "sk_..."
	TenantID string // Tenant the key belongs to, e.g. "ten_..."
}

// errNotFound is returned when the API responds 404.
var errNotFound = errors.New("mcpserver: not found")

// APIError is a non-2xx response from the platform.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// Client is an HTTP client for the platform API.
type Client struct {
	cfg  Config
	http *resty.Client
}

// NewClient creates a new client for the platform.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(cfg.APIURL).
			SetTimeout(30*time.Second).
			SetAuthToken(cfg.APIKey).
			SetHeader("Accept", "application/json"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if json.Unmarshal(resp.Body(), apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = string(resp.Body())
		}
		if resp.StatusCode() == http.StatusNotFound && apiErr.Code == "not_found" {
			return nil, fmt.Errorf("%w: %s", errNotFound, apiErr.Message)
		}
		return nil, apiErr
	}
	return json.RawMessage(resp.Body()), nil
}

func (c *Client) tenantPath(suffix string) string {
	return "/v1/tenants/" + url.PathEscape(c.cfg.TenantID) + suffix
}

// GetTenant returns the tenant with its effective status.
func (c *Client) GetTenant(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, c.tenantPath(""), nil)
}

// CurrentSubscription returns the tenant's current subscription.
func (c *Client) CurrentSubscription(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, c.tenantPath("/subscription"), nil)
}

// CheckPolicy evaluates access to capability without side effects beyond audit.
func (c *Client) CheckPolicy(ctx context.Context, capability, subscriptionID string) (json.RawMessage, error) {
	body := map[string]string{"capability": capability}
	if subscriptionID != "" {
		body["subscriptionId"] = subscriptionID
	}
	return c.do(ctx, http.MethodPost, c.tenantPath("/policy/check"), body)
}

// Reserve reserves an available agent with capability.
func (c *Client) Reserve(ctx context.Context, capability, subscriptionID string) (json.RawMessage, error) {
	body := map[string]string{"capability": capability}
	if subscriptionID != "" {
		body["subscriptionId"] = subscriptionID
	}
	return c.do(ctx, http.MethodPost, c.tenantPath("/reservations"), body)
}

// Release returns a busy agent to the pool.
func (c *Client) Release(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(agentID)+"/release", nil)
}

// ListAgents lists the tenant's agents.
func (c *Client) ListAgents(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, c.tenantPath("/agents"), nil)
}

// ListCapabilities returns the capability catalogue.
func (c *Client) ListCapabilities(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/capabilities", nil)
}
