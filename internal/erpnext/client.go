package erpnext

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mbd888/dogan/internal/circuitbreaker"
	"github.com/mbd888/dogan/internal/metrics"
)

// Client checks ERPNext sites over the REST API. Calls to a base URL that
// keeps failing are short-circuited.
type Client struct {
	http    *resty.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		breaker: circuitbreaker.New(3, 30*time.Second),
	}
}

// WithBreaker replaces the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// Ping reads the Administrator user, which every ERPNext site has. Any
// non-2xx answer counts as a failure.
func (c *Client) Ping(ctx context.Context, inst *Instance) error {
	base := strings.TrimRight(inst.BaseURL, "/")
	err := c.breaker.Execute(base, func() error {
		req := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", fmt.Sprintf("token %s:%s", inst.APIKey, inst.APISecret)).
			SetQueryParam("filters", `[["name","=","Administrator"]]`).
			SetQueryParam("fields", `["name"]`)
		if inst.SiteName != "" {
			req.SetHeader("X-Frappe-Site-Name", inst.SiteName)
		}
		resp, err := req.Get(base + "/api/resource/User")
		if err != nil {
			return fmt.Errorf("erpnext: request failed: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("erpnext: %s returned %d", base, resp.StatusCode())
		}
		return nil
	})
	metrics.ERPNextChecksTotal.WithLabelValues(checkResult(err)).Inc()
	return err
}

func checkResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	}
	return "failed"
}
