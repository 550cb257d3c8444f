// Package leasectl implements the operator commands for a running dhcpd:
// listing and releasing leases through its ops API, exporting lease
// snapshots and following lease events.
package leasectl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNoActiveLease is returned when dhcpd reports no active lease for a MAC.
var ErrNoActiveLease = errors.New("no active lease")

// Lease is a binding as reported by the ops API.
type Lease struct {
	ID        string    `json:"id" yaml:"id"`
	MAC       string    `json:"mac" yaml:"mac"`
	IP        string    `json:"ip" yaml:"ip"`
	State     string    `json:"state" yaml:"state"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// PoolStats is the allocation state as reported by the ops API.
type PoolStats struct {
	Prefix        string `json:"prefix" yaml:"prefix"`
	Initial       int    `json:"initial" yaml:"initial"`
	Available     int    `json:"available" yaml:"available"`
	PendingOffers int    `json:"pending_offers" yaml:"pending_offers"`
	Quarantined   int    `json:"quarantined" yaml:"quarantined"`
}

// Released is the result of an operator release.
type Released struct {
	MAC string `json:"mac"`
	IP  string `json:"ip"`
}

type apiError struct {
	Error string `json:"error"`
}

// Client talks to the dhcpd ops API. It is safe for concurrent use.
type Client struct {
	rest *resty.Client
}

// NewClient returns a client for the ops API at baseURL, for example
// http://127.0.0.1:8080.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api base URL is required")
	}
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
	return &Client{rest: rest}, nil
}

// Leases lists bindings. state is "active", "released" or empty for all.
func (c *Client) Leases(ctx context.Context, state string) ([]Lease, error) {
	var out struct {
		Leases []Lease `json:"leases"`
	}
	req := c.rest.R().SetContext(ctx).SetResult(&out).SetError(&apiError{})
	if state != "" {
		req.SetQueryParam("state", state)
	}
	resp, err := req.Get("/v1/leases")
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	if err := responseError(resp); err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return out.Leases, nil
}

// Pool returns the allocation state.
func (c *Client) Pool(ctx context.Context) (PoolStats, error) {
	var out PoolStats
	resp, err := c.rest.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).Get("/v1/pool")
	if err != nil {
		return PoolStats{}, fmt.Errorf("get pool: %w", err)
	}
	if err := responseError(resp); err != nil {
		return PoolStats{}, fmt.Errorf("get pool: %w", err)
	}
	return out, nil
}

// Release ends the active binding of mac.
func (c *Client) Release(ctx context.Context, mac string) (Released, error) {
	var out Released
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParam("mac", mac).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/v1/leases/{mac}/release")
	if err != nil {
		return Released{}, fmt.Errorf("release %s: %w", mac, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Released{}, fmt.Errorf("release %s: %w", mac, ErrNoActiveLease)
	}
	if err := responseError(resp); err != nil {
		return Released{}, fmt.Errorf("release %s: %w", mac, err)
	}
	return out, nil
}

func responseError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		return fmt.Errorf("dhcpd returned %d: %s", resp.StatusCode(), e.Error)
	}
	return fmt.Errorf("dhcpd returned %d", resp.StatusCode())
}
