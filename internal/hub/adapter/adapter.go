// Package adapter builds the per-instance HTTP capability (get/post/
// request) that plugin pollers and realtime managers use to reach an
// upstream integration. Each Adapter wraps one instance's base URL with
// its own circuit breaker and a rate limiter that keeps one token
// bucket per upstream host. Instances on the same host that are given
// the same Limiter draw from one bucket; a breaker is never shared
// across instances.
package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/net/ratelimit"
)

// Timeout defaults, per §5.
const (
	DefaultTimeout        = 10 * time.Second
	ProxyReadTimeout      = 15 * time.Second
	InteractiveTimeout    = 60 * time.Second
	ConnectionTestTimeout = 5 * time.Second
)

// Config names one integration instance's adapter target and auth.
type Config struct {
	InstanceID string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
}

// Adapter implements plugin.Adapter for one IntegrationInstance,
// applying a per-host token-bucket limit and a circuit breaker before
// every call.
type Adapter struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	host    string
}

// New builds an Adapter bound to one instance. limiter may be shared
// across adapters that should share a host-level budget; breaker
// state, by contrast, is always scoped to this one instance.
func New(cfg Config, client *http.Client, limiter *ratelimit.Limiter) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	host := cfg.BaseURL
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}

	st := gobreaker.Settings{
		Name:        cfg.InstanceID,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Adapter{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker[[]byte](st),
		host:    host,
	}
}

// Get performs an authenticated GET against path.
func (a *Adapter) Get(ctx context.Context, path string, opts map[string]string) ([]byte, error) {
	return a.do(ctx, http.MethodGet, path, nil, opts)
}

// Post performs an authenticated POST against path with body.
func (a *Adapter) Post(ctx context.Context, path string, body []byte, opts map[string]string) ([]byte, error) {
	return a.do(ctx, http.MethodPost, path, body, opts)
}

// Request performs an authenticated call with an arbitrary method.
func (a *Adapter) Request(ctx context.Context, method, path string, body []byte, opts map[string]string) ([]byte, error) {
	return a.do(ctx, method, path, body, opts)
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte, opts map[string]string) ([]byte, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, a.host); err != nil {
			return nil, fmt.Errorf("adapter: rate limit wait: %w", err)
		}
	}

	result, err := a.breaker.Execute(func() ([]byte, error) {
		return a.doRequest(ctx, method, path, body, opts)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("adapter: %s circuit open: %w", a.cfg.InstanceID, err)
		}
		return nil, err
	}
	return result, nil
}

func (a *Adapter) doRequest(ctx context.Context, method, path string, body []byte, opts map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeoutFor(opts))
	defer cancel()

	target := a.cfg.BaseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("adapter: build request: %w", err)
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", a.cfg.APIKey)
	}
	for k, v := range opts {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("adapter: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("adapter: read body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("Authentication failed: Request failed with status code %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("adapter: request failed with status code %d", resp.StatusCode)
	}

	return respBody, nil
}

func (a *Adapter) timeoutFor(opts map[string]string) time.Duration {
	switch opts["timeoutClass"] {
	case "proxy":
		return ProxyReadTimeout
	case "interactive":
		return InteractiveTimeout
	case "connectionTest":
		return ConnectionTestTimeout
	default:
		if a.cfg.Timeout > 0 {
			return a.cfg.Timeout
		}
		return DefaultTimeout
	}
}

var _ plugin.Adapter = (*Adapter)(nil)
