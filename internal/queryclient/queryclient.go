// Copyright 2025 James Ross

// Package queryclient implements the QueryClient capability (§6): a
// single query(sql) -> rows method fronted by a hand-rolled exponential
// backoff, in the same spirit as the sliding-window CircuitBreaker in
// internal/breaker — small, mutex-guarded, no third-party retry
// library, because the retry policy here (fixed doubling schedule,
// capped, jittered, classified by HTTP status) is specific enough to
// the evaluation backend's contract that a generic retrier would only
// add indirection.
package queryclient

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jamesross/canarypilot/internal/obs"
)

// Row is one evaluation-backend result row, matching the shape in §6.
type Row struct {
	ID       string             `json:"id"`
	Scores   map[string]*float64 `json:"scores"`
	Metadata map[string]string  `json:"metadata,omitempty"`
	Created  time.Time          `json:"created"`
	Error    *string            `json:"error,omitempty"`
}

// Status summarizes the client's health for monitor_health events.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Diagnostics mirrors the counters §6 requires the client to expose.
type Diagnostics struct {
	Status              Status
	ConsecutiveFailures int
	TotalRequests       int64
	TotalRateLimited     int64
	LastSuccessAt        *time.Time
	LastErrorAt          *time.Time
	LastError            string
	LastBackoffMs         int64
}

// Config is the construction-time parameter set named in §6.
type Config struct {
	APIURL         string
	Path           string
	APIKey         string
	QueryTimeout   time.Duration
	MaxRetries     int
}

const (
	baseBackoff = time.Second
	maxBackoff  = 16 * time.Second
	jitterSpan  = 400 * time.Millisecond
)

// Client is the QueryClient capability. Callers depend on the
// interface; Client is the one concrete transport-backed
// implementation.
type Client struct {
	cfg        Config
	transport  Transport
	mu         sync.Mutex
	diag       Diagnostics
}

// Transport executes one query round trip against the evaluation
// backend and reports an HTTP-shaped status for retry classification
// (0 for a transport-level failure or for a success that carries no
// status code, the backend's status code otherwise). Real deployments wire a ClickHouse-backed implementation;
// tests wire a stub.
type Transport interface {
	Query(ctx context.Context, sql string) (status int, rows []Row, err error)
}

// New constructs a Client bound to a Transport.
func New(cfg Config, transport Transport) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Client{cfg: cfg, transport: transport, diag: Diagnostics{Status: StatusHealthy}}
}

// Diagnostics returns a copy of the current counters.
func (c *Client) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diag
}

// retryable classifies a transport failure or HTTP-shaped status per
// §6: transport-level failures (status 0), timeouts, 429, and 5xx
// retry; everything else (other 4xx) surfaces immediately.
func retryable(status int, err error) bool {
	if status == 0 {
		return err != nil
	}
	if status == 429 {
		return true
	}
	return status >= 500
}

func backoffFor(attempt int) time.Duration {
	d := baseBackoff << uint(attempt)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(2*jitterSpan))) - jitterSpan
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

// Query performs the evaluation-backend request named in §6, retrying
// on transient failure with exponential backoff and jitter, and bounds
// wall time by the configured query timeout.
func (c *Client) Query(ctx context.Context, sql string) ([]Row, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		status, rows, err := c.transport.Query(reqCtx, sql)
		cancel()

		c.recordAttempt(status, err)

		if err == nil && (status == 0 || (status >= 200 && status < 300)) {
			c.recordSuccess()
			return rows, nil
		}

		lastErr = classify(status, err)
		if !retryable(status, err) {
			c.recordFailure(lastErr)
			return nil, lastErr
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		wait := backoffFor(attempt)
		c.recordBackoff(wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	c.recordFailure(lastErr)
	return nil, lastErr
}

func (c *Client) recordAttempt(status int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diag.TotalRequests++
	if status == 429 {
		c.diag.TotalRateLimited++
	}
	_ = err
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.diag.Status = StatusHealthy
	c.diag.ConsecutiveFailures = 0
	c.diag.LastSuccessAt = &now
}

func (c *Client) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.diag.ConsecutiveFailures++
	c.diag.LastErrorAt = &now
	if err != nil {
		c.diag.LastError = err.Error()
	}
	c.diag.Status = StatusDegraded
	obs.QueryClientFailures.Inc()
}

func (c *Client) recordBackoff(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diag.LastBackoffMs = d.Milliseconds()
	obs.QueryClientBackoff.Set(float64(d.Milliseconds()))
}
