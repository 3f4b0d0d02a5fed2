// Package threatintel looks up IP reputation from AbuseIPDB. Lookups never
// fail: every outcome is reported as a status on the result.
package threatintel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"sentinel-siem/internal/metrics"
)

// Result statuses.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusUnconfigured = "unconfigured"
)

// Result is the outcome of one lookup.
type Result struct {
	Status  string         `json:"status"`
	Code    int            `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Config holds client settings.
type Config struct {
	APIKey            string
	BaseURL           string
	MaxAgeDays        int
	Timeout           time.Duration
	CacheTTL          time.Duration
	RequestsPerMinute int
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
}

// DefaultConfig returns default client settings without an API key.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.abuseipdb.com/api/v2/check",
		MaxAgeDays:        90,
		Timeout:           10 * time.Second,
		CacheTTL:          time.Hour,
		RequestsPerMinute: 30,
		BreakerFailures:   5,
		BreakerTimeout:    time.Minute,
	}
}

// Client queries AbuseIPDB through a circuit breaker and a rate limiter,
// caching successful verdicts.
type Client struct {
	config  Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[Result]
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// statusError marks a non-2xx response so it counts as a breaker failure
// while keeping the code.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// NewClient creates a client. With an empty API key every lookup reports
// StatusUnconfigured.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultConfig().BreakerFailures
	}

	c := &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		logger:  logger.With("component", "threat-intel"),
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}

	name := "abuseipdb"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	c.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return c
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.config.APIKey != ""
}

// Lookup returns the reputation of ip.
func (c *Client) Lookup(ctx context.Context, ip string) Result {
	res := c.lookup(ctx, ip)
	metrics.ThreatIntelLookups.WithLabelValues(res.Status).Inc()
	return res
}

func (c *Client) lookup(ctx context.Context, ip string) Result {
	if !c.Configured() {
		return Result{Status: StatusUnconfigured}
	}

	if res, ok := c.cached(ip); ok {
		return res
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{Status: StatusError, Message: "rate limited: " + err.Error()}
	}

	res, err := c.breaker.Execute(func() (Result, error) {
		return c.fetch(ctx, ip)
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return Result{Status: StatusError, Code: se.code}
		}
		c.logger.Debug("threat intel lookup failed", "ip", ip, "error", err)
		return Result{Status: StatusError, Message: err.Error()}
	}

	c.store(ip, res)
	return res
}

func (c *Client) fetch(ctx context.Context, ip string) (Result, error) {
	q := url.Values{}
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", strconv.Itoa(c.config.MaxAgeDays))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Key", c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, &statusError{code: resp.StatusCode}
	}

	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if body.Data == nil {
		body.Data = map[string]any{}
	}
	return Result{Status: StatusOK, Data: body.Data}, nil
}

func (c *Client) cached(ip string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[ip]
	if !ok {
		return Result{}, false
	}
	if c.now().After(e.expires) {
		delete(c.cache, ip)
		return Result{}, false
	}
	return e.result, true
}

func (c *Client) store(ip string, res Result) {
	if c.config.CacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[ip] = cacheEntry{result: res, expires: c.now().Add(c.config.CacheTTL)}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
