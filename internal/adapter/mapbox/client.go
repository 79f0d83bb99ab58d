package mapbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/profile-geofix/internal/domain"
	"github.com/couchcryptid/profile-geofix/internal/observability"
)

const (
	defaultBaseURL        = "https://api.mapbox.com/geocoding/v5/mapbox.places"
	defaultRetryAttempts  = 4
	defaultRetryBaseDelay = 200 * time.Millisecond
)

// Client resolves profile locations with the Mapbox forward geocoding API.
// It implements domain.Resolver.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger

	retryAttempts  int
	retryBaseDelay time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL points the client at a different API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithRetry overrides the attempt count and first backoff delay. The delay
// doubles after each failed attempt.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.retryBaseDelay = baseDelay
	}
}

// NewClient creates a Mapbox geocoding client.
func NewClient(token string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		token:          token,
		httpClient:     &http.Client{Timeout: timeout},
		baseURL:        defaultBaseURL,
		metrics:        metrics,
		logger:         logger,
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryAttempts < 1 {
		c.retryAttempts = 1
	}
	return c
}

// Resolve geocodes the profile's free-text location. Profiles without a
// location resolve to nil without a request.
func (c *Client) Resolve(ctx context.Context, p *domain.Profile) (domain.Coordinates, error) {
	query := strings.TrimSpace(p.Location)
	if query == "" {
		return nil, nil
	}
	return c.ForwardGeocode(ctx, query)
}

// ForwardGeocode returns (lat, lon) for the best match of query, or nil when
// Mapbox has no match. Rate limiting and server errors are retried.
func (c *Client) ForwardGeocode(ctx context.Context, query string) (domain.Coordinates, error) {
	u := fmt.Sprintf("%s/%s.json", c.baseURL, url.PathEscape(query))
	params := url.Values{
		"access_token": {c.token},
		"limit":        {"1"},
		"types":        {"place,locality,region,country"},
	}
	fullURL := u + "?" + params.Encode()

	delay := c.retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		coords, err := c.doRequest(ctx, fullURL)
		if err == nil {
			if coords == nil {
				c.metrics.GeocodeRequests.WithLabelValues("empty").Inc()
			} else {
				c.metrics.GeocodeRequests.WithLabelValues("success").Inc()
			}
			return coords, nil
		}
		lastErr = err
		if attempt == c.retryAttempts || !retryable(ctx, err) {
			break
		}
		c.logger.Warn("mapbox request failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if !sleep(ctx, delay) {
			lastErr = ctx.Err()
			break
		}
		delay *= 2
	}

	c.metrics.GeocodeRequests.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("mapbox forward geocode %q: %w", query, lastErr)
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (domain.Coordinates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.GeocodeAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var mapboxResp response
	if err := json.NewDecoder(resp.Body).Decode(&mapboxResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(mapboxResp.Features) == 0 {
		return nil, nil
	}

	// Mapbox uses [lon, lat] order.
	center := mapboxResp.Features[0].Center
	if len(center) != 2 {
		return nil, nil
	}
	return domain.Coordinates{center[1], center[0]}, nil
}

type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mapbox API error: status %d: %s", e.StatusCode, e.Body)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= http.StatusInternalServerError
	}
	// Transport failures and client timeouts.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Mapbox API response types.

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	Center    []float64 `json:"center"` // [lon, lat]
	PlaceName string    `json:"place_name"`
	Relevance float64   `json:"relevance"`
}
