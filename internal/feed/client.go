package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"linx/internal/circuitbreaker"
	"linx/internal/models"
	"linx/internal/observability"
)

// Client fetches the MSL weather archive from the NASA feed.
type Client interface {
	FetchArchive(ctx context.Context) (models.SolArchive, error)
	Ping(ctx context.Context) error
}

var (
	ErrFeedUnavailable = errors.New("feed unavailable")
	ErrRateLimited     = errors.New("rate limited")
	ErrFeedRejected    = errors.New("feed rejected request")
	ErrMalformedFeed   = errors.New("malformed feed")
	ErrEmptyFeed       = errors.New("empty feed")
)

// DefaultFeedURL is NASA's public MSL REMS weather endpoint. Keyless.
const DefaultFeedURL = "https://mars.nasa.gov/rss/api/?feed=weather&category=msl&feedtype=json"

type RemsClient struct {
	feedURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

func NewRemsClient(feedURL string, timeout time.Duration) (*RemsClient, error) {
	return NewRemsClientWithRetry(feedURL, timeout, 3, 200*time.Millisecond, 5*time.Second)
}

func NewRemsClientWithRetry(feedURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*RemsClient, error) {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	if !strings.HasPrefix(feedURL, "http://") && !strings.HasPrefix(feedURL, "https://") {
		return nil, fmt.Errorf("feed URL must be absolute: %q", feedURL)
	}

	return &RemsClient{
		feedURL:        feedURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker routes archive fetches through cb. Ping bypasses the
// breaker: health checks and recovery probes must reach the upstream even
// while the circuit sheds regular traffic.
func (c *RemsClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// remsResponse mirrors the feed document. Every value arrives as a string;
// "--" marks readings the instrument did not produce.
type remsResponse struct {
	Soles []remsSol `json:"soles"`
}

type remsSol struct {
	TerrestrialDate string `json:"terrestrial_date"`
	Sol             string `json:"sol"`
	Ls              string `json:"ls"`
	Season          string `json:"season"`
	MinTemp         string `json:"min_temp"`
	MaxTemp         string `json:"max_temp"`
	MinGtsTemp      string `json:"min_gts_temp"`
	MaxGtsTemp      string `json:"max_gts_temp"`
	Pressure        string `json:"pressure"`
	PressureString  string `json:"pressure_string"`
	AbsHumidity     string `json:"abs_humidity"`
	WindSpeed       string `json:"wind_speed"`
	AtmoOpacity     string `json:"atmo_opacity"`
	Sunrise         string `json:"sunrise"`
	Sunset          string `json:"sunset"`
	UVIndex         string `json:"local_uv_irradiance_index"`
}

// FetchArchive downloads and parses the full mission archive, retrying
// transient failures with exponential backoff. When a circuit breaker is
// set, the whole fetch (including retries) counts as one call against it.
func (c *RemsClient) FetchArchive(ctx context.Context) (models.SolArchive, error) {
	if c.breaker == nil {
		return c.fetchWithRetry(ctx)
	}

	var archive models.SolArchive
	err := c.breaker.Call(ctx, func() error {
		var ferr error
		archive, ferr = c.fetchWithRetry(ctx)
		return ferr
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			// Keep both sentinels matchable: the service treats an open
			// circuit like any other unavailable upstream.
			return models.SolArchive{}, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
		}
		return models.SolArchive{}, err
	}
	return archive, nil
}

func (c *RemsClient) fetchWithRetry(ctx context.Context) (models.SolArchive, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.FeedRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.SolArchive{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		archive, err := c.callFeed(ctx)
		if err == nil {
			return archive, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return models.SolArchive{}, err
		}
	}

	return models.SolArchive{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *RemsClient) callFeed(ctx context.Context) (models.SolArchive, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", c.feedURL, nil)
	if err != nil {
		observability.FeedCallsTotal.WithLabelValues("error").Inc()
		return models.SolArchive{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	corrID := extractCorrelationID(ctx)
	if corrID != "" {
		req.Header.Set("X-Request-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.FeedCallsTotal.WithLabelValues("error").Inc()
		observability.FeedCallDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.SolArchive{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.SolArchive{}, fmt.Errorf("%w: %s", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.FeedCallsTotal.WithLabelValues(status).Inc()
	observability.FeedCallDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return models.SolArchive{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.SolArchive{}, fmt.Errorf("%w: read response body: %s", ErrFeedUnavailable, err)
	}

	return parseArchive(body)
}

func (c *RemsClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrFeedUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

func (c *RemsClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *RemsClient) handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrFeedUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		// 403/404 on a fixed URL means misconfiguration, not a transient fault.
		return fmt.Errorf("%w: HTTP %d", ErrFeedRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrFeedUnavailable, resp.StatusCode)
	}
	return nil
}

// Ping checks feed reachability without downloading the multi-megabyte
// archive body. Used by /health and degraded recovery probes.
func (c *RemsClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.feedURL, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFeedUnavailable, err)
	}
	// Close without reading: the status line is all Ping needs.
	resp.Body.Close()

	return c.handleErrorResponse(resp)
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// parseArchive decodes a feed document. Sol and terrestrial_date identify a
// row, so an unparseable value in either rejects the whole document; the
// optional readings degrade to nil instead.
func parseArchive(body []byte) (models.SolArchive, error) {
	var doc remsResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return models.SolArchive{}, fmt.Errorf("%w: %s", ErrMalformedFeed, err)
	}
	if len(doc.Soles) == 0 {
		return models.SolArchive{}, ErrEmptyFeed
	}

	reports := make([]models.SolReport, 0, len(doc.Soles))
	seen := make(map[int64]struct{}, len(doc.Soles))
	for i, row := range doc.Soles {
		r, err := mapRow(row)
		if err != nil {
			return models.SolArchive{}, fmt.Errorf("%w: row %d: %s", ErrMalformedFeed, i, err)
		}
		if _, dup := seen[r.Sol]; dup {
			continue
		}
		seen[r.Sol] = struct{}{}
		reports = append(reports, r)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Sol > reports[j].Sol
	})

	return models.SolArchive{
		Reports:   reports,
		FetchedAt: time.Now(),
	}, nil
}

func mapRow(row remsSol) (models.SolReport, error) {
	sol, err := strconv.ParseInt(strings.TrimSpace(row.Sol), 10, 64)
	if err != nil {
		return models.SolReport{}, fmt.Errorf("bad sol %q", row.Sol)
	}
	date, err := models.ParseDate(row.TerrestrialDate)
	if err != nil {
		return models.SolReport{}, fmt.Errorf("bad terrestrial_date %q", row.TerrestrialDate)
	}

	return models.SolReport{
		Sol:             sol,
		TerrestrialDate: date,
		Season:          row.Season,
		SolarLongitude:  optionalInt(row.Ls),
		AirTempMin:      optionalInt(row.MinTemp),
		AirTempMax:      optionalInt(row.MaxTemp),
		GroundTempMin:   optionalInt(row.MinGtsTemp),
		GroundTempMax:   optionalInt(row.MaxGtsTemp),
		Pressure:        optionalInt(row.Pressure),
		PressureTrend:   row.PressureString,
		Humidity:        optionalInt(row.AbsHumidity),
		WindSpeed:       optionalInt(row.WindSpeed),
		Opacity:         row.AtmoOpacity,
		UVIndex:         row.UVIndex,
		Sunrise:         row.Sunrise,
		Sunset:          row.Sunset,
	}, nil
}

// optionalInt parses a feed reading. Anything unparseable, including the
// feed's "--" placeholder, is a missing value, never an error.
func optionalInt(s string) *int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
