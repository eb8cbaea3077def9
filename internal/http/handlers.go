package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"linx/internal/health"
	"linx/internal/mars"
	"linx/internal/observability"
	"linx/internal/service"
	"linx/internal/validation"
)

// HealthConfig holds the sliding-window thresholds the health handler
// evaluates.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedMinSamples     int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService   *service.WeatherService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	weatherService *service.WeatherService,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	return &Handler{
		weatherService: weatherService,
		healthConfig:   healthConfig,
		logger:         logger,
		rateLimiter:    rateLimiter,
	}
}

// RateLimiter exposes the limiter for route wiring.
func (h *Handler) RateLimiter() *rate.Limiter {
	return h.rateLimiter
}

// GetWeather handles GET /weather. Accepts either date (RFC 3339 with
// offset, RFC 3339 Z form, or bare 2006-01-02) or sol, never both; with no
// parameters it reports the weather for the current instant.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	if health.IsShuttingDown() {
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down")
		return
	}

	q := r.URL.Query()
	if q.Has("date") && q.Has("sol") {
		writeError(w, r, http.StatusBadRequest, "CONFLICTING_QUERY", "date and sol are mutually exclusive")
		return
	}

	var (
		report interface{}
		err    error
	)
	switch {
	case q.Has("sol"):
		sol, perr := validation.ParseSol(q.Get("sol"))
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_SOL", "sol must be a non-negative integer")
			return
		}
		observability.RecordSolQuery("sol")
		report, err = h.weatherService.BySol(r.Context(), sol)
	case q.Has("date"):
		t, perr := validation.ParseDate(q.Get("date"))
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_DATE", "date must be RFC 3339 or a 2006-01-02 calendar date")
			return
		}
		observability.RecordSolQuery("date")
		report, err = h.weatherService.WeatherAt(r.Context(), t)
	default:
		observability.RecordSolQuery("latest")
		report, err = h.weatherService.WeatherAt(r.Context(), time.Now())
	}

	if err != nil {
		if errors.Is(err, service.ErrSolNotFound) {
			// Not an upstream failure: the archive answered, the sol just
			// has no observation.
			health.RecordSuccess()
			writeError(w, r, http.StatusNotFound, "SOL_NOT_FOUND", "no observation for the requested sol")
			return
		}
		health.RecordError()
		health.NotifyDegraded()
		writeServiceError(w, r, err)
		return
	}

	health.RecordSuccess()
	writeJSON(w, http.StatusOK, report)
}

const rootHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>linx &mdash; Mars weather</title>
</head>
<body>
<h1>linx</h1>
<p>Weather on Mars, as measured by the Curiosity rover (MSL) at Gale Crater.
Ask for an Earth date and get the REMS observation for the matching mission
sol.</p>

<h2>Endpoints</h2>
<ul>
<li><code>GET /weather</code> &mdash; newest observation</li>
<li><code>GET /weather?date=2026-02-09T21:42:00%2B01:00</code> &mdash; RFC 3339 with a numeric UTC offset (encode + as %2B)</li>
<li><code>GET /weather?date=2026-02-09T20:42:00Z</code> &mdash; RFC 3339, Z form</li>
<li><code>GET /weather?date=2026-02-09</code> &mdash; bare calendar date, read as midnight UTC</li>
<li><code>GET /weather?sol=4804</code> &mdash; direct mission sol lookup</li>
<li><code>GET /health</code> &mdash; service health</li>
<li><code>GET /metrics</code> &mdash; Prometheus metrics</li>
</ul>

<h2>Example</h2>
<pre>curl 'http://homelab.local:3000/weather?date=2026-02-09'</pre>

<h2>Notes</h2>
<p>Readings are <code>null</code> when the instrument reported no value for
that sol. Dates before the Curiosity landing (2012-08-06) have no
observation. Data: NASA Mars Science Laboratory, Rover Environmental
Monitoring Station (REMS), via the public MSL weather feed.</p>
</body>
</html>
`

// GetRoot handles GET /. Serves the HTML self-description of the API.
func (h *Handler) GetRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rootHTML))
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "upstream_unreachable" {
		checks["marsFeed"] = "unhealthy"
	} else {
		checks["marsFeed"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "linx",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus evaluates health conditions in priority order:
// shutting_down > upstream_unreachable > overloaded > idle > degraded >
// healthy. Only the first two are 503; a service that is merely busy, quiet,
// or erroring is still serving.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	// Priority 1: Check if service is shutting down
	if health.IsShuttingDown() {
		return healthResult{"shutting_down", http.StatusServiceUnavailable, "signal"}
	}
	// Priority 2: Live feed reachability probe
	if err := h.weatherService.Ping(ctx); err != nil {
		return healthResult{"upstream_unreachable", http.StatusServiceUnavailable, "feed_unreachable"}
	}
	// No thresholds configured: reachable means healthy
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Priority 3: Check overload threshold (window traffic exceeds configured percentage of capacity)
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if threshold > 0 && float64(health.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusOK, "overload_threshold"}
	}
	// Priority 4: Check idle conditions (only if uptime exceeds minimum lifespan)
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if health.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	// Priority 5: Check degraded state (error rate exceeds configured threshold)
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errCount, total := health.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && total >= h.healthConfig.DegradedMinSamples {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusOK, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// PostTestRefresh handles POST /test/refresh. Forces an immediate feed
// refresh, bypassing the cached archive. Testing mode only.
func (h *Handler) PostTestRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.weatherService.Refresh(r.Context(), "manual"); err != nil {
		health.NotifyDegraded()
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "refresh",
		"message": "archive refreshed",
	})
}

// PostTestFlushCache handles POST /test/flush-cache. Drops the cached
// archive so the next lookup re-fetches. Testing mode only.
func (h *Handler) PostTestFlushCache(w http.ResponseWriter, r *http.Request) {
	if err := h.weatherService.FlushCache(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, "CACHE_ERROR", "failed to flush the archive cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "flush-cache",
		"message": "archive cache flushed",
	})
}

// GetTestSol handles GET /test/sol. Dry-run date-to-sol conversion without an
// archive lookup; date defaults to now. Testing mode only.
func (h *Handler) GetTestSol(w http.ResponseWriter, r *http.Request) {
	t := time.Now()
	if r.URL.Query().Has("date") {
		parsed, err := validation.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_DATE", "date must be RFC 3339 or a 2006-01-02 calendar date")
			return
		}
		t = parsed
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date": t.UTC().Format(time.RFC3339),
		"sol":  mars.SolAt(t),
	})
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps a lookup failure to its HTTP shape: deadline
// breaches are 504 REQUEST_TIMEOUT, everything else a 503
// UPSTREAM_UNAVAILABLE. Logs the underlying error at DEBUG level.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("weather lookup failed", zap.Error(err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, r, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "request deadline exceeded")
		return
	}
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "unable to fetch the weather archive")
}
