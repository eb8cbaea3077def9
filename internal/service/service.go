package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"linx/internal/cache"
	"linx/internal/feed"
	"linx/internal/mars"
	"linx/internal/models"
	"linx/internal/observability"
)

// archiveKey is the single cache key the whole mission archive lives under.
// One rover, one document.
const archiveKey = "msl"

var (
	// ErrSolNotFound marks lookups for sols with no report: dates before
	// landing, sols past the archive, or gaps where REMS published nothing.
	ErrSolNotFound = errors.New("sol not found")

	// ErrUpstreamUnavailable marks lookups that found neither a fresh feed
	// nor a usable stale archive.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// WeatherService orchestrates sol weather lookups using the cache-aside
// pattern with feed fallback. Implements the service layer business logic.
type WeatherService struct {
	feed            feed.Client
	cache           cache.Cache
	ttl             time.Duration
	staleTTL        time.Duration // Maximum age for stale archive fallback (0 = disabled)
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // Optional request coalescing (nil if disabled)
}

// NewWeatherService creates a new WeatherService with the provided dependencies.
// ttl specifies the cache expiration duration for the archive.
// staleTTL specifies maximum age for stale archive fallback (0 = disabled).
// coalesceEnabled and coalesceTimeout configure request coalescing (disabled if timeout 0).
func NewWeatherService(feedClient feed.Client, cache cache.Cache, ttl, staleTTL time.Duration, coalesceEnabled bool, coalesceTimeout time.Duration) *WeatherService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &WeatherService{
		feed:            feedClient,
		cache:           cache,
		ttl:             ttl,
		staleTTL:        staleTTL,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// WeatherAt returns the report for the sol containing the Earth instant t.
// Instants at or past the newest archived sol resolve to the newest report:
// the feed lags real time by a few sols, so the freshest observation is the
// answer for "now". Older instants resolve exactly; REMS gaps are not found.
func (s *WeatherService) WeatherAt(ctx context.Context, t time.Time) (models.SolReport, error) {
	sol := mars.SolAt(t)
	if sol <= 0 {
		return models.SolReport{}, fmt.Errorf("%w: %s precedes the mission", ErrSolNotFound, t.UTC().Format(time.RFC3339))
	}

	archive, stale, err := s.archive(ctx)
	if err != nil {
		return models.SolReport{}, err
	}

	newest, ok := archive.Latest()
	if !ok {
		return models.SolReport{}, ErrSolNotFound
	}
	if sol >= newest.Sol {
		newest.Stale = stale
		return newest, nil
	}

	report, found := archive.BySol(sol)
	if !found {
		return models.SolReport{}, fmt.Errorf("%w: sol %d has no report", ErrSolNotFound, sol)
	}
	report.Stale = stale
	return report, nil
}

// BySol returns the report for an exact sol number. No clamping: asking for
// a sol the archive does not hold is ErrSolNotFound.
func (s *WeatherService) BySol(ctx context.Context, sol int64) (models.SolReport, error) {
	if sol <= 0 {
		return models.SolReport{}, fmt.Errorf("%w: sol %d", ErrSolNotFound, sol)
	}

	archive, stale, err := s.archive(ctx)
	if err != nil {
		return models.SolReport{}, err
	}

	report, found := archive.BySol(sol)
	if !found {
		return models.SolReport{}, fmt.Errorf("%w: sol %d has no report", ErrSolNotFound, sol)
	}
	report.Stale = stale
	return report, nil
}

// Latest returns the newest archived report.
func (s *WeatherService) Latest(ctx context.Context) (models.SolReport, error) {
	archive, stale, err := s.archive(ctx)
	if err != nil {
		return models.SolReport{}, err
	}

	newest, ok := archive.Latest()
	if !ok {
		return models.SolReport{}, ErrSolNotFound
	}
	newest.Stale = stale
	return newest, nil
}

// Refresh force-fetches the archive and repopulates the cache, bypassing
// any fresh cached copy. trigger labels the run: boot, scheduled, manual.
func (s *WeatherService) Refresh(ctx context.Context, trigger string) error {
	start := time.Now()
	observability.RefreshRunsTotal.WithLabelValues(trigger).Inc()

	archive, err := s.feed.FetchArchive(ctx)
	if err != nil {
		observability.RefreshErrorsTotal.Inc()
		return fmt.Errorf("refresh archive: %w", err)
	}
	if err := s.cache.Set(ctx, archiveKey, archive, s.ttl); err != nil {
		observability.RefreshErrorsTotal.Inc()
		return fmt.Errorf("store refreshed archive: %w", err)
	}

	observability.RefreshDuration.Observe(time.Since(start).Seconds())
	recordArchiveStats(archive)
	return nil
}

// FlushCache drops the cached archive so the next lookup re-fetches.
func (s *WeatherService) FlushCache(ctx context.Context) error {
	return s.cache.Delete(ctx, archiveKey)
}

// Ping reports feed reachability. Used by health checks and recovery probes.
func (s *WeatherService) Ping(ctx context.Context) error {
	return s.feed.Ping(ctx)
}

// archive implements cache-aside over the single archive document. Returns
// the archive and whether it was served stale. Concurrent misses coalesce
// onto one feed fetch when coalescing is enabled; a failed fetch falls back
// to the stale archive when the stale window allows.
func (s *WeatherService) archive(ctx context.Context) (models.SolArchive, bool, error) {
	logger := loggerFromContext(ctx)

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, archiveKey)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOpDuration.WithLabelValues("get", "error").Observe(getDuration)
	} else if ok {
		observability.CacheOpDuration.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues(s.cache.Name()).Inc()
		if logger != nil {
			logger.Debug("archive cache hit", zap.Int("sols", cached.Len()))
		}
		return cached, false, nil
	} else {
		observability.CacheMissesTotal.Inc()
	}

	concurrentMisses := s.stampedeTracker.RecordMiss(archiveKey)
	defer s.stampedeTracker.RecordHit(archiveKey)
	if concurrentMisses > 1 {
		observability.StampedeDetectedTotal.Inc()
		observability.StampedeConcurrency.Observe(float64(concurrentMisses))
	}

	if logger != nil {
		logger.Debug("archive cache miss, fetching feed")
	}

	// Use coalescer if enabled to collapse concurrent feed fetches into one
	var archive models.SolArchive
	var fetchErr error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		archive, fetchErr = s.coalescer.GetOrDo(ctx, archiveKey, func() (models.SolArchive, error) {
			return s.feed.FetchArchive(ctx)
		})
		coalesceWait := time.Since(coalesceStart)
		if fetchErr == nil {
			// Waiting longer than scheduling noise means we rode another
			// caller's fetch (approximate).
			if coalesceWait > 10*time.Millisecond {
				observability.CoalescedWaitsTotal.Inc()
			}
			observability.CoalescingWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		archive, fetchErr = s.feed.FetchArchive(ctx)
	}
	if fetchErr != nil {
		if logger != nil {
			logger.Warn("feed fetch failed",
				zap.Error(fetchErr),
				zap.String("category", string(feed.CategorizeError(fetchErr))))
		}
		// Feed failed - try the stale archive if enabled
		if s.staleTTL > 0 {
			stale, ok, staleErr := s.cache.GetStale(ctx, archiveKey)
			if staleErr == nil && ok {
				staleAge := time.Since(stale.FetchedAt)
				observability.StaleServesTotal.Inc()
				observability.StaleAgeSeconds.Observe(staleAge.Seconds())
				if logger != nil {
					logger.Info("serving stale archive", zap.Duration("age", staleAge))
				}
				return stale, true, nil
			}
		}
		return models.SolArchive{}, false, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, fetchErr)
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, archiveKey, archive, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOpDuration.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("archive cache set failed", zap.Error(setErr))
		}
	} else {
		observability.CacheOpDuration.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}

	recordArchiveStats(archive)
	return archive, false, nil
}

func recordArchiveStats(archive models.SolArchive) {
	newest, ok := archive.Latest()
	if !ok {
		return
	}
	observability.RecordArchiveStats(archive.Len(), newest.Sol)
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
