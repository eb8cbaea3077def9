package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"linx/internal/mars"
	"linx/internal/models"
)

type mockFeedClient struct {
	archive models.SolArchive
	err     error
	pingErr error
	calls   int
}

func (m *mockFeedClient) FetchArchive(ctx context.Context) (models.SolArchive, error) {
	m.calls++
	return m.archive, m.err
}

func (m *mockFeedClient) Ping(ctx context.Context) error {
	return m.pingErr
}

type mockCache struct {
	data      map[string]models.SolArchive
	staleData map[string]models.SolArchive // expired entries still inside the stale window
	err       error
}

func (m *mockCache) Get(ctx context.Context, key string) (models.SolArchive, bool, error) {
	if m.err != nil {
		return models.SolArchive{}, false, m.err
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) GetStale(ctx context.Context, key string) (models.SolArchive, bool, error) {
	if m.err != nil {
		return models.SolArchive{}, false, m.err
	}
	if m.staleData != nil {
		if stale, ok := m.staleData[key]; ok {
			return stale, true, nil
		}
	}
	return m.Get(ctx, key)
}

func (m *mockCache) Set(ctx context.Context, key string, value models.SolArchive, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]models.SolArchive)
	}
	m.data[key] = value
	return nil
}

func (m *mockCache) Delete(ctx context.Context, key string) error {
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	delete(m.staleData, key)
	return nil
}

func (m *mockCache) Name() string {
	return "mock"
}

// solArchive builds an archive with count contiguous reports, newest first,
// ending at newestSol.
func solArchive(newestSol int64, count int) models.SolArchive {
	base := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	reports := make([]models.SolReport, 0, count)
	for i := 0; i < count; i++ {
		p := int64(795 - i)
		d := base.AddDate(0, 0, -i)
		reports = append(reports, models.SolReport{
			Sol:             newestSol - int64(i),
			TerrestrialDate: models.NewDate(d.Year(), d.Month(), d.Day()),
			Season:          "Month 11",
			Pressure:        &p,
			Opacity:         "Sunny",
		})
	}
	return models.SolArchive{Reports: reports, FetchedAt: time.Now()}
}

// withoutSol drops one sol's report from an archive, simulating a gap where
// REMS published nothing.
func withoutSol(a models.SolArchive, sol int64) models.SolArchive {
	out := models.SolArchive{FetchedAt: a.FetchedAt}
	for _, r := range a.Reports {
		if r.Sol != sol {
			out.Reports = append(out.Reports, r)
		}
	}
	return out
}

// instantInSol returns an Earth instant that falls one hour into the given
// mission sol.
func instantInSol(sol int64) time.Time {
	return mars.Landing().Add(time.Duration(sol-1)*mars.SolDuration + time.Hour)
}

// TestWeatherService_Latest_CacheHit verifies that Latest serves the newest
// report straight from cache without touching the feed.
func TestWeatherService_Latest_CacheHit(t *testing.T) {
	cache := &mockCache{
		data: map[string]models.SolArchive{
			archiveKey: solArchive(4804, 10),
		},
	}

	// nil feed client: a cache hit must never reach upstream
	svc := NewWeatherService(nil, cache, 5*time.Minute, 0, false, 0)

	got, err := svc.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v, want nil", err)
	}
	if got.Sol != 4804 {
		t.Errorf("Latest().Sol = %d, want 4804", got.Sol)
	}
	if got.Stale {
		t.Error("Latest().Stale = true, want false for fresh cache")
	}
}

// TestWeatherService_WeatherAt_ClampsToNewest verifies that instants at or
// past the newest archived sol resolve to the newest report, since the feed
// lags real time by a few sols.
func TestWeatherService_WeatherAt_ClampsToNewest(t *testing.T) {
	now := time.Now()
	newest := mars.SolAt(now) - 3 // feed typically trails by a few sols
	cache := &mockCache{
		data: map[string]models.SolArchive{
			archiveKey: solArchive(newest, 10),
		},
	}

	svc := NewWeatherService(nil, cache, 5*time.Minute, 0, false, 0)

	got, err := svc.WeatherAt(context.Background(), now)
	if err != nil {
		t.Fatalf("WeatherAt(now) error = %v, want nil", err)
	}
	if got.Sol != newest {
		t.Errorf("WeatherAt(now).Sol = %d, want newest %d", got.Sol, newest)
	}
}

// TestWeatherService_WeatherAt_ExactSol verifies that instants older than the
// newest sol resolve to that exact sol's report.
func TestWeatherService_WeatherAt_ExactSol(t *testing.T) {
	cache := &mockCache{
		data: map[string]models.SolArchive{
			archiveKey: solArchive(4804, 10),
		},
	}

	svc := NewWeatherService(nil, cache, 5*time.Minute, 0, false, 0)

	got, err := svc.WeatherAt(context.Background(), instantInSol(4800))
	if err != nil {
		t.Fatalf("WeatherAt() error = %v, want nil", err)
	}
	if got.Sol != 4800 {
		t.Errorf("WeatherAt().Sol = %d, want 4800", got.Sol)
	}
}

// TestWeatherService_WeatherAt_BeforeMission verifies that instants at or
// before landing are not found, without consulting cache or feed.
func TestWeatherService_WeatherAt_BeforeMission(t *testing.T) {
	svc := NewWeatherService(nil, nil, 5*time.Minute, 0, false, 0)

	tests := []struct {
		name string
		t    time.Time
	}{
		{"day before landing", mars.Landing().Add(-24 * time.Hour)},
		{"at landing", mars.Landing()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.WeatherAt(context.Background(), tc.t)
			if !errors.Is(err, ErrSolNotFound) {
				t.Errorf("WeatherAt(%v) error = %v, want ErrSolNotFound", tc.t, err)
			}
		})
	}
}

// TestWeatherService_BySol verifies exact sol lookups: hits, gaps, sols past
// the archive, and non-positive sols. BySol never clamps.
func TestWeatherService_BySol(t *testing.T) {
	archive := withoutSol(solArchive(4804, 10), 4800)
	cache := &mockCache{
		data: map[string]models.SolArchive{archiveKey: archive},
	}
	svc := NewWeatherService(nil, cache, 5*time.Minute, 0, false, 0)

	tests := []struct {
		name      string
		sol       int64
		wantFound bool
	}{
		{"newest", 4804, true},
		{"oldest held", 4795, true},
		{"gap sol", 4800, false},
		{"past the archive", 4805, false},
		{"sol zero", 0, false},
		{"negative", -3, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.BySol(context.Background(), tc.sol)
			if tc.wantFound {
				if err != nil {
					t.Fatalf("BySol(%d) error = %v, want nil", tc.sol, err)
				}
				if got.Sol != tc.sol {
					t.Errorf("BySol(%d).Sol = %d", tc.sol, got.Sol)
				}
				return
			}
			if !errors.Is(err, ErrSolNotFound) {
				t.Errorf("BySol(%d) error = %v, want ErrSolNotFound", tc.sol, err)
			}
		})
	}
}

// TestWeatherService_CacheMiss_FeedSuccess verifies that a cache miss fetches
// from the feed, populates the cache, and serves the result.
func TestWeatherService_CacheMiss_FeedSuccess(t *testing.T) {
	feedClient := &mockFeedClient{archive: solArchive(4804, 10)}
	cache := &mockCache{data: make(map[string]models.SolArchive)}

	svc := NewWeatherService(feedClient, cache, 5*time.Minute, 0, false, 0)

	got, err := svc.BySol(context.Background(), 4804)
	if err != nil {
		t.Fatalf("BySol() error = %v, want nil", err)
	}
	if got.Sol != 4804 {
		t.Errorf("BySol().Sol = %d, want 4804", got.Sol)
	}
	if feedClient.calls != 1 {
		t.Errorf("feed calls = %d, want 1", feedClient.calls)
	}

	if _, ok, _ := cache.Get(context.Background(), archiveKey); !ok {
		t.Error("cache was not populated after feed fetch")
	}
}

// TestWeatherService_UpstreamFailure verifies that a miss with a failing feed
// and no stale window surfaces ErrUpstreamUnavailable.
func TestWeatherService_UpstreamFailure(t *testing.T) {
	feedClient := &mockFeedClient{err: errors.New("feed down")}
	cache := &mockCache{data: make(map[string]models.SolArchive)}

	svc := NewWeatherService(feedClient, cache, 5*time.Minute, 0, false, 0)

	_, err := svc.Latest(context.Background())
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("Latest() error = %v, want ErrUpstreamUnavailable", err)
	}
}

// TestWeatherService_StaleFallback verifies that when the feed fails and a
// stale archive exists inside the window, reports are served marked stale.
func TestWeatherService_StaleFallback(t *testing.T) {
	staleArchive := solArchive(4801, 10)
	staleArchive.FetchedAt = time.Now().Add(-30 * time.Minute)

	cache := &mockCache{
		staleData: map[string]models.SolArchive{archiveKey: staleArchive},
	}
	feedClient := &mockFeedClient{err: errors.New("feed down")}

	svc := NewWeatherService(feedClient, cache, 5*time.Minute, time.Hour, false, 0)

	got, err := svc.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v, want nil (stale archive served)", err)
	}
	if !got.Stale {
		t.Error("Latest().Stale = false, want true")
	}
	if got.Sol != 4801 {
		t.Errorf("Latest().Sol = %d, want 4801", got.Sol)
	}
}

// TestWeatherService_StaleDisabled verifies that a zero stale TTL disables
// the fallback even when a stale archive is present.
func TestWeatherService_StaleDisabled(t *testing.T) {
	cache := &mockCache{
		staleData: map[string]models.SolArchive{archiveKey: solArchive(4801, 10)},
	}
	feedClient := &mockFeedClient{err: errors.New("feed down")}

	svc := NewWeatherService(feedClient, cache, 5*time.Minute, 0, false, 0)

	_, err := svc.Latest(context.Background())
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("Latest() error = %v, want ErrUpstreamUnavailable (stale disabled)", err)
	}
}

// TestWeatherService_CacheGetError_FeedFallback verifies that cache read
// errors are non-fatal: the lookup proceeds to the feed.
func TestWeatherService_CacheGetError_FeedFallback(t *testing.T) {
	cache := &mockCache{err: errors.New("cache error")}
	feedClient := &mockFeedClient{archive: solArchive(4804, 10)}

	svc := NewWeatherService(feedClient, cache, 5*time.Minute, 0, false, 0)

	got, err := svc.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v, want nil (should fall back to feed)", err)
	}
	if got.Sol != 4804 {
		t.Errorf("Latest().Sol = %d, want 4804", got.Sol)
	}
}

// TestWeatherService_EmptyArchive verifies that an archive with no reports
// resolves to not found rather than panicking or fabricating data.
func TestWeatherService_EmptyArchive(t *testing.T) {
	cache := &mockCache{
		data: map[string]models.SolArchive{
			archiveKey: {FetchedAt: time.Now()},
		},
	}
	svc := NewWeatherService(nil, cache, 5*time.Minute, 0, false, 0)

	_, err := svc.Latest(context.Background())
	if !errors.Is(err, ErrSolNotFound) {
		t.Fatalf("Latest() error = %v, want ErrSolNotFound", err)
	}
}

// TestWeatherService_Refresh verifies that Refresh bypasses the cached copy,
// fetches fresh, and stores the result.
func TestWeatherService_Refresh(t *testing.T) {
	feedClient := &mockFeedClient{archive: solArchive(4804, 10)}
	cache := &mockCache{
		data: map[string]models.SolArchive{archiveKey: solArchive(4790, 5)},
	}

	svc := NewWeatherService(feedClient, cache, 5*time.Minute, 0, false, 0)

	if err := svc.Refresh(context.Background(), "manual"); err != nil {
		t.Fatalf("Refresh() error = %v, want nil", err)
	}
	if feedClient.calls != 1 {
		t.Errorf("feed calls = %d, want 1 (refresh must bypass cache)", feedClient.calls)
	}

	stored, ok, _ := cache.Get(context.Background(), archiveKey)
	if !ok {
		t.Fatal("cache empty after Refresh")
	}
	if newest, _ := stored.Latest(); newest.Sol != 4804 {
		t.Errorf("cached newest sol = %d, want 4804", newest.Sol)
	}
}

// TestWeatherService_Refresh_FeedFailure verifies that a failed refresh
// reports the error and leaves the cached archive untouched.
func TestWeatherService_Refresh_FeedFailure(t *testing.T) {
	feedClient := &mockFeedClient{err: errors.New("feed down")}
	cache := &mockCache{
		data: map[string]models.SolArchive{archiveKey: solArchive(4790, 5)},
	}

	svc := NewWeatherService(feedClient, cache, 5*time.Minute, 0, false, 0)

	if err := svc.Refresh(context.Background(), "scheduled"); err == nil {
		t.Fatal("Refresh() error = nil, want error")
	}

	stored, ok, _ := cache.Get(context.Background(), archiveKey)
	if !ok {
		t.Fatal("cached archive lost after failed Refresh")
	}
	if newest, _ := stored.Latest(); newest.Sol != 4790 {
		t.Errorf("cached newest sol = %d, want 4790 (unchanged)", newest.Sol)
	}
}

// TestWeatherService_FlushCache verifies that FlushCache drops the archive so
// the next lookup goes back to the feed.
func TestWeatherService_FlushCache(t *testing.T) {
	feedClient := &mockFeedClient{archive: solArchive(4804, 10)}
	cache := &mockCache{
		data: map[string]models.SolArchive{archiveKey: solArchive(4790, 5)},
	}

	svc := NewWeatherService(feedClient, cache, 5*time.Minute, 0, false, 0)

	if err := svc.FlushCache(context.Background()); err != nil {
		t.Fatalf("FlushCache() error = %v, want nil", err)
	}
	if _, ok, _ := cache.Get(context.Background(), archiveKey); ok {
		t.Fatal("archive still cached after FlushCache")
	}

	got, err := svc.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() after flush error = %v, want nil", err)
	}
	if got.Sol != 4804 {
		t.Errorf("Latest().Sol = %d, want 4804 (re-fetched)", got.Sol)
	}
	if feedClient.calls != 1 {
		t.Errorf("feed calls = %d, want 1", feedClient.calls)
	}
}
