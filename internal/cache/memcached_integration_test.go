//go:build integration
// +build integration

package cache

import (
	"context"
	"testing"
	"time"
)

// TestMemcachedCache_GetSet_Integration verifies that MemcachedCache successfully
// stores and retrieves archives when a memcached server is available.
func TestMemcachedCache_GetSet_Integration(t *testing.T) {
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	val := archiveFixture(4804)
	if err := c.Set(ctx, "archive", val, time.Minute); err != nil {
		t.Skipf("Set failed (memcached may not be running): %v", err)
	}

	got, ok, err := c.Get(ctx, "archive")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	newest, _ := got.Latest()
	if newest.Sol != 4804 {
		t.Errorf("Get() newest sol = %d, want 4804", newest.Sol)
	}
	if newest.TerrestrialDate.String() != "2026-02-09" {
		t.Errorf("Get() terrestrialDate = %s, want 2026-02-09 (Date round trip)", newest.TerrestrialDate)
	}
}

// TestMemcachedCache_Get_Miss_Integration verifies that MemcachedCache returns
// ok=false when the requested key does not exist in memcached.
func TestMemcachedCache_Get_Miss_Integration(t *testing.T) {
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	_, ok, err := c.Get(ctx, "nonexistent")
	if err != nil {
		t.Skipf("Get failed (memcached may not be running): %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestMemcachedCache_Delete_Integration verifies that Delete removes the
// entry and tolerates missing keys.
func TestMemcachedCache_Delete_Integration(t *testing.T) {
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "delete-probe", archiveFixture(4804), time.Minute); err != nil {
		t.Skipf("Set failed (memcached may not be running): %v", err)
	}

	if err := c.Delete(ctx, "delete-probe"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := c.GetStale(ctx, "delete-probe"); ok {
		t.Error("GetStale() ok = true after Delete, want false")
	}

	if err := c.Delete(ctx, "delete-probe"); err != nil {
		t.Errorf("Delete() of missing key error = %v, want nil", err)
	}
}

// TestMemcachedCache_GetStale_Integration verifies that a logically expired
// envelope stays readable through GetStale until physical expiry.
func TestMemcachedCache_GetStale_Integration(t *testing.T) {
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	val := archiveFixture(4804)
	if err := c.Set(ctx, "stale-probe", val, time.Second); err != nil {
		t.Skipf("Set failed (memcached may not be running): %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, ok, _ := c.Get(ctx, "stale-probe"); ok {
		t.Error("Get() ok = true, want false past the logical TTL")
	}

	stale, ok, err := c.GetStale(ctx, "stale-probe")
	if err != nil {
		t.Fatalf("GetStale() error = %v", err)
	}
	if !ok {
		t.Fatal("GetStale() ok = false, want true inside the stale window")
	}
	if stale.Len() != 1 {
		t.Errorf("GetStale() Len = %d, want 1", stale.Len())
	}
}
