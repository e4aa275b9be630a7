package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trackcast/database"
	"trackcast/models"
	"trackcast/provider"
	"trackcast/resolver"
)

type fakeResolver struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
	fn    func(trackID string) (*resolver.Descriptor, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, trackID string, hints provider.Hints) (*resolver.Descriptor, error) {
	f.mu.Lock()
	f.calls = append(f.calls, trackID)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.fn(trackID)
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func resolveOK(trackID string) (*resolver.Descriptor, error) {
	return &resolver.Descriptor{
		StreamURL:   "https://cdn.example/" + trackID,
		Codec:       "opus",
		BitrateKbps: 160,
	}, nil
}

func resolveFail(trackID string) (*resolver.Descriptor, error) {
	return nil, &resolver.ExhaustedError{
		TrackID: trackID,
		Attempts: []resolver.Attempt{
			{Provider: "fake", Err: provider.Unreachable("fake", errors.New("down"))},
		},
	}
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, res StreamResolver) (*Manager, *database.Store) {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := NewManager(store, res, Options{})
	m.now = func() time.Time { return testNow }
	return m, store
}

func seedEntry(t *testing.T, store *database.Store, entry *models.StreamEntry) {
	t.Helper()
	if err := store.Upsert(entry); err != nil {
		t.Fatalf("seed Upsert(%s) error = %v", entry.TrackID, err)
	}
}

func TestGetStreamURLResolvesAndPersists(t *testing.T) {
	res := &fakeResolver{fn: resolveOK}
	m, store := newTestManager(t, res)

	entry, err := m.GetStreamURL(context.Background(), "xyz789", provider.Hints{})
	if err != nil {
		t.Fatalf("GetStreamURL() error = %v", err)
	}
	if entry.StreamURL != "https://cdn.example/xyz789" {
		t.Errorf("StreamURL = %q", entry.StreamURL)
	}
	if !entry.FetchedAt.Equal(testNow) {
		t.Errorf("FetchedAt = %v; want %v", entry.FetchedAt, testNow)
	}
	if !entry.ExpiresAt.Equal(testNow.Add(6 * time.Hour)) {
		t.Errorf("ExpiresAt = %v; want now + 6h", entry.ExpiresAt)
	}

	stored, err := store.Get("xyz789")
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if stored == nil || stored.StreamURL != entry.StreamURL {
		t.Errorf("durable tier entry = %+v; want persisted copy of result", stored)
	}
}

func TestCacheHitIdempotence(t *testing.T) {
	res := &fakeResolver{fn: resolveOK}
	m, _ := newTestManager(t, res)
	ctx := context.Background()

	first, err := m.GetStreamURL(ctx, "abc123", provider.Hints{})
	if err != nil {
		t.Fatalf("first GetStreamURL() error = %v", err)
	}
	if first.AccessCount != 1 {
		t.Errorf("AccessCount after create = %d; want 1", first.AccessCount)
	}

	second, err := m.GetStreamURL(ctx, "abc123", provider.Hints{})
	if err != nil {
		t.Fatalf("second GetStreamURL() error = %v", err)
	}
	third, err := m.GetStreamURL(ctx, "abc123", provider.Hints{})
	if err != nil {
		t.Fatalf("third GetStreamURL() error = %v", err)
	}

	if second.StreamURL != first.StreamURL || third.StreamURL != first.StreamURL {
		t.Error("cache hits returned different URLs for the same fresh entry")
	}
	if second.AccessCount != 2 || third.AccessCount != 3 {
		t.Errorf("AccessCount sequence = (%d, %d); want (2, 3)", second.AccessCount, third.AccessCount)
	}
	if res.callCount() != 1 {
		t.Errorf("resolver invoked %d times; want 1", res.callCount())
	}
}

func TestAllProvidersFailNoEntry(t *testing.T) {
	res := &fakeResolver{fn: resolveFail}
	m, store := newTestManager(t, res)

	_, err := m.GetStreamURL(context.Background(), "ghost", provider.Hints{})
	if err == nil {
		t.Fatal("GetStreamURL() error = nil; want failure with no cache fallback")
	}
	var exhausted *resolver.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Errorf("error %v does not wrap ExhaustedError", err)
	}

	stored, _ := store.Get("ghost")
	if stored != nil {
		t.Errorf("partial entry written on total failure: %+v", stored)
	}
}

func TestDegradeToStaleEntry(t *testing.T) {
	res := &fakeResolver{fn: resolveFail}
	m, _ := newTestManager(t, res)

	seedEntry(t, m.store, &models.StreamEntry{
		TrackID:        "abc123",
		StreamURL:      "https://old.example/a",
		FetchedAt:      testNow.Add(-8 * time.Hour),
		ExpiresAt:      testNow.Add(-1 * time.Hour),
		LastAccessedAt: testNow.Add(-2 * time.Hour),
		AccessCount:    4,
	})

	entry, err := m.GetStreamURL(context.Background(), "abc123", provider.Hints{})
	if err != nil {
		t.Fatalf("GetStreamURL() error = %v; want stale fallback", err)
	}
	if entry.StreamURL != "https://old.example/a" {
		t.Errorf("StreamURL = %q; want the expired cached URL", entry.StreamURL)
	}
	if res.callCount() != 1 {
		t.Errorf("resolver invoked %d times; want 1 live attempt before degrading", res.callCount())
	}

	// The stale entry must not be promoted as servable: the next call tries
	// a live resolution again.
	if _, err := m.GetStreamURL(context.Background(), "abc123", provider.Hints{}); err != nil {
		t.Fatalf("second GetStreamURL() error = %v", err)
	}
	if res.callCount() != 2 {
		t.Errorf("resolver invoked %d times after second call; want 2", res.callCount())
	}
}

func TestLiveResolutionBeatsStaleEntry(t *testing.T) {
	res := &fakeResolver{fn: resolveOK}
	m, store := newTestManager(t, res)

	seedEntry(t, store, &models.StreamEntry{
		TrackID:        "abc123",
		StreamURL:      "https://old.example/a",
		FetchedAt:      testNow.Add(-8 * time.Hour),
		ExpiresAt:      testNow.Add(-1 * time.Hour),
		LastAccessedAt: testNow.Add(-2 * time.Hour),
		AccessCount:    4,
	})

	entry, err := m.GetStreamURL(context.Background(), "abc123", provider.Hints{})
	if err != nil {
		t.Fatalf("GetStreamURL() error = %v", err)
	}
	if entry.StreamURL != "https://cdn.example/abc123" {
		t.Errorf("StreamURL = %q; want freshly resolved URL, not the stale one", entry.StreamURL)
	}

	stored, _ := store.Get("abc123")
	if stored.StreamURL != "https://cdn.example/abc123" {
		t.Errorf("durable entry not replaced: %q", stored.StreamURL)
	}
	if !stored.FetchedAt.Equal(testNow) {
		t.Errorf("FetchedAt = %v; want reset to now on re-resolution", stored.FetchedAt)
	}
}

func TestRefreshExpiringSoonTouchesOnlyStaleSoon(t *testing.T) {
	res := &fakeResolver{fn: resolveOK}
	m, store := newTestManager(t, res)

	fresh := &models.StreamEntry{
		TrackID: "fresh", StreamURL: "https://cdn.example/fresh-old",
		FetchedAt: testNow.Add(-time.Hour), ExpiresAt: testNow.Add(3 * time.Hour),
		LastAccessedAt: testNow, AccessCount: 1,
	}
	soon := &models.StreamEntry{
		TrackID: "soon", StreamURL: "https://cdn.example/soon-old",
		FetchedAt: testNow.Add(-6 * time.Hour), ExpiresAt: testNow.Add(10 * time.Minute),
		LastAccessedAt: testNow, AccessCount: 1,
	}
	expired := &models.StreamEntry{
		TrackID: "expired", StreamURL: "https://cdn.example/expired-old",
		FetchedAt: testNow.Add(-12 * time.Hour), ExpiresAt: testNow.Add(-time.Hour),
		LastAccessedAt: testNow, AccessCount: 1,
	}
	for _, e := range []*models.StreamEntry{fresh, soon, expired} {
		seedEntry(t, store, e)
	}

	refreshed, err := m.RefreshExpiringSoon(context.Background())
	if err != nil {
		t.Fatalf("RefreshExpiringSoon() error = %v", err)
	}
	if refreshed != 1 {
		t.Errorf("refreshed = %d; want 1", refreshed)
	}
	if res.callCount() != 1 || res.calls[0] != "soon" {
		t.Errorf("resolver calls = %v; want exactly [soon]", res.calls)
	}

	gotSoon, _ := store.Get("soon")
	if gotSoon.StreamURL != "https://cdn.example/soon" || !gotSoon.FetchedAt.Equal(testNow) {
		t.Errorf("stale-soon entry not refreshed: %+v", gotSoon)
	}

	gotFresh, _ := store.Get("fresh")
	if gotFresh.StreamURL != "https://cdn.example/fresh-old" || !gotFresh.FetchedAt.Equal(fresh.FetchedAt) {
		t.Errorf("fresh entry was modified by the sweep: %+v", gotFresh)
	}
	gotExpired, _ := store.Get("expired")
	if gotExpired.StreamURL != "https://cdn.example/expired-old" {
		t.Errorf("expired entry was modified by the sweep: %+v", gotExpired)
	}
}

func TestRefreshSweepIsolatesFailures(t *testing.T) {
	res := &fakeResolver{fn: func(trackID string) (*resolver.Descriptor, error) {
		if trackID == "bad" {
			return resolveFail(trackID)
		}
		return resolveOK(trackID)
	}}
	m, store := newTestManager(t, res)

	for _, id := range []string{"bad", "good"} {
		seedEntry(t, store, &models.StreamEntry{
			TrackID: id, StreamURL: "https://cdn.example/" + id + "-old",
			FetchedAt: testNow.Add(-6 * time.Hour), ExpiresAt: testNow.Add(10 * time.Minute),
			LastAccessedAt: testNow, AccessCount: 1,
		})
	}

	refreshed, err := m.RefreshExpiringSoon(context.Background())
	if err != nil {
		t.Fatalf("RefreshExpiringSoon() error = %v", err)
	}
	if refreshed != 1 {
		t.Errorf("refreshed = %d; want 1 despite the failing entry", refreshed)
	}

	gotGood, _ := store.Get("good")
	if gotGood.StreamURL != "https://cdn.example/good" {
		t.Errorf("good entry not refreshed after sibling failure: %q", gotGood.StreamURL)
	}
	gotBad, _ := store.Get("bad")
	if gotBad.StreamURL != "https://cdn.example/bad-old" {
		t.Errorf("failed entry should keep its old URL, got %q", gotBad.StreamURL)
	}
}

func TestCleanupExpiredMirrorsBothTiers(t *testing.T) {
	res := &fakeResolver{fn: resolveOK}
	m, store := newTestManager(t, res)

	dead := &models.StreamEntry{
		TrackID: "dead", StreamURL: "https://cdn.example/dead",
		FetchedAt:      testNow.Add(-72 * time.Hour),
		ExpiresAt:      testNow.Add(-48 * time.Hour),
		LastAccessedAt: testNow.Add(-48 * time.Hour),
		AccessCount:    1,
	}
	live := &models.StreamEntry{
		TrackID: "live", StreamURL: "https://cdn.example/live",
		FetchedAt: testNow, ExpiresAt: testNow.Add(6 * time.Hour),
		LastAccessedAt: testNow, AccessCount: 1,
	}
	seedEntry(t, store, dead)
	seedEntry(t, store, live)
	m.mem.Put(dead)
	m.mem.Put(live)

	removed, err := m.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d; want 1", removed)
	}
	if got, _ := store.Get("dead"); got != nil {
		t.Error("expired entry still in durable tier")
	}
	if m.mem.Get("dead") != nil {
		t.Error("expired entry still in memory tier")
	}
	if m.mem.Get("live") == nil {
		t.Error("live entry evicted from memory tier")
	}
}

func TestPrefetchSkipsServableEntries(t *testing.T) {
	res := &fakeResolver{fn: resolveOK}
	m, store := newTestManager(t, res)

	seedEntry(t, store, &models.StreamEntry{
		TrackID: "warm", StreamURL: "https://cdn.example/warm",
		FetchedAt: testNow, ExpiresAt: testNow.Add(6 * time.Hour),
		LastAccessedAt: testNow, AccessCount: 1,
	})

	count := m.PrefetchURLs(context.Background(), []string{"warm", "cold", ""}, nil)
	if count != 1 {
		t.Errorf("prefetched = %d; want 1", count)
	}
	if res.callCount() != 1 || res.calls[0] != "cold" {
		t.Errorf("resolver calls = %v; want exactly [cold]", res.calls)
	}
}

func TestForceRefreshReplacesFreshEntry(t *testing.T) {
	urls := map[string]string{"abc123": "https://cdn.example/v1"}
	res := &fakeResolver{fn: func(trackID string) (*resolver.Descriptor, error) {
		return &resolver.Descriptor{StreamURL: urls[trackID], Codec: "opus", BitrateKbps: 160}, nil
	}}
	m, store := newTestManager(t, res)
	ctx := context.Background()

	if _, err := m.GetStreamURL(ctx, "abc123", provider.Hints{}); err != nil {
		t.Fatalf("GetStreamURL() error = %v", err)
	}

	urls["abc123"] = "https://cdn.example/v2"
	entry, err := m.ForceRefresh(ctx, "abc123", provider.Hints{})
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if entry.StreamURL != "https://cdn.example/v2" {
		t.Errorf("StreamURL = %q; want re-resolved v2 URL", entry.StreamURL)
	}
	stored, _ := store.Get("abc123")
	if stored.StreamURL != "https://cdn.example/v2" {
		t.Errorf("durable tier not updated by forced refresh: %q", stored.StreamURL)
	}
}

func TestClearAllEmptiesBothTiers(t *testing.T) {
	res := &fakeResolver{fn: resolveOK}
	m, store := newTestManager(t, res)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := m.GetStreamURL(ctx, id, provider.Hints{}); err != nil {
			t.Fatalf("GetStreamURL(%s) error = %v", id, err)
		}
	}

	if err := m.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if m.mem.Len() != 0 {
		t.Errorf("memory tier has %d entries after clear", m.mem.Len())
	}
	total, _, err := store.Counts(testNow)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if total != 0 {
		t.Errorf("durable tier has %d entries after clear", total)
	}
}

func TestStats(t *testing.T) {
	res := &fakeResolver{fn: resolveOK}
	m, store := newTestManager(t, res)

	seedEntry(t, store, &models.StreamEntry{
		TrackID: "valid", StreamURL: "https://cdn.example/valid",
		FetchedAt: testNow, ExpiresAt: testNow.Add(6 * time.Hour),
		LastAccessedAt: testNow, AccessCount: 1,
	})
	seedEntry(t, store, &models.StreamEntry{
		TrackID: "expired", StreamURL: "https://cdn.example/expired",
		FetchedAt: testNow.Add(-12 * time.Hour), ExpiresAt: testNow.Add(-6 * time.Hour),
		LastAccessedAt: testNow, AccessCount: 1,
	})

	stats, err := m.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalEntries != 2 || stats.ValidEntries != 1 || stats.ExpiredEntries != 1 {
		t.Errorf("Stats() = %+v; want 2 total, 1 valid, 1 expired", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %f; want 0.5", stats.HitRate)
	}
}

func TestConcurrentRequestsCollapse(t *testing.T) {
	res := &fakeResolver{fn: resolveOK, delay: 50 * time.Millisecond}
	m, _ := newTestManager(t, res)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.GetStreamURL(ctx, "abc123", provider.Hints{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d error = %v", i, err)
		}
	}
	if res.callCount() != 1 {
		t.Errorf("resolver invoked %d times for one track id; want 1", res.callCount())
	}
}

func TestConcurrentDistinctTracksResolveIndependently(t *testing.T) {
	res := &fakeResolver{fn: resolveOK, delay: 20 * time.Millisecond}
	m, _ := newTestManager(t, res)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("track-%d", i)
			if _, err := m.GetStreamURL(ctx, id, provider.Hints{}); err != nil {
				t.Errorf("GetStreamURL(%s) error = %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if res.callCount() != 4 {
		t.Errorf("resolver invoked %d times for 4 distinct ids; want 4", res.callCount())
	}
}
