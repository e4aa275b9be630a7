package cache

import (
	"context"
	"fmt"
	"time"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"trackcast/database"
	"trackcast/models"
	"trackcast/provider"
	"trackcast/resolver"
)

// StreamResolver is what the manager needs from the resolver cascade.
type StreamResolver interface {
	Resolve(ctx context.Context, trackID string, hints provider.Hints) (*resolver.Descriptor, error)
}

// Options tune the manager. Zero values fall back to the reference defaults.
type Options struct {
	TTL           time.Duration
	RefreshWindow time.Duration
	EvictionGrace time.Duration
	MemoryLimit   int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 6 * time.Hour
	}
	if o.RefreshWindow <= 0 {
		o.RefreshWindow = 30 * time.Minute
	}
	if o.EvictionGrace < 0 {
		o.EvictionGrace = 24 * time.Hour
	}
	if o.MemoryLimit <= 0 {
		o.MemoryLimit = 256
	}
	return o
}

// Manager is the engine's front door: a read-through two-tier cache over the
// provider cascade. Resolutions for the same track id collapse into one
// in-flight call via singleflight; different ids resolve in parallel. The
// memory tier has its own lock, so cache hits never wait on a slow cascade
// for another track.
type Manager struct {
	store    *database.Store
	resolver StreamResolver
	mem      *memoryTier
	group    singleflight.Group
	opts     Options
	logger   *log.Entry

	// now is swappable for tests
	now func() time.Time
}

func NewManager(store *database.Store, res StreamResolver, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		store:    store,
		resolver: res,
		mem:      newMemoryTier(opts.MemoryLimit),
		opts:     opts,
		logger:   log.WithFields(log.Fields{"module": "cache"}),
		now:      time.Now,
	}
}

// GetStreamURL returns a playable entry for trackID: from the memory tier if
// fresh enough, else from the durable tier, else by running the cascade. When
// the cascade fails but an expired durable entry exists, that entry is served
// rather than failing playback outright.
func (m *Manager) GetStreamURL(ctx context.Context, trackID string, hints provider.Hints) (*models.StreamEntry, error) {
	now := m.now()

	if entry := m.mem.Get(trackID); entry != nil && entry.Servable(now, m.opts.RefreshWindow) {
		// Touch can still miss if the entry was evicted between the
		// lookup and here; fall through to the full fetch when it does.
		if touched := m.mem.Touch(trackID, now); touched != nil {
			m.touchDurable(trackID, now)
			m.logger.Tracef("memory hit for %s (%s)", trackID, entry.StateAt(now, m.opts.RefreshWindow))
			return touched, nil
		}
	}

	v, err, _ := m.group.Do(trackID, func() (any, error) {
		return m.fetch(ctx, trackID, hints)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.StreamEntry), nil
}

// fetch runs inside singleflight: at most one caller per track id executes
// it at a time, and late waiters share its result.
func (m *Manager) fetch(ctx context.Context, trackID string, hints provider.Hints) (*models.StreamEntry, error) {
	now := m.now()

	// A waiter that queued behind the winning call finds the entry already
	// promoted; serve it without touching the store again.
	if entry := m.mem.Get(trackID); entry != nil && entry.Servable(now, m.opts.RefreshWindow) {
		if touched := m.mem.Touch(trackID, now); touched != nil {
			m.touchDurable(trackID, now)
			return touched, nil
		}
	}

	stored, err := m.store.Get(trackID)
	if err != nil {
		// Durable tier down: log and keep going, the cascade can still answer.
		m.logger.Errorf("durable tier unavailable for %s: %v", trackID, err)
		sentry.CaptureException(err)
		stored = nil
	}

	if stored != nil && stored.Servable(now, m.opts.RefreshWindow) {
		stored.LastAccessedAt = now
		stored.AccessCount++
		m.mem.Put(stored)
		m.touchDurable(trackID, now)
		m.logger.Tracef("durable hit for %s, promoted to memory", trackID)
		return stored, nil
	}

	desc, resolveErr := m.resolver.Resolve(ctx, trackID, hints)
	if resolveErr != nil {
		if stored != nil {
			// Degrade gracefully: a stale URL that might still play beats
			// no URL at all.
			m.logger.Warnf("resolution failed for %s, serving expired cached URL: %v", trackID, resolveErr)
			stored.LastAccessedAt = now
			stored.AccessCount++
			m.touchDurable(trackID, now)
			return stored, nil
		}
		return nil, fmt.Errorf("failed to resolve stream for %s: %w", trackID, resolveErr)
	}

	entry := m.newEntry(trackID, desc, now)
	m.writeBoth(entry)
	return entry, nil
}

func (m *Manager) newEntry(trackID string, desc *resolver.Descriptor, now time.Time) *models.StreamEntry {
	return &models.StreamEntry{
		TrackID:        trackID,
		StreamURL:      desc.StreamURL,
		Codec:          desc.Codec,
		BitrateKbps:    desc.BitrateKbps,
		FetchedAt:      now,
		ExpiresAt:      now.Add(m.opts.TTL),
		LastAccessedAt: now,
		AccessCount:    1,
	}
}

func (m *Manager) writeBoth(entry *models.StreamEntry) {
	m.mem.Put(entry)
	if err := m.store.Upsert(entry); err != nil {
		m.logger.Errorf("failed to persist entry %s: %v", entry.TrackID, err)
		sentry.CaptureException(err)
	}
}

// touchDurable mirrors hit bookkeeping to the durable tier. Best-effort: a
// failed telemetry write must never fail the read that triggered it.
func (m *Manager) touchDurable(trackID string, now time.Time) {
	if err := m.store.Touch(trackID, now); err != nil {
		m.logger.Debugf("failed to touch durable entry %s: %v", trackID, err)
	}
}

// ForceRefresh re-resolves trackID regardless of cached state and replaces
// both tiers on success.
func (m *Manager) ForceRefresh(ctx context.Context, trackID string, hints provider.Hints) (*models.StreamEntry, error) {
	desc, err := m.resolver.Resolve(ctx, trackID, hints)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh stream for %s: %w", trackID, err)
	}
	entry := m.newEntry(trackID, desc, m.now())
	m.writeBoth(entry)
	return entry, nil
}

// RefreshExpiringSoon re-resolves every durable entry inside the refresh
// window. A failure on one entry never aborts the sweep; entries outside the
// window are left untouched. Returns the number of entries refreshed.
func (m *Manager) RefreshExpiringSoon(ctx context.Context) (int, error) {
	now := m.now()
	expiring, err := m.store.ListExpiringBetween(now, now.Add(m.opts.RefreshWindow))
	if err != nil {
		sentry.CaptureException(err)
		return 0, fmt.Errorf("failed to sweep expiring entries: %w", err)
	}

	refreshed := 0
	for _, entry := range expiring {
		desc, err := m.resolver.Resolve(ctx, entry.TrackID, provider.Hints{})
		if err != nil {
			m.logger.Warnf("refresh failed for %s, keeping current entry: %v", entry.TrackID, err)
			continue
		}

		updated := *entry
		updated.StreamURL = desc.StreamURL
		updated.Codec = desc.Codec
		updated.BitrateKbps = desc.BitrateKbps
		updated.FetchedAt = m.now()
		updated.ExpiresAt = updated.FetchedAt.Add(m.opts.TTL)
		m.writeBoth(&updated)
		refreshed++
	}

	if len(expiring) > 0 {
		m.logger.Infof("refresh sweep: %d/%d entries refreshed", refreshed, len(expiring))
	}
	return refreshed, nil
}

// CleanupExpired evicts durable entries that are expired and have not been
// accessed within the eviction grace period, mirroring each removal in the
// memory tier. Returns the number of entries removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()
	removed, err := m.store.DeleteExpired(now, now.Add(-m.opts.EvictionGrace))
	if err != nil {
		sentry.CaptureException(err)
		return 0, fmt.Errorf("failed to evict expired entries: %w", err)
	}

	for _, trackID := range removed {
		m.mem.Delete(trackID)
	}

	if len(removed) > 0 {
		m.logger.Infof("cleanup sweep: evicted %d expired entries", len(removed))
	}
	return len(removed), nil
}

// PrefetchURLs warms the cache for a batch of track ids, skipping ids that
// are already servable. Used by queue look-ahead; failures are logged and
// swallowed per id so one bad track never blocks the rest of the queue.
func (m *Manager) PrefetchURLs(ctx context.Context, trackIDs []string, hintsByID map[string]provider.Hints) int {
	now := m.now()
	prefetched := 0

	for _, trackID := range trackIDs {
		if trackID == "" {
			continue
		}
		if entry := m.mem.Get(trackID); entry != nil && entry.Servable(now, m.opts.RefreshWindow) {
			continue
		}
		if stored, err := m.store.Get(trackID); err == nil && stored != nil && stored.Servable(now, m.opts.RefreshWindow) {
			continue
		}

		if _, err := m.GetStreamURL(ctx, trackID, hintsByID[trackID]); err != nil {
			m.logger.Warnf("prefetch failed for %s: %v", trackID, err)
			continue
		}
		prefetched++
	}

	if prefetched > 0 {
		m.logger.Debugf("prefetched %d/%d stream URLs", prefetched, len(trackIDs))
	}
	return prefetched
}

// ClearAll empties both tiers. The memory tier is only cleared once the
// durable delete succeeded, so a failed clear never leaves memory claiming
// entries the durable tier still has.
func (m *Manager) ClearAll(ctx context.Context) error {
	if err := m.store.Clear(); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("failed to clear durable tier: %w", err)
	}
	m.mem.Clear()
	m.logger.Info("cleared both cache tiers")
	return nil
}

// Stats snapshots both tiers.
func (m *Manager) Stats(ctx context.Context) (*models.CacheStats, error) {
	total, valid, err := m.store.Counts(m.now())
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}

	stats := &models.CacheStats{
		TotalEntries:   total,
		ValidEntries:   valid,
		ExpiredEntries: total - valid,
		MemoryEntries:  m.mem.Len(),
	}
	if total > 0 {
		stats.HitRate = float64(valid) / float64(total)
	}
	return stats, nil
}
