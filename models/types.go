package models

import "time"

// EntryState is the derived freshness of a cached stream entry. It is never
// stored; compute it against a clock and the configured refresh window.
type EntryState int

const (
	// Fresh entries are served directly.
	Fresh EntryState = iota
	// StaleSoon entries are still served but eligible for proactive refresh.
	StaleSoon
	// Expired entries are only served as a last resort when live resolution fails.
	Expired
)

func (s EntryState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case StaleSoon:
		return "stale_soon"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// StreamEntry is one row of cached resolution state for a track.
type StreamEntry struct {
	TrackID        string
	StreamURL      string
	Codec          string
	BitrateKbps    int
	FetchedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// StateAt derives the entry state at the given instant. refreshWindow is the
// lead time before expiry during which the entry counts as StaleSoon.
func (e *StreamEntry) StateAt(now time.Time, refreshWindow time.Duration) EntryState {
	if !now.Before(e.ExpiresAt) {
		return Expired
	}
	if !now.Before(e.ExpiresAt.Add(-refreshWindow)) {
		return StaleSoon
	}
	return Fresh
}

// Servable reports whether the entry may be returned without re-resolving.
func (e *StreamEntry) Servable(now time.Time, refreshWindow time.Duration) bool {
	return e.StateAt(now, refreshWindow) != Expired
}

// CacheStats is a point-in-time snapshot of both cache tiers.
type CacheStats struct {
	TotalEntries   int     `json:"total_entries"`
	ValidEntries   int     `json:"valid_entries"`
	ExpiredEntries int     `json:"expired_entries"`
	MemoryEntries  int     `json:"memory_entries"`
	HitRate        float64 `json:"hit_rate"`
}
