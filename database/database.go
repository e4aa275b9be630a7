package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"trackcast/models"
)

type Store struct {
	db *sql.DB
}

// New opens the durable cache store. dbPath defaults to the DB_PATH env var
// or /app/data/trackcast.db.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = "/app/data/trackcast.db"
	}

	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infof("Stream cache database initialized at %s", dbPath)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stream_cache (
			track_id TEXT PRIMARY KEY,
			stream_url TEXT NOT NULL,
			codec TEXT NOT NULL DEFAULT '',
			bitrate_kbps INTEGER NOT NULL DEFAULT 0,
			fetched_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			last_accessed_at TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_cache_expires_at ON stream_cache(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_cache_last_accessed ON stream_cache(last_accessed_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return nil
}

// Get returns the cached entry for trackID, or (nil, nil) when absent.
func (s *Store) Get(trackID string) (*models.StreamEntry, error) {
	row := s.db.QueryRow(
		`SELECT track_id, stream_url, codec, bitrate_kbps, fetched_at, expires_at, last_accessed_at, access_count
		 FROM stream_cache WHERE track_id = ?`,
		trackID,
	)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", trackID, err)
	}
	return entry, nil
}

// Upsert writes the full entry, replacing any existing row for its track id.
func (s *Store) Upsert(entry *models.StreamEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO stream_cache (track_id, stream_url, codec, bitrate_kbps, fetched_at, expires_at, last_accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(track_id) DO UPDATE SET
			stream_url = excluded.stream_url,
			codec = excluded.codec,
			bitrate_kbps = excluded.bitrate_kbps,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count`,
		entry.TrackID, entry.StreamURL, entry.Codec, entry.BitrateKbps,
		formatTime(entry.FetchedAt), formatTime(entry.ExpiresAt),
		formatTime(entry.LastAccessedAt), entry.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry %s: %w", entry.TrackID, err)
	}
	return nil
}

// Touch records a cache hit: bumps last_accessed_at and access_count.
func (s *Store) Touch(trackID string, accessedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE stream_cache SET last_accessed_at = ?, access_count = access_count + 1 WHERE track_id = ?`,
		formatTime(accessedAt), trackID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry %s: %w", trackID, err)
	}
	return nil
}

// Delete removes a single entry. Missing rows are not an error.
func (s *Store) Delete(trackID string) error {
	if _, err := s.db.Exec(`DELETE FROM stream_cache WHERE track_id = ?`, trackID); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", trackID, err)
	}
	return nil
}

// ListExpiringBetween returns entries whose expires_at falls in [from, to),
// i.e. the StaleSoon band when called with (now, now+refreshWindow).
func (s *Store) ListExpiringBetween(from, to time.Time) ([]*models.StreamEntry, error) {
	rows, err := s.db.Query(
		`SELECT track_id, stream_url, codec, bitrate_kbps, fetched_at, expires_at, last_accessed_at, access_count
		 FROM stream_cache
		 WHERE expires_at >= ? AND expires_at < ?
		 ORDER BY expires_at ASC`,
		formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.StreamEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteExpired removes entries that expired before cutoff and were last
// accessed before accessCutoff. Returns the ids removed so the in-memory
// tier can mirror the deletion.
func (s *Store) DeleteExpired(cutoff, accessCutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT track_id FROM stream_cache WHERE expires_at < ? AND last_accessed_at < ?`,
		formatTime(cutoff), formatTime(accessCutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.Exec(
		`DELETE FROM stream_cache WHERE expires_at < ? AND last_accessed_at < ?`,
		formatTime(cutoff), formatTime(accessCutoff),
	); err != nil {
		return nil, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	return ids, nil
}

// Clear drops every row.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM stream_cache`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Counts returns (total, valid) row counts where valid means expires_at is
// still in the future at now.
func (s *Store) Counts(now time.Time) (total, valid int, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM stream_cache`).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	if err = s.db.QueryRow(
		`SELECT COUNT(*) FROM stream_cache WHERE expires_at > ?`, formatTime(now),
	).Scan(&valid); err != nil {
		return 0, 0, fmt.Errorf("failed to count valid cache entries: %w", err)
	}
	return total, valid, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.StreamEntry, error) {
	var e models.StreamEntry
	var fetchedAt, expiresAt, lastAccessedAt string
	if err := row.Scan(&e.TrackID, &e.StreamURL, &e.Codec, &e.BitrateKbps,
		&fetchedAt, &expiresAt, &lastAccessedAt, &e.AccessCount); err != nil {
		return nil, err
	}
	e.FetchedAt = parseTime(fetchedAt)
	e.ExpiresAt = parseTime(expiresAt)
	e.LastAccessedAt = parseTime(lastAccessedAt)
	return &e, nil
}

// Fixed-width UTC layout so lexicographic comparison in SQL matches
// chronological order. RFC3339Nano trims trailing zeros and breaks that.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		log.Warnf("failed to parse cache timestamp %q: %v", raw, err)
		return time.Time{}
	}
	return t
}
