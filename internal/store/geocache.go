package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GeocodeCacheEntry is a resolved place for one grid cell.
type GeocodeCacheEntry struct {
	CacheKey    string
	Provider    string
	CellM       int
	LatBucket   int64
	LonBucket   int64
	CountryCode *string
	Country     *string
	City        *string
	CityNorm    *string
	Region      *string
	Postcode    *string
	DisplayName *string
	RawJSON     *string
	FetchedAt   string
	LastUsedAt  string
	HitCount    int
}

// GeocodeCacheWrite is the cache side effect of one lookup: either bump an
// existing entry (Touch) or store a new one (Insert). Zero value is a no-op.
type GeocodeCacheWrite struct {
	TouchKey string
	At       string
	Insert   *GeocodeCacheEntry
}

// GetGeocodeCache returns the entry for key, or nil.
func (q *Queries) GetGeocodeCache(ctx context.Context, key string) (*GeocodeCacheEntry, error) {
	e := &GeocodeCacheEntry{}
	err := q.q.QueryRowContext(ctx, `
		SELECT cache_key, provider, cell_m, lat_bucket, lon_bucket, country_code, country, city,
			city_norm, region, postcode, display_name, raw_json, fetched_at, last_used_at, hit_count
		FROM reverse_geocode_cache WHERE cache_key = ?
	`, key).Scan(&e.CacheKey, &e.Provider, &e.CellM, &e.LatBucket, &e.LonBucket,
		&e.CountryCode, &e.Country, &e.City, &e.CityNorm, &e.Region, &e.Postcode,
		&e.DisplayName, &e.RawJSON, &e.FetchedAt, &e.LastUsedAt, &e.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get geocode cache: %w", err)
	}
	return e, nil
}

// InsertGeocodeCache stores a new cell entry. A concurrent insert of the same
// cell keeps the first one.
func (q *Queries) InsertGeocodeCache(ctx context.Context, e *GeocodeCacheEntry) error {
	hits := e.HitCount
	if hits <= 0 {
		hits = 1
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO reverse_geocode_cache (cache_key, provider, cell_m, lat_bucket, lon_bucket,
			country_code, country, city, city_norm, region, postcode, display_name, raw_json,
			fetched_at, last_used_at, hit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO NOTHING
	`, e.CacheKey, e.Provider, e.CellM, e.LatBucket, e.LonBucket, e.CountryCode, e.Country,
		e.City, e.CityNorm, e.Region, e.Postcode, e.DisplayName, e.RawJSON,
		e.FetchedAt, e.LastUsedAt, hits)
	if err != nil {
		return fmt.Errorf("failed to insert geocode cache: %w", err)
	}
	return nil
}

// TouchGeocodeCache records a cache hit.
func (q *Queries) TouchGeocodeCache(ctx context.Context, key, at string) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE reverse_geocode_cache
		SET hit_count = hit_count + 1, last_used_at = ?
		WHERE cache_key = ?
	`, at, key)
	if err != nil {
		return fmt.Errorf("failed to touch geocode cache: %w", err)
	}
	return nil
}

// SaveGeocode persists a photo's geocode fields together with the cache write.
func (q *Queries) SaveGeocode(ctx context.Context, guid string, g *GeoFields, w GeocodeCacheWrite) error {
	if err := q.UpdatePhotoGeo(ctx, guid, g); err != nil {
		return err
	}
	if w.Insert != nil {
		if err := q.InsertGeocodeCache(ctx, w.Insert); err != nil {
			return err
		}
	}
	if w.TouchKey != "" {
		if err := q.TouchGeocodeCache(ctx, w.TouchKey, w.At); err != nil {
			return err
		}
	}
	return nil
}

// GeocodeCacheStats summarises the cache.
type GeocodeCacheStats struct {
	Entries   int
	TotalHits int
}

// GetGeocodeCacheStats counts entries and hits.
func (q *Queries) GetGeocodeCacheStats(ctx context.Context) (GeocodeCacheStats, error) {
	var st GeocodeCacheStats
	err := q.q.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM reverse_geocode_cache",
	).Scan(&st.Entries, &st.TotalHits)
	if err != nil {
		return st, fmt.Errorf("failed to get cache stats: %w", err)
	}
	return st, nil
}
