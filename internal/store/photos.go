package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/franz/phototank/internal/util"
)

// Photo is one catalog row. Nil pointers are "not computed"; empty strings
// are "computed but absent".
type Photo struct {
	GUID             string
	RelPath          string
	DatetimeOriginal *string
	GPSAltitude      *float64
	GPSLatitude      *float64
	GPSLongitude     *float64
	CameraMake       *string
	FileSize         int64
	SourceMtime      *int64
	Width            *int
	Height           *int
	UserComment      *string
	Rating           int
	IndexedAt        string
	ExifError        *string
	Geo              GeoFields
}

// GeoFields is the reverse-geocode cluster stored on a photo.
type GeoFields struct {
	CountryCode *string
	Country     *string
	City        *string
	CityNorm    *string
	Region      *string
	Postcode    *string
	DisplayName *string
	Provider    *string
	CacheKey    *string
	LookupAt    *string
	Status      *string
	Error       *string
}

// HasGPS reports whether both coordinates are present.
func (p *Photo) HasGPS() bool {
	return p.GPSLatitude != nil && p.GPSLongitude != nil
}

// PhotoFilter selects a page of photos ordered by rel_path.
type PhotoFilter struct {
	Prefix string // rel_path prefix such as "2010/"; empty selects all
	After  string // keyset cursor: only rel_path > After
	Limit  int
}

const photoColumns = `guid, rel_path, datetime_original, gps_altitude, gps_latitude, gps_longitude,
	camera_make, file_size, source_mtime, width, height, user_comment, rating, indexed_at, exif_error,
	geo_country_code, geo_country, geo_city, geo_city_norm, geo_region, geo_postcode,
	geo_display_name, geo_provider, geo_cache_key, geo_lookup_at, geo_status, geo_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhoto(r rowScanner) (*Photo, error) {
	p := &Photo{}
	g := &p.Geo
	err := r.Scan(
		&p.GUID, &p.RelPath, &p.DatetimeOriginal, &p.GPSAltitude, &p.GPSLatitude, &p.GPSLongitude,
		&p.CameraMake, &p.FileSize, &p.SourceMtime, &p.Width, &p.Height, &p.UserComment,
		&p.Rating, &p.IndexedAt, &p.ExifError,
		&g.CountryCode, &g.Country, &g.City, &g.CityNorm, &g.Region, &g.Postcode,
		&g.DisplayName, &g.Provider, &g.CacheKey, &g.LookupAt, &g.Status, &g.Error,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertPhoto inserts or updates the row for p.RelPath and returns the stored
// guid. An existing row keeps its guid, rating and geocode fields.
func (q *Queries) UpsertPhoto(ctx context.Context, p *Photo) (string, error) {
	var guid string
	err := q.q.QueryRowContext(ctx, `
		INSERT INTO photos (guid, rel_path, datetime_original, gps_altitude, gps_latitude, gps_longitude,
			camera_make, file_size, source_mtime, width, height, user_comment, indexed_at, exif_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rel_path) DO UPDATE SET
			datetime_original = excluded.datetime_original,
			gps_altitude = excluded.gps_altitude,
			gps_latitude = excluded.gps_latitude,
			gps_longitude = excluded.gps_longitude,
			camera_make = excluded.camera_make,
			file_size = excluded.file_size,
			source_mtime = excluded.source_mtime,
			width = excluded.width,
			height = excluded.height,
			user_comment = excluded.user_comment,
			indexed_at = excluded.indexed_at,
			exif_error = excluded.exif_error
		RETURNING guid
	`, p.GUID, p.RelPath, p.DatetimeOriginal, p.GPSAltitude, p.GPSLatitude, p.GPSLongitude,
		p.CameraMake, p.FileSize, p.SourceMtime, p.Width, p.Height, p.UserComment, p.IndexedAt, p.ExifError,
	).Scan(&guid)
	if err != nil {
		return "", fmt.Errorf("failed to upsert photo %s: %w", p.RelPath, err)
	}
	return guid, nil
}

// GetPhoto returns the photo with the given guid, or nil if absent.
func (q *Queries) GetPhoto(ctx context.Context, guid string) (*Photo, error) {
	p, err := scanPhoto(q.q.QueryRowContext(ctx,
		"SELECT "+photoColumns+" FROM photos WHERE guid = ?", guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get photo: %w", err)
	}
	return p, nil
}

// GetPhotoByRelPath returns the photo stored at rel, or nil if absent.
func (q *Queries) GetPhotoByRelPath(ctx context.Context, rel string) (*Photo, error) {
	p, err := scanPhoto(q.q.QueryRowContext(ctx,
		"SELECT "+photoColumns+" FROM photos WHERE rel_path = ?", rel))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get photo by path: %w", err)
	}
	return p, nil
}

// DeletePhoto removes the row; tag links cascade.
func (q *Queries) DeletePhoto(ctx context.Context, guid string) error {
	if _, err := q.q.ExecContext(ctx, "DELETE FROM photos WHERE guid = ?", guid); err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	return nil
}

// SetRating stores a 0..3 rating.
func (q *Queries) SetRating(ctx context.Context, guid string, rating int) error {
	if rating < 0 || rating > 3 {
		return fmt.Errorf("%w: rating %d outside 0..3", util.ErrInvalidConfig, rating)
	}
	res, err := q.q.ExecContext(ctx, "UPDATE photos SET rating = ? WHERE guid = ?", rating, guid)
	if err != nil {
		return fmt.Errorf("failed to set rating: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("photo %s: %w", guid, util.ErrNotFound)
	}
	return nil
}

// UpdatePhotoGeo overwrites the geocode cluster of a photo.
func (q *Queries) UpdatePhotoGeo(ctx context.Context, guid string, g *GeoFields) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE photos SET
			geo_country_code = ?, geo_country = ?, geo_city = ?, geo_city_norm = ?,
			geo_region = ?, geo_postcode = ?, geo_display_name = ?, geo_provider = ?,
			geo_cache_key = ?, geo_lookup_at = ?, geo_status = ?, geo_error = ?
		WHERE guid = ?
	`, g.CountryCode, g.Country, g.City, g.CityNorm, g.Region, g.Postcode, g.DisplayName,
		g.Provider, g.CacheKey, g.LookupAt, g.Status, g.Error, guid)
	if err != nil {
		return fmt.Errorf("failed to update photo geo: %w", err)
	}
	return nil
}

func prefixCond(prefix string) sq.Sqlizer {
	return sq.Expr("substr(rel_path, 1, length(?)) = ?", prefix, prefix)
}

// ListPhotos returns one page of photos ordered by rel_path.
// Callers page by passing the last rel_path as After.
func (q *Queries) ListPhotos(ctx context.Context, f PhotoFilter) ([]*Photo, error) {
	b := sq.Select(photoColumns).From("photos").OrderBy("rel_path")
	if f.Prefix != "" {
		b = b.Where(prefixCond(f.Prefix))
	}
	if f.After != "" {
		b = b.Where(sq.Gt{"rel_path": f.After})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build photo query: %w", err)
	}
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list photos: %w", err)
	}
	defer rows.Close()

	var photos []*Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

// CountByPrefix counts photos whose rel_path starts with prefix.
func (q *Queries) CountByPrefix(ctx context.Context, prefix string) (int, error) {
	b := sq.Select("COUNT(*)").From("photos")
	if prefix != "" {
		b = b.Where(prefixCond(prefix))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count photos: %w", err)
	}
	return n, nil
}
