package geocode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/text/cases"

	"github.com/franz/phototank/internal/metrics"
	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
)

// Lookup statuses stamped on photos.
const (
	StatusOK    = "ok"
	StatusMiss  = "miss"
	StatusError = "error"
)

// Config holds geocoding settings.
type Config struct {
	Enabled          bool
	Provider         ProviderKind
	Username         string
	BaseURL          string
	CellM            int
	RadiusKm         float64
	FallbackRadiusKm float64
	Timeout          time.Duration
	Cooldown         time.Duration
}

// DefaultConfig returns the disabled GeoNames configuration.
func DefaultConfig() Config {
	return Config{
		Provider:         ProviderGeoNames,
		BaseURL:          DefaultGeoNamesURL,
		CellM:            100,
		RadiusKm:         0.2,
		FallbackRadiusKm: 1.0,
		Timeout:          6 * time.Second,
		Cooldown:         time.Hour,
	}
}

// Kind classifies an Enrich call.
type Kind int

const (
	KindSkipped Kind = iota
	KindCacheHit
	KindResolved
	KindMiss
	KindProviderError
	KindQuotaHalted
)

func (k Kind) String() string {
	switch k {
	case KindCacheHit:
		return "cache_hit"
	case KindResolved:
		return "resolved"
	case KindMiss:
		return "miss"
	case KindProviderError:
		return "provider_error"
	case KindQuotaHalted:
		return "quota_halted"
	default:
		return "skipped"
	}
}

// Outcome is the result of Enrich. Every kind except KindSkipped changed the
// photo's geo fields; CacheWrite must be persisted alongside them.
type Outcome struct {
	Kind       Kind
	CacheWrite store.GeocodeCacheWrite
	Err        error
}

// Changed reports whether the photo needs saving.
func (o Outcome) Changed() bool { return o.Kind != KindSkipped }

// CacheReader looks up grid cells; *store.Store and *store.Tx satisfy it.
type CacheReader interface {
	GetGeocodeCache(ctx context.Context, key string) (*store.GeocodeCacheEntry, error)
}

// Geocoder enriches photos with place names.
type Geocoder struct {
	cfg      Config
	provider Provider
	limiter  *Limiter
	now      func() time.Time
}

// New builds a geocoder for cfg.Provider. The limiter is shared process-wide.
func New(cfg Config, limiter *Limiter) (*Geocoder, error) {
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	var p Provider
	switch cfg.Provider {
	case ProviderGeoNames:
		p = NewGeoNames(cfg.BaseURL, cfg.Username, cfg.Timeout, limiter)
	default:
		if cfg.Enabled {
			return nil, fmt.Errorf("%w: unsupported geocode provider %q", util.ErrInvalidConfig, cfg.Provider)
		}
	}
	return NewWithProvider(cfg, p, limiter), nil
}

// NewWithProvider wires an explicit provider.
func NewWithProvider(cfg Config, p Provider, limiter *Limiter) *Geocoder {
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	return &Geocoder{cfg: cfg, provider: p, limiter: limiter, now: time.Now}
}

// Active reports whether lookups can run at all.
func (g *Geocoder) Active() bool {
	return g != nil && g.cfg.Enabled && g.provider != nil && g.cfg.Username != ""
}

// Limiter returns the shared throttle.
func (g *Geocoder) Limiter() *Limiter { return g.limiter }

// ShouldLookup is false without coordinates or when a previous lookup
// succeeded with both country and city. Misses and errors are retried.
func ShouldLookup(p *store.Photo) bool {
	if !p.HasGPS() {
		return false
	}
	geo := p.Geo
	ok := geo.Status != nil && *geo.Status == StatusOK
	return !(ok && nonEmpty(geo.Country) && nonEmpty(geo.City))
}

// Enrich updates p.Geo in memory. It never writes to the database; the
// caller persists p.Geo and the returned CacheWrite together.
func (g *Geocoder) Enrich(ctx context.Context, cache CacheReader, p *store.Photo) Outcome {
	if !g.Active() || !ShouldLookup(p) {
		return Outcome{Kind: KindSkipped}
	}

	provider := g.provider.Kind()
	cell := SnapToGrid(*p.GPSLatitude, *p.GPSLongitude, g.cfg.CellM)
	key := CacheKey(provider, g.cfg.CellM, cell)
	now := util.FormatISO(g.now())

	out := g.lookup(ctx, cache, p, provider, cell, key, now)
	metrics.GeocodeLookups.WithLabelValues(out.Kind.String()).Inc()
	if out.Err != nil {
		util.WarnLog("reverse geocode failed guid=%s err=%v", p.GUID, out.Err)
	}
	return out
}

func (g *Geocoder) lookup(ctx context.Context, cache CacheReader, p *store.Photo, provider ProviderKind, cell Cell, key, now string) Outcome {
	stamp := func(status string, errMsg *string) {
		p.Geo.Provider = ptr(string(provider))
		p.Geo.CacheKey = ptr(key)
		p.Geo.LookupAt = ptr(now)
		p.Geo.Status = ptr(status)
		p.Geo.Error = errMsg
	}

	if cache != nil {
		entry, err := cache.GetGeocodeCache(ctx, key)
		if err != nil {
			util.WarnLog("geocode cache read failed key=%s: %v", key, err)
		} else if entry != nil {
			applyEntry(&p.Geo, entry)
			stamp(StatusOK, nil)
			return Outcome{Kind: KindCacheHit, CacheWrite: store.GeocodeCacheWrite{TouchKey: key, At: now}}
		}
	}

	if g.limiter.Halted() {
		err := fmt.Errorf("%w: %s lookups paused until %s", ErrQuotaExceeded, provider,
			util.FormatISO(g.limiter.HaltedUntil()))
		prevKey := p.Geo.CacheKey
		stamp(StatusError, ptr(err.Error()))
		p.Geo.CacheKey = prevKey
		return Outcome{Kind: KindQuotaHalted, Err: err}
	}

	place, err := g.resolve(ctx, *p.GPSLatitude, *p.GPSLongitude)
	if err != nil {
		kind := KindProviderError
		if errors.Is(err, ErrQuotaExceeded) {
			until := g.limiter.Halt(g.cfg.Cooldown)
			util.WarnLog("%s quota exceeded; halting lookups until %s", provider, util.FormatISO(until))
			kind = KindQuotaHalted
		}
		stamp(StatusError, ptr(err.Error()))
		return Outcome{Kind: kind, Err: err}
	}
	if place == nil {
		stamp(StatusMiss, nil)
		return Outcome{Kind: KindMiss}
	}

	applyPlace(&p.Geo, place)
	stamp(StatusOK, nil)
	entry := &store.GeocodeCacheEntry{
		CacheKey:    key,
		Provider:    string(provider),
		CellM:       g.cfg.CellM,
		LatBucket:   cell.LatBucket,
		LonBucket:   cell.LonBucket,
		CountryCode: p.Geo.CountryCode,
		Country:     p.Geo.Country,
		City:        p.Geo.City,
		CityNorm:    p.Geo.CityNorm,
		Region:      p.Geo.Region,
		Postcode:    p.Geo.Postcode,
		DisplayName: p.Geo.DisplayName,
		RawJSON:     optional(place.RawJSON),
		FetchedAt:   now,
		LastUsedAt:  now,
		HitCount:    1,
	}
	return Outcome{Kind: KindResolved, CacheWrite: store.GeocodeCacheWrite{Insert: entry}}
}

// resolve queries the primary radius, then the fallback radius once when it
// is wider.
func (g *Geocoder) resolve(ctx context.Context, lat, lon float64) (*Place, error) {
	primary := math.Max(0.05, g.cfg.RadiusKm)
	fallback := math.Max(primary, g.cfg.FallbackRadiusKm)

	place, err := g.provider.Lookup(ctx, lat, lon, primary)
	if err != nil || place != nil || fallback <= primary {
		return place, err
	}
	return g.provider.Lookup(ctx, lat, lon, fallback)
}

func applyEntry(geo *store.GeoFields, e *store.GeocodeCacheEntry) {
	geo.CountryCode = e.CountryCode
	geo.Country = e.Country
	geo.City = e.City
	geo.CityNorm = e.CityNorm
	geo.Region = e.Region
	geo.Postcode = e.Postcode
	geo.DisplayName = e.DisplayName
}

func applyPlace(geo *store.GeoFields, pl *Place) {
	geo.CountryCode = optional(pl.CountryCode)
	geo.Country = optional(pl.Country)
	geo.City = optional(pl.City)
	geo.CityNorm = nil
	if pl.City != "" {
		geo.CityNorm = ptr(cases.Fold().String(pl.City))
	}
	geo.Region = optional(pl.Region)
	geo.Postcode = optional(pl.Postcode)
	geo.DisplayName = optional(pl.DisplayName)
}

func ptr(s string) *string { return &s }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonEmpty(s *string) bool { return s != nil && *s != "" }
