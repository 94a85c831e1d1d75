// Package config loads phototank settings from defaults, an optional YAML
// file, a .env file and PHOTOTANK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/franz/phototank/internal/geocode"
	"github.com/franz/phototank/internal/library"
	"github.com/franz/phototank/internal/meta"
	"github.com/franz/phototank/internal/util"
)

// EnvPrefix prefixes every environment override, e.g. PHOTOTANK_PHOTO_ROOT.
const EnvPrefix = "PHOTOTANK"

// Settings is the resolved configuration. Paths are absolute.
type Settings struct {
	PhotoRoot  string
	DBPath     string
	ImportRoot string
	FailedRoot string
	DerivRoot  string
	EventsDir  string

	ThumbMax     int
	MidMax       int
	ThumbQuality int
	MidQuality   int

	PhotoExts        []string
	DatetimeFallback []meta.Fallback
	IngestMode       library.Mode
	CollisionLimit   int

	IngestProgressEvery   int
	ValidateProgressEvery int

	StoreRetryAttempts int
	StoreRetryBase     time.Duration

	Geocode            geocode.Config
	GeocodeMinInterval time.Duration

	// NASMode forces network storage tuning on or off; nil auto-detects.
	NASMode *bool

	MetricsAddr string
}

// SetDefaults registers every key with its default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("photo_root", "./photos")
	v.SetDefault("db_path", "./phototank.db")
	v.SetDefault("import_root", "")
	v.SetDefault("failed_root", "")
	v.SetDefault("deriv_root", "./derivatives")
	v.SetDefault("events_dir", "./artifacts")

	v.SetDefault("thumb_max", 256)
	v.SetDefault("mid_max", 2048)
	v.SetDefault("thumb_quality", 75)
	v.SetDefault("mid_quality", 85)

	v.SetDefault("photo_exts", ".jpg,.jpeg,.tif,.tiff,.png,.heic,.webp")
	v.SetDefault("datetime_fallback", "json,filename,mtime")
	v.SetDefault("ingest_mode", string(library.ModeMove))
	v.SetDefault("collision_limit", library.DefaultCollisionLimit)

	v.SetDefault("ingest_progress_every", 50)
	v.SetDefault("validate_progress_every", 200)

	v.SetDefault("store_retry_attempts", 6)
	v.SetDefault("store_retry_base", 200*time.Millisecond)

	g := geocode.DefaultConfig()
	v.SetDefault("geocode_enabled", false)
	v.SetDefault("geocode_provider", string(g.Provider))
	v.SetDefault("geocode_username", "")
	v.SetDefault("geocode_base_url", g.BaseURL)
	v.SetDefault("geocode_cache_cell_m", g.CellM)
	v.SetDefault("geocode_radius_km", g.RadiusKm)
	v.SetDefault("geocode_fallback_radius_km", g.FallbackRadiusKm)
	v.SetDefault("geocode_timeout", g.Timeout)
	v.SetDefault("geocode_min_interval", 250*time.Millisecond)
	v.SetDefault("geocode_cooldown", g.Cooldown)

	v.SetDefault("nas_mode", "auto")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
}

// Configure sets defaults and environment binding on v, and points it at
// cfgFile or the default search locations.
func Configure(v *viper.Viper, cfgFile string) {
	SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.SetConfigName("phototank")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
}

// LoadEnvFile loads PHOTOTANK_ENV_FILE (default .env) into the process
// environment. Variables already set win. A missing file is not an error.
func LoadEnvFile() error {
	path := os.Getenv(EnvPrefix + "_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	util.DebugLog("Loaded environment from %s", path)
	return nil
}

// ReadConfigFile reads the configured YAML file. Not finding one in the
// search path is fine; an explicit file that fails to load is not.
func ReadConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	util.DebugLog("Using config file: %s", v.ConfigFileUsed())
	return nil
}

// Load resolves Settings from v.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		ThumbMax:              v.GetInt("thumb_max"),
		MidMax:                v.GetInt("mid_max"),
		ThumbQuality:          v.GetInt("thumb_quality"),
		MidQuality:            v.GetInt("mid_quality"),
		PhotoExts:             stringList(v, "photo_exts"),
		CollisionLimit:        v.GetInt("collision_limit"),
		IngestProgressEvery:   v.GetInt("ingest_progress_every"),
		ValidateProgressEvery: v.GetInt("validate_progress_every"),
		StoreRetryAttempts:    v.GetInt("store_retry_attempts"),
		StoreRetryBase:        v.GetDuration("store_retry_base"),
		GeocodeMinInterval:    v.GetDuration("geocode_min_interval"),
		MetricsAddr:           v.GetString("metrics_addr"),
	}

	var err error
	if s.PhotoRoot, err = absPath(v.GetString("photo_root")); err != nil {
		return nil, err
	}
	if s.DBPath, err = absPath(v.GetString("db_path")); err != nil {
		return nil, err
	}
	if s.DerivRoot, err = absPath(v.GetString("deriv_root")); err != nil {
		return nil, err
	}
	if s.EventsDir, err = absPath(v.GetString("events_dir")); err != nil {
		return nil, err
	}
	s.ImportRoot = v.GetString("import_root")
	if s.ImportRoot == "" {
		s.ImportRoot = filepath.Join(s.PhotoRoot, "_import")
	}
	if s.ImportRoot, err = absPath(s.ImportRoot); err != nil {
		return nil, err
	}
	s.FailedRoot = v.GetString("failed_root")
	if s.FailedRoot == "" {
		s.FailedRoot = filepath.Join(s.ImportRoot, "_failed")
	}
	if s.FailedRoot, err = absPath(s.FailedRoot); err != nil {
		return nil, err
	}

	if s.DatetimeFallback, err = meta.ParseFallbackOrder(v.GetString("datetime_fallback")); err != nil {
		return nil, err
	}
	if s.IngestMode, err = library.ParseMode(v.GetString("ingest_mode")); err != nil {
		return nil, err
	}

	if s.NASMode, err = parseNASMode(v.GetString("nas_mode")); err != nil {
		return nil, err
	}

	g := geocode.DefaultConfig()
	g.Enabled = v.GetBool("geocode_enabled")
	if g.Provider, err = geocode.ParseProvider(v.GetString("geocode_provider")); err != nil {
		return nil, err
	}
	g.Username = strings.TrimSpace(v.GetString("geocode_username"))
	g.BaseURL = strings.TrimRight(strings.TrimSpace(v.GetString("geocode_base_url")), "/")
	g.CellM = v.GetInt("geocode_cache_cell_m")
	g.RadiusKm = v.GetFloat64("geocode_radius_km")
	g.FallbackRadiusKm = v.GetFloat64("geocode_fallback_radius_km")
	g.Timeout = max(v.GetDuration("geocode_timeout"), time.Second)
	g.Cooldown = max(v.GetDuration("geocode_cooldown"), geocode.MinCooldown)
	s.Geocode = g

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects values no component can work with.
func (s *Settings) Validate() error {
	var errs []error
	if s.CollisionLimit <= 0 {
		errs = append(errs, fmt.Errorf("%w: collision_limit must be positive, got %d", util.ErrInvalidConfig, s.CollisionLimit))
	}
	for key, q := range map[string]int{"thumb_quality": s.ThumbQuality, "mid_quality": s.MidQuality} {
		if q < 1 || q > 100 {
			errs = append(errs, fmt.Errorf("%w: %s must be within 1..100, got %d", util.ErrInvalidConfig, key, q))
		}
	}
	for key, n := range map[string]int{"thumb_max": s.ThumbMax, "mid_max": s.MidMax} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %d", util.ErrInvalidConfig, key, n))
		}
	}
	if len(s.PhotoExts) == 0 {
		errs = append(errs, fmt.Errorf("%w: photo_exts is empty", util.ErrInvalidConfig))
	}
	if s.StoreRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%w: store_retry_attempts must be positive", util.ErrInvalidConfig))
	}
	if s.Geocode.CellM <= 0 {
		errs = append(errs, fmt.Errorf("%w: geocode_cache_cell_m must be positive", util.ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// GeocodeActive reports whether lookups can run with these settings.
func (s *Settings) GeocodeActive() bool {
	return s.Geocode.Enabled && s.Geocode.Username != ""
}

// parseNASMode maps auto to nil and a boolean to a forced setting.
func parseNASMode(s string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return nil, nil
	case "true", "on", "yes", "1":
		on := true
		return &on, nil
	case "false", "off", "no", "0":
		off := false
		return &off, nil
	}
	return nil, fmt.Errorf("%w: nas_mode must be auto, true or false, got %q", util.ErrInvalidConfig, s)
}

// stringList accepts a YAML list or a comma separated string.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case []string:
		raw = val
	case []any:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = strings.Split(v.GetString(key), ",")
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if !strings.HasPrefix(item, ".") {
			item = "." + item
		}
		out = append(out, item)
	}
	return out
}

func absPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return abs, nil
}
