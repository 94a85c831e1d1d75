package store

// Schema v1 - catalog tables
const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per library file; guid is assigned at first ingest and never changes
CREATE TABLE IF NOT EXISTS photos (
  guid TEXT PRIMARY KEY,
  rel_path TEXT NOT NULL UNIQUE,
  datetime_original TEXT,
  gps_altitude REAL,
  gps_latitude REAL,
  gps_longitude REAL,
  camera_make TEXT,
  file_size INTEGER NOT NULL DEFAULT 0,
  source_mtime INTEGER,
  width INTEGER,
  height INTEGER,
  user_comment TEXT,
  rating INTEGER NOT NULL DEFAULT 0 CHECK (rating BETWEEN 0 AND 3),
  indexed_at TEXT NOT NULL,
  exif_error TEXT,
  geo_country_code TEXT,
  geo_country TEXT,
  geo_city TEXT,
  geo_city_norm TEXT,
  geo_region TEXT,
  geo_postcode TEXT,
  geo_display_name TEXT,
  geo_provider TEXT,
  geo_cache_key TEXT,
  geo_lookup_at TEXT,
  geo_status TEXT,
  geo_error TEXT
);

CREATE TABLE IF NOT EXISTS tags (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  name_norm TEXT NOT NULL UNIQUE,
  description TEXT,
  color TEXT NOT NULL DEFAULT 'secondary',
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS photo_tags (
  photo_guid TEXT NOT NULL REFERENCES photos(guid) ON DELETE CASCADE,
  tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
  PRIMARY KEY (photo_guid, tag_id)
);

-- Long-running ingest/validate/phone-sync operations polled by the UI
CREATE TABLE IF NOT EXISTS scan_jobs (
  job_id TEXT PRIMARY KEY,
  state TEXT NOT NULL DEFAULT 'queued',
  job_type TEXT NOT NULL,
  year INTEGER,
  processed INTEGER NOT NULL DEFAULT 0,
  upserted INTEGER NOT NULL DEFAULT 0,
  thumbs_done INTEGER NOT NULL DEFAULT 0,
  mids_done INTEGER NOT NULL DEFAULT 0,
  errors INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  started_at TEXT,
  finished_at TEXT,
  message TEXT
);

-- Reverse geocode results per grid cell; never evicted
CREATE TABLE IF NOT EXISTS reverse_geocode_cache (
  cache_key TEXT PRIMARY KEY,
  provider TEXT NOT NULL,
  cell_m INTEGER NOT NULL,
  lat_bucket INTEGER NOT NULL,
  lon_bucket INTEGER NOT NULL,
  country_code TEXT,
  country TEXT,
  city TEXT,
  city_norm TEXT,
  region TEXT,
  postcode TEXT,
  display_name TEXT,
  raw_json TEXT,
  fetched_at TEXT NOT NULL,
  last_used_at TEXT NOT NULL,
  hit_count INTEGER NOT NULL DEFAULT 1
);
`

// Schema v2 - lookup indexes
const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_photos_datetime_guid ON photos(datetime_original, guid);
CREATE INDEX IF NOT EXISTS idx_photos_rating ON photos(rating);
CREATE INDEX IF NOT EXISTS idx_photos_geo_country ON photos(geo_country_code);
CREATE INDEX IF NOT EXISTS idx_photos_geo_city ON photos(geo_city_norm);
CREATE INDEX IF NOT EXISTS idx_photos_geo_status ON photos(geo_status);
CREATE INDEX IF NOT EXISTS idx_photo_tags_tag ON photo_tags(tag_id);
CREATE INDEX IF NOT EXISTS idx_scan_jobs_created ON scan_jobs(created_at);
`
