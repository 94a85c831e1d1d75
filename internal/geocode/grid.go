package geocode

import (
	"fmt"
	"math"
)

const metersPerDegreeLat = 111_320.0

// Cell is a grid-snapped coordinate.
type Cell struct {
	LatBucket int64
	LonBucket int64
	Lat       float64 // south-west corner
	Lon       float64
}

// SnapToGrid buckets (lat, lon) into cells of roughly cellM meters. The
// longitude step widens with 1/cos(lat); |cos| is clamped to 0.1 near the
// poles. Cells smaller than 10m are raised to 10m.
func SnapToGrid(lat, lon float64, cellM int) Cell {
	size := float64(max(10, cellM))
	latStep := size / metersPerDegreeLat

	cos := math.Abs(math.Cos(lat * math.Pi / 180))
	if cos < 0.1 {
		cos = 0.1
	}
	lonStep := size / (metersPerDegreeLat * cos)

	latB := int64(math.Floor(lat / latStep))
	lonB := int64(math.Floor(lon / lonStep))
	return Cell{
		LatBucket: latB,
		LonBucket: lonB,
		Lat:       float64(latB) * latStep,
		Lon:       float64(lonB) * lonStep,
	}
}

// CacheKey is "provider:cell_m:lat_bucket:lon_bucket", using the configured
// cell size verbatim.
func CacheKey(provider ProviderKind, cellM int, c Cell) string {
	return fmt.Sprintf("%s:%d:%d:%d", provider, cellM, c.LatBucket, c.LonBucket)
}
