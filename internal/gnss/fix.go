package gnss

// Quality is the GGA fix quality indicator.
type Quality uint8

const (
	QualityNone Quality = 0
	QualityGPS  Quality = 1
	QualityDGPS Quality = 2
)

// Fix is the latest navigation solution assembled from GGA/RMC/GSV
// sentences. It is overwritten in place on each parsed sentence batch;
// the orchestrator caches its own last-known copy.
type Fix struct {
	Latitude   float64 // decimal degrees, positive = North
	Longitude  float64 // decimal degrees, positive = East
	AltitudeM  float64 // meters above sea level
	SpeedKmh   float64 // ground speed
	CourseDeg  float64 // course over ground, true north
	SatsUsed   uint8   // satellites used for the fix
	SatsInView uint8   // satellites in view (from GSV)
	HDOP       float64
	Quality    Quality
	UTCTime    uint32 // HHMMSS
	UTCDate    uint32 // DDMMYY
	Valid      bool
}

// ValidCoordinates reports whether lat/lon are in range and not both
// zero (null island is always a bogus fix).
func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90.0 && lat <= 90.0 &&
		lon >= -180.0 && lon <= 180.0 &&
		(lat != 0.0 || lon != 0.0)
}

// GoodQuality reports whether the fix meets the production thresholds:
// valid, 3D-capable quality, 4+ satellites, HDOP <= 5.0, coordinates in
// range.
func (f *Fix) GoodQuality() bool {
	return f.Valid &&
		f.Quality != QualityNone &&
		f.SatsUsed >= 4 &&
		f.HDOP <= 5.0 &&
		ValidCoordinates(f.Latitude, f.Longitude)
}

// Invalidate clears the validity and quality so stale data from a prior
// cycle can never be reported as a fresh fix.
func (f *Fix) Invalidate() {
	f.Valid = false
	f.Quality = QualityNone
}
