package types

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSensorName        = "Default AQI Sensor"
	DefaultSensorDescription = "Automatically created AQI sensor"
)

type Sensor struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Reading is one stored sample. Any of the measurements may be absent; rows
// migrated from the single-value layout only carry AQIValue.
type Reading struct {
	ID          int64     `json:"id"`
	SensorID    int64     `json:"sensor_id"`
	AQIValue    *float64  `json:"aqi_value"`
	CO2PPM      *float64  `json:"co2_ppm"`
	AQICategory *string   `json:"aqi_category"`
	Timestamp   time.Time `json:"timestamp"`
}

// NormalizedReading is a device payload after normalization, independent of
// the wire format it arrived in.
type NormalizedReading struct {
	AQIValue    *float64 `json:"aqi_value"`
	CO2PPM      *float64 `json:"co2_ppm"`
	AQICategory *string  `json:"aqi_category"`
}

type SensorLatest struct {
	Sensor Sensor   `json:"sensor"`
	Latest *Reading `json:"latest"`
}

type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	AQIValue  float64   `json:"aqi_value"`
}

type Series struct {
	SensorID   int64         `json:"sensor_id"`
	SensorName string        `json:"name"`
	Points     []SeriesPoint `json:"points"`
}

// FormatTimestamp is the canonical stored form of a reading timestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 as well as the zone-less layouts older
// writers stored (Python isoformat, SQLite datetime). Zone-less values are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
