package repository

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
)

// looseFloat scans a REAL column that may hold text written by older
// releases. Anything that is not a finite number reads as absent; Invalid
// reports whether the column was non-NULL but unusable.
type looseFloat struct {
	Value   *float64
	Invalid bool
}

func (f *looseFloat) Scan(src any) error {
	f.Value, f.Invalid = nil, false
	var v float64
	switch x := src.(type) {
	case nil:
		return nil
	case float64:
		v = x
	case int64:
		v = float64(x)
	case []byte:
		return f.scanText(string(x))
	case string:
		return f.scanText(x)
	default:
		f.Invalid = true
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		f.Invalid = true
		return nil
	}
	f.Value = &v
	return nil
}

func (f *looseFloat) scanText(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		f.Invalid = true
		return nil
	}
	f.Value = &v
	return nil
}

type looseText struct {
	Value *string
}

func (t *looseText) Scan(src any) error {
	t.Value = nil
	var s string
	switch x := src.(type) {
	case nil:
		return nil
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		s = fmt.Sprint(x)
	}
	t.Value = &s
	return nil
}

// looseTime accepts the TEXT timestamps this service writes as well as the
// time.Time values the driver produces for DATETIME-declared columns.
type looseTime struct {
	Value time.Time
	Valid bool
}

func (t *looseTime) Scan(src any) error {
	t.Value, t.Valid = time.Time{}, false
	switch x := src.(type) {
	case nil:
		return nil
	case time.Time:
		t.Value, t.Valid = x.UTC(), true
	case string:
		t.parse(x)
	case []byte:
		t.parse(string(x))
	}
	return nil
}

func (t *looseTime) parse(s string) {
	if v, err := types.ParseTimestamp(s); err == nil {
		t.Value, t.Valid = v, true
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSensor(row rowScanner) (types.Sensor, error) {
	var s types.Sensor
	err := row.Scan(&s.ID, &s.Name, &s.Description)
	return s, err
}

// scanReading reads id, sensor_id, aqi_value, co2_ppm, aqi_category, timestamp.
func scanReading(row rowScanner) (types.Reading, error) {
	var (
		rec      types.Reading
		sensorID sql.NullInt64
		aqi, co2 looseFloat
		category looseText
		ts       looseTime
	)
	if err := row.Scan(&rec.ID, &sensorID, &aqi, &co2, &category, &ts); err != nil {
		return types.Reading{}, err
	}
	rec.SensorID = sensorID.Int64
	rec.AQIValue = aqi.Value
	rec.CO2PPM = co2.Value
	rec.AQICategory = category.Value
	rec.Timestamp = ts.Value
	return rec, nil
}

func scanReadings(rows *sql.Rows) ([]types.Reading, error) {
	out := []types.Reading{}
	for rows.Next() {
		rec, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// nullable converts optional values into driver arguments.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
