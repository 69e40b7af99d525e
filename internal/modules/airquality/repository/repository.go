package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/thecoderpanda/ard-server/internal/apperr"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
)

//go:embed sql/insert-sensor.sql
var insertSensorSQL string

//go:embed sql/sensor-name-taken.sql
var sensorNameTakenSQL string

//go:embed sql/get-sensor.sql
var getSensorSQL string

//go:embed sql/get-sensor-by-name.sql
var getSensorByNameSQL string

//go:embed sql/update-sensor.sql
var updateSensorSQL string

//go:embed sql/delete-sensor-readings.sql
var deleteSensorReadingsSQL string

//go:embed sql/delete-sensor.sql
var deleteSensorSQL string

//go:embed sql/list-sensors.sql
var listSensorsSQL string

//go:embed sql/latest-reading-per-sensor.sql
var latestReadingPerSensorSQL string

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-reading.sql
var getReadingSQL string

//go:embed sql/list-readings.sql
var listReadingsSQL string

//go:embed sql/update-reading.sql
var updateReadingSQL string

//go:embed sql/delete-reading.sql
var deleteReadingSQL string

//go:embed sql/windowed-readings.sql
var windowedReadingsSQL string

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

type Repository interface {
	CreateSensor(ctx context.Context, name, description string) (types.Sensor, error)
	GetSensor(ctx context.Context, id int64) (types.Sensor, error)
	FindOrCreateSensorByName(ctx context.Context, name, description string) (types.Sensor, error)
	UpdateSensor(ctx context.Context, id int64, name, description string) (types.Sensor, error)
	DeleteSensor(ctx context.Context, id int64) (types.Sensor, error)
	ListSensors(ctx context.Context) ([]types.Sensor, error)
	LatestReadingPerSensor(ctx context.Context) ([]types.SensorLatest, error)

	CreateReading(ctx context.Context, sensorID int64, r types.NormalizedReading, ts *time.Time) (types.Reading, error)
	GetReading(ctx context.Context, id int64) (types.Reading, error)
	ListReadings(ctx context.Context, sensorID int64, limit int) ([]types.Reading, error)
	UpdateReading(ctx context.Context, id, sensorID int64, r types.NormalizedReading, ts time.Time) (types.Reading, error)
	DeleteReading(ctx context.Context, id int64) (int64, error)
	WindowedReadings(ctx context.Context, since time.Duration) (map[int64]types.Series, error)
}

type Option func(*repositoryImpl)

// WithClock replaces time.Now for default timestamps and window cutoffs.
func WithClock(now func() time.Time) Option {
	return func(r *repositoryImpl) { r.now = now }
}

type repositoryImpl struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB, opts ...Option) Repository {
	r := &repositoryImpl{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSensor rejects a name already in use. The check and the insert share
// one write transaction, so two callers cannot both pass the check.
func (r *repositoryImpl) CreateSensor(ctx context.Context, name, description string) (types.Sensor, error) {
	name, err := sensorName(name)
	if err != nil {
		return types.Sensor{}, err
	}
	created := types.Sensor{Name: name, Description: description}
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if err := nameAvailable(ctx, tx, name, 0); err != nil {
			return err
		}
		created.ID, err = insertSensor(ctx, tx, name, description)
		return err
	})
	if err != nil {
		return types.Sensor{}, apperr.Storage("create sensor", err)
	}
	return created, nil
}

func (r *repositoryImpl) GetSensor(ctx context.Context, id int64) (types.Sensor, error) {
	return getSensor(ctx, r.db, id)
}

// FindOrCreateSensorByName looks the name up and inserts it only when absent,
// inside one write transaction, so concurrent callers asking for the same new
// name end up with one row. An existing sensor keeps its description; where a
// legacy store holds the name more than once the oldest row wins.
func (r *repositoryImpl) FindOrCreateSensorByName(ctx context.Context, name, description string) (types.Sensor, error) {
	name, err := sensorName(name)
	if err != nil {
		return types.Sensor{}, err
	}
	var found types.Sensor
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		s, err := scanSensor(tx.QueryRowContext(ctx, getSensorByNameSQL, name))
		switch {
		case err == nil:
			found = s
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		id, err := insertSensor(ctx, tx, name, description)
		if err != nil {
			return err
		}
		found = types.Sensor{ID: id, Name: name, Description: description}
		return nil
	})
	if err != nil {
		return types.Sensor{}, apperr.Storage("find or create sensor", err)
	}
	return found, nil
}

func (r *repositoryImpl) UpdateSensor(ctx context.Context, id int64, name, description string) (types.Sensor, error) {
	name, err := sensorName(name)
	if err != nil {
		return types.Sensor{}, err
	}
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if err := sensorExists(ctx, tx, id); err != nil {
			return err
		}
		if err := nameAvailable(ctx, tx, name, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, updateSensorSQL, name, description, id)
		return err
	})
	if err != nil {
		return types.Sensor{}, apperr.Storage("update sensor", err)
	}
	return types.Sensor{ID: id, Name: name, Description: description}, nil
}

// DeleteSensor removes the sensor and every reading it owns in one
// transaction and returns the sensor as it was.
func (r *repositoryImpl) DeleteSensor(ctx context.Context, id int64) (types.Sensor, error) {
	var deleted types.Sensor
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		s, err := getSensor(ctx, tx, id)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, deleteSensorReadingsSQL, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, deleteSensorSQL, id); err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			slog.Debug("sensor readings deleted", "sensor_id", id, "readings", n)
		}
		deleted = s
		return nil
	})
	if err != nil {
		return types.Sensor{}, apperr.Storage("delete sensor", err)
	}
	return deleted, nil
}

func (r *repositoryImpl) ListSensors(ctx context.Context) ([]types.Sensor, error) {
	rows, err := r.db.QueryContext(ctx, listSensorsSQL)
	if err != nil {
		return nil, apperr.Storage("list sensors", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close sensors rows", "error", err)
		}
	}()
	out := []types.Sensor{}
	for rows.Next() {
		s, err := scanSensor(rows)
		if err != nil {
			return nil, apperr.Storage("list sensors", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list sensors", err)
	}
	return out, nil
}

func (r *repositoryImpl) LatestReadingPerSensor(ctx context.Context) ([]types.SensorLatest, error) {
	rows, err := r.db.QueryContext(ctx, latestReadingPerSensorSQL)
	if err != nil {
		return nil, apperr.Storage("latest reading per sensor", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close latest readings rows", "error", err)
		}
	}()

	out := []types.SensorLatest{}
	for rows.Next() {
		var (
			entry     types.SensorLatest
			readingID sql.NullInt64
			aqi, co2  looseFloat
			category  looseText
			ts        looseTime
		)
		if err := rows.Scan(
			&entry.Sensor.ID, &entry.Sensor.Name, &entry.Sensor.Description,
			&readingID, &aqi, &co2, &category, &ts,
		); err != nil {
			return nil, apperr.Storage("latest reading per sensor", err)
		}
		if readingID.Valid {
			entry.Latest = &types.Reading{
				ID:          readingID.Int64,
				SensorID:    entry.Sensor.ID,
				AQIValue:    aqi.Value,
				CO2PPM:      co2.Value,
				AQICategory: category.Value,
				Timestamp:   ts.Value,
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("latest reading per sensor", err)
	}
	return out, nil
}

// CreateReading stores a reading for an existing sensor. A nil ts means now.
func (r *repositoryImpl) CreateReading(ctx context.Context, sensorID int64, nr types.NormalizedReading, ts *time.Time) (types.Reading, error) {
	at := r.now().UTC()
	if ts != nil {
		at = ts.UTC()
	}
	rec := types.Reading{
		SensorID:    sensorID,
		AQIValue:    nr.AQIValue,
		CO2PPM:      nr.CO2PPM,
		AQICategory: nr.AQICategory,
		Timestamp:   at,
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := sensorExists(ctx, tx, sensorID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, insertReadingSQL,
			sensorID, nullable(nr.AQIValue), nullable(nr.CO2PPM), nullable(nr.AQICategory),
			types.FormatTimestamp(at),
		)
		if err != nil {
			return err
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return types.Reading{}, apperr.Storage("create reading", err)
	}
	return rec, nil
}

func (r *repositoryImpl) GetReading(ctx context.Context, id int64) (types.Reading, error) {
	rec, err := getReading(ctx, r.db, id)
	if err != nil {
		return types.Reading{}, apperr.Storage("get reading", err)
	}
	return rec, nil
}

// ListReadings returns the newest readings of a sensor first. limit <= 0
// selects DefaultListLimit; larger values are capped at MaxListLimit.
func (r *repositoryImpl) ListReadings(ctx context.Context, sensorID int64, limit int) ([]types.Reading, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	if err := sensorExists(ctx, r.db, sensorID); err != nil {
		return nil, apperr.Storage("list readings", err)
	}
	rows, err := r.db.QueryContext(ctx, listReadingsSQL, sensorID, limit)
	if err != nil {
		return nil, apperr.Storage("list readings", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close readings rows", "error", err)
		}
	}()
	out, err := scanReadings(rows)
	if err != nil {
		return nil, apperr.Storage("list readings", err)
	}
	return out, nil
}

// UpdateReading replaces every field of a reading, including its owner.
func (r *repositoryImpl) UpdateReading(ctx context.Context, id, sensorID int64, nr types.NormalizedReading, ts time.Time) (types.Reading, error) {
	if ts.IsZero() {
		return types.Reading{}, &apperr.ValidationError{Field: "timestamp", Msg: "is required"}
	}
	rec := types.Reading{
		ID:          id,
		SensorID:    sensorID,
		AQIValue:    nr.AQIValue,
		CO2PPM:      nr.CO2PPM,
		AQICategory: nr.AQICategory,
		Timestamp:   ts.UTC(),
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getReading(ctx, tx, id); err != nil {
			return err
		}
		if err := sensorExists(ctx, tx, sensorID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, updateReadingSQL,
			sensorID, nullable(nr.AQIValue), nullable(nr.CO2PPM), nullable(nr.AQICategory),
			types.FormatTimestamp(rec.Timestamp), id,
		)
		return err
	})
	if err != nil {
		return types.Reading{}, apperr.Storage("update reading", err)
	}
	return rec, nil
}

// DeleteReading removes a reading and reports the sensor that owned it.
func (r *repositoryImpl) DeleteReading(ctx context.Context, id int64) (int64, error) {
	var sensorID int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := getReading(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, deleteReadingSQL, id); err != nil {
			return err
		}
		sensorID = rec.SensorID
		return nil
	})
	if err != nil {
		return 0, apperr.Storage("delete reading", err)
	}
	return sensorID, nil
}

// WindowedReadings groups every reading newer than now-since by sensor,
// oldest first. Readings without a usable AQI value are left out.
func (r *repositoryImpl) WindowedReadings(ctx context.Context, since time.Duration) (map[int64]types.Series, error) {
	if since <= 0 {
		return nil, &apperr.ValidationError{Field: "since", Msg: "must be positive"}
	}
	cutoff := r.now().Add(-since)
	rows, err := r.db.QueryContext(ctx, windowedReadingsSQL, types.FormatTimestamp(cutoff))
	if err != nil {
		return nil, apperr.Storage("windowed readings", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close windowed readings rows", "error", err)
		}
	}()

	out := make(map[int64]types.Series)
	skipped := 0
	for rows.Next() {
		var (
			sensorID int64
			name     string
			aqi      looseFloat
			ts       looseTime
		)
		if err := rows.Scan(&sensorID, &name, &aqi, &ts); err != nil {
			return nil, apperr.Storage("windowed readings", err)
		}
		if aqi.Value == nil || !ts.Valid {
			skipped++
			continue
		}
		series, ok := out[sensorID]
		if !ok {
			series = types.Series{SensorID: sensorID, SensorName: name}
		}
		series.Points = append(series.Points, types.SeriesPoint{Timestamp: ts.Value, AQIValue: *aqi.Value})
		out[sensorID] = series
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("windowed readings", err)
	}
	if skipped > 0 {
		slog.Debug("windowed readings skipped rows", "skipped", skipped, "since", since.String())
	}
	return out, nil
}

func (r *repositoryImpl) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSensor(ctx context.Context, q querier, id int64) (types.Sensor, error) {
	s, err := scanSensor(q.QueryRowContext(ctx, getSensorSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Sensor{}, &apperr.NotFoundError{Entity: "sensor", ID: id}
	}
	if err != nil {
		return types.Sensor{}, apperr.Storage("get sensor", err)
	}
	return s, nil
}

func sensorExists(ctx context.Context, q querier, id int64) error {
	_, err := getSensor(ctx, q, id)
	return err
}

func getReading(ctx context.Context, q querier, id int64) (types.Reading, error) {
	rec, err := scanReading(q.QueryRowContext(ctx, getReadingSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Reading{}, &apperr.NotFoundError{Entity: "reading", ID: id}
	}
	return rec, err
}

func sensorName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &apperr.ValidationError{Field: "name", Msg: "is required"}
	}
	return name, nil
}

func insertSensor(ctx context.Context, tx *sql.Tx, name, description string) (int64, error) {
	res, err := tx.ExecContext(ctx, insertSensorSQL, name, description)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// nameAvailable reports a ValidationError when a sensor other than exceptID
// already carries name.
func nameAvailable(ctx context.Context, q querier, name string, exceptID int64) error {
	var taken bool
	if err := q.QueryRowContext(ctx, sensorNameTakenSQL, name, exceptID).Scan(&taken); err != nil {
		return err
	}
	if taken {
		return &apperr.ValidationError{Field: "name", Msg: "sensor " + name + " already exists"}
	}
	return nil
}
