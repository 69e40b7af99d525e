package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/thecoderpanda/ard-server/internal/apperr"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
	"github.com/thecoderpanda/ard-server/internal/schema"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "readings.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Errorf("close db: %v", closeErr)
		}
	})
	if _, err := schema.Ensure(context.Background(), db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func newTestRepo(t *testing.T) (Repository, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewRepository(db, WithClock(func() time.Time { return fixedNow })), db
}

func f64(v float64) *float64 { return &v }
func str(s string) *string   { return &s }
func at(t time.Time) *time.Time {
	return &t
}

func mustSensor(t *testing.T, repo Repository, name string) types.Sensor {
	t.Helper()
	s, err := repo.CreateSensor(context.Background(), name, "")
	if err != nil {
		t.Fatalf("CreateSensor(%q): %v", name, err)
	}
	return s
}

func mustReading(t *testing.T, repo Repository, sensorID int64, aqi float64, ts time.Time) types.Reading {
	t.Helper()
	rec, err := repo.CreateReading(context.Background(), sensorID, types.NormalizedReading{AQIValue: f64(aqi)}, &ts)
	if err != nil {
		t.Fatalf("CreateReading: %v", err)
	}
	return rec
}

func wantKind[T error](t *testing.T, err error) T {
	t.Helper()
	var target T
	if !errors.As(err, &target) {
		t.Fatalf("error = %v (%T), want %T", err, err, target)
	}
	return target
}

func TestCreateSensor(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	s, err := repo.CreateSensor(ctx, "  Kitchen ", "by the stove")
	if err != nil {
		t.Fatalf("CreateSensor: %v", err)
	}
	if s.ID == 0 || s.Name != "Kitchen" || s.Description != "by the stove" {
		t.Errorf("CreateSensor = %+v", s)
	}

	got, err := repo.GetSensor(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSensor: %v", err)
	}
	if got != s {
		t.Errorf("GetSensor = %+v, want %+v", got, s)
	}
}

func TestCreateSensor_Validation(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	for _, name := range []string{"", "   "} {
		_, err := repo.CreateSensor(ctx, name, "x")
		ve := wantKind[*apperr.ValidationError](t, err)
		if ve.Field != "name" {
			t.Errorf("Field = %q, want name", ve.Field)
		}
	}

	mustSensor(t, repo, "Hall")
	_, err := repo.CreateSensor(ctx, "Hall", "again")
	wantKind[*apperr.ValidationError](t, err)
}

func TestGetSensor_NotFound(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.GetSensor(context.Background(), 404)
	nf := wantKind[*apperr.NotFoundError](t, err)
	if nf.Entity != "sensor" || nf.ID != 404 {
		t.Errorf("NotFoundError = %+v", nf)
	}
}

func TestFindOrCreateSensorByName(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.FindOrCreateSensorByName(ctx, "Porch", "front door")
	if err != nil {
		t.Fatalf("FindOrCreateSensorByName: %v", err)
	}
	second, err := repo.FindOrCreateSensorByName(ctx, "Porch", "ignored")
	if err != nil {
		t.Fatalf("FindOrCreateSensorByName again: %v", err)
	}
	if first != second {
		t.Errorf("second call = %+v, want %+v", second, first)
	}
	if second.Description != "front door" {
		t.Errorf("Description = %q, existing description must be kept", second.Description)
	}

	def, err := repo.FindOrCreateSensorByName(ctx, types.DefaultSensorName, types.DefaultSensorDescription)
	if err != nil {
		t.Fatalf("default sensor: %v", err)
	}
	if def.ID != 1 {
		t.Errorf("default sensor id = %d, want the seeded row 1", def.ID)
	}

	_, err = repo.FindOrCreateSensorByName(ctx, " ", "")
	wantKind[*apperr.ValidationError](t, err)
}

func TestFindOrCreateSensorByName_Concurrent(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg   sync.WaitGroup
		ids  = make([]int64, workers)
		errs = make([]error, workers)
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := repo.FindOrCreateSensorByName(ctx, "Garage", "")
			ids[i], errs[i] = s.ID, err
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("worker %d got id %d, worker 0 got %d", i, ids[i], ids[0])
		}
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sensors WHERE name = 'Garage'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("sensors named Garage = %d, want 1", n)
	}
}

func TestFindOrCreateSensorByName_DuplicateNamesInStore(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	// Stores written by the first release never enforced unique names.
	if _, err := db.Exec(`INSERT INTO sensors (id, name, description) VALUES (7, 'Kitchen', 'first'), (9, 'Kitchen', 'second')`); err != nil {
		t.Fatalf("insert duplicates: %v", err)
	}

	got, err := repo.FindOrCreateSensorByName(ctx, "Kitchen", "ignored")
	if err != nil {
		t.Fatalf("FindOrCreateSensorByName: %v", err)
	}
	if got.ID != 7 || got.Description != "first" {
		t.Errorf("FindOrCreateSensorByName = %+v, want the oldest Kitchen row", got)
	}

	_, err = repo.CreateSensor(ctx, "Kitchen", "third")
	wantKind[*apperr.ValidationError](t, err)

	if _, err := repo.UpdateSensor(ctx, 9, "Kitchen", "still second"); err == nil {
		t.Error("UpdateSensor onto a name held by sensor 7 = nil; want ValidationError")
	}
	renamed, err := repo.UpdateSensor(ctx, 9, "Pantry", "moved")
	if err != nil {
		t.Fatalf("UpdateSensor: %v", err)
	}
	// Keeping its own name is not a conflict.
	if _, err := repo.UpdateSensor(ctx, renamed.ID, "Pantry", "same name"); err != nil {
		t.Errorf("UpdateSensor keeping its name: %v", err)
	}
}

func TestUpdateSensor(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	s := mustSensor(t, repo, "Attic")
	mustSensor(t, repo, "Cellar")

	got, err := repo.UpdateSensor(ctx, s.ID, "Loft", "renamed")
	if err != nil {
		t.Fatalf("UpdateSensor: %v", err)
	}
	if got.Name != "Loft" || got.Description != "renamed" {
		t.Errorf("UpdateSensor = %+v", got)
	}
	stored, err := repo.GetSensor(ctx, s.ID)
	if err != nil || stored != got {
		t.Errorf("GetSensor after update = %+v, %v; want %+v", stored, err, got)
	}

	_, err = repo.UpdateSensor(ctx, 999, "Nowhere", "")
	wantKind[*apperr.NotFoundError](t, err)

	_, err = repo.UpdateSensor(ctx, s.ID, "", "")
	wantKind[*apperr.ValidationError](t, err)

	_, err = repo.UpdateSensor(ctx, s.ID, "Cellar", "")
	wantKind[*apperr.ValidationError](t, err)
}

func TestListSensors_OrderedByName(t *testing.T) {
	repo, _ := newTestRepo(t)
	mustSensor(t, repo, "Zulu")
	mustSensor(t, repo, "Alpha")

	got, err := repo.ListSensors(context.Background())
	if err != nil {
		t.Fatalf("ListSensors: %v", err)
	}
	var names []string
	for _, s := range got {
		names = append(names, s.Name)
	}
	want := []string{"Alpha", types.DefaultSensorName, "Zulu"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("ListSensors names = %v, want %v", names, want)
	}
}

func TestDeleteSensor_RemovesReadings(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	s := mustSensor(t, repo, "Shed")
	other := mustSensor(t, repo, "Barn")
	r1 := mustReading(t, repo, s.ID, 10, fixedNow.Add(-time.Hour))
	mustReading(t, repo, s.ID, 20, fixedNow)
	kept := mustReading(t, repo, other.ID, 30, fixedNow)

	deleted, err := repo.DeleteSensor(ctx, s.ID)
	if err != nil {
		t.Fatalf("DeleteSensor: %v", err)
	}
	if deleted != s {
		t.Errorf("DeleteSensor returned %+v, want %+v", deleted, s)
	}

	_, err = repo.GetSensor(ctx, s.ID)
	wantKind[*apperr.NotFoundError](t, err)
	_, err = repo.GetReading(ctx, r1.ID)
	wantKind[*apperr.NotFoundError](t, err)

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM readings WHERE sensor_id = ?`, s.ID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("%d readings left for deleted sensor", n)
	}
	if _, err := repo.GetReading(ctx, kept.ID); err != nil {
		t.Errorf("reading of another sensor was removed: %v", err)
	}

	_, err = repo.DeleteSensor(ctx, s.ID)
	wantKind[*apperr.NotFoundError](t, err)
}

func TestDeleteSensor_AtomicOnFailure(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	s := mustSensor(t, repo, "Fragile")
	mustReading(t, repo, s.ID, 1, fixedNow.Add(-2*time.Hour))
	mustReading(t, repo, s.ID, 2, fixedNow.Add(-time.Hour))

	// Fail the sensor delete after the readings delete has run.
	if _, err := db.Exec(`CREATE TRIGGER fail_sensor_delete BEFORE DELETE ON sensors
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err := repo.DeleteSensor(ctx, s.ID)
	wantKind[*apperr.StorageError](t, err)

	if _, err := repo.GetSensor(ctx, s.ID); err != nil {
		t.Errorf("sensor gone after failed delete: %v", err)
	}
	readings, err := repo.ListReadings(ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	if len(readings) != 2 {
		t.Errorf("readings after failed delete = %d, want 2", len(readings))
	}
}

func TestCreateReading(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	s := mustSensor(t, repo, "Office")

	nr := types.NormalizedReading{AQIValue: f64(42), CO2PPM: f64(812), AQICategory: str("Living Room")}
	rec, err := repo.CreateReading(ctx, s.ID, nr, nil)
	if err != nil {
		t.Fatalf("CreateReading: %v", err)
	}
	if !rec.Timestamp.Equal(fixedNow) {
		t.Errorf("default timestamp = %v, want %v", rec.Timestamp, fixedNow)
	}

	got, err := repo.GetReading(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetReading: %v", err)
	}
	if got.SensorID != s.ID || *got.AQIValue != 42 || *got.CO2PPM != 812 || *got.AQICategory != "Living Room" {
		t.Errorf("GetReading = %+v", got)
	}
	if !got.Timestamp.Equal(fixedNow) {
		t.Errorf("stored timestamp = %v, want %v", got.Timestamp, fixedNow)
	}

	explicit := time.Date(2024, 12, 31, 23, 59, 59, 500, time.FixedZone("CET", 3600))
	rec, err = repo.CreateReading(ctx, s.ID, types.NormalizedReading{AQIValue: f64(7)}, &explicit)
	if err != nil {
		t.Fatalf("CreateReading explicit ts: %v", err)
	}
	got, err = repo.GetReading(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetReading: %v", err)
	}
	if !got.Timestamp.Equal(explicit) || got.CO2PPM != nil || got.AQICategory != nil {
		t.Errorf("GetReading = %+v, want ts %v and no co2/category", got, explicit)
	}
}

func TestCreateReading_UnknownSensor(t *testing.T) {
	repo, db := newTestRepo(t)
	_, err := repo.CreateReading(context.Background(), 77, types.NormalizedReading{AQIValue: f64(1)}, nil)
	nf := wantKind[*apperr.NotFoundError](t, err)
	if nf.Entity != "sensor" || nf.ID != 77 {
		t.Errorf("NotFoundError = %+v", nf)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM readings`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("readings = %d, want 0", n)
	}
}

func TestListReadings(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	s := mustSensor(t, repo, "Lab")
	old := mustReading(t, repo, s.ID, 1, fixedNow.Add(-3*time.Hour))
	tieA := mustReading(t, repo, s.ID, 2, fixedNow.Add(-time.Hour))
	tieB := mustReading(t, repo, s.ID, 3, fixedNow.Add(-time.Hour))
	newest := mustReading(t, repo, s.ID, 4, fixedNow)

	got, err := repo.ListReadings(ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	wantIDs := []int64{newest.ID, tieB.ID, tieA.ID, old.ID}
	if len(got) != len(wantIDs) {
		t.Fatalf("ListReadings returned %d readings, want %d", len(got), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("reading %d id = %d, want %d", i, got[i].ID, id)
		}
	}

	got, err = repo.ListReadings(ctx, s.ID, 2)
	if err != nil {
		t.Fatalf("ListReadings limit: %v", err)
	}
	if len(got) != 2 || got[0].ID != newest.ID {
		t.Errorf("ListReadings(limit 2) = %+v", got)
	}

	_, err = repo.ListReadings(ctx, 999, 10)
	wantKind[*apperr.NotFoundError](t, err)
}

func TestListReadings_MixedTimestampFormats(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	s := mustSensor(t, repo, "Legacy")

	// Written by older releases without a zone, in two layouts.
	if _, err := db.Exec(`INSERT INTO readings (sensor_id, aqi_value, timestamp) VALUES
		(?, 1, '2025-03-01 09:00:00'),
		(?, 2, '2025-03-01T11:30:00.250000')`, s.ID, s.ID); err != nil {
		t.Fatalf("insert legacy rows: %v", err)
	}
	mustReading(t, repo, s.ID, 3, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	got, err := repo.ListReadings(ctx, s.ID, 10)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	var values []float64
	for _, r := range got {
		values = append(values, *r.AQIValue)
	}
	if fmt.Sprint(values) != "[2 3 1]" {
		t.Errorf("values newest first = %v, want [2 3 1]", values)
	}
	want := time.Date(2025, 3, 1, 11, 30, 0, 250_000_000, time.UTC)
	if !got[0].Timestamp.Equal(want) {
		t.Errorf("zone-less timestamp = %v, want %v", got[0].Timestamp, want)
	}
}

func TestListReadings_LegacyTextValue(t *testing.T) {
	repo, db := newTestRepo(t)
	s := mustSensor(t, repo, "Old")
	if _, err := db.Exec(`INSERT INTO readings (sensor_id, aqi_value, timestamp) VALUES (?, 'n/a', '2025-03-01T00:00:00Z')`, s.ID); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := repo.ListReadings(context.Background(), s.ID, 10)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	if len(got) != 1 || got[0].AQIValue != nil {
		t.Errorf("ListReadings = %+v, want one reading without aqi", got)
	}
}

func TestLatestReadingPerSensor(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	busy := mustSensor(t, repo, "Busy")
	idle := mustSensor(t, repo, "Idle")
	mustReading(t, repo, busy.ID, 10, fixedNow.Add(-time.Hour))
	mustReading(t, repo, busy.ID, 20, fixedNow)
	tie := mustReading(t, repo, busy.ID, 30, fixedNow)

	got, err := repo.LatestReadingPerSensor(ctx)
	if err != nil {
		t.Fatalf("LatestReadingPerSensor: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	byID := make(map[int64]types.SensorLatest)
	for _, e := range got {
		byID[e.Sensor.ID] = e
	}
	if e := byID[busy.ID]; e.Latest == nil || e.Latest.ID != tie.ID || *e.Latest.AQIValue != 30 {
		t.Errorf("latest for Busy = %+v, want reading %d", e.Latest, tie.ID)
	}
	if e := byID[idle.ID]; e.Latest != nil {
		t.Errorf("latest for Idle = %+v, want none", e.Latest)
	}
	if got[0].Sensor.Name != "Busy" {
		t.Errorf("first entry = %q, want entries ordered by name", got[0].Sensor.Name)
	}
}

func TestUpdateReading(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	a := mustSensor(t, repo, "A")
	b := mustSensor(t, repo, "B")
	rec := mustReading(t, repo, a.ID, 10, fixedNow.Add(-time.Hour))

	ts := fixedNow.Add(-30 * time.Minute)
	nr := types.NormalizedReading{AQIValue: f64(55), CO2PPM: f64(900)}
	got, err := repo.UpdateReading(ctx, rec.ID, b.ID, nr, ts)
	if err != nil {
		t.Fatalf("UpdateReading: %v", err)
	}
	if got.SensorID != b.ID || *got.AQIValue != 55 {
		t.Errorf("UpdateReading = %+v", got)
	}
	stored, err := repo.GetReading(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetReading: %v", err)
	}
	if stored.SensorID != b.ID || *stored.CO2PPM != 900 || !stored.Timestamp.Equal(ts) {
		t.Errorf("stored = %+v", stored)
	}

	_, err = repo.UpdateReading(ctx, 999, a.ID, nr, ts)
	nf := wantKind[*apperr.NotFoundError](t, err)
	if nf.Entity != "reading" {
		t.Errorf("Entity = %q, want reading", nf.Entity)
	}
	_, err = repo.UpdateReading(ctx, rec.ID, 999, nr, ts)
	nf = wantKind[*apperr.NotFoundError](t, err)
	if nf.Entity != "sensor" {
		t.Errorf("Entity = %q, want sensor", nf.Entity)
	}
	_, err = repo.UpdateReading(ctx, rec.ID, a.ID, nr, time.Time{})
	wantKind[*apperr.ValidationError](t, err)
}

func TestDeleteReading(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	s := mustSensor(t, repo, "Roof")
	rec := mustReading(t, repo, s.ID, 12, fixedNow)

	sensorID, err := repo.DeleteReading(ctx, rec.ID)
	if err != nil {
		t.Fatalf("DeleteReading: %v", err)
	}
	if sensorID != s.ID {
		t.Errorf("DeleteReading returned sensor %d, want %d", sensorID, s.ID)
	}
	_, err = repo.GetReading(ctx, rec.ID)
	wantKind[*apperr.NotFoundError](t, err)
	_, err = repo.DeleteReading(ctx, rec.ID)
	wantKind[*apperr.NotFoundError](t, err)
}

func TestWindowedReadings(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	a := mustSensor(t, repo, "North")
	b := mustSensor(t, repo, "South")

	mustReading(t, repo, a.ID, 99, fixedNow.Add(-25*time.Hour))
	mustReading(t, repo, a.ID, 20, fixedNow.Add(-time.Hour))
	mustReading(t, repo, a.ID, 10, fixedNow.Add(-2*time.Hour))
	mustReading(t, repo, b.ID, 30, fixedNow.Add(-10*time.Minute))
	inWindow := types.FormatTimestamp(fixedNow.Add(-5 * time.Minute))
	if _, err := db.Exec(`INSERT INTO readings (sensor_id, aqi_value, timestamp) VALUES (?, 'garbage', ?), (?, NULL, ?)`,
		b.ID, inWindow, b.ID, inWindow); err != nil {
		t.Fatalf("insert unusable rows: %v", err)
	}

	got, err := repo.WindowedReadings(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("WindowedReadings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("series = %d, want 2", len(got))
	}

	north := got[a.ID]
	if north.SensorName != "North" || len(north.Points) != 2 {
		t.Fatalf("North series = %+v", north)
	}
	if north.Points[0].AQIValue != 10 || north.Points[1].AQIValue != 20 {
		t.Errorf("North points = %+v, want ascending by timestamp", north.Points)
	}

	south := got[b.ID]
	if len(south.Points) != 1 || south.Points[0].AQIValue != 30 {
		t.Errorf("South points = %+v, want only the numeric reading", south.Points)
	}

	_, err = repo.WindowedReadings(ctx, 0)
	wantKind[*apperr.ValidationError](t, err)
}

func TestStorageFailuresAreTyped(t *testing.T) {
	repo, db := newTestRepo(t)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["ListSensors"] = repo.ListSensors(ctx)
	_, checks["CreateSensor"] = repo.CreateSensor(ctx, "x", "")
	_, checks["CreateReading"] = repo.CreateReading(ctx, 1, types.NormalizedReading{}, at(fixedNow))
	_, checks["WindowedReadings"] = repo.WindowedReadings(ctx, time.Hour)
	_, checks["LatestReadingPerSensor"] = repo.LatestReadingPerSensor(ctx)

	for op, err := range checks {
		var se *apperr.StorageError
		if !errors.As(err, &se) {
			t.Errorf("%s on closed db error = %v, want StorageError", op, err)
		}
	}
}
