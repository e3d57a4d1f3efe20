package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
	"github.com/banshee-data/speed-camera/internal/camera/l5events"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testDetection(id string, at time.Time, speed float64, dir l4tracks.Direction) *l5events.DetectionEvent {
	return &l5events.DetectionEvent{
		ID:             id,
		Timestamp:      at,
		AverageSpeed:   speed,
		SpeedUnit:      "kph",
		Direction:      dir,
		BoundingBox:    l5events.Box{X: 300, Y: 200, Width: 60, Height: 30},
		ContourArea:    1500,
		FrameReference: "media/images/" + id + ".jpg",
		CameraName:     "north",
		Location:       "Elm St",
		StartX:         40,
		EndX:           160,
		TrackDuration:  420 * time.Millisecond,
		SampleCount:    5,
		Calibration:    l4tracks.CalibrationPair{Pixels: 80, Millimetres: 4700},
		Crop:           l5events.Box{X: 150, Y: 140, Width: 340, Height: 200},
	}
}

func TestPragmasApplied(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"busy_timeout", "5000"},
		{"synchronous", "1"}, // NORMAL
		{"temp_store", "2"},  // MEMORY
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		var got string
		require.NoError(t, db.QueryRow("PRAGMA "+tt.pragma).Scan(&got))
		assert.Equal(t, tt.want, got, tt.pragma)
	}
}

func TestMigrations(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(SchemaVersion), version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "no change is not an error")
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(SchemaVersion), version)
}

func TestMigrateUpRefusesDirtySchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dirty.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE schema_migrations SET dirty = 1")
	require.NoError(t, err)

	_, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.True(t, dirty)
	assert.ErrorIs(t, db.MigrateUp(), ErrDirtySchema)
	require.NoError(t, db.Close())

	_, err = NewDB(path)
	assert.ErrorIs(t, err, ErrDirtySchema)
}

func TestReopenExistingDB(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "existing.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordDetection(context.Background(), testDetection("a", time.Now(), 30, l4tracks.DirectionL2R)))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	n, err := db.CountDetections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
