package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
	"github.com/banshee-data/speed-camera/internal/units"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestRecordAndGetDetection(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	ev := testDetection("d1", base.Add(123456*time.Microsecond), 42.37, l4tracks.DirectionR2L)
	ev.Calibrating = true
	require.NoError(t, db.Emit(ctx, ev))

	got, err := db.GetDetection(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, *ev, *got)

	_, err = db.GetDetection(ctx, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRecordDetectionIsIdempotent(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	ev := testDetection("dup", base, 30, l4tracks.DirectionL2R)
	require.NoError(t, db.RecordDetection(ctx, ev))
	require.NoError(t, db.RecordDetection(ctx, ev))

	n, err := db.CountDetections(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListDetectionsFilters(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	for i, d := range []struct {
		speed float64
		dir   l4tracks.Direction
	}{
		{25, l4tracks.DirectionL2R},
		{48, l4tracks.DirectionR2L},
		{33, l4tracks.DirectionL2R},
		{61, l4tracks.DirectionR2L},
	} {
		ev := testDetection(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), d.speed, d.dir)
		require.NoError(t, db.RecordDetection(ctx, ev))
	}

	tests := []struct {
		name   string
		filter DetectionFilter
		want   []string
	}{
		{"all newest first", DetectionFilter{}, []string{"d", "c", "b", "a"}},
		{"limit", DetectionFilter{Limit: 2}, []string{"d", "c"}},
		{"direction", DetectionFilter{Direction: l4tracks.DirectionL2R}, []string{"c", "a"}},
		{"min speed", DetectionFilter{MinSpeedKPH: 40}, []string{"d", "b"}},
		{"since", DetectionFilter{Since: base.Add(2 * time.Minute)}, []string{"d", "c"}},
		{"until", DetectionFilter{Until: base.Add(2 * time.Minute)}, []string{"b", "a"}},
		{"combined", DetectionFilter{Direction: l4tracks.DirectionR2L, MinSpeedKPH: 50}, []string{"d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListDetections(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, ev := range got {
				ids = append(ids, ev.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestSpeedRecordsNormaliseUnitsAndSkipCalibration(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	kph := testDetection("k", base, 50, l4tracks.DirectionL2R)
	mph := testDetection("m", base.Add(time.Minute), 31.06855, l4tracks.DirectionR2L)
	mph.SpeedUnit = units.MPH
	cal := testDetection("c", base.Add(2*time.Minute), 12, l4tracks.DirectionL2R)
	cal.Calibrating = true
	require.NoError(t, db.RecordDetection(ctx, kph))
	require.NoError(t, db.RecordDetection(ctx, mph))
	require.NoError(t, db.RecordDetection(ctx, cal))

	recs, err := db.SpeedRecords(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, base, recs[0].Timestamp)
	assert.InDelta(t, 50, recs[0].SpeedKPH, 1e-9)
	assert.InDelta(t, 50, recs[1].SpeedKPH, 1e-3)
	assert.Equal(t, l4tracks.DirectionR2L, recs[1].Direction)

	recs, err = db.SpeedRecords(ctx, base.Add(30*time.Second), time.Time{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
