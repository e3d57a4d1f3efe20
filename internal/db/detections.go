package db

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
	"github.com/banshee-data/speed-camera/internal/camera/l5events"
	"github.com/banshee-data/speed-camera/internal/units"
)

// RecordDetection stores ev. Recording the same event twice is a no-op,
// so sink retries are safe.
func (db *DB) RecordDetection(ctx context.Context, ev *l5events.DetectionEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO detections (
			detection_id, detected_at, camera_name, location,
			speed, speed_unit, speed_kph, direction,
			bbox_x, bbox_y, bbox_w, bbox_h, contour_area,
			start_x, end_x, track_duration_ms, sample_count,
			cal_px, cal_mm, crop_x, crop_y, crop_w, crop_h,
			calibrating, image_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, unixSeconds(ev.Timestamp), ev.CameraName, ev.Location,
		ev.AverageSpeed, ev.SpeedUnit, units.ToKPH(ev.AverageSpeed, ev.SpeedUnit), string(ev.Direction),
		ev.BoundingBox.X, ev.BoundingBox.Y, ev.BoundingBox.Width, ev.BoundingBox.Height, ev.ContourArea,
		ev.StartX, ev.EndX, ev.TrackDuration.Milliseconds(), ev.SampleCount,
		ev.Calibration.Pixels, ev.Calibration.Millimetres,
		ev.Crop.X, ev.Crop.Y, ev.Crop.Width, ev.Crop.Height,
		ev.Calibrating, ev.FrameReference,
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection %s: %w", ev.ID, err)
	}
	return nil
}

// Emit implements l5events.Sink.
func (db *DB) Emit(ctx context.Context, ev *l5events.DetectionEvent) error {
	return db.RecordDetection(ctx, ev)
}

// DetectionFilter narrows ListDetections. Zero values mean "no filter".
type DetectionFilter struct {
	Since       time.Time
	Until       time.Time
	MinSpeedKPH float64
	Direction   l4tracks.Direction
	Limit       int // default 100, max 1000
}

const detectionColumns = `detection_id, detected_at, camera_name, location,
	speed, speed_unit, direction, bbox_x, bbox_y, bbox_w, bbox_h, contour_area,
	start_x, end_x, track_duration_ms, sample_count, cal_px, cal_mm,
	crop_x, crop_y, crop_w, crop_h, calibrating, image_path`

// ListDetections returns the newest detections matching f.
func (db *DB) ListDetections(ctx context.Context, f DetectionFilter) ([]l5events.DetectionEvent, error) {
	where, args := f.where()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := db.QueryContext(ctx,
		`SELECT `+detectionColumns+` FROM detections`+where+` ORDER BY detected_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []l5events.DetectionEvent
	for rows.Next() {
		var (
			ev         l5events.DetectionEvent
			detectedAt float64
			direction  string
			durationMs int64
		)
		if err := rows.Scan(
			&ev.ID, &detectedAt, &ev.CameraName, &ev.Location,
			&ev.AverageSpeed, &ev.SpeedUnit, &direction,
			&ev.BoundingBox.X, &ev.BoundingBox.Y, &ev.BoundingBox.Width, &ev.BoundingBox.Height, &ev.ContourArea,
			&ev.StartX, &ev.EndX, &durationMs, &ev.SampleCount,
			&ev.Calibration.Pixels, &ev.Calibration.Millimetres,
			&ev.Crop.X, &ev.Crop.Y, &ev.Crop.Width, &ev.Crop.Height,
			&ev.Calibrating, &ev.FrameReference,
		); err != nil {
			return nil, err
		}
		ev.Timestamp = fromUnixSeconds(detectedAt)
		ev.Direction = l4tracks.Direction(direction)
		ev.TrackDuration = time.Duration(durationMs) * time.Millisecond
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDetection returns one detection by id, or sql.ErrNoRows.
func (db *DB) GetDetection(ctx context.Context, id string) (*l5events.DetectionEvent, error) {
	var (
		ev         l5events.DetectionEvent
		detectedAt float64
		direction  string
		durationMs int64
	)
	err := db.QueryRowContext(ctx, `SELECT `+detectionColumns+` FROM detections WHERE detection_id = ?`, id).Scan(
		&ev.ID, &detectedAt, &ev.CameraName, &ev.Location,
		&ev.AverageSpeed, &ev.SpeedUnit, &direction,
		&ev.BoundingBox.X, &ev.BoundingBox.Y, &ev.BoundingBox.Width, &ev.BoundingBox.Height, &ev.ContourArea,
		&ev.StartX, &ev.EndX, &durationMs, &ev.SampleCount,
		&ev.Calibration.Pixels, &ev.Calibration.Millimetres,
		&ev.Crop.X, &ev.Crop.Y, &ev.Crop.Width, &ev.Crop.Height,
		&ev.Calibrating, &ev.FrameReference,
	)
	if err != nil {
		return nil, err
	}
	ev.Timestamp = fromUnixSeconds(detectedAt)
	ev.Direction = l4tracks.Direction(direction)
	ev.TrackDuration = time.Duration(durationMs) * time.Millisecond
	return &ev, nil
}

// SpeedRecord is the minimum needed for reports.
type SpeedRecord struct {
	Timestamp time.Time
	SpeedKPH  float64
	Direction l4tracks.Direction
}

// SpeedRecords returns every non-calibration detection in [since, until),
// oldest first. Zero bounds are open.
func (db *DB) SpeedRecords(ctx context.Context, since, until time.Time) ([]SpeedRecord, error) {
	f := DetectionFilter{Since: since, Until: until}
	where, args := f.where()
	if where == "" {
		where = " WHERE calibrating = 0"
	} else {
		where += " AND calibrating = 0"
	}

	rows, err := db.QueryContext(ctx,
		`SELECT detected_at, speed_kph, direction FROM detections`+where+` ORDER BY detected_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query speeds: %w", err)
	}
	defer rows.Close()

	var out []SpeedRecord
	for rows.Next() {
		var (
			at        float64
			r         SpeedRecord
			direction string
		)
		if err := rows.Scan(&at, &r.SpeedKPH, &direction); err != nil {
			return nil, err
		}
		r.Timestamp = fromUnixSeconds(at)
		r.Direction = l4tracks.Direction(direction)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountDetections returns the number of stored detections.
func (db *DB) CountDetections(ctx context.Context) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM detections`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (f DetectionFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if !f.Since.IsZero() {
		clauses = append(clauses, "detected_at >= ?")
		args = append(args, unixSeconds(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "detected_at < ?")
		args = append(args, unixSeconds(f.Until))
	}
	if f.MinSpeedKPH > 0 {
		clauses = append(clauses, "speed_kph >= ?")
		args = append(args, f.MinSpeedKPH)
	}
	if f.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	// microsecond precision survives the float64 round trip
	usec := math.Round(frac * 1e6)
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)).UTC()
}

var _ l5events.Sink = (*DB)(nil)
