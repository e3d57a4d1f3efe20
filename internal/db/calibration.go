package db

import (
	"context"
	"fmt"
	"time"
)

// CalibrationNote pairs a detection with the speed the vehicle was known
// to be doing, so the calibration constants can be checked.
type CalibrationNote struct {
	NoteID        int64     `json:"note_id"`
	DetectionID   string    `json:"detection_id"`
	KnownSpeed    float64   `json:"known_speed"`
	MeasuredSpeed float64   `json:"measured_speed"`
	SpeedUnit     string    `json:"speed_unit"`
	Direction     string    `json:"direction"`
	CalPixels     float64   `json:"cal_px"`
	Notes         string    `json:"notes"`
	CreatedAt     time.Time `json:"created_at"`
}

// Ratio is known/measured. Multiplying the direction's cal_px by the
// measured/known ratio would have produced the known speed.
func (n CalibrationNote) Ratio() float64 {
	if n.MeasuredSpeed == 0 {
		return 0
	}
	return n.KnownSpeed / n.MeasuredSpeed
}

// SuggestedPixels returns the cal_px value that would have made this
// detection read the known speed.
func (n CalibrationNote) SuggestedPixels() float64 {
	if n.KnownSpeed == 0 {
		return 0
	}
	return n.CalPixels * n.MeasuredSpeed / n.KnownSpeed
}

// RecordCalibrationNote stores a known speed against detectionID.
func (db *DB) RecordCalibrationNote(ctx context.Context, detectionID string, knownSpeed float64, notes string) (int64, error) {
	if knownSpeed <= 0 {
		return 0, fmt.Errorf("known speed must be positive, got %f", knownSpeed)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO calibration_notes (detection_id, known_speed, notes) VALUES (?, ?, ?)`,
		detectionID, knownSpeed, notes)
	if err != nil {
		return 0, fmt.Errorf("failed to insert calibration note: %w", err)
	}
	return res.LastInsertId()
}

// CalibrationNotes returns every note joined with its detection, newest first.
func (db *DB) CalibrationNotes(ctx context.Context) ([]CalibrationNote, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT n.note_id, n.detection_id, n.known_speed, d.speed, d.speed_unit,
			d.direction, d.cal_px, n.notes, n.created_at
		FROM calibration_notes n
		JOIN detections d ON d.detection_id = n.detection_id
		ORDER BY n.note_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration notes: %w", err)
	}
	defer rows.Close()

	var out []CalibrationNote
	for rows.Next() {
		var (
			n       CalibrationNote
			created any
		)
		if err := rows.Scan(&n.NoteID, &n.DetectionID, &n.KnownSpeed, &n.MeasuredSpeed, &n.SpeedUnit,
			&n.Direction, &n.CalPixels, &n.Notes, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = sqliteTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// sqliteTime reads a CURRENT_TIMESTAMP column, which the driver may hand
// back as a time.Time or as text.
func sqliteTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
	case []byte:
		return sqliteTime(string(t))
	}
	return time.Time{}
}
