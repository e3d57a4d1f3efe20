package l5events

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"id", "timestamp", "camera", "location", "speed", "unit", "direction",
	"x", "y", "w", "h", "area", "start_x", "end_x", "duration_ms", "samples",
	"cal_px", "cal_mm", "calibrating", "image",
}

// CSVSink appends one row per event to a CSV file, writing the header
// when the file is new or empty.
type CSVSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

// OpenCSVSink opens (or creates) the log at path.
func OpenCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create csv dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat csv log: %w", err)
	}

	s := &CSVSink{f: f, w: csv.NewWriter(f), path: path}
	if info.Size() == 0 {
		if err := s.w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write csv header: %w", err)
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write csv header: %w", err)
		}
	}
	return s, nil
}

// Emit implements Sink.
func (s *CSVSink) Emit(ctx context.Context, ev *DetectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Write(csvRecord(ev)); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.f.Close()
}

func csvRecord(ev *DetectionEvent) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	i := strconv.Itoa
	return []string{
		ev.ID,
		ev.Timestamp.Format(time.RFC3339Nano),
		ev.CameraName,
		ev.Location,
		f(ev.AverageSpeed),
		ev.SpeedUnit,
		string(ev.Direction),
		i(ev.BoundingBox.X), i(ev.BoundingBox.Y), i(ev.BoundingBox.Width), i(ev.BoundingBox.Height),
		f(ev.ContourArea),
		i(ev.StartX), i(ev.EndX),
		strconv.FormatInt(ev.TrackDuration.Milliseconds(), 10),
		i(ev.SampleCount),
		f(ev.Calibration.Pixels), f(ev.Calibration.Millimetres),
		strconv.FormatBool(ev.Calibrating),
		ev.FrameReference,
	}
}
