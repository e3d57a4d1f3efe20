package l5events

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
)

// Box is an axis-aligned rectangle in full-frame pixels.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// BoxFromRect converts an image.Rectangle.
func BoxFromRect(r image.Rectangle) Box {
	return Box{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Rect converts back to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// DetectionEvent is the record of one completed, qualifying track. It is
// not modified once handed to sinks.
type DetectionEvent struct {
	ID             string                   `json:"id"`
	Timestamp      time.Time                `json:"timestamp"`
	AverageSpeed   float64                  `json:"average_speed"`
	SpeedUnit      string                   `json:"speed_unit"`
	Direction      l4tracks.Direction       `json:"direction"`
	BoundingBox    Box                      `json:"bounding_box"`
	ContourArea    float64                  `json:"contour_area"`
	FrameReference string                   `json:"frame_reference,omitempty"`
	CameraName     string                   `json:"camera_name"`
	Location       string                   `json:"location,omitempty"`
	StartX         int                      `json:"start_x"`
	EndX           int                      `json:"end_x"`
	TrackDuration  time.Duration            `json:"track_duration_ns"`
	SampleCount    int                      `json:"sample_count"`
	Calibration    l4tracks.CalibrationPair `json:"calibration"`
	Crop           Box                      `json:"crop"`
	Calibrating    bool                     `json:"calibrating"`
}

// Origin identifies where events come from.
type Origin struct {
	CameraName  string
	Location    string
	Crop        image.Rectangle
	Calibrating bool
}

// NewDetectionEvent builds an event from a completed track. Track x
// positions stay in crop coordinates; the bounding box is translated to
// full-frame pixels so it can be drawn on the captured image.
func NewDetectionEvent(c *l4tracks.Completed, o Origin) *DetectionEvent {
	return &DetectionEvent{
		ID:            uuid.NewString(),
		Timestamp:     c.EndTime,
		AverageSpeed:  c.AverageSpeed,
		SpeedUnit:     c.Unit,
		Direction:     c.Direction,
		BoundingBox:   BoxFromRect(c.Blob.Rect().Add(o.Crop.Min)),
		ContourArea:   c.Blob.Area,
		CameraName:    o.CameraName,
		Location:      o.Location,
		StartX:        c.StartX,
		EndX:          c.EndX,
		TrackDuration: c.Duration(),
		SampleCount:   c.SampleCount,
		Calibration:   c.Calibration,
		Crop:          BoxFromRect(o.Crop),
		Calibrating:   o.Calibrating,
	}
}

// Sink receives qualifying events. Implementations must honour ctx.
type Sink interface {
	Emit(ctx context.Context, ev *DetectionEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev *DetectionEvent) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, ev *DetectionEvent) error {
	return f(ctx, ev)
}
