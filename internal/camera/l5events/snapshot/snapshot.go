// Package snapshot writes the annotated JPEG kept with each detection. It
// is the only part of the event layer that needs OpenCV.
package snapshot

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/banshee-data/speed-camera/internal/camera/l5events"
	"github.com/banshee-data/speed-camera/internal/config"
	"github.com/banshee-data/speed-camera/internal/security"
	"github.com/banshee-data/speed-camera/internal/units"
)

var (
	cropColour   = color.RGBA{0, 255, 0, 0}
	blobColour   = color.RGBA{0, 0, 255, 0}
	textColour   = color.RGBA{255, 255, 255, 0}
	hashColour   = color.RGBA{0, 255, 255, 0}
	shadowColour = color.RGBA{0, 0, 0, 0}
)

// Config holds snapshot file and overlay parameters.
type Config struct {
	Dir       string
	Prefix    string
	Calibrate bool // draw pixel hash marks for calibration
}

// ConfigFromSettings derives snapshot config from Settings. The prefix is
// reduced to characters safe in a file name.
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		Dir:       s.ImageDir,
		Prefix:    security.SanitizeFilename(s.ImagePrefix),
		Calibrate: s.Calibrate,
	}
}

// Writer annotates the event frame and writes it as a JPEG.
type Writer struct {
	cfg Config
}

// NewWriter returns a Writer for cfg.
func NewWriter(cfg Config) *Writer {
	return &Writer{cfg: cfg}
}

// Path returns where the snapshot for ev is written:
// <dir>/<yyyy-mm-dd>/<prefix>-<unix-ms>-<speed>.jpg
func (w *Writer) Path(ev *l5events.DetectionEvent) string {
	day := ev.Timestamp.Format("2006-01-02")
	name := fmt.Sprintf("%s-%d-%.0f.jpg", w.cfg.Prefix, ev.Timestamp.UnixMilli(), ev.AverageSpeed)
	return filepath.Join(w.cfg.Dir, day, name)
}

// WriteSnapshot implements l5events.Snapshotter. img must be a *gocv.Mat;
// it is not modified.
func (w *Writer) WriteSnapshot(ev *l5events.DetectionEvent, frame l5events.Frame) (string, error) {
	img, ok := frame.(*gocv.Mat)
	if !ok || img == nil {
		return "", fmt.Errorf("unsupported snapshot image %T", frame)
	}
	if img.Empty() {
		return "", fmt.Errorf("empty snapshot image")
	}
	path := w.Path(ev)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	annotated := img.Clone()
	defer annotated.Close()
	w.annotate(&annotated, ev)

	if !gocv.IMWrite(path, annotated) {
		return "", fmt.Errorf("failed to write snapshot %s", path)
	}
	return path, nil
}

func (w *Writer) annotate(img *gocv.Mat, ev *l5events.DetectionEvent) {
	crop := ev.Crop.Rect()
	gocv.Rectangle(img, crop, cropColour, 1)
	gocv.Rectangle(img, ev.BoundingBox.Rect(), blobColour, 2)

	label := fmt.Sprintf("%.0f %s %s %s", ev.AverageSpeed, units.Label(ev.SpeedUnit), ev.Direction,
		ev.Timestamp.Format("2006-01-02 15:04:05"))
	if ev.Calibrating {
		label = "CAL " + label
	}
	org := image.Pt(10, 30)
	gocv.PutText(img, label, org.Add(image.Pt(1, 1)), gocv.FontHersheySimplex, 0.8, shadowColour, 3)
	gocv.PutText(img, label, org, gocv.FontHersheySimplex, 0.8, textColour, 2)

	if w.cfg.Calibrate || ev.Calibrating {
		drawHashMarks(img, crop)
	}
}

// drawHashMarks draws a pixel ruler along the top edge of the crop: short
// ticks every 10px, long ticks every 50px and a label every 100px, so the
// calibration object can be measured off a snapshot.
func drawHashMarks(img *gocv.Mat, crop image.Rectangle) {
	for x := 0; x <= crop.Dx(); x += 10 {
		length := 5
		if x%50 == 0 {
			length = 12
		}
		top := image.Pt(crop.Min.X+x, crop.Min.Y)
		gocv.Line(img, top, top.Add(image.Pt(0, length)), hashColour, 1)
		if x%100 == 0 {
			gocv.PutText(img, fmt.Sprintf("%d", x), top.Add(image.Pt(2, 24)), gocv.FontHersheyPlain, 0.9, hashColour, 1)
		}
	}
}
