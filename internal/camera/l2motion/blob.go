package l2motion

import (
	"image"

	"github.com/banshee-data/speed-camera/internal/config"
)

// Blob is one external motion contour, in crop coordinates. Area is the
// contour area, not Width*Height.
type Blob struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"w"`
	Height int     `json:"h"`
	Area   float64 `json:"area"`
}

// Rect returns the bounding box as an image.Rectangle.
func (b Blob) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// DetectorConfig holds the differencing parameters.
type DetectorConfig struct {
	Crop      image.Rectangle // monitored zone in full-frame pixels
	BlurSize  int             // box blur kernel edge, pixels
	Threshold float32         // binary threshold on the blurred difference
}

// DetectorConfigFromSettings derives detector config from Settings.
func DetectorConfigFromSettings(s config.Settings) DetectorConfig {
	return DetectorConfig{
		Crop:      s.Crop,
		BlurSize:  s.BlurSize,
		Threshold: float32(s.Threshold),
	}
}
