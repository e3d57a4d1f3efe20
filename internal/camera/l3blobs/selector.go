package l3blobs

import (
	"github.com/banshee-data/speed-camera/internal/camera/l2motion"
	"github.com/banshee-data/speed-camera/internal/config"
)

// Blob is re-exported so the tracker need not import l2motion.
type Blob = l2motion.Blob

// SelectorConfig holds the blob acceptance parameters.
type SelectorConfig struct {
	MinArea        float64 // blobs must be strictly larger than this, px²
	XBufferDivisor int     // xBuf = cropWidth / XBufferDivisor
}

// SelectorConfigFromSettings derives selector config from Settings.
func SelectorConfigFromSettings(s config.Settings) SelectorConfig {
	return SelectorConfig{
		MinArea:        s.MinAreaPx,
		XBufferDivisor: s.XBufferDivisor,
	}
}

// Selector picks the largest fully-contained blob.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector returns a Selector for cfg.
func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.XBufferDivisor < 1 {
		cfg.XBufferDivisor = 1
	}
	return &Selector{cfg: cfg}
}

// Select returns the blob with the largest area above MinArea whose box is
// inside the crop, clear of the x buffers at both sides and not touching
// the top or bottom edge. Ties keep the earliest blob.
func (s *Selector) Select(blobs []Blob, cropWidth, cropHeight int) (Blob, bool) {
	xBuf := cropWidth / s.cfg.XBufferDivisor

	var best Blob
	bestArea := s.cfg.MinArea
	found := false
	for _, b := range blobs {
		if b.Area <= bestArea {
			continue
		}
		if !contained(b, xBuf, cropWidth, cropHeight) {
			continue
		}
		best, bestArea, found = b, b.Area, true
	}
	return best, found
}

func contained(b Blob, xBuf, cropWidth, cropHeight int) bool {
	return b.X > xBuf && b.X+b.Width < cropWidth-xBuf &&
		b.Y > 0 && b.Y+b.Height < cropHeight
}
