package l4tracks

import (
	"sort"

	"github.com/banshee-data/speed-camera/internal/units"
)

// CalibrationPair maps a known pixel length to its real length, for one
// direction of travel.
type CalibrationPair struct {
	Pixels      float64 `json:"px"`
	Millimetres float64 `json:"mm"`
}

// SpeedPerPixelPerSecond returns the kph equivalent of 1 px/s.
func (c CalibrationPair) SpeedPerPixelPerSecond() float64 {
	return c.Millimetres / c.Pixels * units.MMPerSecToKPH
}

// Speed converts a pixel displacement over elapsedSeconds to a speed in
// unit ("kph" or "mph").
func Speed(pixelDistance, elapsedSeconds, calPixels, calMillimetres float64, unit string) float64 {
	kph := pixelDistance / elapsedSeconds * (calMillimetres / calPixels * units.MMPerSecToKPH)
	return units.FromKPH(kph, unit)
}

// Median returns the median of samples, averaging the two middle values for
// an even count. It returns 0 for no samples and does not modify samples.
func Median(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
