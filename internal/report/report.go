// Package report summarises stored detections: percentile statistics and
// a speed histogram image.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
	"github.com/banshee-data/speed-camera/internal/db"
	"github.com/banshee-data/speed-camera/internal/units"
)

var (
	// ErrNoData is returned when there is nothing to plot.
	ErrNoData = errors.New("report: no detections in range")
	// ErrBucketWidth is returned when the bucket width is not a finite
	// number or would split the speeds into more than MaxBuckets buckets.
	ErrBucketWidth = errors.New("report: unusable bucket width")
)

const (
	// DefaultBucketWidth is the histogram bucket width in display units.
	DefaultBucketWidth = 5.0
	// MaxBuckets caps the buckets in a summary or histogram.
	MaxBuckets = 1000
)

// Bucket counts speeds in [Lower, Upper).
type Bucket struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// DirectionSummary is the per-direction breakdown.
type DirectionSummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P85   float64 `json:"p85"`
}

// Summary describes a set of speeds in Unit.
type Summary struct {
	Unit        string                                  `json:"unit"`
	Since       time.Time                               `json:"since,omitzero"`
	Count       int                                     `json:"count"`
	Mean        float64                                 `json:"mean"`
	P50         float64                                 `json:"p50"`
	P85         float64                                 `json:"p85"`
	P95         float64                                 `json:"p95"`
	Max         float64                                 `json:"max"`
	ByDirection map[l4tracks.Direction]DirectionSummary `json:"by_direction"`
	Buckets     []Bucket                                `json:"buckets"`
}

// Summarise converts records from km/h into unit and computes the summary.
// bucketWidth <= 0 uses DefaultBucketWidth.
func Summarise(records []db.SpeedRecord, unit string, bucketWidth float64) (Summary, error) {
	bucketWidth, err := normaliseWidth(bucketWidth)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Unit:        unit,
		Count:       len(records),
		ByDirection: map[l4tracks.Direction]DirectionSummary{},
		Buckets:     []Bucket{},
	}
	if len(records) == 0 {
		return s, nil
	}

	all := make([]float64, 0, len(records))
	byDir := map[l4tracks.Direction][]float64{}
	for _, r := range records {
		v := units.FromKPH(r.SpeedKPH, unit)
		all = append(all, v)
		byDir[r.Direction] = append(byDir[r.Direction], v)
	}

	sort.Float64s(all)
	if err := checkBucketCount(all[0], all[len(all)-1], bucketWidth); err != nil {
		return Summary{}, err
	}
	s.Mean = stat.Mean(all, nil)
	s.P50 = stat.Quantile(0.50, stat.Empirical, all, nil)
	s.P85 = stat.Quantile(0.85, stat.Empirical, all, nil)
	s.P95 = stat.Quantile(0.95, stat.Empirical, all, nil)
	s.Max = floats.Max(all)

	for dir, speeds := range byDir {
		sort.Float64s(speeds)
		s.ByDirection[dir] = DirectionSummary{
			Count: len(speeds),
			Mean:  stat.Mean(speeds, nil),
			P85:   stat.Quantile(0.85, stat.Empirical, speeds, nil),
		}
	}

	s.Buckets = buckets(all, bucketWidth)
	return s, nil
}

func normaliseWidth(width float64) (float64, error) {
	switch {
	case math.IsNaN(width) || math.IsInf(width, 0):
		return 0, fmt.Errorf("%w: %v", ErrBucketWidth, width)
	case width <= 0:
		return DefaultBucketWidth, nil
	}
	return width, nil
}

// checkBucketCount rejects widths that would need more than MaxBuckets
// buckets to cover [lo, hi]. The count is computed in floating point so
// tiny widths cannot overflow.
func checkBucketCount(lo, hi, width float64) error {
	n := math.Floor(hi/width) - math.Floor(lo/width) + 1
	if math.IsNaN(n) || n > MaxBuckets {
		return fmt.Errorf("%w: %g splits %g..%g into more than %d buckets", ErrBucketWidth, width, lo, hi, MaxBuckets)
	}
	return nil
}

// buckets expects sorted speeds and returns contiguous buckets covering
// them, empty ones included.
func buckets(sorted []float64, width float64) []Bucket {
	firstIdx := math.Floor(sorted[0] / width)
	n := int(math.Floor(sorted[len(sorted)-1]/width)-firstIdx) + 1

	out := make([]Bucket, n)
	for i := range out {
		lo := (firstIdx + float64(i)) * width
		out[i] = Bucket{Lower: lo, Upper: lo + width}
	}
	for _, v := range sorted {
		out[int(math.Floor(v/width)-firstIdx)].Count++
	}
	return out
}

// Histogram renders a PNG histogram of speeds (converted into unit) with
// bucketWidth-wide bins.
func Histogram(records []db.SpeedRecord, unit string, bucketWidth float64, title string) ([]byte, error) {
	if len(records) == 0 {
		return nil, ErrNoData
	}
	bucketWidth, err := normaliseWidth(bucketWidth)
	if err != nil {
		return nil, err
	}

	values := make(plotter.Values, len(records))
	for i, r := range records {
		values[i] = units.FromKPH(r.SpeedKPH, unit)
	}
	lo, hi := floats.Min(values), floats.Max(values)
	if err := checkBucketCount(lo, hi, bucketWidth); err != nil {
		return nil, err
	}
	bins := int(math.Ceil((hi-lo)/bucketWidth)) + 1

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = fmt.Sprintf("Speed (%s)", units.Label(unit))
	p.Y.Label.Text = "Vehicles"

	h, err := plotter.NewHist(values, bins)
	if err != nil {
		return nil, fmt.Errorf("failed to build histogram: %w", err)
	}
	p.Add(h)

	w, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("failed to render histogram: %w", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
