// Package framediff implements the Layer 2 motion detector with OpenCV
// frame differencing.
package framediff

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/banshee-data/speed-camera/internal/camera/l1capture"
	"github.com/banshee-data/speed-camera/internal/camera/l2motion"
)

// Detector finds motion between consecutive grayscale crops. It keeps no
// state between calls; the caller carries the previous gray image.
type Detector struct {
	cfg l2motion.DetectorConfig
}

// NewDetector returns a Detector for cfg.
func NewDetector(cfg l2motion.DetectorConfig) *Detector {
	if cfg.BlurSize < 1 {
		cfg.BlurSize = 1
	}
	return &Detector{cfg: cfg}
}

// Config returns the detector parameters.
func (d *Detector) Config() l2motion.DetectorConfig {
	return d.cfg
}

// Prime returns the grayscale crop of frame, used as the first previous
// image. The caller owns the result.
func (d *Detector) Prime(frame gocv.Mat) (gocv.Mat, error) {
	return d.grayCrop(frame)
}

// Detect crops and converts frame to gray, differences it against prevGray
// and returns the new gray crop (caller owns it) plus the external contours
// of the thresholded difference, in contour order.
//
// When prevGray is empty or a different size, no blobs are returned and
// the gray crop simply becomes the next previous image.
func (d *Detector) Detect(prevGray, frame gocv.Mat) (gocv.Mat, []l2motion.Blob, error) {
	gray, err := d.grayCrop(frame)
	if err != nil {
		return gocv.NewMat(), nil, err
	}
	if prevGray.Empty() || prevGray.Rows() != gray.Rows() || prevGray.Cols() != gray.Cols() {
		return gray, nil, nil
	}

	diff := gocv.NewMat()
	defer diff.Close()

	if err := gocv.AbsDiff(prevGray, gray, &diff); err != nil {
		return gray, nil, fmt.Errorf("absdiff: %w", err)
	}
	if err := gocv.Blur(diff, &diff, image.Pt(d.cfg.BlurSize, d.cfg.BlurSize)); err != nil {
		return gray, nil, fmt.Errorf("blur: %w", err)
	}
	gocv.Threshold(diff, &diff, d.cfg.Threshold, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(diff, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	blobs := make([]l2motion.Blob, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		rect := gocv.BoundingRect(c)
		blobs = append(blobs, l2motion.Blob{
			X:      rect.Min.X,
			Y:      rect.Min.Y,
			Width:  rect.Dx(),
			Height: rect.Dy(),
			Area:   gocv.ContourArea(c),
		})
	}
	return gray, blobs, nil
}

func (d *Detector) grayCrop(frame gocv.Mat) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: empty frame", l1capture.ErrFrameUnavailable)
	}
	if frame.Channels() != 3 {
		return gocv.NewMat(), fmt.Errorf("%w: expected 3 channels, got %d", l1capture.ErrFrameUnavailable, frame.Channels())
	}
	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	if d.cfg.Crop.Empty() || !d.cfg.Crop.In(bounds) {
		return gocv.NewMat(), fmt.Errorf("%w: crop %v outside frame %v", l1capture.ErrFrameUnavailable, d.cfg.Crop, bounds)
	}

	region := frame.Region(d.cfg.Crop)
	defer region.Close()

	gray := gocv.NewMat()
	if err := gocv.CvtColor(region, &gray, gocv.ColorBGRToGray); err != nil {
		gray.Close()
		return gocv.NewMat(), fmt.Errorf("%w: %v", l1capture.ErrFrameUnavailable, err)
	}
	return gray, nil
}
