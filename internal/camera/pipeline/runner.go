package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/speed-camera/internal/camera/l1capture"
	"github.com/banshee-data/speed-camera/internal/camera/l2motion"
	"github.com/banshee-data/speed-camera/internal/camera/l3blobs"
	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
	"github.com/banshee-data/speed-camera/internal/camera/l5events"
	"github.com/banshee-data/speed-camera/internal/config"
	"github.com/banshee-data/speed-camera/internal/monitoring"
	"github.com/banshee-data/speed-camera/internal/timeutil"
	"github.com/banshee-data/speed-camera/internal/units"
)

// ErrStreamTimeout is returned by Run when no usable frame arrived within
// the frame timeout. The stream is presumed dead.
var ErrStreamTimeout = errors.New("frame stream timed out")

// DefaultRetryInterval is the wait between reads while no frame is ready.
const DefaultRetryInterval = 10 * time.Millisecond

// MotionDetector is the L2 contract used by the loop.
type MotionDetector interface {
	Prime(frame gocv.Mat) (gocv.Mat, error)
	Detect(prevGray, frame gocv.Mat) (gocv.Mat, []l2motion.Blob, error)
}

// BlobSelector is the L3 contract used by the loop.
type BlobSelector interface {
	Select(blobs []l3blobs.Blob, cropWidth, cropHeight int) (l3blobs.Blob, bool)
}

// EventSubmitter is the L5 contract used by the loop.
type EventSubmitter interface {
	Qualifies(speed float64) bool
	Submit(ev *l5events.DetectionEvent, img l5events.Frame) bool
}

// Config holds loop parameters.
type Config struct {
	FrameTimeout  time.Duration
	RetryInterval time.Duration
	Origin        l5events.Origin
	Snapshots     bool // pass a copy of the completing frame to the emitter
}

// ConfigFromSettings derives loop config from Settings.
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		FrameTimeout:  s.FrameTimeout,
		RetryInterval: DefaultRetryInterval,
		Origin: l5events.Origin{
			CameraName:  s.CameraName,
			Location:    s.CameraLocation,
			Crop:        s.Crop,
			Calibrating: s.Calibrate,
		},
		Snapshots: s.ImageDir != "",
	}
}

// Runner is the processing loop.
type Runner struct {
	cfg      Config
	src      l1capture.FrameSource
	detector MotionDetector
	selector BlobSelector
	tracker  *l4tracks.Tracker
	emitter  EventSubmitter
	clock    timeutil.Clock

	prevGray gocv.Mat
	lastOK   time.Time
	stats    monitoring.LoopStats
}

// NewRunner wires a Runner. clock may be nil.
func NewRunner(cfg Config, src l1capture.FrameSource, detector MotionDetector, selector BlobSelector,
	tracker *l4tracks.Tracker, emitter EventSubmitter, clock timeutil.Clock) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Runner{
		cfg:      cfg,
		src:      src,
		detector: detector,
		selector: selector,
		tracker:  tracker,
		emitter:  emitter,
		clock:    clock,
		prevGray: gocv.NewMat(),
	}
}

// Stats returns the live counters. Safe to call from other goroutines.
func (r *Runner) Stats() *monitoring.LoopStats {
	return &r.stats
}

// Run processes frames until ctx is cancelled (returns nil), a finite
// source ends (returns nil) or the stream times out (ErrStreamTimeout).
// An open track is discarded on return.
func (r *Runner) Run(ctx context.Context) error {
	defer r.prevGray.Close()
	r.lastOK = r.clock.Now()
	r.stats.SetRunning(true)
	defer r.stats.SetRunning(false)

	for {
		if ctx.Err() != nil {
			return nil
		}

		f, err := r.src.Read()
		switch {
		case err == nil:
			if r.step(f) {
				continue
			}
		case errors.Is(err, l1capture.ErrSourceClosed):
			monitoring.Logf("[pipeline] frame source closed after %d frames", r.stats.Frames())
			return nil
		case !errors.Is(err, l1capture.ErrFrameUnavailable):
			monitoring.Debugf("[pipeline] frame read error: %v", err)
		}

		r.stats.FrameUnavailable()
		if err := r.checkStream(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(r.cfg.RetryInterval):
		}
	}
}

func (r *Runner) checkStream() error {
	if since := r.clock.Since(r.lastOK); since > r.cfg.FrameTimeout {
		return fmt.Errorf("%w: no usable frame for %s", ErrStreamTimeout, since.Round(time.Millisecond))
	}
	return nil
}

// step runs one detect/select/update/emit cycle and releases f. It
// reports false when the frame could not be used.
func (r *Runner) step(f *l1capture.Frame) bool {
	defer f.Close()

	var (
		gray  gocv.Mat
		blobs []l2motion.Blob
		err   error
	)
	if r.prevGray.Empty() {
		gray, err = r.detector.Prime(f.Image)
	} else {
		gray, blobs, err = r.detector.Detect(r.prevGray, f.Image)
	}
	if err != nil {
		gray.Close()
		monitoring.Debugf("[pipeline] frame %d unusable: %v", f.Seq, err)
		return false
	}
	r.prevGray.Close()
	r.prevGray = gray
	r.lastOK = r.clock.Now()
	r.stats.FrameProcessed(f.CapturedAt, len(blobs))

	crop := r.cfg.Origin.Crop
	var selected *l3blobs.Blob
	if b, ok := r.selector.Select(blobs, crop.Dx(), crop.Dy()); ok {
		selected = &b
		r.stats.BlobSelected()
	}

	done := r.tracker.Update(selected, f.CapturedAt)
	tr := r.tracker.Track()
	r.stats.TrackState(tr.Status == l4tracks.StatusActive, tr.EventCount)
	if done == nil {
		return true
	}

	r.stats.TrackCompleted()
	if !r.emitter.Qualifies(done.AverageSpeed) {
		r.stats.TrackFiltered()
		monitoring.Debugf("[pipeline] %.1f %s %s below threshold, not emitted", done.AverageSpeed, done.Unit, done.Direction)
		return true
	}

	ev := l5events.NewDetectionEvent(done, r.cfg.Origin)
	var img l5events.Frame
	if r.cfg.Snapshots {
		c := f.Image.Clone()
		img = &c
	}
	if r.emitter.Submit(ev, img) {
		r.stats.EventEmitted(done.AverageSpeed)
	}
	monitoring.Logf("[pipeline] %s %.1f %s %s samples=%d duration=%s",
		ev.ID, ev.AverageSpeed, units.Label(ev.SpeedUnit), ev.Direction, ev.SampleCount, ev.TrackDuration.Round(time.Millisecond))
	return true
}
