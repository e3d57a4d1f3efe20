package l4tracks

import (
	"time"

	"github.com/banshee-data/speed-camera/internal/camera/l3blobs"
	"github.com/banshee-data/speed-camera/internal/config"
	"github.com/banshee-data/speed-camera/internal/monitoring"
)

// Status is the lifecycle state of the tracker.
type Status string

const (
	StatusIdle   Status = "idle"   // no object being followed
	StatusActive Status = "active" // seeded, collecting speed samples
)

// Direction is the direction of travel across the crop.
type Direction string

const (
	DirectionUnknown Direction = "unknown"
	DirectionL2R     Direction = "L2R"
	DirectionR2L     Direction = "R2L"
)

// TrackerConfig holds the track acceptance parameters.
type TrackerConfig struct {
	MinDiffPx      int           // steps smaller than this are noise
	MaxDiffPx      int           // steps larger than this are jumps
	RequiredEvents int           // qualifying steps needed to complete
	EventTimeout   time.Duration // idle time after which an open track is dropped
	TrackTimeout   time.Duration // cooldown after a completed track
	L2R            CalibrationPair
	R2L            CalibrationPair
	Unit           string
}

// TrackerConfigFromSettings derives tracker config from Settings.
func TrackerConfigFromSettings(s config.Settings) TrackerConfig {
	return TrackerConfig{
		MinDiffPx:      s.MinDiffPx,
		MaxDiffPx:      s.MaxDiffPx,
		RequiredEvents: s.RequiredTrackEvents,
		EventTimeout:   s.EventTimeout,
		TrackTimeout:   s.TrackTimeout,
		L2R:            CalibrationPair{Pixels: s.CalPixelsL2R, Millimetres: s.CalMillimetresL2R},
		R2L:            CalibrationPair{Pixels: s.CalPixelsR2L, Millimetres: s.CalMillimetresR2L},
		Unit:           s.SpeedUnits,
	}
}

// Calibration returns the pair for direction d.
func (c TrackerConfig) Calibration(d Direction) CalibrationPair {
	if d == DirectionR2L {
		return c.R2L
	}
	return c.L2R
}

// Track is the state of the one object being followed.
type Track struct {
	Status            Status
	StartX            int
	PreviousX         int
	CurrentX          int
	StartTime         time.Time
	PreviousEventTime time.Time
	LastMotionTime    time.Time
	EventCount        int
	SpeedSamples      []float64
	AverageSpeed      float64
	Direction         Direction
	Calibration       CalibrationPair // pair used on the last accepted step
	LastBlob          l3blobs.Blob
}

// Completed describes a track that reached the required number of steps.
type Completed struct {
	AverageSpeed float64
	Unit         string
	Direction    Direction
	Calibration  CalibrationPair
	StartX       int
	EndX         int
	StartTime    time.Time
	EndTime      time.Time
	SampleCount  int
	Samples      []float64
	Blob         l3blobs.Blob // blob of the completing step
}

// Duration is the time between the seed and the completing step.
func (c *Completed) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}

// Tracker follows at most one object at a time.
type Tracker struct {
	cfg           TrackerConfig
	track         Track
	cooldownUntil time.Time
}

// NewTracker returns an idle Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	t := &Tracker{cfg: cfg}
	t.Reset()
	return t
}

// Config returns the tracker parameters.
func (t *Tracker) Config() TrackerConfig {
	return t.cfg
}

// Track returns a copy of the current track state.
func (t *Tracker) Track() Track {
	tr := t.track
	tr.SpeedSamples = append([]float64(nil), t.track.SpeedSamples...)
	return tr
}

// Reset drops any open track.
func (t *Tracker) Reset() {
	t.track = Track{Status: StatusIdle, Direction: DirectionUnknown}
}

// Update advances the state machine with this cycle's selected blob (nil
// when nothing qualified) observed at now. It returns a non-nil Completed
// exactly once per finished track.
func (t *Tracker) Update(blob *l3blobs.Blob, now time.Time) *Completed {
	if blob == nil {
		t.checkTimeout(now)
		return nil
	}

	if t.track.Status == StatusIdle {
		if now.Before(t.cooldownUntil) {
			return nil
		}
		t.seed(*blob, now)
		return nil
	}

	tr := &t.track
	displacement := blob.X - tr.CurrentX
	distance := abs(displacement)

	switch {
	case distance < t.cfg.MinDiffPx:
		tr.LastMotionTime = now
		monitoring.Debugf("Noise - %d/%d xy(%d,%d) dist %d is too small to register",
			tr.EventCount, t.cfg.RequiredEvents, blob.X, blob.Y, distance)
		return nil

	case distance > t.cfg.MaxDiffPx:
		if tr.EventCount > t.cfg.RequiredEvents/2 {
			monitoring.Debugf("Out of range - %d/%d xy(%d,%d) dist %d > %d, holding track",
				tr.EventCount, t.cfg.RequiredEvents, blob.X, blob.Y, distance, t.cfg.MaxDiffPx)
			t.checkTimeout(now)
			return nil
		}
		monitoring.Debugf("Out of range - %d/%d xy(%d,%d) dist %d > %d, restarting track",
			tr.EventCount, t.cfg.RequiredEvents, blob.X, blob.Y, distance, t.cfg.MaxDiffPx)
		t.Reset()
		t.seed(*blob, now)
		return nil
	}

	elapsed := now.Sub(tr.PreviousEventTime)
	if elapsed <= 0 {
		tr.LastMotionTime = now
		monitoring.Debugf("Skip - %d/%d xy(%d,%d) non-positive elapsed %s",
			tr.EventCount, t.cfg.RequiredEvents, blob.X, blob.Y, elapsed)
		return nil
	}

	tr.Direction = DirectionL2R
	if displacement < 0 {
		tr.Direction = DirectionR2L
	}
	tr.Calibration = t.cfg.Calibration(tr.Direction)

	speed := Speed(float64(distance), elapsed.Seconds(), tr.Calibration.Pixels, tr.Calibration.Millimetres, t.cfg.Unit)
	tr.SpeedSamples = append(tr.SpeedSamples, speed)
	tr.AverageSpeed = Median(tr.SpeedSamples)
	tr.PreviousX = tr.CurrentX
	tr.CurrentX = blob.X
	tr.PreviousEventTime = now
	tr.LastMotionTime = now
	tr.LastBlob = *blob
	tr.EventCount++

	monitoring.Debugf(" Add - %d/%d xy(%d,%d) %.2f %s %s D=%d/%d C=%d",
		tr.EventCount, t.cfg.RequiredEvents, blob.X, blob.Y, speed, t.cfg.Unit,
		tr.Direction, distance, t.cfg.MaxDiffPx, int(blob.Area))

	if tr.EventCount < t.cfg.RequiredEvents {
		return nil
	}

	done := &Completed{
		AverageSpeed: tr.AverageSpeed,
		Unit:         t.cfg.Unit,
		Direction:    tr.Direction,
		Calibration:  tr.Calibration,
		StartX:       tr.StartX,
		EndX:         tr.CurrentX,
		StartTime:    tr.StartTime,
		EndTime:      now,
		SampleCount:  len(tr.SpeedSamples),
		Samples:      append([]float64(nil), tr.SpeedSamples...),
		Blob:         *blob,
	}
	t.Reset()
	t.cooldownUntil = now.Add(t.cfg.TrackTimeout)
	return done
}

func (t *Tracker) seed(b l3blobs.Blob, now time.Time) {
	t.track = Track{
		Status:            StatusActive,
		StartX:            b.X,
		PreviousX:         b.X,
		CurrentX:          b.X,
		StartTime:         now,
		PreviousEventTime: now,
		LastMotionTime:    now,
		Direction:         DirectionUnknown,
		LastBlob:          b,
	}
	monitoring.Debugf("New  - 0/%d xy(%d,%d) Start New Track", t.cfg.RequiredEvents, b.X, b.Y)
}

func (t *Tracker) checkTimeout(now time.Time) {
	if t.track.Status != StatusActive {
		return
	}
	if idle := now.Sub(t.track.LastMotionTime); idle > t.cfg.EventTimeout {
		monitoring.Debugf("Timeout - %d/%d no motion for %s, track dropped",
			t.track.EventCount, t.cfg.RequiredEvents, idle)
		t.Reset()
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
