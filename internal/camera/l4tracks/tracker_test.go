package l4tracks

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/speed-camera/internal/camera/l3blobs"
	"github.com/banshee-data/speed-camera/internal/config"
	"github.com/banshee-data/speed-camera/internal/units"
)

const tolerance = 1e-9

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(math.Round(sec*1000)) * time.Millisecond)
}

func blobAt(x int) *l3blobs.Blob {
	return &l3blobs.Blob{X: x, Y: 50, Width: 40, Height: 30, Area: 1000}
}

func testConfig() TrackerConfig {
	return TrackerConfig{
		MinDiffPx:      1,
		MaxDiffPx:      50,
		RequiredEvents: 3,
		EventTimeout:   300 * time.Millisecond,
		TrackTimeout:   0,
		L2R:            CalibrationPair{Pixels: 100, Millimetres: 4700},
		R2L:            CalibrationPair{Pixels: 100, Millimetres: 4700},
		Unit:           units.KPH,
	}
}

type step struct {
	x   *int
	sec float64
}

func x(v int) *int { return &v }

// run feeds steps to tr and returns every completed track.
func run(tr *Tracker, steps []step) []*Completed {
	var out []*Completed
	for _, s := range steps {
		var b *l3blobs.Blob
		if s.x != nil {
			b = blobAt(*s.x)
		}
		if c := tr.Update(b, at(s.sec)); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func TestTracker_ConstantSpeedScenario(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testConfig())
	done := run(tr, []step{
		{x(100), 0.0},
		{x(110), 0.1},
		{x(120), 0.2},
		{x(130), 0.3},
	})

	require.Len(t, done, 1)
	c := done[0]
	assert.InDelta(t, 16.92, c.AverageSpeed, 1e-6)
	for _, s := range c.Samples {
		assert.InDelta(t, 16.92, s, 1e-6)
	}
	assert.Equal(t, 3, c.SampleCount)
	assert.Equal(t, DirectionL2R, c.Direction)
	assert.Equal(t, 100, c.StartX)
	assert.Equal(t, 130, c.EndX)
	assert.Equal(t, 300*time.Millisecond, c.Duration())
	assert.Equal(t, units.KPH, c.Unit)

	assert.Equal(t, StatusIdle, tr.Track().Status, "tracker resets after completion")
}

func TestTracker_UnitScalingInvariance(t *testing.T) {
	t.Parallel()

	steps := []step{{x(40), 0}, {x(52), 0.07}, {x(61), 0.15}, {x(75), 0.21}}

	kph := run(NewTracker(testConfig()), steps)
	cfg := testConfig()
	cfg.Unit = units.MPH
	mph := run(NewTracker(cfg), steps)

	require.Len(t, kph, 1)
	require.Len(t, mph, 1)
	assert.InDelta(t, kph[0].AverageSpeed*units.KPHToMPH, mph[0].AverageSpeed, tolerance)
	require.Len(t, mph[0].Samples, len(kph[0].Samples))
	for i := range kph[0].Samples {
		assert.InDelta(t, kph[0].Samples[i]*units.KPHToMPH, mph[0].Samples[i], tolerance)
	}
}

func TestTracker_TimeoutEmitsNothing(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testConfig())
	done := run(tr, []step{
		{x(100), 0.0},
		{x(110), 0.1},
		{x(120), 0.2},
		{nil, 0.4},
		{nil, 0.55}, // 0.35s since last motion
	})
	assert.Empty(t, done)
	assert.Equal(t, StatusIdle, tr.Track().Status)

	// the next blob seeds a fresh track rather than completing the old one
	assert.Nil(t, tr.Update(blobAt(130), at(0.6)))
	got := tr.Track()
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 0, got.EventCount)
	assert.Equal(t, 130, got.StartX)
}

func TestTracker_NoBlobWithinTimeoutKeepsTrack(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testConfig())
	done := run(tr, []step{
		{x(100), 0.0},
		{x(110), 0.1},
		{nil, 0.2},
		{nil, 0.39},
		{x(120), 0.4},
		{x(130), 0.5},
	})
	require.Len(t, done, 1)
	assert.InDelta(t, 16.92, done[0].Samples[0], 1e-6)
	assert.InDelta(t, 10/0.3*0.1692, done[0].Samples[1], 1e-6)
}

func TestTracker_NoiseRefreshesMotionWithoutCounting(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testConfig())
	run(tr, []step{
		{x(100), 0.0},
		{x(110), 0.1},
		{x(110), 0.35}, // displacement 0
		{x(110), 0.6},
		{nil, 0.85}, // 0.25s since the last noise step
	})

	got := tr.Track()
	assert.Equal(t, StatusActive, got.Status, "noise must keep the track alive")
	assert.Equal(t, 1, got.EventCount)
	assert.Len(t, got.SpeedSamples, 1)
	assert.Equal(t, 110, got.CurrentX)
	assert.Equal(t, at(0.6), got.LastMotionTime)
	assert.Equal(t, at(0.1), got.PreviousEventTime)
}

func TestTracker_DirectionFlipUsesLastStepCalibration(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.R2L = CalibrationPair{Pixels: 50, Millimetres: 4700}
	tr := NewTracker(cfg)

	done := run(tr, []step{
		{x(100), 0.0},
		{x(110), 0.1}, // L2R
		{x(120), 0.2}, // L2R
		{x(110), 0.3}, // R2L
	})

	require.Len(t, done, 1)
	c := done[0]
	assert.Equal(t, DirectionR2L, c.Direction)
	assert.Equal(t, cfg.R2L, c.Calibration)
	require.Len(t, c.Samples, 3)
	assert.InDelta(t, 16.92, c.Samples[0], 1e-6)
	assert.InDelta(t, 16.92, c.Samples[1], 1e-6)
	assert.InDelta(t, 33.84, c.Samples[2], 1e-6)
	assert.InDelta(t, Median(c.Samples), c.AverageSpeed, tolerance)
}

func TestTracker_DirectionTracksEveryStep(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testConfig())
	tr.Update(blobAt(100), at(0))
	assert.Equal(t, DirectionUnknown, tr.Track().Direction, "seed has no direction")

	tr.Update(blobAt(90), at(0.1))
	assert.Equal(t, DirectionR2L, tr.Track().Direction)

	tr.Update(blobAt(95), at(0.2))
	assert.Equal(t, DirectionL2R, tr.Track().Direction)
}

func TestTracker_Discontinuity(t *testing.T) {
	t.Parallel()

	t.Run("early jump restarts and reseeds", func(t *testing.T) {
		tr := NewTracker(testConfig())
		run(tr, []step{{x(100), 0}, {x(110), 0.1}, {x(200), 0.2}})

		got := tr.Track()
		assert.Equal(t, StatusActive, got.Status)
		assert.Equal(t, 0, got.EventCount)
		assert.Equal(t, 200, got.StartX)
		assert.Equal(t, at(0.2), got.StartTime)
		assert.Empty(t, got.SpeedSamples)
	})

	t.Run("late jump holds track", func(t *testing.T) {
		cfg := testConfig()
		cfg.RequiredEvents = 5
		tr := NewTracker(cfg)
		run(tr, []step{{x(100), 0}, {x(110), 0.1}, {x(120), 0.2}, {x(130), 0.3}, {x(300), 0.4}})

		got := tr.Track()
		assert.Equal(t, StatusActive, got.Status)
		assert.Equal(t, 3, got.EventCount)
		assert.Equal(t, 130, got.CurrentX, "position is not updated by a held jump")
		assert.Equal(t, at(0.3), got.LastMotionTime)

		// the object reappears where expected and the track completes
		done := run(tr, []step{{x(140), 0.5}, {x(150), 0.6}})
		require.Len(t, done, 1)
		assert.Equal(t, 5, done[0].SampleCount)
	})

	t.Run("held jumps cannot outlive the event timeout", func(t *testing.T) {
		cfg := testConfig()
		cfg.RequiredEvents = 5
		tr := NewTracker(cfg)
		run(tr, []step{{x(100), 0}, {x(110), 0.1}, {x(120), 0.2}, {x(130), 0.3}})
		run(tr, []step{{x(300), 0.4}, {x(300), 0.5}, {x(300), 0.65}})
		assert.Equal(t, StatusIdle, tr.Track().Status)
	})
}

func TestTracker_NonPositiveElapsedDiscardsSample(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testConfig())
	run(tr, []step{{x(100), 0}, {x(110), 0.1}, {x(120), 0.1}})

	got := tr.Track()
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, got.EventCount)
	assert.Len(t, got.SpeedSamples, 1)
	assert.Equal(t, 110, got.CurrentX)

	// clock going backwards is handled the same way
	tr.Update(blobAt(120), at(0.05))
	assert.Equal(t, 1, tr.Track().EventCount)
}

func TestTracker_CooldownIgnoresBlobs(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.TrackTimeout = time.Second
	tr := NewTracker(cfg)

	done := run(tr, []step{{x(100), 0}, {x(110), 0.1}, {x(120), 0.2}, {x(130), 0.3}})
	require.Len(t, done, 1)

	tr.Update(blobAt(140), at(0.5))
	assert.Equal(t, StatusIdle, tr.Track().Status, "blob during cooldown is ignored")

	tr.Update(blobAt(140), at(1.3))
	assert.Equal(t, StatusActive, tr.Track().Status)
}

func TestTracker_IdleNoBlob(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testConfig())
	assert.Nil(t, tr.Update(nil, at(10)))
	assert.Equal(t, StatusIdle, tr.Track().Status)
}

func TestTracker_TrackReturnsCopy(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testConfig())
	run(tr, []step{{x(100), 0}, {x(110), 0.1}})

	snap := tr.Track()
	snap.SpeedSamples[0] = -1
	assert.InDelta(t, 16.92, tr.Track().SpeedSamples[0], 1e-6)
}

func TestTracker_StateInvariants(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testConfig())
	for i, s := range []step{{x(10), 0}, {x(22), 0.08}, {x(22), 0.1}, {x(31), 0.19}} {
		tr.Update(blobAt(*s.x), at(s.sec))
		got := tr.Track()
		assert.Len(t, got.SpeedSamples, got.EventCount, "step %d", i)
		assert.False(t, got.PreviousEventTime.Before(got.StartTime), "step %d", i)
	}
}

func TestTrackerConfigFromSettings(t *testing.T) {
	t.Parallel()

	s, err := config.EmptyTuningConfig().Settings()
	require.NoError(t, err)

	cfg := TrackerConfigFromSettings(s)
	assert.Equal(t, 1, cfg.MinDiffPx)
	assert.Equal(t, 20, cfg.MaxDiffPx)
	assert.Equal(t, 5, cfg.RequiredEvents)
	assert.Equal(t, CalibrationPair{Pixels: 80, Millimetres: 4700}, cfg.Calibration(DirectionL2R))
	assert.Equal(t, CalibrationPair{Pixels: 85, Millimetres: 4700}, cfg.Calibration(DirectionR2L))
	assert.Equal(t, "kph", cfg.Unit)
}
