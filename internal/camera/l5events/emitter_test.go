package l5events

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/speed-camera/internal/camera/l3blobs"
	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
	"github.com/banshee-data/speed-camera/internal/timeutil"
)

// recordingSink records events; failures makes the first N calls fail.
type recordingSink struct {
	mu       sync.Mutex
	events   []*DetectionEvent
	calls    int
	failures int
}

func (s *recordingSink) Emit(ctx context.Context, ev *DetectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() ([]*DetectionEvent, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*DetectionEvent(nil), s.events...), s.calls
}

type fakeSnapshotter struct {
	ref string
	err error
}

func (f fakeSnapshotter) WriteSnapshot(ev *DetectionEvent, img Frame) (string, error) {
	return f.ref, f.err
}

type fakeFrame struct{ closed atomic.Bool }

func (f *fakeFrame) Close() error {
	f.closed.Store(true)
	return nil
}

func testEvent(speed float64) *DetectionEvent {
	return &DetectionEvent{ID: "ev", AverageSpeed: speed, SpeedUnit: "kph", Timestamp: time.Unix(1700000000, 0)}
}

func TestEmitter_Qualifies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		threshold float64
		calibrate bool
		speed     float64
		want      bool
	}{
		{"filter disabled", 0, false, 1, true},
		{"negative threshold disables", -5, false, 1, true},
		{"above threshold", 30, false, 30.1, true},
		{"equal is not above", 30, false, 30, false},
		{"below threshold", 30, false, 12, false},
		{"calibration emits everything", 30, true, 12, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEmitter(EmitterConfig{MinSpeedThreshold: tt.threshold, Calibrate: tt.calibrate}, nil, nil)
			defer e.Close()
			assert.Equal(t, tt.want, e.Qualifies(tt.speed))
		})
	}
}

func TestEmitter_DeliversToEverySink(t *testing.T) {
	t.Parallel()

	a, b := &recordingSink{}, &recordingSink{}
	e := NewEmitter(EmitterConfig{QueueSize: 4}, nil, timeutil.NewMockClock(time.Now()),
		NamedSink{Name: "a", Sink: a}, NamedSink{Name: "b", Sink: b})

	for i := 0; i < 3; i++ {
		require.True(t, e.Submit(testEvent(float64(10+i)), nil))
	}
	e.Close()

	for _, s := range []*recordingSink{a, b} {
		events, _ := s.snapshot()
		require.Len(t, events, 3)
		assert.Equal(t, 10.0, events[0].AverageSpeed)
		assert.Equal(t, 12.0, events[2].AverageSpeed)
	}
	assert.Equal(t, EmitterStats{Submitted: 3, Delivered: 3}, e.Stats())
}

func TestEmitter_RetriesWithBackoff(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Now())
	sink := &recordingSink{failures: 2}
	e := NewEmitter(EmitterConfig{Retries: 2, Backoff: 100 * time.Millisecond}, nil, clock,
		NamedSink{Name: "flaky", Sink: sink})

	e.Submit(testEvent(20), nil)
	e.Close()

	events, calls := sink.snapshot()
	assert.Len(t, events, 1)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clock.Waits())
	assert.Equal(t, uint64(0), e.Stats().SinkErrors)
}

func TestEmitter_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{failures: 10}
	good := &recordingSink{}
	e := NewEmitter(EmitterConfig{Retries: 1}, nil, timeutil.NewMockClock(time.Now()),
		NamedSink{Name: "down", Sink: sink}, NamedSink{Name: "up", Sink: good})

	e.Submit(testEvent(20), nil)
	e.Close()

	_, calls := sink.snapshot()
	assert.Equal(t, 2, calls)
	events, _ := good.snapshot()
	assert.Len(t, events, 1, "one failing sink does not block the others")
	assert.Equal(t, uint64(1), e.Stats().SinkErrors)
}

func TestEmitter_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := SinkFunc(func(ctx context.Context, ev *DetectionEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	e := NewEmitter(EmitterConfig{QueueSize: 1, WriteTimeout: time.Minute}, nil, nil,
		NamedSink{Name: "slow", Sink: blocking})

	require.True(t, e.Submit(testEvent(1), nil))
	<-started // worker is busy with the first event
	require.True(t, e.Submit(testEvent(2), nil))

	img := &fakeFrame{}
	assert.False(t, e.Submit(testEvent(3), img), "submit never blocks")
	assert.True(t, img.closed.Load(), "dropped frame is released")

	close(release)
	e.Close()

	stats := e.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(2), stats.Delivered)
}

func TestEmitter_SubmitAfterClose(t *testing.T) {
	t.Parallel()

	e := NewEmitter(EmitterConfig{}, nil, nil)
	e.Close()
	e.Close()
	assert.False(t, e.Submit(testEvent(1), nil))
}

func TestEmitter_SnapshotBeforeSinks(t *testing.T) {
	t.Parallel()

	t.Run("reference recorded", func(t *testing.T) {
		sink := &recordingSink{}
		e := NewEmitter(EmitterConfig{}, fakeSnapshotter{ref: "media/x.jpg"}, nil, NamedSink{Name: "s", Sink: sink})
		img := &fakeFrame{}
		e.Submit(testEvent(1), img)
		e.Close()

		events, _ := sink.snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, "media/x.jpg", events[0].FrameReference)
		assert.True(t, img.closed.Load())
	})

	t.Run("snapshot failure still delivers", func(t *testing.T) {
		sink := &recordingSink{}
		e := NewEmitter(EmitterConfig{}, fakeSnapshotter{err: errors.New("disk full")}, nil, NamedSink{Name: "s", Sink: sink})
		img := &fakeFrame{}
		e.Submit(testEvent(1), img)
		e.Close()

		events, _ := sink.snapshot()
		require.Len(t, events, 1)
		assert.Empty(t, events[0].FrameReference)
		assert.Equal(t, uint64(1), e.Stats().SnapshotErr)
	})
}

func TestNewDetectionEvent(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	c := &l4tracks.Completed{
		AverageSpeed: 42.5,
		Unit:         "kph",
		Direction:    l4tracks.DirectionR2L,
		Calibration:  l4tracks.CalibrationPair{Pixels: 85, Millimetres: 4700},
		StartX:       200,
		EndX:         120,
		StartTime:    start,
		EndTime:      start.Add(400 * time.Millisecond),
		SampleCount:  5,
		Blob:         l3blobs.Blob{X: 120, Y: 40, Width: 60, Height: 30, Area: 1500},
	}
	o := Origin{CameraName: "north", Location: "Elm St", Crop: image.Rect(150, 140, 490, 340)}

	ev := NewDetectionEvent(c, o)

	assert.Len(t, ev.ID, 36)
	assert.NotEqual(t, ev.ID, NewDetectionEvent(c, o).ID)
	assert.Equal(t, c.EndTime, ev.Timestamp)
	assert.Equal(t, Box{X: 270, Y: 180, Width: 60, Height: 30}, ev.BoundingBox)
	assert.Equal(t, Box{X: 150, Y: 140, Width: 340, Height: 200}, ev.Crop)
	assert.Equal(t, 400*time.Millisecond, ev.TrackDuration)
	assert.Equal(t, l4tracks.DirectionR2L, ev.Direction)
	assert.Equal(t, 1500.0, ev.ContourArea)
	assert.Equal(t, "north", ev.CameraName)
	assert.False(t, ev.Calibrating)
}
