package monitoring

import (
	"sync/atomic"
	"time"
)

// LoopStats holds processing loop counters. The loop goroutine records into
// it; the status API reads it through Snapshot.
type LoopStats struct {
	running           atomic.Bool
	frames            atomic.Uint64
	unavailable       atomic.Uint64
	blobs             atomic.Uint64
	selected          atomic.Uint64
	completed         atomic.Uint64
	filtered          atomic.Uint64
	emitted           atomic.Uint64
	trackActive       atomic.Bool
	trackEvents       atomic.Int64
	lastFrameUnixNano atomic.Int64
	lastSpeedMilli    atomic.Int64
}

// LoopSnapshot is a point-in-time copy of LoopStats.
type LoopSnapshot struct {
	Running           bool      `json:"running"`
	Frames            uint64    `json:"frames"`
	FramesUnavailable uint64    `json:"frames_unavailable"`
	Blobs             uint64    `json:"blobs"`
	Selected          uint64    `json:"selected"`
	TracksCompleted   uint64    `json:"tracks_completed"`
	TracksFiltered    uint64    `json:"tracks_filtered"`
	EventsEmitted     uint64    `json:"events_emitted"`
	TrackActive       bool      `json:"track_active"`
	TrackEvents       int64     `json:"track_events"`
	LastFrameAt       time.Time `json:"last_frame_at,omitzero"`
	LastSpeed         float64   `json:"last_speed"`
}

func (s *LoopStats) SetRunning(on bool) { s.running.Store(on) }

func (s *LoopStats) FrameUnavailable() { s.unavailable.Add(1) }

// FrameProcessed records a usable frame captured at and the number of
// blobs found in it.
func (s *LoopStats) FrameProcessed(at time.Time, blobs int) {
	s.frames.Add(1)
	s.lastFrameUnixNano.Store(at.UnixNano())
	s.blobs.Add(uint64(blobs))
}

func (s *LoopStats) BlobSelected() { s.selected.Add(1) }

// TrackState records the tracker state after a step.
func (s *LoopStats) TrackState(active bool, events int) {
	s.trackActive.Store(active)
	s.trackEvents.Store(int64(events))
}

func (s *LoopStats) TrackCompleted() { s.completed.Add(1) }

func (s *LoopStats) TrackFiltered() { s.filtered.Add(1) }

// EventEmitted records an event accepted by the emitter.
func (s *LoopStats) EventEmitted(speed float64) {
	s.emitted.Add(1)
	s.lastSpeedMilli.Store(int64(speed * 1000))
}

// Frames returns the number of usable frames so far.
func (s *LoopStats) Frames() uint64 { return s.frames.Load() }

// Snapshot copies the counters.
func (s *LoopStats) Snapshot() LoopSnapshot {
	snap := LoopSnapshot{
		Running:           s.running.Load(),
		Frames:            s.frames.Load(),
		FramesUnavailable: s.unavailable.Load(),
		Blobs:             s.blobs.Load(),
		Selected:          s.selected.Load(),
		TracksCompleted:   s.completed.Load(),
		TracksFiltered:    s.filtered.Load(),
		EventsEmitted:     s.emitted.Load(),
		TrackActive:       s.trackActive.Load(),
		TrackEvents:       s.trackEvents.Load(),
		LastSpeed:         float64(s.lastSpeedMilli.Load()) / 1000,
	}
	if ns := s.lastFrameUnixNano.Load(); ns != 0 {
		snap.LastFrameAt = time.Unix(0, ns).UTC()
	}
	return snap
}
