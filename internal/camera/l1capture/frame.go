package l1capture

import (
	"errors"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

var (
	// ErrFrameUnavailable means no new frame is ready yet. Callers retry.
	ErrFrameUnavailable = errors.New("frame unavailable")
	// ErrSourceClosed means a finite source (file replay) has no more frames.
	ErrSourceClosed = errors.New("frame source closed")
)

// Frame is one decoded colour image plus its capture time. Whoever holds a
// Frame owns its native memory and must Close it.
type Frame struct {
	Image      gocv.Mat
	CapturedAt time.Time
	Seq        uint64
}

// Close releases the underlying image.
func (f *Frame) Close() error {
	if f == nil {
		return nil
	}
	return f.Image.Close()
}

// FrameSource yields frames to the processing loop. Read never blocks for
// long: it returns ErrFrameUnavailable when nothing new is ready.
type FrameSource interface {
	Read() (*Frame, error)
}

// LatestFrame is a depth-1 hand-off between one capture goroutine and one
// processing goroutine. Publishing replaces (and closes) any frame the
// reader has not taken, so the reader always sees the newest image.
type LatestFrame struct {
	slot       atomic.Pointer[Frame]
	closed     atomic.Bool
	published  atomic.Uint64
	superseded atomic.Uint64
}

// Publish stores f as the newest frame. A previous untaken frame is closed.
func (l *LatestFrame) Publish(f *Frame) {
	l.published.Add(1)
	if old := l.slot.Swap(f); old != nil {
		old.Close()
		l.superseded.Add(1)
	}
}

// Take removes and returns the newest frame, or nil when none is waiting.
// The caller owns the returned frame.
func (l *LatestFrame) Take() *Frame {
	return l.slot.Swap(nil)
}

// Read implements FrameSource.
func (l *LatestFrame) Read() (*Frame, error) {
	if f := l.Take(); f != nil {
		return f, nil
	}
	if l.closed.Load() {
		return nil, ErrSourceClosed
	}
	return nil, ErrFrameUnavailable
}

// Close marks the producer as finished. Frames already published can still
// be taken; afterwards Read reports ErrSourceClosed.
func (l *LatestFrame) Close() {
	l.closed.Store(true)
}

// Counts returns how many frames were published and how many were replaced
// before the reader took them.
func (l *LatestFrame) Counts() (published, superseded uint64) {
	return l.published.Load(), l.superseded.Load()
}

// SliceSource replays a fixed list of frames in order, then reports
// ErrSourceClosed. Used for replay tooling and tests.
type SliceSource struct {
	frames []*Frame
	next   int
}

// NewSliceSource returns a SliceSource over frames.
func NewSliceSource(frames []*Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Read implements FrameSource.
func (s *SliceSource) Read() (*Frame, error) {
	if s.next >= len(s.frames) {
		return nil, ErrSourceClosed
	}
	f := s.frames[s.next]
	s.frames[s.next] = nil
	s.next++
	if f == nil {
		return nil, ErrFrameUnavailable
	}
	return f, nil
}
