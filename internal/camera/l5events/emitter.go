package l5events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/speed-camera/internal/config"
	"github.com/banshee-data/speed-camera/internal/monitoring"
	"github.com/banshee-data/speed-camera/internal/timeutil"
)

// EmitterConfig holds the emission parameters.
type EmitterConfig struct {
	MinSpeedThreshold float64       // 0 disables the filter
	Calibrate         bool          // emit every completed track
	QueueSize         int           // pending events before Submit drops
	WriteTimeout      time.Duration // per sink write
	Retries           int           // extra attempts after a failed write
	Backoff           time.Duration // first retry delay, doubled each attempt
}

// EmitterConfigFromSettings derives emitter config from Settings.
func EmitterConfigFromSettings(s config.Settings) EmitterConfig {
	return EmitterConfig{
		MinSpeedThreshold: s.MinSpeedThreshold,
		Calibrate:         s.Calibrate,
		QueueSize:         s.EmitQueueSize,
		WriteTimeout:      s.EmitTimeout,
		Retries:           s.EmitRetries,
		Backoff:           100 * time.Millisecond,
	}
}

// Frame is the image handed over with an event. The emitter owns it from
// Submit on and closes it once the snapshot has been written.
type Frame interface {
	Close() error
}

// Snapshotter stores the frame belonging to an event and returns a
// reference to it (typically a file path).
type Snapshotter interface {
	WriteSnapshot(ev *DetectionEvent, img Frame) (string, error)
}

// NamedSink labels a sink for logs and stats.
type NamedSink struct {
	Name string
	Sink Sink
}

// EmitterStats counts emitter outcomes.
type EmitterStats struct {
	Submitted   uint64 `json:"submitted"`
	Dropped     uint64 `json:"dropped"`
	Delivered   uint64 `json:"delivered"`
	SinkErrors  uint64 `json:"sink_errors"`
	SnapshotErr uint64 `json:"snapshot_errors"`
}

type job struct {
	ev  *DetectionEvent
	img Frame
}

// Emitter delivers events to sinks on its own goroutine so the processing
// loop never waits on disk or network. Submit never blocks.
type Emitter struct {
	cfg   EmitterConfig
	snap  Snapshotter
	sinks []NamedSink
	clock timeutil.Clock

	mu     sync.Mutex
	closed bool
	queue  chan job
	done   chan struct{}

	submitted   atomic.Uint64
	dropped     atomic.Uint64
	delivered   atomic.Uint64
	sinkErrors  atomic.Uint64
	snapshotErr atomic.Uint64
}

// NewEmitter returns an Emitter and starts its worker. snap may be nil.
func NewEmitter(cfg EmitterConfig, snap Snapshotter, clock timeutil.Clock, sinks ...NamedSink) *Emitter {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	e := &Emitter{
		cfg:   cfg,
		snap:  snap,
		sinks: sinks,
		clock: clock,
		queue: make(chan job, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Qualifies reports whether a completed track with this average speed
// should become an event.
func (e *Emitter) Qualifies(speed float64) bool {
	if e.cfg.Calibrate || e.cfg.MinSpeedThreshold <= 0 {
		return true
	}
	return speed > e.cfg.MinSpeedThreshold
}

// Submit queues ev for delivery. img, if non-nil, is the frame to snapshot;
// the emitter takes ownership and closes it. It returns false when the
// queue is full or the emitter is closed; the event is then dropped.
func (e *Emitter) Submit(ev *DetectionEvent, img Frame) bool {
	e.submitted.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		select {
		case e.queue <- job{ev: ev, img: img}:
			return true
		default:
		}
	}

	e.dropped.Add(1)
	monitoring.Logf("[emitter] queue full or closed, dropped event %s (%.1f %s)", ev.ID, ev.AverageSpeed, ev.SpeedUnit)
	if img != nil {
		img.Close()
	}
	return false
}

// Close stops accepting events, delivers what is queued and waits for the
// worker to finish.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}

// Stats returns a snapshot of the counters.
func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Submitted:   e.submitted.Load(),
		Dropped:     e.dropped.Load(),
		Delivered:   e.delivered.Load(),
		SinkErrors:  e.sinkErrors.Load(),
		SnapshotErr: e.snapshotErr.Load(),
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for j := range e.queue {
		e.deliver(j)
	}
}

func (e *Emitter) deliver(j job) {
	if j.img != nil {
		if e.snap != nil {
			ref, err := e.snap.WriteSnapshot(j.ev, j.img)
			if err != nil {
				e.snapshotErr.Add(1)
				monitoring.Logf("[emitter] snapshot for %s failed: %v", j.ev.ID, err)
			} else {
				j.ev.FrameReference = ref
			}
		}
		j.img.Close()
	}

	for _, s := range e.sinks {
		if err := e.write(s, j.ev); err != nil {
			e.sinkErrors.Add(1)
			monitoring.Logf("[emitter] sink %s: %v", s.Name, err)
		}
	}
	e.delivered.Add(1)
}

func (e *Emitter) write(s NamedSink, ev *DetectionEvent) error {
	var err error
	delay := e.cfg.Backoff
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			<-e.clock.After(delay)
			delay *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
		err = s.Sink.Emit(ctx, ev)
		cancel()
		if err == nil {
			return nil
		}
		monitoring.Debugf("[emitter] sink %s attempt %d/%d failed: %v", s.Name, attempt+1, e.cfg.Retries+1, err)
	}
	return fmt.Errorf("giving up on event %s after %d attempts: %w", ev.ID, e.cfg.Retries+1, err)
}
