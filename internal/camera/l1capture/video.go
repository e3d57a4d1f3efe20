package l1capture

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/speed-camera/internal/monitoring"
	"github.com/banshee-data/speed-camera/internal/timeutil"
)

// Backend identifies how frames are acquired.
type Backend string

const (
	BackendUSB  Backend = "usb"  // local V4L2/UVC device by index
	BackendRTSP Backend = "rtsp" // network stream (rtsp://, http://)
	BackendFile Backend = "file" // recorded video, replayed in stream time
)

// Live sources poll at this interval after a failed read, and reopen the
// capture after reopenAfter consecutive failures.
const (
	retryInterval = 20 * time.Millisecond
	reopenAfter   = 100
)

// SourceConfig describes a video source.
type SourceConfig struct {
	Backend Backend
	Device  int    // BackendUSB
	URL     string // BackendRTSP
	Path    string // BackendFile
	Width   int    // requested capture width, 0 keeps the driver default
	Height  int
}

// ParseSource parses a -source flag value: "usb:0", "rtsp://host/stream",
// "http://host/mjpg", "file:clip.mp4" or a bare path to a video file.
func ParseSource(spec string) (SourceConfig, error) {
	switch {
	case spec == "":
		return SourceConfig{}, fmt.Errorf("empty source")
	case strings.HasPrefix(spec, "usb:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(spec, "usb:"))
		if err != nil || idx < 0 {
			return SourceConfig{}, fmt.Errorf("invalid usb device index in %q", spec)
		}
		return SourceConfig{Backend: BackendUSB, Device: idx}, nil
	case strings.HasPrefix(spec, "rtsp://"), strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		return SourceConfig{Backend: BackendRTSP, URL: spec}, nil
	case strings.HasPrefix(spec, "file:"):
		return SourceConfig{Backend: BackendFile, Path: filepath.Clean(strings.TrimPrefix(spec, "file:"))}, nil
	}
	switch strings.ToLower(filepath.Ext(spec)) {
	case ".mp4", ".avi", ".mkv", ".mov", ".h264", ".mjpg":
		return SourceConfig{Backend: BackendFile, Path: filepath.Clean(spec)}, nil
	}
	return SourceConfig{}, fmt.Errorf("unrecognised source %q (want usb:N, rtsp://..., file:PATH)", spec)
}

// VideoSource reads frames through an OpenCV VideoCapture.
//
// Live backends decode on their own goroutine (Run) and publish into a
// LatestFrame, so Read hands the processing loop the newest frame and stale
// frames are dropped. The file backend decodes synchronously on Read and
// stamps frames with the stream position, so replays are deterministic and
// never drop frames.
type VideoSource struct {
	cfg    SourceConfig
	clock  timeutil.Clock
	latest LatestFrame

	mu      sync.Mutex
	capture *gocv.VideoCapture
	seq     uint64
	epoch   time.Time // file replay: wall time mapped to stream position 0
}

// OpenVideoSource opens the capture described by cfg.
func OpenVideoSource(cfg SourceConfig, clock timeutil.Clock) (*VideoSource, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	v := &VideoSource{cfg: cfg, clock: clock}
	if err := v.open(); err != nil {
		return nil, err
	}
	v.epoch = clock.Now()
	return v, nil
}

func (v *VideoSource) open() error {
	var target any
	switch v.cfg.Backend {
	case BackendUSB:
		target = v.cfg.Device
	case BackendRTSP:
		target = v.cfg.URL
	case BackendFile:
		target = v.cfg.Path
	default:
		return fmt.Errorf("unknown backend %q", v.cfg.Backend)
	}

	capture, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return fmt.Errorf("failed to open %s source %v: %w", v.cfg.Backend, target, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("%s source %v is not opened", v.cfg.Backend, target)
	}
	if v.cfg.Width > 0 && v.cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(v.cfg.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(v.cfg.Height))
	}

	v.mu.Lock()
	old := v.capture
	v.capture = capture
	v.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Live reports whether the source needs Run to be started.
func (v *VideoSource) Live() bool {
	return v.cfg.Backend != BackendFile
}

// Run decodes frames from a live source into the LatestFrame buffer until
// ctx is cancelled. It returns nil immediately for file sources.
func (v *VideoSource) Run(ctx context.Context) error {
	if !v.Live() {
		return nil
	}
	defer v.latest.Close()

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		f, ok := v.decode(v.clock.Now())
		if ok {
			failures = 0
			v.latest.Publish(f)
			continue
		}

		failures++
		if failures%reopenAfter == 0 && v.cfg.Backend == BackendRTSP {
			monitoring.Logf("[capture] %d consecutive read failures, reopening %s", failures, v.cfg.URL)
			if err := v.open(); err != nil {
				monitoring.Logf("[capture] reopen failed: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-v.clock.After(retryInterval):
		}
	}
}

// Read implements FrameSource.
func (v *VideoSource) Read() (*Frame, error) {
	if v.Live() {
		return v.latest.Read()
	}

	f, ok := v.decode(time.Time{})
	if !ok {
		return nil, ErrSourceClosed
	}
	return f, nil
}

// decode reads one frame. A zero at means "use the stream position".
func (v *VideoSource) decode(at time.Time) (*Frame, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.capture == nil {
		return nil, false
	}

	img := gocv.NewMat()
	if ok := v.capture.Read(&img); !ok || img.Empty() {
		img.Close()
		return nil, false
	}
	if at.IsZero() {
		posMs := v.capture.Get(gocv.VideoCapturePosMsec)
		at = v.epoch.Add(time.Duration(posMs * float64(time.Millisecond)))
	}
	v.seq++
	return &Frame{Image: img, CapturedAt: at, Seq: v.seq}, true
}

// Counts returns published/superseded counters for live sources.
func (v *VideoSource) Counts() (published, superseded uint64) {
	return v.latest.Counts()
}

// Close releases the capture and any frame still buffered.
func (v *VideoSource) Close() error {
	v.latest.Close()
	if f := v.latest.Take(); f != nil {
		f.Close()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.capture == nil {
		return nil
	}
	err := v.capture.Close()
	v.capture = nil
	return err
}
