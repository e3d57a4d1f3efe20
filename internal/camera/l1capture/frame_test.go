package l1capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func newTestFrame(seq uint64) *Frame {
	return &Frame{Image: gocv.NewMat(), CapturedAt: time.Unix(int64(seq), 0), Seq: seq}
}

func TestLatestFrame_TakeReturnsNewest(t *testing.T) {
	t.Parallel()

	var lf LatestFrame
	assert.Nil(t, lf.Take())

	lf.Publish(newTestFrame(1))
	lf.Publish(newTestFrame(2))
	lf.Publish(newTestFrame(3))

	f := lf.Take()
	require.NotNil(t, f)
	defer f.Close()
	assert.Equal(t, uint64(3), f.Seq)
	assert.Nil(t, lf.Take(), "a frame is handed out once")

	published, superseded := lf.Counts()
	assert.Equal(t, uint64(3), published)
	assert.Equal(t, uint64(2), superseded)
}

func TestLatestFrame_Read(t *testing.T) {
	t.Parallel()

	var lf LatestFrame
	_, err := lf.Read()
	assert.ErrorIs(t, err, ErrFrameUnavailable)

	lf.Publish(newTestFrame(7))
	lf.Close()

	f, err := lf.Read()
	require.NoError(t, err, "frames published before Close are still delivered")
	f.Close()

	_, err = lf.Read()
	assert.ErrorIs(t, err, ErrSourceClosed)
}

func TestLatestFrame_ConcurrentHandOff(t *testing.T) {
	t.Parallel()

	var lf LatestFrame
	const n = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			lf.Publish(newTestFrame(uint64(i)))
		}
		lf.Close()
	}()

	var last uint64
	taken := 0
	for {
		f, err := lf.Read()
		if errors.Is(err, ErrSourceClosed) {
			break
		}
		if err != nil {
			continue
		}
		assert.Greater(t, f.Seq, last, "sequence never goes backwards")
		last = f.Seq
		taken++
		f.Close()
	}
	wg.Wait()

	published, superseded := lf.Counts()
	assert.Equal(t, uint64(n), published)
	assert.Equal(t, uint64(n), superseded+uint64(taken))
}

func TestSliceSource(t *testing.T) {
	t.Parallel()

	src := NewSliceSource([]*Frame{newTestFrame(1), nil, newTestFrame(2)})

	f, err := src.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)
	f.Close()

	_, err = src.Read()
	assert.ErrorIs(t, err, ErrFrameUnavailable)

	f, err = src.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Seq)
	f.Close()

	_, err = src.Read()
	assert.ErrorIs(t, err, ErrSourceClosed)
}

func TestParseSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    SourceConfig
		wantErr bool
	}{
		{in: "usb:0", want: SourceConfig{Backend: BackendUSB, Device: 0}},
		{in: "usb:2", want: SourceConfig{Backend: BackendUSB, Device: 2}},
		{in: "rtsp://cam.local/stream1", want: SourceConfig{Backend: BackendRTSP, URL: "rtsp://cam.local/stream1"}},
		{in: "http://cam.local/mjpg", want: SourceConfig{Backend: BackendRTSP, URL: "http://cam.local/mjpg"}},
		{in: "file:clips/car.mp4", want: SourceConfig{Backend: BackendFile, Path: "clips/car.mp4"}},
		{in: "clips/car.AVI", want: SourceConfig{Backend: BackendFile, Path: "clips/car.AVI"}},
		{in: "usb:x", wantErr: true},
		{in: "usb:-1", wantErr: true},
		{in: "", wantErr: true},
		{in: "camera", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSource(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
