package display

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/speed-camera/internal/camera/l5events"
)

// ErrSignClosed is returned by Emit after Close.
var ErrSignClosed = errors.New("display: sign closed")

// Sign writes one "<speed> <UNIT>\r\n" line per event.
type Sign struct {
	mu     sync.Mutex
	port   Port
	closed bool
}

// NewSign drives the sign on port. The sign owns the port.
func NewSign(port Port) *Sign {
	return &Sign{port: port}
}

// Line formats ev the way the sign expects it.
func Line(ev *l5events.DetectionEvent) string {
	return fmt.Sprintf("%.0f %s\r\n", ev.AverageSpeed, strings.ToUpper(ev.SpeedUnit))
}

// Emit implements l5events.Sink.
func (s *Sign) Emit(ctx context.Context, ev *l5events.DetectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSignClosed
	}
	if _, err := s.port.Write([]byte(Line(ev))); err != nil {
		return fmt.Errorf("failed to write to sign: %w", err)
	}
	return nil
}

// Close closes the port. It is safe to call more than once.
func (s *Sign) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

var _ l5events.Sink = (*Sign)(nil)
