// Package api serves the speed camera's HTTP API: stored detections,
// summaries, charts, configuration and live status.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/speed-camera/internal/camera/l5events"
	"github.com/banshee-data/speed-camera/internal/config"
	"github.com/banshee-data/speed-camera/internal/db"
	"github.com/banshee-data/speed-camera/internal/monitoring"
	"github.com/banshee-data/speed-camera/internal/timeutil"
)

// ANSI escape codes for the access log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// EmitterStatser reports emitter counters.
type EmitterStatser interface {
	Stats() l5events.EmitterStats
}

// SubscriberCounter reports live event stream subscribers.
type SubscriberCounter interface {
	Subscribers() int
}

// Options wires the server to the rest of the process. Stats, Emitter and
// Stream may be nil when that part is not running.
type Options struct {
	DB       *db.DB
	Settings config.Settings
	Stats    *monitoring.LoopStats
	Emitter  EmitterStatser
	Stream   SubscriberCounter
	Clock    timeutil.Clock
}

type Server struct {
	db       *db.DB
	settings config.Settings
	stats    *monitoring.LoopStats
	emitter  EmitterStatser
	stream   SubscriberCounter
	clock    timeutil.Clock
	started  time.Time
}

func NewServer(opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		db:       opts.DB,
		settings: opts.Settings,
		stats:    opts.Stats,
		emitter:  opts.Emitter,
		stream:   opts.Stream,
		clock:    clock,
		started:  clock.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with every /api route mounted.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/detections", s.listDetections)
	mux.HandleFunc("/api/detections/summary", s.showSummary)
	mux.HandleFunc("/api/detections/{id}", s.showDetection)
	mux.HandleFunc("/api/detections/{id}/image", s.detectionImage)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/charts/speeds", s.speedsChart)
	mux.HandleFunc("/api/report/histogram.png", s.histogramPNG)
	return mux
}

// Start serves handler on addr until ctx is cancelled, then shuts down.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}
