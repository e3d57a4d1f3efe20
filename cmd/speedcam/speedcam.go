package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/speed-camera/internal/api"
	"github.com/banshee-data/speed-camera/internal/camera/l1capture"
	"github.com/banshee-data/speed-camera/internal/camera/l2motion"
	"github.com/banshee-data/speed-camera/internal/camera/l2motion/framediff"
	"github.com/banshee-data/speed-camera/internal/camera/l3blobs"
	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
	"github.com/banshee-data/speed-camera/internal/camera/l5events"
	"github.com/banshee-data/speed-camera/internal/camera/l5events/snapshot"
	"github.com/banshee-data/speed-camera/internal/camera/pipeline"
	"github.com/banshee-data/speed-camera/internal/config"
	"github.com/banshee-data/speed-camera/internal/db"
	"github.com/banshee-data/speed-camera/internal/display"
	"github.com/banshee-data/speed-camera/internal/eventstream"
	"github.com/banshee-data/speed-camera/internal/monitoring"
	"github.com/banshee-data/speed-camera/internal/timeutil"
	"github.com/banshee-data/speed-camera/internal/version"
)

var (
	configFile    = flag.String("config", config.DefaultConfigPath, "Path to the JSON tuning config")
	overridesFile = flag.String("overrides", "", "Optional JSON tuning file merged over -config")
	dbFile        = flag.String("db", "speedcam.db", "Path to the SQLite database file")
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen    = flag.String("grpc-listen", "localhost:50051", "gRPC event stream address (empty disables)")
	source        = flag.String("source", "usb:0", "Video source: usb:N, rtsp://..., http(s)://... or file:path")
	displayPort   = flag.String("display-port", "", "Serial port of the speed sign (empty disables)")
	displayBaud   = flag.Int("display-baud", 9600, "Speed sign baud rate")
	devMode       = flag.Bool("dev", false, "Replay a recorded video instead of a live camera")
	verbose       = flag.Bool("verbose", false, "Log every tracker step")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// devSample is replayed in dev mode when -source is left at its default.
const devSample = "file:media/sample.mp4"

// maxStreamClients bounds concurrent gRPC subscribers.
const maxStreamClients = 8

// loadSettings reads the tuning config, merges the optional overrides
// file over it and freezes the result.
func loadSettings(configPath, overridesPath string) (config.Settings, error) {
	base, err := config.LoadTuningConfig(configPath)
	if err != nil {
		return config.Settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	if overridesPath != "" {
		overrides, err := config.LoadTuningConfig(overridesPath)
		if err != nil {
			return config.Settings{}, fmt.Errorf("failed to load overrides: %w", err)
		}
		base = config.MergeOverrides(base, overrides)
	}
	return base.Settings()
}

// sourceSpec picks the capture source for the run mode.
func sourceSpec(dev bool, spec string) string {
	if dev && spec == "usb:0" {
		return devSample
	}
	return spec
}

// emitterSinks opens every configured sink. The returned closer closes
// the ones that were opened.
func emitterSinks(s config.Settings, store *db.DB, broker *eventstream.Broker, signPath string, signBaud int) ([]l5events.NamedSink, func(), error) {
	sinks := []l5events.NamedSink{
		{Name: "db", Sink: store},
		{Name: "stream", Sink: broker},
	}
	var closers []func() error

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("failed to close sink: %v", err)
			}
		}
	}

	if s.CSVPath != "" {
		csvSink, err := l5events.OpenCSVSink(s.CSVPath)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, csvSink.Close)
		sinks = append(sinks, l5events.NamedSink{Name: "csv", Sink: csvSink})
	}

	if signPath != "" {
		port, err := display.OpenPort(signPath, display.PortOptions{BaudRate: signBaud})
		if err != nil {
			return nil, closeAll, err
		}
		sign := display.NewSign(port)
		closers = append(closers, sign.Close)
		sinks = append(sinks, l5events.NamedSink{Name: "display", Sink: sign})
	}
	return sinks, closeAll, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetVerbose(*verbose)

	if err := run(); err != nil {
		log.Fatalf("speedcam stopped: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// run wires the pipeline and its outputs and blocks until a signal, the
// end of a replay or a fatal stream error.
func run() error {
	settings, err := loadSettings(*configFile, *overridesFile)
	if err != nil {
		return err
	}
	if settings.Calibrate {
		log.Printf("calibration mode: every track is recorded and snapshots carry hash marks")
	}

	store, err := db.NewDB(*dbFile)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	srcCfg, err := l1capture.ParseSource(sourceSpec(*devMode, *source))
	if err != nil {
		return fmt.Errorf("invalid -source: %w", err)
	}
	clock := timeutil.RealClock{}
	video, err := l1capture.OpenVideoSource(srcCfg, clock)
	if err != nil {
		return fmt.Errorf("failed to open video source: %w", err)
	}
	defer video.Close()

	broker := eventstream.NewBroker()
	defer broker.Close()

	sinks, closeSinks, err := emitterSinks(settings, store, broker, *displayPort, *displayBaud)
	defer closeSinks()
	if err != nil {
		return fmt.Errorf("failed to open sinks: %w", err)
	}

	var snap l5events.Snapshotter
	if settings.ImageDir != "" {
		snap = snapshot.NewWriter(snapshot.ConfigFromSettings(settings))
	}
	emitter := l5events.NewEmitter(l5events.EmitterConfigFromSettings(settings), snap, clock, sinks...)
	// runs before the sinks close so queued events are delivered
	defer emitter.Close()

	runner := pipeline.NewRunner(
		pipeline.ConfigFromSettings(settings),
		video,
		framediff.NewDetector(l2motion.DetectorConfigFromSettings(settings)),
		l3blobs.NewSelector(l3blobs.SelectorConfigFromSettings(settings)),
		l4tracks.NewTracker(l4tracks.TrackerConfigFromSettings(settings)),
		emitter,
		clock,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if video.Live() {
		g.Go(func() error { return video.Run(gctx) })
	}

	g.Go(func() error {
		err := runner.Run(gctx)
		// a finished replay or a dead stream ends the process
		stop()
		return err
	})

	g.Go(func() error {
		mux := api.NewServer(api.Options{
			DB:       store,
			Settings: settings,
			Stats:    runner.Stats(),
			Emitter:  emitter,
			Stream:   broker,
			Clock:    clock,
		}).ServeMux()
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
		return api.Start(gctx, *listen, api.LoggingMiddleware(mux))
	})

	if *grpcListen != "" {
		g.Go(func() error {
			return eventstream.NewServer(broker, maxStreamClients).Serve(gctx, *grpcListen)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
