package main

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/speed-camera/internal/config"
	"github.com/banshee-data/speed-camera/internal/db"
	"github.com/banshee-data/speed-camera/internal/eventstream"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestFlagDefaults(t *testing.T) {
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"config", *configFile, config.DefaultConfigPath},
		{"overrides", *overridesFile, ""},
		{"db", *dbFile, "speedcam.db"},
		{"listen", *listen, ":8080"},
		{"grpc-listen", *grpcListen, "localhost:50051"},
		{"source", *source, "usb:0"},
		{"display-port", *displayPort, ""},
		{"display-baud", *displayBaud, 9600},
		{"dev", *devMode, false},
		{"verbose", *verbose, false},
		{"version", *showVersion, false},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tt.got); diff != "" {
			t.Errorf("-%s default mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestLoadSettingsDefaultsFile(t *testing.T) {
	got, err := loadSettings(filepath.Join("..", "..", config.DefaultConfigPath), "")
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	want, err := config.EmptyTuningConfig().Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults file differs from built-in defaults (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsOverrides(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.json", `{"x_left": 100, "x_right": 500, "speed_units": "mph", "camera_name": "north"}`)
	over := writeFile(t, dir, "over.json", `{"camera_name": "south", "calibrate": true, "event_timeout": "450ms"}`)

	got, err := loadSettings(base, over)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}

	want, err := config.EmptyTuningConfig().Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	want.Crop = image.Rect(100, 140, 500, 340)
	want.SpeedUnits = "mph"
	want.CameraName = "south"
	want.Calibrate = true
	want.EventTimeout = 450 * time.Millisecond

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsErrors(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.json", `{}`)
	bad := writeFile(t, dir, "bad.json", `{"x_left": 600}`)
	notJSON := writeFile(t, dir, "conf.yaml", `x_left: 1`)

	tests := []struct {
		name       string
		config     string
		overridden string
	}{
		{"missing config", filepath.Join(dir, "nope.json"), ""},
		{"wrong extension", notJSON, ""},
		{"crop inverted", bad, ""},
		{"bad overrides", good, notJSON},
		{"overrides invert crop", good, bad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadSettings(tt.config, tt.overridden); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSourceSpec(t *testing.T) {
	tests := []struct {
		dev  bool
		spec string
		want string
	}{
		{false, "usb:0", "usb:0"},
		{true, "usb:0", devSample},
		{true, "file:clips/elm.mp4", "file:clips/elm.mp4"},
		{false, "rtsp://cam/stream", "rtsp://cam/stream"},
	}
	for _, tt := range tests {
		if got := sourceSpec(tt.dev, tt.spec); got != tt.want {
			t.Errorf("sourceSpec(%v, %q) = %q, want %q", tt.dev, tt.spec, got, tt.want)
		}
	}
}

func TestEmitterSinks(t *testing.T) {
	dir := t.TempDir()
	store, err := db.NewDB(filepath.Join(dir, "sinks.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer store.Close()

	settings, err := config.EmptyTuningConfig().Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	settings.CSVPath = filepath.Join(dir, "log", "speed.csv")

	sinks, closeSinks, err := emitterSinks(settings, store, eventstream.NewBroker(), "", 0)
	if err != nil {
		t.Fatalf("emitterSinks: %v", err)
	}
	defer closeSinks()

	var names []string
	for _, s := range sinks {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"db", "stream", "csv"}, names); diff != "" {
		t.Errorf("sinks mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(settings.CSVPath); err != nil {
		t.Errorf("csv log not created: %v", err)
	}

	settings.CSVPath = ""
	_, closeNone, err := emitterSinks(settings, store, eventstream.NewBroker(), filepath.Join(dir, "no-such-tty"), 9600)
	defer closeNone()
	if err == nil {
		t.Error("expected opening a missing sign port to fail")
	}
}
