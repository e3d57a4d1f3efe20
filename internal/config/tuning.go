package config

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/banshee-data/speed-camera/internal/monitoring"
	"github.com/banshee-data/speed-camera/internal/units"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/speedcam.defaults.json"

// TuningConfig represents the root configuration for the speed camera.
// Every field is optional; the Get* methods supply defaults so a partial file
// only needs to name what differs from the canonical site setup.
type TuningConfig struct {
	// Crop rectangle in full-frame pixel coordinates
	XLeft  *int `json:"x_left,omitempty"`
	XRight *int `json:"x_right,omitempty"`
	YUpper *int `json:"y_upper,omitempty"`
	YLower *int `json:"y_lower,omitempty"`

	// Motion detection params
	MinAreaPx            *float64 `json:"min_area_px,omitempty"`
	BlurSize             *int     `json:"blur_size,omitempty"`
	ThresholdSensitivity *int     `json:"threshold_sensitivity,omitempty"`
	XBufferDivisor       *int     `json:"x_buffer_divisor,omitempty"`

	// Tracker params
	MinDiffPx    *int    `json:"min_diff_px,omitempty"`
	MaxDiffPx    *int    `json:"max_diff_px,omitempty"`
	TrackCounter *int    `json:"track_counter,omitempty"`
	EventTimeout *string `json:"event_timeout,omitempty"` // duration string like "300ms"
	TrackTimeout *string `json:"track_timeout,omitempty"` // cooldown after a completed track
	FrameTimeout *string `json:"frame_timeout,omitempty"` // stream presumed dead after this

	// Calibration pairs per direction of travel
	CalObjPxL2R *float64 `json:"cal_obj_px_l2r,omitempty"`
	CalObjMmL2R *float64 `json:"cal_obj_mm_l2r,omitempty"`
	CalObjPxR2L *float64 `json:"cal_obj_px_r2l,omitempty"`
	CalObjMmR2L *float64 `json:"cal_obj_mm_r2l,omitempty"`

	// Emission params
	MinSpeedThreshold *float64 `json:"min_speed_threshold,omitempty"`
	SpeedUnits        *string  `json:"speed_units,omitempty"`
	Calibrate         *bool    `json:"calibrate,omitempty"`
	CameraName        *string  `json:"camera_name,omitempty"`
	CameraLocation    *string  `json:"camera_location,omitempty"`
	ImageDir          *string  `json:"image_dir,omitempty"`
	ImagePrefix       *string  `json:"image_prefix,omitempty"`
	CSVPath           *string  `json:"csv_path,omitempty"`
	EmitQueueSize     *int     `json:"emit_queue_size,omitempty"`
	EmitTimeout       *string  `json:"emit_timeout,omitempty"`
	EmitRetries       *int     `json:"emit_retries,omitempty"`
}

// Settings is the immutable, fully-resolved configuration handed to the
// pipeline constructors. Build it once with TuningConfig.Settings.
type Settings struct {
	Crop image.Rectangle `json:"crop"`

	MinAreaPx      float64 `json:"min_area_px"`
	BlurSize       int     `json:"blur_size"`
	Threshold      float64 `json:"threshold_sensitivity"`
	XBufferDivisor int     `json:"x_buffer_divisor"`

	MinDiffPx           int           `json:"min_diff_px"`
	MaxDiffPx           int           `json:"max_diff_px"`
	RequiredTrackEvents int           `json:"track_counter"`
	EventTimeout        time.Duration `json:"event_timeout"`
	TrackTimeout        time.Duration `json:"track_timeout"`
	FrameTimeout        time.Duration `json:"frame_timeout"`

	CalPixelsL2R      float64 `json:"cal_obj_px_l2r"`
	CalMillimetresL2R float64 `json:"cal_obj_mm_l2r"`
	CalPixelsR2L      float64 `json:"cal_obj_px_r2l"`
	CalMillimetresR2L float64 `json:"cal_obj_mm_r2l"`

	MinSpeedThreshold float64       `json:"min_speed_threshold"`
	SpeedUnits        string        `json:"speed_units"`
	Calibrate         bool          `json:"calibrate"`
	CameraName        string        `json:"camera_name"`
	CameraLocation    string        `json:"camera_location"`
	ImageDir          string        `json:"image_dir"`
	ImagePrefix       string        `json:"image_prefix"`
	CSVPath           string        `json:"csv_path"`
	EmitQueueSize     int           `json:"emit_queue_size"`
	EmitTimeout       time.Duration `json:"emit_timeout"`
	EmitRetries       int           `json:"emit_retries"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MergeOverrides returns a new TuningConfig holding every field of base,
// replaced by the fields that are set in overrides. Neither input is modified.
// Site-specific overlays are applied this way before Settings is built.
func MergeOverrides(base, overrides *TuningConfig) *TuningConfig {
	merged := EmptyTuningConfig()
	if base != nil {
		*merged = *base
	}
	if overrides == nil {
		return merged
	}
	dst := reflect.ValueOf(merged).Elem()
	src := reflect.ValueOf(overrides).Elem()
	for i := 0; i < src.NumField(); i++ {
		if f := src.Field(i); !f.IsNil() {
			dst.Field(i).Set(f)
		}
	}
	return merged
}

// Validate checks that the values which are set are individually valid.
// Cross-field checks happen in Settings, once defaults are filled in.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*int{
		"x_left": c.XLeft, "x_right": c.XRight, "y_upper": c.YUpper, "y_lower": c.YLower,
		"min_diff_px": c.MinDiffPx, "emit_retries": c.EmitRetries,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}

	for name, v := range map[string]*int{
		"blur_size": c.BlurSize, "x_buffer_divisor": c.XBufferDivisor,
		"track_counter": c.TrackCounter, "max_diff_px": c.MaxDiffPx,
		"emit_queue_size": c.EmitQueueSize,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}

	if c.ThresholdSensitivity != nil {
		if *c.ThresholdSensitivity < 0 || *c.ThresholdSensitivity > 255 {
			return fmt.Errorf("threshold_sensitivity must be between 0 and 255, got %d", *c.ThresholdSensitivity)
		}
	}

	if c.MinAreaPx != nil && *c.MinAreaPx < 0 {
		return fmt.Errorf("min_area_px must be non-negative, got %f", *c.MinAreaPx)
	}

	for name, v := range map[string]*float64{
		"cal_obj_px_l2r": c.CalObjPxL2R, "cal_obj_mm_l2r": c.CalObjMmL2R,
		"cal_obj_px_r2l": c.CalObjPxR2L, "cal_obj_mm_r2l": c.CalObjMmR2L,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	if c.SpeedUnits != nil && !units.IsValid(*c.SpeedUnits) {
		return fmt.Errorf("speed_units must be one of %s, got %q", units.GetValidUnitsString(), *c.SpeedUnits)
	}

	for name, v := range map[string]*string{
		"event_timeout": c.EventTimeout, "track_timeout": c.TrackTimeout,
		"frame_timeout": c.FrameTimeout, "emit_timeout": c.EmitTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	return nil
}

// Settings resolves defaults, validates the combination and returns the
// immutable settings used to construct the pipeline.
func (c *TuningConfig) Settings() (Settings, error) {
	if err := c.Validate(); err != nil {
		return Settings{}, err
	}

	s := Settings{
		Crop:                image.Rect(c.GetXLeft(), c.GetYUpper(), c.GetXRight(), c.GetYLower()),
		MinAreaPx:           c.GetMinAreaPx(),
		BlurSize:            c.GetBlurSize(),
		Threshold:           float64(c.GetThresholdSensitivity()),
		XBufferDivisor:      c.GetXBufferDivisor(),
		MinDiffPx:           c.GetMinDiffPx(),
		MaxDiffPx:           c.GetMaxDiffPx(),
		RequiredTrackEvents: c.GetTrackCounter(),
		EventTimeout:        c.GetEventTimeout(),
		TrackTimeout:        c.GetTrackTimeout(),
		FrameTimeout:        c.GetFrameTimeout(),
		CalPixelsL2R:        c.GetCalObjPxL2R(),
		CalMillimetresL2R:   c.GetCalObjMmL2R(),
		CalPixelsR2L:        c.GetCalObjPxR2L(),
		CalMillimetresR2L:   c.GetCalObjMmR2L(),
		MinSpeedThreshold:   c.GetMinSpeedThreshold(),
		SpeedUnits:          c.GetSpeedUnits(),
		Calibrate:           c.GetCalibrate(),
		CameraName:          c.GetCameraName(),
		CameraLocation:      c.GetCameraLocation(),
		ImageDir:            c.GetImageDir(),
		ImagePrefix:         c.GetImagePrefix(),
		CSVPath:             c.GetCSVPath(),
		EmitQueueSize:       c.GetEmitQueueSize(),
		EmitTimeout:         c.GetEmitTimeout(),
		EmitRetries:         c.GetEmitRetries(),
	}

	// image.Rect canonicalises swapped corners, so compare the raw values.
	if c.GetXLeft() >= c.GetXRight() {
		return Settings{}, fmt.Errorf("x_left (%d) must be less than x_right (%d)", c.GetXLeft(), c.GetXRight())
	}
	if c.GetYUpper() >= c.GetYLower() {
		return Settings{}, fmt.Errorf("y_upper (%d) must be less than y_lower (%d)", c.GetYUpper(), c.GetYLower())
	}
	if s.MinDiffPx >= s.MaxDiffPx {
		return Settings{}, fmt.Errorf("min_diff_px (%d) must be less than max_diff_px (%d)", s.MinDiffPx, s.MaxDiffPx)
	}
	if s.Crop.Dx()/s.XBufferDivisor*2 >= s.Crop.Dx() {
		return Settings{}, fmt.Errorf("x_buffer_divisor %d leaves no usable crop width", s.XBufferDivisor)
	}

	return s, nil
}

// getDuration parses a duration field. Validate rejects unparseable values,
// so the logged fallback only shows when a caller skipped it.
func getDuration(key string, v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		monitoring.Logf("[config] %s: %v; using default %s", key, err, def)
		return def
	}
	return d
}

// GetXLeft returns the x_left value or the default.
func (c *TuningConfig) GetXLeft() int {
	if c.XLeft == nil {
		return 150
	}
	return *c.XLeft
}

// GetXRight returns the x_right value or the default.
func (c *TuningConfig) GetXRight() int {
	if c.XRight == nil {
		return 490
	}
	return *c.XRight
}

// GetYUpper returns the y_upper value or the default.
func (c *TuningConfig) GetYUpper() int {
	if c.YUpper == nil {
		return 140
	}
	return *c.YUpper
}

// GetYLower returns the y_lower value or the default.
func (c *TuningConfig) GetYLower() int {
	if c.YLower == nil {
		return 340
	}
	return *c.YLower
}

// GetMinAreaPx returns the min_area_px value or the default.
func (c *TuningConfig) GetMinAreaPx() float64 {
	if c.MinAreaPx == nil {
		return 100
	}
	return *c.MinAreaPx
}

// GetBlurSize returns the blur_size value or the default.
func (c *TuningConfig) GetBlurSize() int {
	if c.BlurSize == nil {
		return 10
	}
	return *c.BlurSize
}

// GetThresholdSensitivity returns the threshold_sensitivity value or the default.
func (c *TuningConfig) GetThresholdSensitivity() int {
	if c.ThresholdSensitivity == nil {
		return 20
	}
	return *c.ThresholdSensitivity
}

// GetXBufferDivisor returns the x_buffer_divisor value or the default.
func (c *TuningConfig) GetXBufferDivisor() int {
	if c.XBufferDivisor == nil {
		return 10
	}
	return *c.XBufferDivisor
}

// GetMinDiffPx returns the min_diff_px value or the default.
func (c *TuningConfig) GetMinDiffPx() int {
	if c.MinDiffPx == nil {
		return 1
	}
	return *c.MinDiffPx
}

// GetMaxDiffPx returns the max_diff_px value or the default.
func (c *TuningConfig) GetMaxDiffPx() int {
	if c.MaxDiffPx == nil {
		return 20
	}
	return *c.MaxDiffPx
}

// GetTrackCounter returns the track_counter value or the default.
func (c *TuningConfig) GetTrackCounter() int {
	if c.TrackCounter == nil {
		return 5
	}
	return *c.TrackCounter
}

// GetEventTimeout parses and returns the EventTimeout as a time.Duration.
func (c *TuningConfig) GetEventTimeout() time.Duration {
	return getDuration("event_timeout", c.EventTimeout, 300*time.Millisecond)
}

// GetTrackTimeout parses and returns the TrackTimeout as a time.Duration.
func (c *TuningConfig) GetTrackTimeout() time.Duration {
	return getDuration("track_timeout", c.TrackTimeout, 0)
}

// GetFrameTimeout parses and returns the FrameTimeout as a time.Duration.
func (c *TuningConfig) GetFrameTimeout() time.Duration {
	return getDuration("frame_timeout", c.FrameTimeout, 60*time.Second)
}

// GetCalObjPxL2R returns the cal_obj_px_l2r value or the default.
func (c *TuningConfig) GetCalObjPxL2R() float64 {
	if c.CalObjPxL2R == nil {
		return 80
	}
	return *c.CalObjPxL2R
}

// GetCalObjMmL2R returns the cal_obj_mm_l2r value or the default.
func (c *TuningConfig) GetCalObjMmL2R() float64 {
	if c.CalObjMmL2R == nil {
		return 4700
	}
	return *c.CalObjMmL2R
}

// GetCalObjPxR2L returns the cal_obj_px_r2l value or the default.
func (c *TuningConfig) GetCalObjPxR2L() float64 {
	if c.CalObjPxR2L == nil {
		return 85
	}
	return *c.CalObjPxR2L
}

// GetCalObjMmR2L returns the cal_obj_mm_r2l value or the default.
func (c *TuningConfig) GetCalObjMmR2L() float64 {
	if c.CalObjMmR2L == nil {
		return 4700
	}
	return *c.CalObjMmR2L
}

// GetMinSpeedThreshold returns the min_speed_threshold value or the default.
// Zero disables the filter.
func (c *TuningConfig) GetMinSpeedThreshold() float64 {
	if c.MinSpeedThreshold == nil {
		return 0
	}
	return *c.MinSpeedThreshold
}

// GetSpeedUnits returns the speed_units value or the default.
func (c *TuningConfig) GetSpeedUnits() string {
	if c.SpeedUnits == nil {
		return units.KPH
	}
	return *c.SpeedUnits
}

// GetCalibrate returns the calibrate value or the default.
func (c *TuningConfig) GetCalibrate() bool {
	if c.Calibrate == nil {
		return false
	}
	return *c.Calibrate
}

// GetCameraName returns the camera_name value or the default.
func (c *TuningConfig) GetCameraName() string {
	if c.CameraName == nil {
		return "speedcam"
	}
	return *c.CameraName
}

// GetCameraLocation returns the camera_location value or the default.
func (c *TuningConfig) GetCameraLocation() string {
	if c.CameraLocation == nil {
		return ""
	}
	return *c.CameraLocation
}

// GetImageDir returns the image_dir value or the default. Empty disables snapshots.
func (c *TuningConfig) GetImageDir() string {
	if c.ImageDir == nil {
		return "media/images"
	}
	return *c.ImageDir
}

// GetImagePrefix returns the image_prefix value or the default.
func (c *TuningConfig) GetImagePrefix() string {
	if c.ImagePrefix == nil {
		return "speed"
	}
	return *c.ImagePrefix
}

// GetCSVPath returns the csv_path value or the default. Empty disables the CSV log.
func (c *TuningConfig) GetCSVPath() string {
	if c.CSVPath == nil {
		return "media/speed-cam.csv"
	}
	return *c.CSVPath
}

// GetEmitQueueSize returns the emit_queue_size value or the default.
func (c *TuningConfig) GetEmitQueueSize() int {
	if c.EmitQueueSize == nil {
		return 16
	}
	return *c.EmitQueueSize
}

// GetEmitTimeout parses and returns the EmitTimeout as a time.Duration.
func (c *TuningConfig) GetEmitTimeout() time.Duration {
	return getDuration("emit_timeout", c.EmitTimeout, 5*time.Second)
}

// GetEmitRetries returns the emit_retries value or the default.
func (c *TuningConfig) GetEmitRetries() int {
	if c.EmitRetries == nil {
		return 2
	}
	return *c.EmitRetries
}
