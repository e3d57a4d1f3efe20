package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
	"github.com/banshee-data/speed-camera/internal/camera/l5events"
	"github.com/banshee-data/speed-camera/internal/db"
	"github.com/banshee-data/speed-camera/internal/httputil"
	"github.com/banshee-data/speed-camera/internal/monitoring"
	"github.com/banshee-data/speed-camera/internal/report"
	"github.com/banshee-data/speed-camera/internal/security"
	"github.com/banshee-data/speed-camera/internal/units"
	"github.com/banshee-data/speed-camera/internal/version"
)

// parseFilter reads limit, min_speed (display units), direction, since
// and until.
func (s *Server) parseFilter(r *http.Request) (db.DetectionFilter, error) {
	var f db.DetectionFilter

	limit, err := httputil.QueryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		return f, err
	}
	f.Limit = limit

	minSpeed, err := httputil.QueryFloat(r, "min_speed", 0)
	if err != nil {
		return f, err
	}
	f.MinSpeedKPH = units.ToKPH(minSpeed, s.settings.SpeedUnits)

	switch dir := l4tracks.Direction(r.URL.Query().Get("direction")); dir {
	case "", l4tracks.DirectionL2R, l4tracks.DirectionR2L:
		f.Direction = dir
	default:
		return f, fmt.Errorf("invalid \"direction\": want %s or %s", l4tracks.DirectionL2R, l4tracks.DirectionR2L)
	}

	if f.Since, err = httputil.QueryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = httputil.QueryTime(r, "until"); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) listDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	f, err := s.parseFilter(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	events, err := s.db.ListDetections(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve detections: %v", err))
		return
	}
	if events == nil {
		events = []l5events.DetectionEvent{}
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) showDetection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	ev, err := s.db.GetDetection(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		httputil.NotFound(w, "detection not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve detection: %v", err))
		return
	}
	httputil.WriteJSONOK(w, ev)
}

// detectionImage serves the annotated snapshot of a detection. Only files
// under the configured image directory are served.
func (s *Server) detectionImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	ev, err := s.db.GetDetection(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		httputil.NotFound(w, "detection not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve detection: %v", err))
		return
	}
	if ev.FrameReference == "" || s.settings.ImageDir == "" {
		httputil.NotFound(w, "no snapshot for detection")
		return
	}
	if err := security.ValidatePathWithinDirectory(ev.FrameReference, s.settings.ImageDir); err != nil {
		httputil.WriteJSONError(w, http.StatusForbidden, "snapshot is outside the image directory")
		return
	}
	if _, err := os.Stat(ev.FrameReference); err != nil {
		httputil.NotFound(w, "snapshot file missing")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, ev.FrameReference)
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	since, err := httputil.QueryTime(r, "since")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	until, err := httputil.QueryTime(r, "until")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	bucket, err := httputil.QueryFloat(r, "bucket", report.DefaultBucketWidth)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	records, err := s.db.SpeedRecords(r.Context(), since, until)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve speeds: %v", err))
		return
	}

	summary, err := report.Summarise(records, s.settings.SpeedUnits, bucket)
	if errors.Is(err, report.ErrBucketWidth) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	summary.Since = since
	httputil.WriteJSONOK(w, summary)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.settings)
}

// Status is the /api/status payload.
type Status struct {
	Version     string                   `json:"version"`
	Uptime      float64                  `json:"uptime_s"`
	Calibrating bool                     `json:"calibrating"`
	Detections  int64                    `json:"detections"`
	Pipeline    *monitoring.LoopSnapshot `json:"pipeline,omitempty"`
	Emitter     *l5events.EmitterStats   `json:"emitter,omitempty"`
	Subscribers *int                     `json:"stream_subscribers,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	st := Status{
		Version:     version.String(),
		Uptime:      s.clock.Since(s.started).Seconds(),
		Calibrating: s.settings.Calibrate,
	}
	n, err := s.db.CountDetections(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to count detections: %v", err))
		return
	}
	st.Detections = n

	if s.stats != nil {
		snap := s.stats.Snapshot()
		st.Pipeline = &snap
	}
	if s.emitter != nil {
		es := s.emitter.Stats()
		st.Emitter = &es
	}
	if s.stream != nil {
		subs := s.stream.Subscribers()
		st.Subscribers = &subs
	}
	httputil.WriteJSONOK(w, st)
}

// calibrationNote is a stored note with the derived correction.
type calibrationNote struct {
	db.CalibrationNote
	Ratio           float64 `json:"ratio"`
	SuggestedPixels float64 `json:"suggested_cal_px"`
}

type calibrationRequest struct {
	DetectionID string  `json:"detection_id"`
	KnownSpeed  float64 `json:"known_speed"`
	Notes       string  `json:"notes"`
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		notes, err := s.db.CalibrationNotes(r.Context())
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve calibration notes: %v", err))
			return
		}
		out := make([]calibrationNote, len(notes))
		for i, n := range notes {
			out[i] = calibrationNote{CalibrationNote: n, Ratio: n.Ratio(), SuggestedPixels: n.SuggestedPixels()}
		}
		httputil.WriteJSONOK(w, out)

	case http.MethodPost:
		var req calibrationRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.DetectionID == "" || req.KnownSpeed <= 0 {
			httputil.BadRequest(w, "detection_id and a positive known_speed are required")
			return
		}
		if _, err := s.db.GetDetection(r.Context(), req.DetectionID); errors.Is(err, sql.ErrNoRows) {
			httputil.NotFound(w, "detection not found")
			return
		} else if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}

		id, err := s.db.RecordCalibrationNote(r.Context(), req.DetectionID, req.KnownSpeed, req.Notes)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to record calibration note: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, map[string]int64{"note_id": id})

	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// sinceOrDefault returns the since query parameter, or the last week.
func (s *Server) sinceOrDefault(r *http.Request) (time.Time, error) {
	since, err := httputil.QueryTime(r, "since")
	if err != nil || !since.IsZero() {
		return since, err
	}
	return s.clock.Now().Add(-7 * 24 * time.Hour), nil
}
