package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/speed-camera/internal/camera/l4tracks"
	"github.com/banshee-data/speed-camera/internal/httputil"
	"github.com/banshee-data/speed-camera/internal/report"
	"github.com/banshee-data/speed-camera/internal/units"
)

// speedsChart renders every detection of the last week (or since=) as a
// time/speed scatter, one series per direction.
func (s *Server) speedsChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	since, err := s.sinceOrDefault(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	records, err := s.db.SpeedRecords(r.Context(), since, time.Time{})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve speeds: %v", err))
		return
	}

	unit := s.settings.SpeedUnits
	series := map[l4tracks.Direction][]opts.ScatterData{}
	for _, rec := range records {
		series[rec.Direction] = append(series[rec.Direction], opts.ScatterData{
			Value: []any{rec.Timestamp.UnixMilli(), units.FromKPH(rec.SpeedKPH, unit)},
		})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Vehicle speeds", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s vehicle speeds", s.settings.CameraName),
			Subtitle: fmt.Sprintf("since %s, %d detections", since.Format("2006-01-02 15:04"), len(records)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "Time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: fmt.Sprintf("Speed (%s)", units.Label(unit))}),
	)
	for _, dir := range []l4tracks.Direction{l4tracks.DirectionL2R, l4tracks.DirectionR2L} {
		scatter.AddSeries(string(dir), series[dir], charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) histogramPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	since, err := s.sinceOrDefault(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	bucket, err := httputil.QueryFloat(r, "bucket", report.DefaultBucketWidth)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	records, err := s.db.SpeedRecords(r.Context(), since, time.Time{})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve speeds: %v", err))
		return
	}

	title := fmt.Sprintf("%s since %s", s.settings.CameraName, since.Format("2006-01-02"))
	png, err := report.Histogram(records, s.settings.SpeedUnits, bucket, title)
	if errors.Is(err, report.ErrNoData) {
		httputil.NotFound(w, err.Error())
		return
	}
	if errors.Is(err, report.ErrBucketWidth) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}
