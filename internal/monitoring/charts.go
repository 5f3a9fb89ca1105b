package monitoring

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/autopilot/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// StagePoint is one recorded sample of a stage's throughput.
type StagePoint struct {
	Stage     string
	At        time.Time
	Frames    int64
	Missed    int64
	LatencyMs float64
	FPS       float64
}

// StagePointSource returns up to limit recent samples, oldest first.
type StagePointSource func(limit int) ([]StagePoint, error)

// ChartHandler renders per-stage latency and fps as go-echarts line charts.
// Query params:
//   - limit (optional; default 600) caps the number of samples read
func ChartHandler(source StagePointSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 600
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
				limit = n
			}
		}

		points, err := source(limit)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load stage stats: %v", err))
			return
		}
		if len(points) == 0 {
			httputil.WriteJSONError(w, http.StatusNotFound, "no stage stats recorded yet")
			return
		}

		page := components.NewPage()
		page.SetAssetsHost(echartsAssetsPrefix)
		page.AddCharts(
			stageLine("Stage latency", "ms", points, func(p StagePoint) float64 { return p.LatencyMs }),
			stageLine("Stage throughput", "fps", points, func(p StagePoint) float64 { return p.FPS }),
		)

		var buf bytes.Buffer
		if err := page.Render(&buf); err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}
}

func stageLine(title, unit string, points []StagePoint, value func(StagePoint) float64) *charts.Line {
	byStage := make(map[string][]StagePoint)
	for _, p := range points {
		byStage[p.Stage] = append(byStage[p.Stage], p)
	}
	names := make([]string, 0, len(byStage))
	for name := range byStage {
		names = append(names, name)
	}
	sort.Strings(names)

	// x axis is the sample index of the longest series
	longest := 0
	for _, name := range names {
		if n := len(byStage[name]); n > longest {
			longest = n
		}
	}
	x := make([]string, longest)
	for i := range x {
		x[i] = strconv.Itoa(i)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: unit}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x)
	for _, name := range names {
		series := byStage[name]
		data := make([]opts.LineData, len(series))
		for i, p := range series {
			data[i] = opts.LineData{Value: value(p)}
		}
		line.AddSeries(name, data)
	}
	return line
}
