package display

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/ephys.loop/internal/httputil"
)

// defaultMaxPoints bounds the points per series sent to the browser.
const defaultMaxPoints = 2000

// LiveView keeps the latest window and serves it as an HTML line chart.
type LiveView struct {
	mu      sync.Mutex
	latest  *Snapshot
	spikes  *EventSnapshot
	codes   []int
	current int
	total   int
	windows int
}

// NewLiveView returns an empty view.
func NewLiveView() *LiveView { return &LiveView{current: -1} }

func (v *LiveView) UpdateData(s Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.latest = &s
	v.windows++
}

func (v *LiveView) UpdateEvents(codes []int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.codes = append(v.codes[:0], codes...)
}

func (v *LiveView) UpdateTrialIndicator(current, total int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current, v.total = current, total
}

func (v *LiveView) UpdateSnippets(s EventSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.spikes = &s
}

// Latest returns the most recent window and whether one has arrived.
func (v *LiveView) Latest() (Snapshot, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.latest == nil {
		return Snapshot{}, false
	}
	return *v.latest, true
}

// AttachAdminRoutes serves the chart at /debug/live.
func (v *LiveView) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("live", "Live display of the latest accumulator window", v)
}

// ServeHTTP renders the chart. Query params:
//   - max_points (optional; default 2000) to reduce payload size
func (v *LiveView) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	maxPoints := defaultMaxPoints
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if n, err := strconv.Atoi(mp); err == nil && n >= 10 && n <= 100000 {
			maxPoints = n
		}
	}

	v.mu.Lock()
	var snap Snapshot
	if v.latest != nil {
		snap = *v.latest
	}
	spikes := 0
	if v.spikes != nil {
		spikes = v.spikes.Count()
	}
	subtitle := fmt.Sprintf("windows=%d events=%v spikes=%d", v.windows, v.codes, spikes)
	if v.total > 0 {
		subtitle += fmt.Sprintf(" trial=%d/%d", v.current+1, v.total)
	}
	v.mu.Unlock()

	if snap.Data == nil {
		httputil.NotFound(w, "no display data yet")
		return
	}

	stride := 1
	if snap.Samples > maxPoints {
		stride = (snap.Samples + maxPoints - 1) / maxPoints
	}
	x := make([]string, 0, snap.Samples/stride+1)
	for i := 0; i < snap.Samples; i += stride {
		x = append(x, strconv.FormatInt(snap.FirstSample+int64(i), 10))
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Live display", Theme: "dark", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: snap.Buffer, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sample", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(x)
	for ch, row := range snap.Data {
		data := make([]opts.LineData, 0, len(x))
		for i := 0; i < len(row); i += stride {
			data = append(data, opts.LineData{Value: row[i]})
		}
		line.AddSeries(fmt.Sprintf("ch%d", ch), data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
