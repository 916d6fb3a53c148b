package display

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/ephys.loop/internal/monitoring"
)

// PlotConsumer renders every full window to <dir>/<buffer>.png on its own
// goroutine. A window that arrives while the previous one is still rendering
// is dropped.
type PlotConsumer struct {
	dir string

	queue chan Snapshot
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	trial   [2]int
	lastEvt []int

	rendered atomic.Int64
	dropped  atomic.Int64
}

// NewPlotConsumer starts the render goroutine. Close stops it.
func NewPlotConsumer(dir string) (*PlotConsumer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot dir: %w", err)
	}
	p := &PlotConsumer{
		dir:   dir,
		queue: make(chan Snapshot, 1),
		done:  make(chan struct{}),
		trial: [2]int{-1, 0},
	}
	go p.run()
	return p, nil
}

func (p *PlotConsumer) UpdateData(s Snapshot) {
	select {
	case p.queue <- s:
	default:
		p.dropped.Add(1)
	}
}

func (p *PlotConsumer) UpdateEvents(codes []int) {
	p.mu.Lock()
	p.lastEvt = append(p.lastEvt[:0], codes...)
	p.mu.Unlock()
}

func (p *PlotConsumer) UpdateTrialIndicator(current, total int) {
	p.mu.Lock()
	p.trial = [2]int{current, total}
	p.mu.Unlock()
}

// Rendered returns the number of PNGs written.
func (p *PlotConsumer) Rendered() int64 { return p.rendered.Load() }

// Dropped returns the number of windows skipped because rendering was busy.
func (p *PlotConsumer) Dropped() int64 { return p.dropped.Load() }

// Close waits for the window being rendered, if any, and stops.
func (p *PlotConsumer) Close() error {
	p.once.Do(func() { close(p.queue) })
	<-p.done
	return nil
}

func (p *PlotConsumer) run() {
	defer close(p.done)
	for s := range p.queue {
		if err := p.render(s); err != nil {
			monitoring.Diagf("display: render %s: %v", s.Buffer, err)
			continue
		}
		p.rendered.Add(1)
	}
}

func (p *PlotConsumer) render(s Snapshot) error {
	p.mu.Lock()
	trial := p.trial
	events := len(p.lastEvt)
	p.mu.Unlock()

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("%s from sample %d", s.Buffer, s.FirstSample)
	if trial[1] > 0 {
		pl.Title.Text += fmt.Sprintf(" (trial %d/%d)", trial[0]+1, trial[1])
	}
	pl.X.Label.Text = "Sample"
	pl.Y.Label.Text = fmt.Sprintf("Channel (last tick events: %d)", events)

	colors := channelColors(len(s.Data))
	for ch, row := range s.Data {
		pts := make(plotter.XYs, len(row))
		for i, v := range row {
			pts[i] = plotter.XY{X: float64(s.FirstSample) + float64(i), Y: v + float64(ch)*channelSpacing(s.Data)}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[ch]
		line.Width = vg.Points(0.5)
		pl.Add(line)
		pl.Legend.Add(fmt.Sprintf("ch%d", ch), line)
	}
	pl.Legend.Top = true
	pl.Legend.Left = false

	path := filepath.Join(p.dir, s.Buffer+".png")
	if err := pl.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

// channelSpacing offsets traces so channels do not overlap: twice the largest
// absolute sample value, or 1 for a flat window.
func channelSpacing(data [][]float64) float64 {
	peak := 0.0
	for _, row := range data {
		for _, v := range row {
			if v < 0 {
				v = -v
			}
			peak = max(peak, v)
		}
	}
	if peak == 0 {
		return 1
	}
	return 2 * peak
}

func channelColors(n int) []color.Color {
	palette := []color.RGBA{
		{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
		{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
		{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
		{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
		{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
		{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
	}
	out := make([]color.Color, n)
	for i := range out {
		out[i] = palette[i%len(palette)]
	}
	return out
}
