package monitor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

// Source is what the dashboard polls.
type Source interface {
	HubStats(ctx context.Context) (*model.HubStats, error)
	AllCases(ctx context.Context, statuses []model.CaseStatus) ([]*model.EmergencyCase, error)
	Ambulances(ctx context.Context) ([]*model.Ambulance, error)
	Hospitals(ctx context.Context) ([]*model.Hospital, error)
}

var activeStatuses = []model.CaseStatus{model.StatusOpen, model.StatusDispatched, model.StatusInProgress}

// Frame is one poll of the dispatch API.
type Frame struct {
	Stats      *model.HubStats
	Cases      []*model.EmergencyCase
	Ambulances []*model.Ambulance
	Hospitals  []*model.Hospital
	Err        error
	At         time.Time
}

func Fetch(ctx context.Context, src Source) Frame {
	f := Frame{At: time.Now()}
	if f.Stats, f.Err = src.HubStats(ctx); f.Err != nil {
		return f
	}
	if f.Cases, f.Err = src.AllCases(ctx, activeStatuses); f.Err != nil {
		return f
	}
	if f.Ambulances, f.Err = src.Ambulances(ctx); f.Err != nil {
		return f
	}
	f.Hospitals, f.Err = src.Hospitals(ctx)
	return f
}

// Run draws the dashboard until ctx ends or the operator presses q.
func Run(ctx context.Context, src Source, every time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("init terminal: %w", err)
	}
	defer ui.Close()

	d := newDashboard()
	d.resize(ui.TerminalDimensions())
	d.update(Fetch(ctx, src))
	ui.Render(d.widgets()...)

	events := ui.PollEvents()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				r := e.Payload.(ui.Resize)
				d.resize(r.Width, r.Height)
				ui.Clear()
				ui.Render(d.widgets()...)
			}
		case <-ticker.C:
			d.update(Fetch(ctx, src))
			ui.Render(d.widgets()...)
		}
	}
}

type dashboard struct {
	summary   *widgets.Paragraph
	cases     *widgets.Table
	hospitals *widgets.Table
	fleet     *widgets.BarChart
}

func newDashboard() *dashboard {
	d := &dashboard{
		summary:   widgets.NewParagraph(),
		cases:     widgets.NewTable(),
		hospitals: widgets.NewTable(),
		fleet:     widgets.NewBarChart(),
	}
	d.summary.Title = " Hub "
	d.cases.Title = " Active cases "
	d.cases.RowSeparator = false
	d.cases.TextStyle = ui.NewStyle(ui.ColorWhite)
	d.cases.RowStyles[0] = ui.NewStyle(ui.ColorCyan, ui.ColorClear, ui.ModifierBold)
	d.hospitals.Title = " Hospitals "
	d.hospitals.RowSeparator = false
	d.hospitals.RowStyles[0] = ui.NewStyle(ui.ColorCyan, ui.ColorClear, ui.ModifierBold)
	d.fleet.Title = " Fleet "
	d.fleet.BarWidth = 8
	return d
}

func (d *dashboard) widgets() []ui.Drawable {
	return []ui.Drawable{d.summary, d.fleet, d.cases, d.hospitals}
}

func (d *dashboard) resize(w, h int) {
	top := 7
	half := w / 2
	d.summary.SetRect(0, 0, half, top)
	d.fleet.SetRect(half, 0, w, top)
	d.cases.SetRect(0, top, w, top+(h-top)*2/3)
	d.hospitals.SetRect(0, top+(h-top)*2/3, w, h)
}

func (d *dashboard) update(f Frame) {
	d.summary.Text = SummaryText(f)
	d.cases.Rows = CaseRows(f.Cases)
	d.hospitals.Rows = HospitalRows(f.Hospitals)
	d.fleet.Labels, d.fleet.Data = FleetBars(f.Ambulances)
}

func SummaryText(f Frame) string {
	if f.Err != nil {
		return fmt.Sprintf("[error](fg:red) %v\nat %s", f.Err, f.At.Format(time.TimeOnly))
	}
	if f.Stats == nil {
		return "waiting for data"
	}
	return fmt.Sprintf("topics %d  subscribers %d\npublished %d  dropped %d\nuptime %s\nat %s",
		f.Stats.TotalTopics, f.Stats.TotalSubscribers,
		f.Stats.Published, f.Stats.Dropped,
		f.Stats.Uptime.Truncate(time.Second), f.At.Format(time.TimeOnly))
}

// CaseRows orders cases by severity and then age, header first.
func CaseRows(cases []*model.EmergencyCase) [][]string {
	sorted := append([]*model.EmergencyCase(nil), cases...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].Severity.Rank(), sorted[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	rows := [][]string{{"case", "type", "severity", "status", "ambulance", "hospital", "age"}}
	for _, c := range sorted {
		rows = append(rows, []string{
			c.ID, string(c.Type), string(c.Severity), string(c.Status),
			dash(c.AssignedAmbulanceID), dash(c.AssignedHospitalID),
			time.Since(c.CreatedAt).Truncate(time.Second).String(),
		})
	}
	return rows
}

func HospitalRows(hospitals []*model.Hospital) [][]string {
	rows := [][]string{{"hospital", "name", "active", "occupied", "capacity", "spare"}}
	for _, h := range hospitals {
		rows = append(rows, []string{
			h.ID, dash(h.Name), strconv.FormatBool(h.Active),
			strconv.Itoa(h.Occupied), strconv.Itoa(h.TotalCapacity), strconv.Itoa(h.Spare()),
		})
	}
	return rows
}

// FleetBars counts ambulances per status in a fixed order.
func FleetBars(ambulances []*model.Ambulance) ([]string, []float64) {
	order := []model.AmbulanceStatus{
		model.AmbulanceAvailable, model.AmbulanceEnRoute, model.AmbulanceAtScene,
		model.AmbulanceTransporting, model.AmbulanceOutOfService,
	}
	counts := make(map[model.AmbulanceStatus]int, len(order))
	for _, a := range ambulances {
		counts[a.Status]++
	}
	labels := make([]string, len(order))
	data := make([]float64, len(order))
	for i, s := range order {
		labels[i] = string(s)
		data[i] = float64(counts[s])
	}
	return labels, data
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
