package query

import (
	"fmt"
	"time"

	"github.com/bgottula/track/pkg/schema"
	"github.com/bgottula/track/pkg/types"
)

// Panel is one dashboard panel's query shape, fixed at startup. Only the
// time range varies per refresh.
type Panel struct {
	Title       string
	Measurement string
	Fields      []types.FieldAgg
	Interval    time.Duration
	Fill        types.FillPolicy
}

// Request materializes the panel into a query over [from, to).
func (p Panel) Request(from, to time.Time) *types.QueryRequest {
	return &types.QueryRequest{
		Measurement: p.Measurement,
		Fields:      p.Fields,
		From:        from,
		To:          to,
		Interval:    p.Interval,
		Fill:        p.Fill,
	}
}

// RequestWindow materializes the panel into a query over the trailing
// window ending now.
func (p Panel) RequestWindow(window time.Duration) *types.QueryRequest {
	now := Now()
	return p.Request(now.Add(-window), now)
}

// DashboardPanels returns the query shapes the tracking dashboard issues:
// mean error overlays for the blind and optical estimators, the hybrid state
// indicator, the dominant gamepad stick position, and the control loop
// rates. All share a 100ms group interval so the series stay time-aligned
// when overlaid.
func DashboardPanels() []Panel {
	const interval = 100 * time.Millisecond

	return []Panel{
		{
			Title:       "Blind Pointing Error",
			Measurement: "error_blind",
			Fields: []types.FieldAgg{
				{Field: "error_ra", Fn: types.AggMean, Alias: "ra"},
				{Field: "error_dec", Fn: types.AggMean, Alias: "dec"},
			},
			Interval: interval,
			Fill:     types.FillNull,
		},
		{
			Title:       "Optical Tracking Error",
			Measurement: "error_optical",
			Fields: []types.FieldAgg{
				{Field: "error_ra", Fn: types.AggMean, Alias: "ra"},
				{Field: "error_dec", Fn: types.AggMean, Alias: "dec"},
				{Field: "error_mag", Fn: types.AggMean, Alias: "mag"},
			},
			Interval: interval,
			Fill:     types.FillNull,
		},
		{
			Title:       "Hybrid State",
			Measurement: "error_hybrid",
			Fields: []types.FieldAgg{
				{Field: "state", Fn: types.AggLast, Alias: "state"},
			},
			Interval: interval,
			Fill:     types.FillNull,
		},
		{
			Title:       "Gamepad Axes",
			Measurement: "gamepad",
			Fields: []types.FieldAgg{
				{Field: "left_x", Fn: types.AggMode, Alias: "left_x"},
				{Field: "left_y", Fn: types.AggMode, Alias: "left_y"},
				{Field: "right_x", Fn: types.AggMode, Alias: "right_x"},
				{Field: "right_y", Fn: types.AggMode, Alias: "right_y"},
			},
			Interval: interval,
			Fill:     types.FillNone,
		},
		{
			Title:       "Tracker Loop",
			Measurement: "tracker",
			Fields: []types.FieldAgg{
				{Field: "rate_ra", Fn: types.AggMean, Alias: "rate_ra"},
				{Field: "rate_dec", Fn: types.AggMean, Alias: "rate_dec"},
				{Field: "loop_filt_int_ra", Fn: types.AggMean, Alias: "int_ra"},
				{Field: "loop_filt_int_dec", Fn: types.AggMean, Alias: "int_dec"},
			},
			Interval: interval,
			Fill:     types.FillNull,
		},
	}
}

// ValidatePanels checks every panel against the schema registry. Run at
// startup so a panel/schema mismatch fails fast instead of surfacing as a
// query error mid-session.
func ValidatePanels(schemas *schema.Registry, panels []Panel) error {
	for _, p := range panels {
		if _, ok := schemas.Lookup(p.Measurement); !ok {
			return fmt.Errorf("panel %q: %w", p.Title, &types.UnknownMeasurementError{Measurement: p.Measurement})
		}
		if len(p.Fields) == 0 {
			return fmt.Errorf("panel %q selects no fields", p.Title)
		}
		if p.Interval <= 0 {
			return fmt.Errorf("panel %q has non-positive interval", p.Title)
		}
		for _, fa := range p.Fields {
			if !schemas.HasField(p.Measurement, fa.Field) {
				return fmt.Errorf("panel %q: %w", p.Title, &types.UnknownFieldError{Measurement: p.Measurement, Field: fa.Field})
			}
		}
	}
	return nil
}
