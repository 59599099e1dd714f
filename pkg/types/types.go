package types

import "time"

// Sample is a single telemetry point: one timestamp shared by all channels
// that a producer reported in the same poll. Immutable once appended.
type Sample struct {
	Measurement string             `json:"measurement"`
	Timestamp   time.Time          `json:"timestamp"`
	Fields      map[string]float64 `json:"fields"`
}

// AggFunc identifies the aggregation applied to one field within a bucket.
type AggFunc string

const (
	AggMean AggFunc = "mean"
	AggLast AggFunc = "last"
	AggMode AggFunc = "mode"
)

// FillPolicy controls how buckets with no contributing samples appear in
// query output.
type FillPolicy string

const (
	// FillNull emits empty buckets with a missing-value marker. Gaps are
	// never interpolated or connected.
	FillNull FillPolicy = "null"
	// FillNone omits empty buckets from the output series entirely.
	FillNone FillPolicy = "none"
)

// FieldAgg selects one field of a measurement together with the aggregation
// function to apply and the name the resulting series is published under.
type FieldAgg struct {
	Field string  `json:"field"`
	Fn    AggFunc `json:"fn"`
	Alias string  `json:"alias,omitempty"`
}

// Name returns the output series name, defaulting to the field name when no
// alias was given.
func (f FieldAgg) Name() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Field
}

// QueryRequest is a time-windowed aggregation query over one measurement.
// Queries are stateless and never mutate stored data.
type QueryRequest struct {
	Measurement string        `json:"measurement"`
	Fields      []FieldAgg    `json:"fields"`
	From        time.Time     `json:"from"`
	To          time.Time     `json:"to"`
	Interval    time.Duration `json:"interval"`
	Fill        FillPolicy    `json:"fill"`
}

// Point is one aggregated value. Timestamp is the start of the bucket that
// produced it. Missing is set for empty buckets under FillNull; Value is
// undefined when Missing is set.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Missing   bool      `json:"missing,omitempty"`
}

// Series is a named sequence of aggregated points, one per requested field.
type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// QueryResult holds the output series of a query, one per requested field,
// in request order.
type QueryResult struct {
	Series []Series `json:"series"`
}
