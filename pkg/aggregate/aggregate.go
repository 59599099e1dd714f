// Package aggregate computes windowed statistics over sample slices. Buckets
// are fixed-width, half-open and aligned to the epoch so that series from
// different measurements stay time-aligned when overlaid.
package aggregate

import (
	"fmt"
	"math"
	"time"

	"github.com/bgottula/track/pkg/types"
)

// Func accumulates values of one field within one bucket.
type Func interface {
	// New returns a fresh accumulator of the same kind for the next bucket.
	New() Func
	// Add feeds one sample's value. Samples arrive in timestamp order.
	Add(v float64)
	// Result returns the aggregate. ok is false when nothing was added.
	Result() (v float64, ok bool)
}

// ForFunc returns an accumulator for the named aggregation function.
func ForFunc(fn types.AggFunc) (Func, error) {
	switch fn {
	case types.AggMean:
		return &meanFunc{}, nil
	case types.AggLast:
		return &lastFunc{}, nil
	case types.AggMode:
		return newModeFunc(), nil
	default:
		return nil, fmt.Errorf("unknown aggregation function %q", fn)
	}
}

type meanFunc struct {
	sum   float64
	count int
}

func (m *meanFunc) New() Func { return &meanFunc{} }

func (m *meanFunc) Add(v float64) {
	m.sum += v
	m.count++
}

func (m *meanFunc) Result() (float64, bool) {
	if m.count == 0 {
		return 0, false
	}
	return m.sum / float64(m.count), true
}

type lastFunc struct {
	value float64
	seen  bool
}

func (l *lastFunc) New() Func { return &lastFunc{} }

func (l *lastFunc) Add(v float64) {
	l.value = v
	l.seen = true
}

func (l *lastFunc) Result() (float64, bool) {
	return l.value, l.seen
}

// modeFunc tracks value frequencies. Ties break toward the value seen first
// in timestamp order, which keeps the result deterministic.
type modeFunc struct {
	counts map[float64]int
	order  []float64
}

func newModeFunc() *modeFunc {
	return &modeFunc{counts: make(map[float64]int)}
}

func (m *modeFunc) New() Func { return newModeFunc() }

func (m *modeFunc) Add(v float64) {
	if _, seen := m.counts[v]; !seen {
		m.order = append(m.order, v)
	}
	m.counts[v]++
}

func (m *modeFunc) Result() (float64, bool) {
	if len(m.order) == 0 {
		return 0, false
	}
	best := m.order[0]
	bestCount := m.counts[best]
	for _, v := range m.order[1:] {
		if m.counts[v] > bestCount {
			best = v
			bestCount = m.counts[v]
		}
	}
	return best, true
}

// BucketStart returns the start of the epoch-aligned bucket containing t.
func BucketStart(t time.Time, interval time.Duration) time.Time {
	ns := t.UnixNano()
	start := (ns / int64(interval)) * int64(interval)
	if ns < 0 && ns%int64(interval) != 0 {
		start -= int64(interval)
	}
	return time.Unix(0, start).UTC()
}

// Series aggregates one field of a sample slice into bucketed points.
// Samples must be in timestamp order; only samples carrying the field
// contribute. Buckets are [start, start+interval) covering [from, to); empty
// buckets follow the fill policy.
func Series(samples []types.Sample, field string, fn types.AggFunc, from, to time.Time, interval time.Duration, fill types.FillPolicy) ([]types.Point, error) {
	proto, err := ForFunc(fn)
	if err != nil {
		return nil, err
	}

	points := make([]types.Point, 0, int(to.Sub(from)/interval)+1)
	idx := 0

	for start := BucketStart(from, interval); start.Before(to); start = start.Add(interval) {
		end := start.Add(interval)
		acc := proto.New()

		// Samples are ordered, so each is visited once across all buckets.
		for idx < len(samples) && samples[idx].Timestamp.Before(end) {
			if !samples[idx].Timestamp.Before(start) {
				if v, ok := samples[idx].Fields[field]; ok {
					acc.Add(v)
				}
			}
			idx++
		}

		if v, ok := acc.Result(); ok {
			points = append(points, types.Point{Timestamp: start, Value: v})
			continue
		}

		switch fill {
		case types.FillNone:
			// Bucket omitted.
		default:
			points = append(points, types.Point{Timestamp: start, Value: math.NaN(), Missing: true})
		}
	}

	return points, nil
}
