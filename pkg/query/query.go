// Package query serves time-windowed aggregation queries over the ingestion
// buffer, transparently backfilling from the cold archive when the requested
// range reaches past the in-memory retention window.
package query

import (
	"context"
	"sort"
	"time"

	"github.com/bgottula/track/pkg/aggregate"
	"github.com/bgottula/track/pkg/buffer"
	"github.com/bgottula/track/pkg/schema"
	"github.com/bgottula/track/pkg/storage"
	"github.com/bgottula/track/pkg/types"
)

// Engine executes typed queries. It binds one schema registry, one buffer
// and optionally one archive and one result cache at construction; there is
// no global datasource state.
type Engine struct {
	schemas *schema.Registry
	buf     *buffer.Buffer
	archive *storage.Archive
	cache   *storage.ResultCache
}

// New creates a query engine. archive and cache may be nil to disable
// backfill and caching respectively.
func New(schemas *schema.Registry, buf *buffer.Buffer, archive *storage.Archive, cache *storage.ResultCache) *Engine {
	return &Engine{
		schemas: schemas,
		buf:     buf,
		archive: archive,
		cache:   cache,
	}
}

// Invalidate drops cached results. Wire this to the append path so readers
// never see stale buckets.
func (e *Engine) Invalidate() {
	if e.cache != nil {
		e.cache.Invalidate()
	}
}

// Query executes one aggregation query and returns one series per requested
// field, in request order. Stored data is never mutated. An empty range is
// not an error: the result carries gap markers per the fill policy.
func (e *Engine) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	if e.cache != nil {
		if result, ok := e.cache.Get(req); ok {
			return result, nil
		}
	}

	samples, err := e.gather(req)
	if err != nil {
		return nil, err
	}

	result := &types.QueryResult{Series: make([]types.Series, 0, len(req.Fields))}
	for _, fa := range req.Fields {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		points, err := aggregate.Series(samples, fa.Field, fa.Fn, req.From, req.To, req.Interval, req.Fill)
		if err != nil {
			return nil, err
		}
		result.Series = append(result.Series, types.Series{Name: fa.Name(), Points: points})
	}

	if e.cache != nil {
		e.cache.Put(req, result)
	}
	return result, nil
}

// gather collects the samples covering [from, to): the hot buffer serves
// everything it retains, the archive fills in anything older.
func (e *Engine) gather(req *types.QueryRequest) ([]types.Sample, error) {
	hot := e.buf.Range(req.Measurement, req.From, req.To)

	if e.archive == nil {
		return hot, nil
	}

	// Only reach into the archive for the part of the range the buffer no
	// longer retains.
	coldEnd := req.To
	if oldest, ok := e.buf.OldestTimestamp(req.Measurement); ok {
		if !oldest.After(req.From) {
			return hot, nil
		}
		coldEnd = oldest
	}

	cold, err := e.archive.ReadRange(req.Measurement, req.From, coldEnd)
	if err != nil {
		return nil, err
	}
	if len(hot) > 0 {
		// An eviction between the Range snapshot and the OldestTimestamp
		// read can push coldEnd past samples the snapshot already captured;
		// the hot snapshot wins at the seam.
		cut := sort.Search(len(cold), func(i int) bool {
			return !cold[i].Timestamp.Before(hot[0].Timestamp)
		})
		cold = cold[:cut]
	}
	if len(cold) == 0 {
		return hot, nil
	}
	return append(cold, hot...), nil
}

// validate checks the request against the schema registry and the range
// invariants before any data is touched.
func (e *Engine) validate(req *types.QueryRequest) error {
	if !req.To.After(req.From) {
		return &types.InvalidRangeError{From: req.From, To: req.To, Interval: req.Interval, Reason: "to must be after from"}
	}
	if req.Interval <= 0 {
		return &types.InvalidRangeError{From: req.From, To: req.To, Interval: req.Interval, Reason: "interval must be positive"}
	}

	if _, ok := e.schemas.Lookup(req.Measurement); !ok {
		return &types.UnknownMeasurementError{Measurement: req.Measurement}
	}
	if len(req.Fields) == 0 {
		return &types.UnknownFieldError{Measurement: req.Measurement, Field: ""}
	}
	for _, fa := range req.Fields {
		if !e.schemas.HasField(req.Measurement, fa.Field) {
			return &types.UnknownFieldError{Measurement: req.Measurement, Field: fa.Field}
		}
		if _, err := aggregate.ForFunc(fa.Fn); err != nil {
			return &types.InvalidRangeError{From: req.From, To: req.To, Interval: req.Interval, Reason: err.Error()}
		}
	}
	return nil
}

// Now is the clock used when panels are materialized into requests, split
// out for tests.
var Now = time.Now
