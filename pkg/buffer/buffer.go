// Package buffer implements the in-memory ingestion buffer: one append-only,
// time-ordered stream per measurement with bounded retention.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/bgottula/track/pkg/schema"
	"github.com/bgottula/track/pkg/types"
)

// Config holds buffer configuration.
type Config struct {
	// Retention bounds how long each stream keeps samples. Samples older
	// than now-Retention are evicted oldest-first.
	Retention time.Duration
	// EvictInterval is the period of the background eviction loop.
	EvictInterval time.Duration
}

// DefaultConfig returns defaults sized for a tracking session: ten minutes of
// hot data, swept once a second.
func DefaultConfig() Config {
	return Config{
		Retention:     10 * time.Minute,
		EvictInterval: time.Second,
	}
}

// EvictHandler receives samples as they age out of a stream, in timestamp
// order, before they are dropped from memory. Called without any buffer lock
// held.
type EvictHandler func(measurement string, samples []types.Sample)

// Journal receives every successfully appended sample, for durability.
type Journal interface {
	Append(types.Sample) error
}

// stream holds one measurement's samples ordered by timestamp. Each stream
// has its own lock so independent producers never contend.
type stream struct {
	mu      sync.RWMutex
	samples []types.Sample
}

// Buffer is the ingestion buffer. Appends validate against the schema
// registry; reads snapshot the in-range slice so they never block writers
// beyond the copy.
type Buffer struct {
	cfg      Config
	registry *schema.Registry

	mu      sync.RWMutex
	streams map[string]*stream

	onEvict  EvictHandler
	onAppend func(types.Sample)
	journal  Journal

	quit chan struct{}
	done chan struct{}
}

// New creates a buffer over the given schema registry.
func New(registry *schema.Registry, cfg Config) *Buffer {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = DefaultConfig().EvictInterval
	}
	return &Buffer{
		cfg:      cfg,
		registry: registry,
		streams:  make(map[string]*stream),
	}
}

// SetEvictHandler installs the handler that receives evicted samples. Must be
// called before Start.
func (b *Buffer) SetEvictHandler(h EvictHandler) {
	b.onEvict = h
}

// SetJournal installs a journal that records every accepted append. Must be
// called before the first Append.
func (b *Buffer) SetJournal(j Journal) {
	b.journal = j
}

// SetOnAppend installs a hook invoked after every accepted append, whether
// the sample arrived over HTTP or from an in-process producer. Used to
// invalidate cached query results. Must be called before the first Append.
func (b *Buffer) SetOnAppend(h func(types.Sample)) {
	b.onAppend = h
}

// Append inserts a sample into its measurement stream.
//
// Timestamps must be monotonically non-decreasing per measurement: a
// timestamp before the last recorded one is rejected with OutOfOrderError
// and the stream is unchanged. A timestamp equal to the last recorded one
// merges the supplied fields into the existing sample, last-write-wins per
// field. The append is visible to any Range call that starts after Append
// returns.
func (b *Buffer) Append(s types.Sample) error {
	if err := b.registry.CheckFields(s.Measurement, s.Fields); err != nil {
		return err
	}

	st := b.getStream(s.Measurement)

	st.mu.Lock()
	n := len(st.samples)
	if n > 0 {
		last := st.samples[n-1].Timestamp
		if s.Timestamp.Before(last) {
			st.mu.Unlock()
			return &types.OutOfOrderError{Measurement: s.Measurement, Timestamp: s.Timestamp, Last: last}
		}
		if s.Timestamp.Equal(last) {
			// Same instant: overwrite supplied fields, keep the rest. The
			// field map is replaced rather than mutated because Range hands
			// out shallow copies that share it.
			merged := make(map[string]float64, len(st.samples[n-1].Fields)+len(s.Fields))
			for name, value := range st.samples[n-1].Fields {
				merged[name] = value
			}
			for name, value := range s.Fields {
				merged[name] = value
			}
			st.samples[n-1].Fields = merged
			st.mu.Unlock()
			return b.accepted(s)
		}
	}

	fields := make(map[string]float64, len(s.Fields))
	for name, value := range s.Fields {
		fields[name] = value
	}
	st.samples = append(st.samples, types.Sample{
		Measurement: s.Measurement,
		Timestamp:   s.Timestamp,
		Fields:      fields,
	})
	st.mu.Unlock()

	return b.accepted(s)
}

// accepted runs the post-append hooks once a sample is in the stream.
func (b *Buffer) accepted(s types.Sample) error {
	if b.onAppend != nil {
		b.onAppend(s)
	}
	if b.journal != nil {
		return b.journal.Append(s)
	}
	return nil
}

// Range returns a copy of the samples of a measurement with timestamps in
// [from, to), in timestamp order. Returns an empty slice for an unknown
// measurement or when no samples fall in the interval.
func (b *Buffer) Range(measurement string, from, to time.Time) []types.Sample {
	b.mu.RLock()
	st, ok := b.streams[measurement]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	lo := sort.Search(len(st.samples), func(i int) bool {
		return !st.samples[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(st.samples), func(i int) bool {
		return !st.samples[i].Timestamp.Before(to)
	})
	if lo >= hi {
		return nil
	}

	out := make([]types.Sample, hi-lo)
	copy(out, st.samples[lo:hi])
	return out
}

// OldestTimestamp returns the timestamp of the oldest retained sample of a
// measurement. ok is false when the stream is empty or unknown.
func (b *Buffer) OldestTimestamp(measurement string) (time.Time, bool) {
	b.mu.RLock()
	st, ok := b.streams[measurement]
	b.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if len(st.samples) == 0 {
		return time.Time{}, false
	}
	return st.samples[0].Timestamp, true
}

// Start launches the background eviction loop.
func (b *Buffer) Start() {
	if b.quit != nil {
		return
	}
	b.quit = make(chan struct{})
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.cfg.EvictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Evict(time.Now())
			case <-b.quit:
				return
			}
		}
	}()
}

// Stop terminates the eviction loop. Appends and reads remain valid after
// Stop; only background eviction ceases.
func (b *Buffer) Stop() {
	if b.quit == nil {
		return
	}
	close(b.quit)
	<-b.done
	b.quit = nil
}

// Evict removes samples older than now-Retention from every stream, handing
// each evicted run to the evict handler. The per-stream write lock is held
// only for the slice split, not for the handler call.
func (b *Buffer) Evict(now time.Time) {
	cutoff := now.Add(-b.cfg.Retention)

	b.mu.RLock()
	names := make([]string, 0, len(b.streams))
	for name := range b.streams {
		names = append(names, name)
	}
	b.mu.RUnlock()

	for _, name := range names {
		b.mu.RLock()
		st := b.streams[name]
		b.mu.RUnlock()

		st.mu.Lock()
		idx := sort.Search(len(st.samples), func(i int) bool {
			return !st.samples[i].Timestamp.Before(cutoff)
		})
		if idx == 0 {
			st.mu.Unlock()
			continue
		}
		evicted := st.samples[:idx:idx]
		st.samples = append([]types.Sample(nil), st.samples[idx:]...)
		st.mu.Unlock()

		if b.onEvict != nil {
			b.onEvict(name, evicted)
		}
	}
}

// getStream returns the stream for a measurement, creating it on first use.
func (b *Buffer) getStream(measurement string) *stream {
	b.mu.RLock()
	st, ok := b.streams[measurement]
	b.mu.RUnlock()
	if ok {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.streams[measurement]; ok {
		return st
	}
	st = &stream{}
	b.streams[measurement] = st
	return st
}
