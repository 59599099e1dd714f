package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgottula/track/pkg/schema"
	"github.com/bgottula/track/pkg/types"
)

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	return New(schema.Default(), Config{Retention: time.Minute, EvictInterval: time.Second})
}

func sampleAt(ts time.Time, ra, dec float64) types.Sample {
	return types.Sample{
		Measurement: "error_optical",
		Timestamp:   ts,
		Fields:      map[string]float64{"error_ra": ra, "error_dec": dec},
	}
}

func TestRangeReturnsInOrderSubsequence(t *testing.T) {
	b := newTestBuffer(t)
	base := time.Unix(1000, 0).UTC()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Append(sampleAt(base.Add(time.Duration(i)*10*time.Millisecond), float64(i), 0)))
	}

	// [base+20ms, base+50ms) holds exactly samples 2, 3, 4.
	got := b.Range("error_optical", base.Add(20*time.Millisecond), base.Add(50*time.Millisecond))
	require.Len(t, got, 3)
	for i, s := range got {
		assert.Equal(t, float64(i+2), s.Fields["error_ra"])
	}

	// The range end is exclusive.
	got = b.Range("error_optical", base, base.Add(10*time.Millisecond))
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Fields["error_ra"])
}

func TestRangeUnknownMeasurement(t *testing.T) {
	b := newTestBuffer(t)
	assert.Empty(t, b.Range("nope", time.Unix(0, 0), time.Unix(10, 0)))
}

func TestAppendOutOfOrderRejected(t *testing.T) {
	b := newTestBuffer(t)
	base := time.Unix(1000, 0).UTC()

	require.NoError(t, b.Append(sampleAt(base.Add(100*time.Millisecond), 1, 1)))

	err := b.Append(sampleAt(base.Add(50*time.Millisecond), 2, 2))
	var ooo *types.OutOfOrderError
	require.ErrorAs(t, err, &ooo)
	assert.Equal(t, "error_optical", ooo.Measurement)

	// Buffer state is unchanged by the rejected write.
	got := b.Range("error_optical", base, base.Add(time.Second))
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Fields["error_ra"])
}

func TestAppendEqualTimestampMergesLastWriteWins(t *testing.T) {
	b := newTestBuffer(t)
	ts := time.Unix(1000, 0).UTC()

	require.NoError(t, b.Append(types.Sample{
		Measurement: "error_optical",
		Timestamp:   ts,
		Fields:      map[string]float64{"error_ra": 1, "error_dec": 2},
	}))
	require.NoError(t, b.Append(types.Sample{
		Measurement: "error_optical",
		Timestamp:   ts,
		Fields:      map[string]float64{"error_ra": 9, "error_mag": 3},
	}))

	got := b.Range("error_optical", ts, ts.Add(time.Millisecond))
	require.Len(t, got, 1)
	assert.Equal(t, 9.0, got[0].Fields["error_ra"], "supplied field overwritten")
	assert.Equal(t, 2.0, got[0].Fields["error_dec"], "unsupplied field kept")
	assert.Equal(t, 3.0, got[0].Fields["error_mag"], "new field added")
}

func TestAppendRejectsSchemaViolation(t *testing.T) {
	b := newTestBuffer(t)

	err := b.Append(types.Sample{
		Measurement: "gamepad",
		Timestamp:   time.Unix(1000, 0),
		Fields:      map[string]float64{"left_x": 0.5, "bogus": 1},
	})
	var violation *types.SchemaViolationError
	require.ErrorAs(t, err, &violation)
	assert.Empty(t, b.Range("gamepad", time.Unix(0, 0), time.Unix(2000, 0)))
}

func TestEviction(t *testing.T) {
	b := New(schema.Default(), Config{Retention: time.Minute, EvictInterval: time.Second})
	base := time.Unix(1000, 0).UTC()

	var evictedMu sync.Mutex
	var evicted []types.Sample
	b.SetEvictHandler(func(measurement string, samples []types.Sample) {
		evictedMu.Lock()
		evicted = append(evicted, samples...)
		evictedMu.Unlock()
	})

	require.NoError(t, b.Append(sampleAt(base, 1, 1)))
	require.NoError(t, b.Append(sampleAt(base.Add(time.Second), 2, 2)))

	// After the retention window elapses with no new writes the stream is
	// empty over any earlier range.
	b.Evict(base.Add(2 * time.Minute))
	assert.Empty(t, b.Range("error_optical", base.Add(-time.Hour), base.Add(2*time.Minute)))

	evictedMu.Lock()
	defer evictedMu.Unlock()
	require.Len(t, evicted, 2)
	assert.Equal(t, base, evicted[0].Timestamp)
}

func TestEvictionKeepsRecentSamples(t *testing.T) {
	b := New(schema.Default(), Config{Retention: time.Minute, EvictInterval: time.Second})
	base := time.Unix(1000, 0).UTC()

	require.NoError(t, b.Append(sampleAt(base, 1, 1)))
	require.NoError(t, b.Append(sampleAt(base.Add(90*time.Second), 2, 2)))

	b.Evict(base.Add(100 * time.Second))

	got := b.Range("error_optical", base.Add(-time.Hour), base.Add(time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Fields["error_ra"])

	oldest, ok := b.OldestTimestamp("error_optical")
	require.True(t, ok)
	assert.Equal(t, base.Add(90*time.Second), oldest)
}

func TestConcurrentAppendAndRange(t *testing.T) {
	b := newTestBuffer(t)
	base := time.Now()

	var wg sync.WaitGroup
	measurements := []string{"error_blind", "error_optical", "gamepad", "tracker"}
	fields := map[string]string{
		"error_blind":   "error_ra",
		"error_optical": "error_ra",
		"gamepad":       "left_x",
		"tracker":       "rate_ra",
	}

	// One writer per measurement, per the producer model.
	for _, m := range measurements {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				err := b.Append(types.Sample{
					Measurement: m,
					Timestamp:   base.Add(time.Duration(i) * time.Millisecond),
					Fields:      map[string]float64{fields[m]: float64(i)},
				})
				if err != nil {
					t.Errorf("append to %s: %v", m, err)
					return
				}
			}
		}()
	}

	// Concurrent readers must never observe unordered snapshots.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			for _, m := range measurements {
				got := b.Range(m, base, base.Add(time.Second))
				for j := 1; j < len(got); j++ {
					if got[j].Timestamp.Before(got[j-1].Timestamp) {
						t.Errorf("unordered range snapshot for %s", m)
						return
					}
				}
			}
		}
	}()

	wg.Wait()

	for _, m := range measurements {
		assert.Len(t, b.Range(m, base, base.Add(time.Second)), 200)
	}
}

func TestOnAppendHookFiresForEveryPath(t *testing.T) {
	b := newTestBuffer(t)
	ts := time.Unix(1000, 0).UTC()

	var hooked []types.Sample
	b.SetOnAppend(func(s types.Sample) {
		hooked = append(hooked, s)
	})

	require.NoError(t, b.Append(sampleAt(ts, 1, 2)))
	// The equal-timestamp merge path counts as an accepted append too.
	require.NoError(t, b.Append(sampleAt(ts, 3, 4)))
	assert.Len(t, hooked, 2)

	// Rejected appends never fire the hook.
	err := b.Append(sampleAt(ts.Add(-time.Second), 5, 6))
	var ooo *types.OutOfOrderError
	require.ErrorAs(t, err, &ooo)
	assert.Len(t, hooked, 2)
}

func TestJournalReceivesAppends(t *testing.T) {
	b := newTestBuffer(t)

	j := &fakeJournal{}
	b.SetJournal(j)

	require.NoError(t, b.Append(sampleAt(time.Unix(1000, 0), 1, 2)))
	require.Len(t, j.samples, 1)
	assert.Equal(t, "error_optical", j.samples[0].Measurement)
}

type fakeJournal struct {
	samples []types.Sample
}

func (f *fakeJournal) Append(s types.Sample) error {
	f.samples = append(f.samples, s)
	return nil
}
