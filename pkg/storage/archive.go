// Package storage holds the durability layer around the in-memory ingestion
// buffer: a BadgerDB cold archive that receives evicted blocks, a write-ahead
// log covering the hot buffer, and a cache for aggregated query results.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/bgottula/track/pkg/types"
)

// Config holds archive configuration.
type Config struct {
	Path             string
	CompressionLevel int
}

// DefaultConfig returns default archive configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		CompressionLevel: 3,
	}
}

// Archive persists blocks of evicted samples, keyed by measurement and block
// start time. Timestamps and per-field value columns are stored compressed.
type Archive struct {
	db         *badger.DB
	compressor *Compressor
}

// blockPayload is the stored form of one block. Fields maps field name to its
// compressed value column; a NaN in a column marks a sample that did not
// carry the field.
type blockPayload struct {
	Count        int               `json:"count"`
	CompressedTS []byte            `json:"ts"`
	Fields       map[string][]byte `json:"fields"`
}

// Open opens (or creates) an archive at cfg.Path.
func Open(cfg *Config) (*Archive, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	return &Archive{db: db, compressor: compressor}, nil
}

// WriteBlock persists one run of evicted samples for a measurement. Samples
// must be in timestamp order; empty blocks are a no-op. Safe for use as a
// buffer EvictHandler target.
func (a *Archive) WriteBlock(measurement string, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	timestamps := make([]int64, len(samples))
	fieldNames := make(map[string]struct{})
	for i, s := range samples {
		timestamps[i] = s.Timestamp.UnixNano()
		for name := range s.Fields {
			fieldNames[name] = struct{}{}
		}
	}

	compressedTS, err := a.compressor.CompressTimestamps(timestamps)
	if err != nil {
		return fmt.Errorf("failed to compress timestamps: %w", err)
	}

	payload := &blockPayload{
		Count:        len(samples),
		CompressedTS: compressedTS,
		Fields:       make(map[string][]byte, len(fieldNames)),
	}

	names := make([]string, 0, len(fieldNames))
	for name := range fieldNames {
		names = append(names, name)
	}
	sort.Strings(names)

	column := make([]float64, len(samples))
	for _, name := range names {
		for i, s := range samples {
			if v, ok := s.Fields[name]; ok {
				column[i] = v
			} else {
				column[i] = math.NaN()
			}
		}
		compressed, err := a.compressor.CompressValues(column)
		if err != nil {
			return fmt.Errorf("failed to compress field %q: %w", name, err)
		}
		payload.Fields[name] = compressed
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	key := blockKey(measurement, timestamps[0])
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payloadBytes)
	})
}

// ReadRange returns archived samples of a measurement with timestamps in
// [from, to), in timestamp order. Returns nil when nothing is archived for
// the interval.
func (a *Archive) ReadRange(measurement string, from, to time.Time) ([]types.Sample, error) {
	prefix := keyPrefix(measurement)
	var samples []types.Sample

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			blockStart, err := blockStartFromKey(item.Key(), prefix)
			if err != nil {
				return err
			}
			// Keys ascend by block start; past the range nothing matches.
			if blockStart >= to.UnixNano() {
				break
			}

			var payloadBytes []byte
			if err := item.Value(func(val []byte) error {
				payloadBytes = append([]byte{}, val...)
				return nil
			}); err != nil {
				return err
			}

			block, err := a.decodeBlock(measurement, payloadBytes)
			if err != nil {
				return err
			}
			for _, s := range block {
				if !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
					samples = append(samples, s)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Blocks are keyed by their first timestamp only, so overlapping blocks
	// (after an imperfect recovery, say) can interleave or repeat samples.
	// Sort and drop repeated timestamps so readers always get the stream
	// invariant: strictly increasing timestamps.
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	deduped := samples[:0]
	for _, s := range samples {
		if len(deduped) > 0 && s.Timestamp.Equal(deduped[len(deduped)-1].Timestamp) {
			continue
		}
		deduped = append(deduped, s)
	}
	return deduped, nil
}

// decodeBlock reconstructs the samples of one stored block.
func (a *Archive) decodeBlock(measurement string, payloadBytes []byte) ([]types.Sample, error) {
	var payload blockPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}

	timestamps, err := a.compressor.DecompressTimestamps(payload.CompressedTS, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress timestamps: %w", err)
	}

	columns := make(map[string][]float64, len(payload.Fields))
	for name, data := range payload.Fields {
		values, err := a.compressor.DecompressValues(data, payload.Count)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress field %q: %w", name, err)
		}
		columns[name] = values
	}

	samples := make([]types.Sample, payload.Count)
	for i := 0; i < payload.Count; i++ {
		fields := make(map[string]float64, len(columns))
		for name, values := range columns {
			if !math.IsNaN(values[i]) {
				fields[name] = values[i]
			}
		}
		samples[i] = types.Sample{
			Measurement: measurement,
			Timestamp:   time.Unix(0, timestamps[i]).UTC(),
			Fields:      fields,
		}
	}

	return samples, nil
}

// Close closes the archive.
func (a *Archive) Close() error {
	if a.compressor != nil {
		a.compressor.Close()
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func keyPrefix(measurement string) []byte {
	return append([]byte(measurement), '/')
}

// blockKey encodes measurement/blockStart with the start time big-endian so
// badger iterates blocks in time order. The sign bit is flipped so negative
// pre-epoch times still sort before positive ones.
func blockKey(measurement string, blockStart int64) []byte {
	buf := new(bytes.Buffer)
	buf.Write(keyPrefix(measurement))
	binary.Write(buf, binary.BigEndian, uint64(blockStart)^(1<<63))
	return buf.Bytes()
}

func blockStartFromKey(key, prefix []byte) (int64, error) {
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("malformed archive key %q", key)
	}
	raw := binary.BigEndian.Uint64(key[len(prefix):])
	return int64(raw ^ (1 << 63)), nil
}
