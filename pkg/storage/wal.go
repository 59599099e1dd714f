package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bgottula/track/pkg/types"
)

// WAL journals accepted appends so the in-memory buffer can be rebuilt after
// a crash. One JSON entry per line; flushed to disk once a second, so at most
// one flush interval of hot data is lost.
type WAL struct {
	path       string
	file       *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// walEntry is a single journaled append.
type walEntry struct {
	Recorded time.Time    `json:"recorded"`
	Sample   types.Sample `json:"sample"`
}

// NewWAL creates a write-ahead log under dataPath. Each process start opens a
// fresh segment file.
func NewWAL(dataPath string) (*WAL, error) {
	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := filepath.Join(walPath, fmt.Sprintf("wal-%d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		path:   walPath,
		file:   file,
		writer: bufio.NewWriter(file),
	}
	w.flushTimer = time.AfterFunc(time.Second, w.autoFlush)

	return w, nil
}

// Append journals one accepted sample. Satisfies buffer.Journal.
func (w *WAL) Append(s types.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("WAL is closed")
	}

	data, err := json.Marshal(walEntry{Recorded: time.Now(), Sample: s})
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	return nil
}

// Flush forces buffered entries to disk.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// autoFlush runs on the flush timer. The closed check and the reset happen
// under the same lock as Close, so a flush racing Close can neither touch the
// closed file nor re-arm the timer.
func (w *WAL) autoFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if err := w.writer.Flush(); err != nil {
		log.Printf("WAL flush failed: %v", err)
	} else if err := w.file.Sync(); err != nil {
		log.Printf("WAL sync failed: %v", err)
	}
	w.flushTimer.Reset(time.Second)
}

// Close flushes and closes the log. Appends after Close are rejected.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.flushTimer != nil {
		w.flushTimer.Stop()
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// ReplayWAL replays journaled samples in recorded order and removes each
// segment after it is consumed. Call before opening a new WAL so the fresh
// segment is not replayed into itself.
//
// Samples with timestamps before cutoff are skipped: the journal covers
// everything appended during the previous session, including samples that
// session already evicted into the archive. Eviction only archives samples
// older than the retention window, so passing now-retention as the cutoff
// restores exactly the hot samples without re-ingesting archived ones, which
// would otherwise be archived a second time and corrupt the block layout.
func ReplayWAL(dataPath string, cutoff time.Time, handler func(types.Sample) error) error {
	walPath := filepath.Join(dataPath, "wal")

	entries, err := os.ReadDir(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read WAL directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	// Segment names embed the creation time, so name order is time order.
	sort.Strings(names)

	for _, name := range names {
		filename := filepath.Join(walPath, name)
		if err := replayWALFile(filename, cutoff, handler); err != nil {
			return fmt.Errorf("failed to replay %s: %w", filename, err)
		}
		os.Remove(filename)
	}

	return nil
}

func replayWALFile(filename string, cutoff time.Time, handler func(types.Sample) error) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("failed to unmarshal WAL entry: %w", err)
		}
		if entry.Sample.Timestamp.Before(cutoff) {
			continue
		}
		if err := handler(entry.Sample); err != nil {
			return fmt.Errorf("failed to replay entry: %w", err)
		}
	}
	return scanner.Err()
}
