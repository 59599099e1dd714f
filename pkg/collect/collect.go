// Package collect polls telemetry sources at a fixed period and appends one
// sample per source per poll to the ingestion buffer.
package collect

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bgottula/track/pkg/types"
)

// Source is a producer of telemetry channels. Each poll returns one snapshot
// of the source's state; the keys become field names of the source's
// measurement. An empty snapshot means nothing to record this period.
type Source interface {
	Channels() (map[string]float64, error)
}

// Appender receives collected samples. Satisfied by *buffer.Buffer.
type Appender interface {
	Append(types.Sample) error
}

// Collector samples registered sources on independent goroutines, one per
// source, so a failing source stops only its own stream and a source can be
// re-registered and restarted without touching the others.
type Collector struct {
	appender Appender
	period   time.Duration

	mu      sync.Mutex
	sources map[string]Source
	running map[string]chan struct{}
	wg      sync.WaitGroup
}

// New creates a collector appending to the given sink at the given period.
func New(appender Appender, period time.Duration) *Collector {
	if period <= 0 {
		period = time.Second
	}
	return &Collector{
		appender: appender,
		period:   period,
		sources:  make(map[string]Source),
		running:  make(map[string]chan struct{}),
	}
}

// Register adds a source under a measurement name. Registering over a
// running source is an error; stop it first.
func (c *Collector) Register(measurement string, src Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.running[measurement]; running {
		return fmt.Errorf("source %q is running", measurement)
	}
	c.sources[measurement] = src
	return nil
}

// Start launches a polling goroutine for every registered source that is not
// already running.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for measurement, src := range c.sources {
		if _, running := c.running[measurement]; running {
			continue
		}
		quit := make(chan struct{})
		c.running[measurement] = quit
		c.wg.Add(1)
		go c.poll(measurement, src, quit)
	}
}

// StopSource stops polling one source, leaving the others untouched.
func (c *Collector) StopSource(measurement string) {
	c.mu.Lock()
	quit, ok := c.running[measurement]
	if ok {
		delete(c.running, measurement)
	}
	c.mu.Unlock()
	if ok {
		close(quit)
	}
}

// Stop stops all sources and waits for their goroutines to finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	for measurement, quit := range c.running {
		close(quit)
		delete(c.running, measurement)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// poll samples one source once per period. All channels of one poll share a
// single timestamp, taken when the poll ran.
func (c *Collector) poll(measurement string, src Source, quit chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case now := <-ticker.C:
			channels, err := src.Channels()
			if err != nil {
				// A broken source ends its own stream only.
				log.Printf("telemetry source %q failed, stopping: %v", measurement, err)
				c.mu.Lock()
				if c.running[measurement] == quit {
					delete(c.running, measurement)
				}
				c.mu.Unlock()
				return
			}
			if len(channels) == 0 {
				continue
			}

			err = c.appender.Append(types.Sample{
				Measurement: measurement,
				Timestamp:   now,
				Fields:      channels,
			})
			if err != nil {
				// Rejected samples are dropped; the stream keeps going. No
				// retries here, per the error handling contract.
				log.Printf("telemetry append to %q rejected: %v", measurement, err)
			}
		}
	}
}
