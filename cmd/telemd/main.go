// Command telemd is the tracking telemetry daemon: it ingests samples from
// the telescope control loop and its peripherals and serves time-bucketed
// aggregates to the dashboard.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bgottula/track/internal/config"
	"github.com/bgottula/track/pkg/api"
	"github.com/bgottula/track/pkg/buffer"
	"github.com/bgottula/track/pkg/query"
	"github.com/bgottula/track/pkg/schema"
	"github.com/bgottula/track/pkg/storage"
	"github.com/bgottula/track/pkg/types"
)

const version = "0.1.0"

func main() {
	log.Printf("track telemetry daemon v%s", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Configuration loaded:")
	log.Printf("  Listen Address: %s", cfg.Server.ListenAddr)
	log.Printf("  Retention: %s", cfg.Buffer.Retention)
	log.Printf("  Archive Path: %s", cfg.Archive.Path)
	log.Printf("  Compression Level: %d", cfg.Archive.CompressionLevel)

	schemas := schema.Default()

	archive, err := storage.Open(cfg.ToArchiveConfig())
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	defer archive.Close()

	buf := buffer.New(schemas, cfg.ToBufferConfig())
	buf.SetEvictHandler(func(measurement string, samples []types.Sample) {
		if err := archive.WriteBlock(measurement, samples); err != nil {
			log.Printf("Failed to archive %d samples of %q: %v", len(samples), measurement, err)
		}
	})

	if cfg.Archive.EnableWAL {
		// Recover the hot buffer from the previous session, then open a
		// fresh journal for this one. Entries older than the retention
		// window were already evicted into the archive and must not be
		// re-ingested.
		cutoff := time.Now().Add(-cfg.Buffer.Retention)
		err := storage.ReplayWAL(cfg.Archive.Path, cutoff, func(s types.Sample) error {
			if appendErr := buf.Append(s); appendErr != nil {
				log.Printf("WAL replay skipped a sample of %q: %v", s.Measurement, appendErr)
			}
			return nil
		})
		if err != nil {
			log.Fatalf("Failed to replay WAL: %v", err)
		}

		wal, err := storage.NewWAL(cfg.Archive.Path)
		if err != nil {
			log.Fatalf("Failed to open WAL: %v", err)
		}
		defer wal.Close()
		buf.SetJournal(wal)
	}

	buf.Start()
	defer buf.Stop()

	cache := storage.NewResultCache(cfg.Cache.Capacity, cfg.Cache.TTL)
	engine := query.New(schemas, buf, archive, cache)

	// Every accepted append invalidates cached results, whichever path it
	// arrived by.
	buf.SetOnAppend(func(types.Sample) {
		engine.Invalidate()
	})

	panels := query.DashboardPanels()
	if err := query.ValidatePanels(schemas, panels); err != nil {
		log.Fatalf("Dashboard panel validation failed: %v", err)
	}
	log.Printf("Validated %d dashboard panels", len(panels))

	server := api.NewServer(cfg.Server.ListenAddr, schemas, buf, engine)

	go func() {
		log.Printf("API server listening on %s", cfg.Server.ListenAddr)
		if err := server.Start(); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
