// vitald is the health data store daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/vitalstore/vitalstore/internal/aggregate"
	"github.com/vitalstore/vitalstore/internal/analytics"
	"github.com/vitalstore/vitalstore/internal/config"
	"github.com/vitalstore/vitalstore/internal/export"
	"github.com/vitalstore/vitalstore/internal/ingest"
	"github.com/vitalstore/vitalstore/internal/jobs"
	"github.com/vitalstore/vitalstore/internal/logging"
	"github.com/vitalstore/vitalstore/internal/manifest"
	"github.com/vitalstore/vitalstore/internal/server"
	"github.com/vitalstore/vitalstore/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "database path (overrides config)")
	manifestPath := flag.String("manifest", "", "manifest path (overrides config)")
	importDir := flag.String("import-dir", "", "external import base directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			logging.Init(logging.ParseLevel("error"), false)
			logging.Component("main").Error("load config", "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *manifestPath != "" {
		cfg.ManifestPath = *manifestPath
	}
	if *importDir != "" {
		cfg.ImportDir = *importDir
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format == "json")
	log := logging.Component("main")
	log.Info("vitald starting", "version", Version)

	// An invalid manifest must never serve traffic.
	schema, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		log.Error("manifest compilation failed", "path", cfg.ManifestPath, "error", err)
		os.Exit(1)
	}
	log.Info("manifest compiled",
		"tables", len(schema.TableNames()), "batch_size", schema.Settings.BatchSize)

	st, err := store.Open(store.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Error("open store", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.SyncSchema(context.Background(), schema); err != nil {
		log.Error("schema synchronization failed", "error", err)
		os.Exit(1)
	}
	log.Info("schema synchronized", "path", cfg.Database.Path)

	registry := jobs.NewRegistry()
	writer := store.NewWriter(st)
	pipeline := ingest.NewPipeline(schema, writer, registry)
	importer := ingest.NewImporter(schema, st, writer, registry)
	engine := aggregate.NewEngine(st, schema)
	reports := analytics.NewEngine(st, schema, cfg.Database.Path)
	exporter := export.NewExporter(st, schema, export.Options{
		Compression: cfg.Export.Compression,
	})

	srv := server.New(server.Options{
		Config:    cfg.Server,
		Schema:    schema,
		Store:     st,
		Pipeline:  pipeline,
		Importer:  importer,
		Registry:  registry,
		Engine:    engine,
		Analytics: reports,
		Exporter:  exporter,
		ImportDir: cfg.ImportDir,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown", "error", err)
	}
	log.Info("vitald stopped")
}
