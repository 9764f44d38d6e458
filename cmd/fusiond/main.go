// Command fusiond reads timestamped measurements from one serial port per
// sensor stream, aligns the streams on common instants and records every
// round in sqlite.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/sensorfusion/internal/api"
	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/daemon"
	"github.com/banshee-data/sensorfusion/internal/fusion/align"
	"github.com/banshee-data/sensorfusion/internal/fusion/residual"
	"github.com/banshee-data/sensorfusion/internal/fusion/timeline"
	"github.com/banshee-data/sensorfusion/internal/fusiondb"
	"github.com/banshee-data/sensorfusion/internal/monitoring"
	"github.com/banshee-data/sensorfusion/internal/timeutil"
	"github.com/banshee-data/sensorfusion/internal/version"
)

var (
	configPath  = flag.String("config", "", "Fusion config JSON (default: "+config.DefaultConfigPath+")")
	listen      = flag.String("listen", "", "Listen address (overrides the config)")
	dbPath      = flag.String("db", "", "sqlite database path (overrides the config)")
	noRecord    = flag.Bool("no-record", false, "Do not record measurements and sync points")
	logLevel    = flag.String("log-level", "ops", "Fusion log level: quiet, ops, diag or trace")
	note        = flag.String("note", "", "Free-form note stored with the run")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("fusiond %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	level, err := monitoring.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	ops, diag, trace := monitoring.Writers(os.Stderr, level)
	timeline.SetLogWriters(ops, diag, trace)
	align.SetLogWriters(ops, diag, trace)
	residual.SetLogWriter(diag)

	var cfg *config.FusionConfig
	if *configPath != "" {
		cfg, err = config.LoadFusionConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	} else {
		cfg = config.MustLoadDefaultConfig()
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DatabasePath = dbPath
	}

	clock := timeutil.RealClock{}
	opts := daemon.Options{Config: cfg, Clock: clock}

	var db *fusiondb.DB
	if !*noRecord {
		db, err = fusiondb.Open(cfg.GetDatabasePath())
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		run, err := db.StartRun(clock.Now(), *note)
		if err != nil {
			log.Fatalf("failed to start run: %v", err)
		}
		log.Printf("recording run %s to %s", run.ID, cfg.GetDatabasePath())
		opts.DB, opts.RunID = db, run.ID
	}

	d, err := daemon.New(opts)
	if err != nil {
		log.Fatalf("failed to start streams: %v", err)
	}
	defer d.Close()

	// Create a wait group for the HTTP server and fusion routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.Run(ctx); err != nil {
			log.Printf("fusion loop stopped: %v", err)
		}
		log.Print("fusion routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(d, db)
		mux := apiServer.ServeMux()
		apiServer.AttachAdminRoutes(mux)
		d.AttachAdminRoutes(mux)
		if db != nil {
			db.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: mux,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", cfg.GetListen())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
