// Command server is the headless HTTP front end for the ingestion and
// tile-pyramid pipeline. Grounded on the teacher's main.go (app-directory
// bootstrap, log-file-under-an-app-directory setup) with the
// Wails/desktop bootstrap (embedded frontend, wails.Run) replaced by a
// net/http server and graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"imagerypipeline/internal/config"
	"imagerypipeline/internal/datasetapi"
	"imagerypipeline/internal/datasetprocessor"
	"imagerypipeline/internal/lifecycle"
	"imagerypipeline/internal/metadatastore"
	"imagerypipeline/internal/objectstore"
	"imagerypipeline/internal/tilecache"
	"imagerypipeline/internal/tileserver"
	"imagerypipeline/internal/uploadassembler"
)

func main() {
	cfg := config.Load()

	for _, dir := range []string{cfg.TilesDir, cfg.UploadDir, cfg.DatasetsDir, cfg.TempDir, filepath.Dir(cfg.MetadataDBPath)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatal("Failed to create data directory:", err)
		}
	}

	logPath := filepath.Join(cfg.TempDir, "server.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer logFile.Close()

	log.SetOutput(logFile)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Println("=== imagerypipeline server started ===")
	log.Printf("Listen address: %s", cfg.ListenAddr)
	log.Printf("Log file: %s", logPath)
	println("Listening on", cfg.ListenAddr, "-- logs:", logPath)

	store, err := metadatastore.Open(cfg.MetadataDBPath, metadatastore.DefaultPoolConfig())
	if err != nil {
		log.Fatal("Failed to open metadata store:", err)
	}
	defer store.Close()

	objects := objectstore.New(objectstore.Config{
		Enabled:       cfg.UseS3,
		Bucket:        cfg.AWSBucketName,
		AccessKey:     cfg.AWSAccessKeyID,
		SecretKey:     cfg.AWSSecretKey,
		EndpointURL:   cfg.S3EndpointURL,
		Region:        cfg.AWSRegion,
		PublicURLBase: cfg.R2PublicURL,
	})

	cache, err := tilecache.New(cfg.TileCacheCapacity, cfg.TileCacheWorkers, objects)
	if err != nil {
		log.Fatal("Failed to build tile cache:", err)
	}

	uploads := uploadassembler.New(cfg.UploadDir)
	processor := datasetprocessor.New(store, objects, cfg)
	api := datasetapi.New(uploads, processor, cfg)
	tiles := tileserver.New(store, objects, cache, cfg.DatasetsDir)

	lc := lifecycle.New(store, processor, cfg.LifecycleSweepInterval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lc.Start(ctx)
	defer lc.Stop()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, nil)
	tiles.RegisterRoutes(mux, nil)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error:", err)
		}
	}()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	<-stopSignal

	log.Println("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
