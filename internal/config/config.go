// Package config loads the process-wide configuration recognized by the
// ingestion-and-tile pipeline (§6 of the specification).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-recognized option.
type Config struct {
	TilesDir    string
	UploadDir   string
	DatasetsDir string
	TempDir     string

	MetadataDBPath string
	ListenAddr     string

	TileSize   int
	MaxZoomCap int

	MaxUploadSize int64

	UseS3            bool
	AWSBucketName    string
	AWSAccessKeyID   string
	AWSSecretKey     string
	S3EndpointURL    string
	R2PublicURL      string
	AWSRegion        string
	R2UploadWorkers  int

	TileCacheCapacity int
	TileCacheWorkers  int

	LifecycleSweepInterval time.Duration

	// EmitWebPSiblings generates a .webp sibling alongside every .png
	// tile (§4.6/§4.8 format-fallback chain). Off by default: it roughly
	// doubles tile-generation CPU cost for a format most viewers only
	// fall back to.
	EmitWebPSiblings bool
}

// DefaultConfig mirrors the teacher's DefaultSettings() shape: a struct
// literal of sane defaults that Load() overlays with environment values.
func DefaultConfig() *Config {
	return &Config{
		TilesDir:    "data/tiles",
		UploadDir:   "data/uploads",
		DatasetsDir: "data/datasets",
		TempDir:     "data/tmp",

		MetadataDBPath: "data/imagerypipeline.db",
		ListenAddr:     ":8080",

		TileSize:   256,
		MaxZoomCap: 30,

		MaxUploadSize: 40 * 1024 * 1024 * 1024, // 40 GiB

		UseS3:           false,
		AWSRegion:       "auto",
		R2UploadWorkers: 20,

		TileCacheCapacity: 500,
		TileCacheWorkers:  50,

		LifecycleSweepInterval: time.Hour,

		EmitWebPSiblings: false,
	}
}

// Load overlays environment variables onto DefaultConfig(), the same
// merge-with-defaults shape as the teacher's cache.LoadConfig.
func Load() *Config {
	c := DefaultConfig()

	overlayString(&c.TilesDir, "TILES_DIR")
	overlayString(&c.UploadDir, "UPLOAD_DIR")
	overlayString(&c.DatasetsDir, "DATASETS_DIR")
	overlayString(&c.TempDir, "TEMP_DIR")

	overlayString(&c.MetadataDBPath, "METADATA_DB_PATH")
	overlayString(&c.ListenAddr, "LISTEN_ADDR")

	overlayInt(&c.TileSize, "TILE_SIZE")
	overlayInt(&c.MaxZoomCap, "MAX_ZOOM_CAP")

	overlayInt64(&c.MaxUploadSize, "MAX_UPLOAD_SIZE")

	overlayBool(&c.UseS3, "USE_S3")
	overlayString(&c.AWSBucketName, "AWS_BUCKET_NAME")
	overlayString(&c.AWSAccessKeyID, "AWS_ACCESS_KEY_ID")
	overlayString(&c.AWSSecretKey, "AWS_SECRET_ACCESS_KEY")
	overlayString(&c.S3EndpointURL, "S3_ENDPOINT_URL")
	overlayString(&c.R2PublicURL, "R2_PUBLIC_URL")
	overlayString(&c.AWSRegion, "AWS_REGION")
	overlayInt(&c.R2UploadWorkers, "R2_UPLOAD_MAX_WORKERS")

	overlayInt(&c.TileCacheCapacity, "TILE_CACHE_CAPACITY")
	overlayInt(&c.TileCacheWorkers, "TILE_CACHE_WORKERS")

	overlayBool(&c.EmitWebPSiblings, "EMIT_WEBP_SIBLINGS")

	if v := os.Getenv("LIFECYCLE_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LifecycleSweepInterval = time.Duration(n) * time.Second
		}
	}

	return c
}

func overlayString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overlayInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overlayInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func overlayBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
