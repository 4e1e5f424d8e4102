package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()

	assert.Equal(t, 256, c.TileSize)
	assert.Equal(t, 30, c.MaxZoomCap)
	assert.Equal(t, int64(40*1024*1024*1024), c.MaxUploadSize)
	assert.Equal(t, 20, c.R2UploadWorkers)
	assert.Equal(t, 500, c.TileCacheCapacity)
	assert.Equal(t, 50, c.TileCacheWorkers)
	assert.Equal(t, time.Hour, c.LifecycleSweepInterval)
	assert.False(t, c.EmitWebPSiblings)
	assert.False(t, c.UseS3)
	assert.Equal(t, ":8080", c.ListenAddr)
}

func TestLoad_OverlaysEnvironment(t *testing.T) {
	t.Setenv("TILE_SIZE", "512")
	t.Setenv("USE_S3", "true")
	t.Setenv("AWS_BUCKET_NAME", "imagery-tiles")
	t.Setenv("R2_UPLOAD_MAX_WORKERS", "8")
	t.Setenv("LIFECYCLE_SWEEP_INTERVAL_SECONDS", "120")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("EMIT_WEBP_SIBLINGS", "1")

	c := Load()

	assert.Equal(t, 512, c.TileSize)
	assert.True(t, c.UseS3)
	assert.Equal(t, "imagery-tiles", c.AWSBucketName)
	assert.Equal(t, 8, c.R2UploadWorkers)
	assert.Equal(t, 2*time.Minute, c.LifecycleSweepInterval)
	assert.Equal(t, ":9090", c.ListenAddr)
	assert.True(t, c.EmitWebPSiblings)
}

func TestLoad_IgnoresInvalidOverlays(t *testing.T) {
	t.Setenv("TILE_SIZE", "not-a-number")
	t.Setenv("LIFECYCLE_SWEEP_INTERVAL_SECONDS", "-5")

	c := Load()

	assert.Equal(t, DefaultConfig().TileSize, c.TileSize, "a malformed int overlay must not corrupt the default")
	assert.Equal(t, DefaultConfig().LifecycleSweepInterval, c.LifecycleSweepInterval, "a non-positive override is rejected")
}
