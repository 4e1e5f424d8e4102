// Package objectstore is the S3-compatible blob tier (§4.1): tile and
// preview replication, and small JSON metadata documents for demo
// datasets. Grounded on original_source/Backend/app/services/storage.py
// (CloudStorage): lazy client construction, a permanent enabled=false
// flip on init failure, and the same upload/exists/delete-prefix/
// public-url operation shapes. Uses minio-go/v7 (storj-storj's
// S3-compatible client of choice in the example pack) against any
// S3-compatible endpoint (Cloudflare R2, AWS S3, MinIO).
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"imagerypipeline/internal/model"
	"imagerypipeline/internal/retry"
)

// CacheControlYear is the 1-year cache-control header used for tiles and
// previews per §4.1.
const CacheControlYear = "public, max-age=31536000"

// Config carries the §6 USE_S3/AWS_*/R2_* options.
type Config struct {
	Enabled      bool
	Bucket       string
	AccessKey    string
	SecretKey    string
	EndpointURL  string // non-empty selects R2-style path; empty selects AWS
	Region       string
	PublicURLBase string
}

// Store is the ObjectStore capability. Its S3 client is constructed lazily
// on first use, mirroring CloudStorage.client's @property in the Python
// original: cheap app startup, one permanent disable on failure.
type Store struct {
	cfg Config

	once      sync.Once
	client    *minio.Client
	initErr   error
	enabled   bool
}

// New constructs a Store. The S3 client is not dialed until first use.
func New(cfg Config) *Store {
	s := &Store{cfg: cfg, enabled: cfg.Enabled}
	log.Printf("[objectstore] config: enabled=%v bucket=%s endpoint=%s", cfg.Enabled, cfg.Bucket, cfg.EndpointURL)
	return s
}

// Enabled reports whether S3 replication is turned on and initialized
// successfully.
func (s *Store) Enabled() bool {
	return s.enabled
}

func (s *Store) ensureClient() (*minio.Client, error) {
	if !s.enabled {
		return nil, fmt.Errorf("objectstore: disabled")
	}
	s.once.Do(func() {
		secure := true
		endpoint := s.cfg.EndpointURL
		if endpoint == "" {
			if s.cfg.Region == "" {
				s.cfg.Region = "us-east-1"
			}
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", s.cfg.Region)
		} else {
			endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
		}

		c, err := minio.New(endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(s.cfg.AccessKey, s.cfg.SecretKey, ""),
			Secure: secure,
			Region: s.cfg.Region,
		})
		if err != nil {
			log.Printf("[objectstore] failed to initialize client: %v", err)
			s.initErr = err
			s.enabled = false
			return
		}
		s.client = c
		log.Printf("[objectstore] initialized (bucket=%s)", s.cfg.Bucket)
	})
	if s.initErr != nil {
		return nil, s.initErr
	}
	if s.client == nil {
		return nil, fmt.Errorf("objectstore: disabled")
	}
	return s.client, nil
}

type retryableErr struct{ err error }

func (r retryableErr) Error() string  { return r.err.Error() }
func (r retryableErr) Retryable() bool { return true }
func (r retryableErr) Unwrap() error   { return r.err }

// Put uploads bytes under key with the given content type, applying the
// 1-year cache-control default. Idempotent for the same key.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	client, err := s.ensureClient()
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = guessContentType(key)
	}

	return retry.Do(ctx, retry.DefaultPolicy(), func(attempt int) error {
		_, err := client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType:  contentType,
			CacheControl: CacheControlYear,
		})
		if err != nil {
			return retryableErr{err}
		}
		return nil
	})
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) bool {
	client, err := s.ensureClient()
	if err != nil {
		return false
	}
	_, err = client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	return err == nil
}

// GetStream returns an object's bytes and content-type, or model.ErrNotFound.
func (s *Store) GetStream(ctx context.Context, key string) ([]byte, string, error) {
	client, err := s.ensureClient()
	if err != nil {
		return nil, "", err
	}
	obj, err := client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("objectstore: %w: %s: %w", model.ErrNotFound, key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	return data, info.ContentType, nil
}

// DeletePrefix removes every object under prefix, paginating and batching
// deletes at <=1000 per batch, and returns the count removed. Idempotent.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	client, err := s.ensureClient()
	if err != nil {
		return 0, nil // disabled objectstore: nothing to delete, not an error
	}

	objectsCh := client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	const batchSize = 1000
	toDelete := make(chan minio.ObjectInfo, batchSize)
	deleted := 0

	errCh := client.RemoveObjects(ctx, s.cfg.Bucket, toDelete, minio.RemoveObjectsOptions{})

	go func() {
		defer close(toDelete)
		for obj := range objectsCh {
			if obj.Err != nil {
				continue
			}
			toDelete <- obj
			deleted++
		}
	}()

	for range errCh {
		// drain removal errors; best-effort per §4.1 (failures reported, not retried further)
	}

	return deleted, nil
}

// PublicURL builds the public-read URL for key if a public base is
// configured, else nil (represented here as "", ok=false).
func (s *Store) PublicURL(key string) (string, bool) {
	if s.cfg.PublicURLBase == "" {
		return "", false
	}
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(s.cfg.PublicURLBase, "/"), key), true
}

// PutJSON marshals v and stores it at key as application/json.
func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("objectstore: marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, data, "application/json")
}

// ListJSON lists object keys under prefix (used by lifecycle reconciliation
// to enumerate metadata/datasets/*.json).
func (s *Store) ListJSON(ctx context.Context, prefix string) ([]string, error) {
	client, err := s.ensureClient()
	if err != nil {
		return nil, err
	}
	var keys []string
	for obj := range client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Delete removes a single key. Not an error if it doesn't exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	client, err := s.ensureClient()
	if err != nil {
		return nil
	}
	return client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{})
}

func guessContentType(key string) string {
	ext := filepath.Ext(key)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Keying helpers (§6).

func TileKey(datasetID string, z, x, y int, format string) string {
	return fmt.Sprintf("tiles/%s/%d/%d/%d.%s", datasetID, z, x, y, format)
}

func TilePrefix(datasetID string) string {
	return fmt.Sprintf("tiles/%s/", datasetID)
}

func PreviewKey(datasetID string) string {
	return fmt.Sprintf("previews/%s_preview.jpg", datasetID)
}

func DatasetMetadataKey(datasetID string) string {
	return fmt.Sprintf("metadata/datasets/%s.json", datasetID)
}
