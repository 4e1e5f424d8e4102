// Package model defines the entities persisted by MetadataStore (§3).
package model

import (
	"errors"
	"math"
	"time"
)

// Sentinel errors mapped by callers to the §6/§7 error classes.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrBadRequest      = errors.New("bad request")
	ErrUnavailable     = errors.New("service unavailable")
	ErrFailedDependency = errors.New("failed dependency")

	// ErrInsufficientMemory and ErrInsufficientDisk back the §4.5/§4.6
	// extra_metadata.error strings ("insufficient-memory",
	// "insufficient-disk") a failed job records.
	ErrInsufficientMemory = errors.New("insufficient memory")
	ErrInsufficientDisk   = errors.New("insufficient disk")
)

// Category is the §3 Dataset.category enum.
type Category string

const (
	CategoryEarth Category = "earth"
	CategoryMars  Category = "mars"
	CategorySpace Category = "space"
)

func ValidCategory(c Category) bool {
	switch c {
	case CategoryEarth, CategoryMars, CategorySpace:
		return true
	}
	return false
}

// ProcessingStatus is the Dataset lifecycle state (§4.7).
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// TileFormat is one of the fallback-able tile encodings (§3).
type TileFormat string

const (
	FormatPNG  TileFormat = "png"
	FormatJPG  TileFormat = "jpg"
	FormatWebP TileFormat = "webp"
)

// User is the §3 User entity.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Username       string     `json:"username"`
	CredentialHash string     `json:"-"`
	FullName       string     `json:"fullName"`
	IsActive       bool       `json:"isActive"`
	IsSuperuser    bool       `json:"isSuperuser"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastLogin      *time.Time `json:"lastLogin,omitempty"`
}

// Dataset is the §3 Dataset entity.
type Dataset struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Category    Category   `json:"category"`
	OwnerID     *string    `json:"ownerId,omitempty"`
	IsDemo      bool       `json:"isDemo"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`

	OriginalFilePath string `json:"originalFilePath,omitempty"`
	TileBasePath     string `json:"tileBasePath,omitempty"`

	Width    int `json:"width"`
	Height   int `json:"height"`
	TileSize int `json:"tileSize"`
	MinZoom  int `json:"minZoom"`
	MaxZoom  int `json:"maxZoom"`

	Projection   string    `json:"projection,omitempty"`
	Geotransform []float64 `json:"geotransform,omitempty"`
	Bounds       []float64 `json:"bounds,omitempty"`

	ExtraMetadata map[string]any `json:"extraMetadata,omitempty"`

	ProcessingStatus   ProcessingStatus `json:"processingStatus"`
	ProcessingProgress int              `json:"processingProgress"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CacheBust derives the cache-bust token from UpdatedAt (falling back to
// CreatedAt), per the GLOSSARY definition.
func (d *Dataset) CacheBust() int64 {
	if !d.UpdatedAt.IsZero() {
		return d.UpdatedAt.Unix()
	}
	return d.CreatedAt.Unix()
}

// ComputeMaxZoom implements §3 invariant: max_zoom = ceil(log2(max(w,h)/tileSize)).
func ComputeMaxZoom(width, height, tileSize int) int {
	if tileSize <= 0 {
		tileSize = 256
	}
	longest := width
	if height > longest {
		longest = height
	}
	if longest <= tileSize {
		return 0
	}
	z := math.Ceil(math.Log2(float64(longest) / float64(tileSize)))
	if z < 0 {
		z = 0
	}
	return int(z)
}

// TilesAcross returns the number of tiles along one axis at zoom z for a
// source dimension, per invariant 1 in §3.
func TilesAcross(dim, tileSize, z, maxZoom int) int {
	scale := math.Pow(2, float64(z-maxZoom))
	return int(math.Ceil(float64(dim) * scale / float64(tileSize)))
}

// TileKey is the canonical (dataset_id, z, x, y, format) tuple.
type TileKey struct {
	DatasetID string
	Z, X, Y   int
	Format    TileFormat
}

// Annotation is the §3 Annotation entity (externally managed; the core
// only guarantees cascade-delete on its parent Dataset).
type Annotation struct {
	ID             string
	DatasetID      string
	UserID         string
	Geometry       map[string]any
	AnnotationType string
	Label          string
	Description    string
	Properties     map[string]any
	Confidence     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProcessingJob is the optional telemetry mirror of Dataset status (§3).
type ProcessingJob struct {
	ID          string
	DatasetID   string
	TaskID      string
	Status      ProcessingStatus
	Progress    int
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Identity is the minimal UserIdentity surface AccessPolicy needs; the
// real auth/credential mapping lives in the (out-of-scope) auth provider.
type Identity struct {
	ID       string
	IsActive bool

	// IsSystem marks the internal caller LifecycleManager uses to sweep
	// expired datasets (§4.9): it bypasses the ownership check so the
	// sweeper can delete datasets it doesn't itself own.
	IsSystem bool
}
