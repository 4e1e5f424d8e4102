// Package tileserver implements §4.8's TileServer: the read path that
// turns a (dataset_id, z, x, y, format) request into tile bytes or a
// redirect, consulting TileCache and ObjectStore ahead of local disk.
// Grounded on the teacher's internal/handlers/tileserver/server.go for
// the HTTP plumbing (net/http.ServeMux, a random-port listener, a CORS
// middleware) generalized from the teacher's fixed Google-Earth/Esri
// routes to the spec's dataset/tile/preview/info routes.
package tileserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"imagerypipeline/internal/accesspolicy"
	"imagerypipeline/internal/metadatastore"
	"imagerypipeline/internal/model"
	"imagerypipeline/internal/objectstore"
	"imagerypipeline/internal/tilecache"
)

// CacheControlTile and CacheControlPreview are the §4.8/§4.1 response
// headers for tile and preview hits respectively.
const (
	CacheControlTile    = "public, max-age=31536000, immutable"
	CacheControlPreview = "public, max-age=86400"
)

// Result is a served tile or preview: exactly one of Data or
// RedirectURL is set.
type Result struct {
	Data        []byte
	ContentType string
	RedirectURL string
	Format      model.TileFormat
	ETag        string
}

// Server is the TileServer capability.
type Server struct {
	store       *metadatastore.Store
	objects     *objectstore.Store
	cache       *tilecache.Cache
	datasetsDir string
}

func New(store *metadatastore.Store, objects *objectstore.Store, cache *tilecache.Cache, datasetsDir string) *Server {
	return &Server{store: store, objects: objects, cache: cache, datasetsDir: datasetsDir}
}

// fallbackOrder implements §4.8 step 7a's per-requested-format alternate
// chains.
func fallbackOrder(requested model.TileFormat) []model.TileFormat {
	switch requested {
	case model.FormatJPG:
		return []model.TileFormat{model.FormatJPG, model.FormatPNG, model.FormatWebP}
	case model.FormatWebP:
		return []model.TileFormat{model.FormatWebP, model.FormatPNG, model.FormatJPG}
	default:
		return []model.TileFormat{model.FormatPNG, model.FormatJPG, model.FormatWebP}
	}
}

func contentTypeFor(format model.TileFormat) string {
	switch format {
	case model.FormatJPG:
		return "image/jpeg"
	case model.FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

// Serve implements the §4.8 algorithm for a single tile request.
func (s *Server) Serve(ctx context.Context, datasetID string, z, x, y int, format model.TileFormat, caller *model.Identity) (*Result, error) {
	d, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := accesspolicy.Check(d, caller, accesspolicy.IntentRead); err != nil {
		return nil, err
	}
	if d.ProcessingStatus != model.StatusCompleted && d.ProcessingStatus != model.StatusProcessing {
		return nil, fmt.Errorf("tileserver: %w: dataset %s is %s", model.ErrUnavailable, datasetID, d.ProcessingStatus)
	}
	if z > d.MaxZoom {
		return nil, fmt.Errorf("tileserver: %w: zoom %d exceeds max_zoom %d", model.ErrBadRequest, z, d.MaxZoom)
	}

	cacheBust := d.CacheBust()

	key := model.TileKey{DatasetID: datasetID, Z: z, X: x, Y: y, Format: format}
	if data, ok := s.cache.Get(key); ok {
		return &Result{Data: data, ContentType: contentTypeFor(format), Format: format, ETag: etag(datasetID, z, x, y, format)}, nil
	}

	uploadedFlag, _ := d.ExtraMetadata["tiles_uploaded_to_cloud"].(bool)
	candidates := fallbackOrder(format)

	if s.objects != nil && s.objects.Enabled() && (uploadedFlag || s.objects.Exists(ctx, objectstore.TileKey(datasetID, z, x, y, string(format)))) {
		for _, f := range candidates {
			objKey := objectstore.TileKey(datasetID, z, x, y, string(f))
			if !s.objects.Exists(ctx, objKey) {
				continue
			}
			data, ct, err := s.objects.GetStream(ctx, objKey)
			if err == nil {
				s.cache.Put(model.TileKey{DatasetID: datasetID, Z: z, X: x, Y: y, Format: f}, data)
				return &Result{Data: data, ContentType: ct, Format: f, ETag: etag(datasetID, z, x, y, f)}, nil
			}
			if url, ok := s.objects.PublicURL(objKey); ok {
				return &Result{RedirectURL: fmt.Sprintf("%s?v=%d", url, cacheBust), Format: f}, nil
			}
		}
	}

	for _, f := range candidates {
		path := filepath.Join(d.TileBasePath, strconv.Itoa(z), strconv.Itoa(x), fmt.Sprintf("%d.%s", y, f))
		data, err := os.ReadFile(path)
		if err == nil {
			s.cache.Put(model.TileKey{DatasetID: datasetID, Z: z, X: x, Y: y, Format: f}, data)
			return &Result{Data: data, ContentType: contentTypeFor(f), Format: f, ETag: etag(datasetID, z, x, y, f)}, nil
		}
	}

	return nil, fmt.Errorf("tileserver: %w: no tile at z%d/%d/%d for dataset %s", model.ErrNotFound, z, x, y, datasetID)
}

func etag(datasetID string, z, x, y int, format model.TileFormat) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%s-%d-%d-%d-%s", datasetID, z, x, y, format))
}

// FetchBatch implements §4.8's fetch_batch: access control checked once,
// then delegated to TileCache.FetchMany under a 15s deadline. Returns raw
// bytes keyed by
// TileKey; HTTP-layer callers base64-encode for the JSON wire format.
func (s *Server) FetchBatch(ctx context.Context, datasetID string, coords []model.TileKey, caller *model.Identity) (map[model.TileKey][]byte, error) {
	d, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := accesspolicy.Check(d, caller, accesspolicy.IntentRead); err != nil {
		return nil, err
	}
	if len(coords) > tilecache.MaxBatch {
		return nil, fmt.Errorf("tileserver: %w: batch of %d exceeds %d", model.ErrBadRequest, len(coords), tilecache.MaxBatch)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return s.cache.FetchMany(ctx, coords)
}

// ServePreview implements §4.8's preview serving: extra_metadata's
// preview_url, then an ObjectStore public URL, then the local file.
func (s *Server) ServePreview(ctx context.Context, datasetID string, caller *model.Identity) (*Result, error) {
	d, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := accesspolicy.Check(d, caller, accesspolicy.IntentRead); err != nil {
		return nil, err
	}

	if url, ok := d.ExtraMetadata["preview_url"].(string); ok && url != "" {
		if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
			return &Result{RedirectURL: url}, nil
		}
		if data, err := os.ReadFile(url); err == nil {
			return &Result{Data: data, ContentType: "image/jpeg"}, nil
		}
	}

	if s.objects != nil && s.objects.Enabled() {
		key := objectstore.PreviewKey(datasetID)
		if s.objects.Exists(ctx, key) {
			if data, ct, err := s.objects.GetStream(ctx, key); err == nil {
				return &Result{Data: data, ContentType: ct}, nil
			}
			if url, ok := s.objects.PublicURL(key); ok {
				return &Result{RedirectURL: url}, nil
			}
		}
	}

	localPath := filepath.Join(s.datasetsDir, datasetID+"_preview.jpg")
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("tileserver: %w: no preview for dataset %s", model.ErrNotFound, datasetID)
	}
	return &Result{Data: data, ContentType: "image/jpeg"}, nil
}

// TileInfo is the §6 "Tile info" endpoint's zoomify-shaped response.
type TileInfo struct {
	Type     string    `json:"type"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	TileSize int       `json:"tileSize"`
	MinZoom  int       `json:"minZoom"`
	MaxZoom  int       `json:"maxZoom"`
	TilesURL string    `json:"tilesUrl"`
	Profile  string    `json:"profile"`
	Bounds   []float64 `json:"bounds,omitempty"`
}

func (s *Server) Info(ctx context.Context, datasetID string, caller *model.Identity) (*TileInfo, error) {
	d, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := accesspolicy.Check(d, caller, accesspolicy.IntentRead); err != nil {
		return nil, err
	}
	return &TileInfo{
		Type:     "zoomify",
		Width:    d.Width,
		Height:   d.Height,
		TileSize: d.TileSize,
		MinZoom:  d.MinZoom,
		MaxZoom:  d.MaxZoom,
		TilesURL: fmt.Sprintf("tiles/%s/{z}/{x}/{y}.png", d.ID),
		Profile:  "level0",
		Bounds:   d.Bounds,
	}, nil
}

// Identity resolves a caller identity from a request, out of scope for
// the core (the real credential/session mapping lives in an auth
// provider) -- request handlers default to an anonymous read-only
// caller, matching AccessPolicy's "caller == nil" behavior.
type IdentityResolver func(r *http.Request) *model.Identity

// corsMiddleware mirrors the teacher's server.go middleware, extended
// with §4.8's Cross-Origin-Resource-Policy header for tile/preview
// responses served cross-origin from a map viewer.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RegisterRoutes wires the §6 tile/preview/info endpoints onto mux,
// resolving caller identity via resolve (nil is treated as anonymous).
func (s *Server) RegisterRoutes(mux *http.ServeMux, resolve IdentityResolver) {
	if resolve == nil {
		resolve = func(*http.Request) *model.Identity { return nil }
	}

	mux.Handle("GET /tiles/{id}/{z}/{x}/{yformat}", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleTile(w, r, resolve(r))
	})))
	mux.Handle("GET /tiles/{id}/batch", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleBatch(w, r, resolve(r))
	})))
	mux.Handle("GET /tiles/{id}/preview", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handlePreview(w, r, resolve(r))
	})))
	mux.Handle("GET /tiles/{id}/info", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleInfo(w, r, resolve(r))
	})))
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	id := r.PathValue("id")
	z, zerr := strconv.Atoi(r.PathValue("z"))
	x, xerr := strconv.Atoi(r.PathValue("x"))
	yformat := r.PathValue("yformat")
	dot := strings.LastIndexByte(yformat, '.')
	if zerr != nil || xerr != nil || dot < 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	y, yerr := strconv.Atoi(yformat[:dot])
	if yerr != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	format := model.TileFormat(yformat[dot+1:])

	res, err := s.Serve(r.Context(), id, z, x, y, format, caller)
	writeResult(w, r, res, err, CacheControlTile)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	id := r.PathValue("id")
	raw := r.URL.Query()["tiles"]
	coords := make([]model.TileKey, 0, len(raw))
	for _, t := range raw {
		k, err := parseTileSpec(id, t)
		if err != nil {
			continue
		}
		coords = append(coords, k)
	}

	results, err := s.FetchBatch(r.Context(), id, coords, caller)
	if err != nil {
		writeErr(w, err)
		return
	}

	encoded := make(map[string]string, len(results))
	for k, data := range results {
		encoded[fmt.Sprintf("%d/%d/%d.%s", k.Z, k.X, k.Y, k.Format)] = base64.StdEncoding.EncodeToString(data)
	}
	writeJSON(w, encoded)
}

func parseTileSpec(datasetID, spec string) (model.TileKey, error) {
	dot := strings.LastIndexByte(spec, '.')
	if dot < 0 {
		return model.TileKey{}, fmt.Errorf("bad tile spec %q", spec)
	}
	parts := strings.Split(spec[:dot], "/")
	if len(parts) != 3 {
		return model.TileKey{}, fmt.Errorf("bad tile spec %q", spec)
	}
	z, err1 := strconv.Atoi(parts[0])
	x, err2 := strconv.Atoi(parts[1])
	y, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return model.TileKey{}, fmt.Errorf("bad tile spec %q", spec)
	}
	return model.TileKey{DatasetID: datasetID, Z: z, X: x, Y: y, Format: model.TileFormat(spec[dot+1:])}, nil
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	id := r.PathValue("id")
	res, err := s.ServePreview(r.Context(), id, caller)
	writeResult(w, r, res, err, CacheControlPreview)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	id := r.PathValue("id")
	info, err := s.Info(r.Context(), id, caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, info)
}

func writeResult(w http.ResponseWriter, r *http.Request, res *Result, err error, cacheControl string) {
	if err != nil {
		writeErr(w, err)
		return
	}
	if res.RedirectURL != "" {
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	}
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("Content-Type", res.ContentType)
	if res.ETag != "" {
		w.Header().Set("ETag", res.ETag)
	}
	if res.Format != "" {
		w.Header().Set("X-Tile-Format", string(res.Format))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, model.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
