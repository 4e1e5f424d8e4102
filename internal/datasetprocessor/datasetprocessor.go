// Package datasetprocessor implements §4.7's DatasetProcessor: dataset
// creation, async tile-job scheduling, deletion and reprocessing.
// Grounded on the teacher's internal/taskqueue.QueueManager (goroutine per
// job, a mutex-guarded in-memory map of in-flight state, a progress
// callback driving percent updates) but trimmed to what the spec actually
// needs -- a single fire-and-forget goroutine per dataset job, not the
// teacher's full persisted/prioritized/pausable queue.
package datasetprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"imagerypipeline/internal/accesspolicy"
	"imagerypipeline/internal/config"
	"imagerypipeline/internal/imagereader"
	"imagerypipeline/internal/metadatastore"
	"imagerypipeline/internal/model"
	"imagerypipeline/internal/objectstore"
	"imagerypipeline/internal/sysinfo"
	"imagerypipeline/internal/tilegenerator"
	"imagerypipeline/internal/uploadassembler"
)

// jobMemoryFactor is the §4.6 rule of thumb for the resource pre-check a
// tile job runs before it starts rendering: assume peak RSS is a small
// multiple of the source file size.
const jobMemoryFactor = 4

// diskHeadroomFactor mirrors the same pre-check for scratch/tile disk
// space: budget a few multiples of the source size for the rendered
// pyramid plus any intermediate state.
const diskHeadroomFactor = 3

// Processor owns dataset creation/lifecycle and the in-flight tile-job
// table. Safe for concurrent use.
type Processor struct {
	store    *metadatastore.Store
	objects  *objectstore.Store
	cfg      *config.Config

	mu   sync.Mutex
	jobs map[string]*jobState // dataset id -> in-flight job
}

type jobState struct {
	cancel context.CancelFunc
}

func New(store *metadatastore.Store, objects *objectstore.Store, cfg *config.Config) *Processor {
	return &Processor{
		store:   store,
		objects: objects,
		cfg:     cfg,
		jobs:    make(map[string]*jobState),
	}
}

// CreateEntry implements §4.7's create_entry: validates the unique name,
// opens the uploaded file to pull its metadata, and persists a pending
// Dataset row. It does not start the tile job -- callers invoke
// StartTileJob explicitly (mirroring the complete/upload-single-shot
// handlers, which call create_entry then schedule the job separately).
func (p *Processor) CreateEntry(ctx context.Context, upload *uploadassembler.CompleteResult, name, description string, category model.Category, ownerID *string, isDemo bool) (*model.Dataset, error) {
	if !model.ValidCategory(category) {
		return nil, fmt.Errorf("datasetprocessor: %w: invalid category %q", model.ErrBadRequest, category)
	}

	if existing, err := p.store.GetDatasetByName(ctx, name); err == nil && existing != nil {
		return nil, fmt.Errorf("datasetprocessor: %w: name %q already in use", model.ErrConflict, name)
	} else if err != nil && err != model.ErrNotFound {
		return nil, fmt.Errorf("datasetprocessor: check name: %w", err)
	}

	driver, handle, err := imagereader.Open(upload.FilePath, upload.Filesize)
	if err != nil {
		return nil, fmt.Errorf("datasetprocessor: open %s: %w", upload.FilePath, err)
	}
	driver.Close()

	id := uuid.NewString()
	now := time.Now()
	tileSize := p.cfg.TileSize
	if tileSize <= 0 {
		tileSize = tilegenerator.DefaultTileSize
	}
	maxZoom := model.ComputeMaxZoom(handle.Width, handle.Height, tileSize)
	if p.cfg.MaxZoomCap > 0 && maxZoom > p.cfg.MaxZoomCap {
		maxZoom = p.cfg.MaxZoomCap
	}

	d := &model.Dataset{
		ID:                 id,
		Name:               name,
		Description:        description,
		Category:           category,
		OwnerID:            ownerID,
		IsDemo:             isDemo,
		OriginalFilePath:   upload.FilePath,
		TileBasePath:       filepath.Join(p.cfg.TilesDir, id),
		Width:              handle.Width,
		Height:             handle.Height,
		TileSize:           tileSize,
		MinZoom:            0,
		MaxZoom:            maxZoom,
		Projection:         handle.Projection,
		Geotransform:       handle.Geotransform,
		Bounds:             handle.Bounds,
		ExtraMetadata:      map[string]any{},
		ProcessingStatus:   model.StatusPending,
		ProcessingProgress: 0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	// §3 invariants 2/3: expires_at is set only for non-demo, owned
	// datasets, 24h after creation; demo datasets never expire by age.
	if !isDemo && ownerID != nil {
		exp := now.Add(24 * time.Hour)
		d.ExpiresAt = &exp
	}

	if err := p.store.InsertDataset(ctx, d); err != nil {
		return nil, fmt.Errorf("datasetprocessor: insert: %w", err)
	}
	return d, nil
}

// StartTileJob implements §4.7's start_tile_job: it runs the resource
// pre-checks, renders the pyramid, writes a best-effort preview, and
// (when ObjectStore is enabled) replicates tiles and preview to the
// cloud -- all asynchronously. The dataset's processing_status/progress
// fields are the only externally visible signal of where a job stands;
// callers poll GetDataset or Status.
func (p *Processor) StartTileJob(ctx context.Context, datasetID string) error {
	d, err := p.store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if _, running := p.jobs[datasetID]; running {
		p.mu.Unlock()
		return fmt.Errorf("datasetprocessor: %w: job already running for %s", model.ErrConflict, datasetID)
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	p.jobs[datasetID] = &jobState{cancel: cancel}
	p.mu.Unlock()

	go p.runTileJob(jobCtx, d)
	return nil
}

func (p *Processor) runTileJob(ctx context.Context, d *model.Dataset) {
	defer func() {
		p.mu.Lock()
		delete(p.jobs, d.ID)
		p.mu.Unlock()
	}()

	fail := func(cause error, reasonKey string) {
		log.Printf("datasetprocessor: job %s failed: %v", d.ID, cause)
		d.ProcessingStatus = model.StatusFailed
		d.UpdatedAt = time.Now()
		if d.ExtraMetadata == nil {
			d.ExtraMetadata = map[string]any{}
		}
		d.ExtraMetadata["error"] = reasonKey
		if err := p.store.UpdateDataset(context.Background(), d); err != nil {
			log.Printf("datasetprocessor: persist failure for %s: %v", d.ID, err)
		}
	}

	info, err := os.Stat(d.OriginalFilePath)
	if err != nil {
		fail(err, "source-missing")
		return
	}

	if avail := sysinfo.AvailableMemory(); avail != 0 && avail < uint64(info.Size())*jobMemoryFactor {
		fail(model.ErrInsufficientMemory, "insufficient-memory")
		return
	}
	if avail := sysinfo.AvailableDisk(p.cfg.TilesDir); avail != 0 && avail < uint64(info.Size())*diskHeadroomFactor {
		fail(model.ErrInsufficientDisk, "insufficient-disk")
		return
	}

	d.ProcessingStatus = model.StatusProcessing
	d.ProcessingProgress = 5
	d.UpdatedAt = time.Now()
	if err := p.store.UpdateDataset(ctx, d); err != nil {
		log.Printf("datasetprocessor: mark processing %s: %v", d.ID, err)
	}

	driver, handle, err := imagereader.Open(d.OriginalFilePath, info.Size())
	if err != nil {
		fail(err, "open-failed")
		return
	}
	defer driver.Close()

	progress := func(pct int) {
		p2, perr := p.store.GetDataset(ctx, d.ID)
		if perr != nil {
			return
		}
		p2.ProcessingProgress = pct
		p2.UpdatedAt = time.Now()
		if err := p.store.UpdateDataset(ctx, p2); err != nil {
			log.Printf("datasetprocessor: progress update %s: %v", d.ID, err)
		}
	}

	opts := tilegenerator.Options{
		TileSize:         d.TileSize,
		TileBasePath:     d.TileBasePath,
		CompressionLevel: png.BestSpeed,
		EmitWebPSiblings: p.cfg.EmitWebPSiblings,
		Progress:         progress,
	}

	stats, err := tilegenerator.Generate(handle, driver, d.MaxZoom, opts)
	if err != nil {
		fail(err, "tile-generation-failed")
		return
	}

	d.ProcessingStatus = model.StatusCompleted
	d.ProcessingProgress = 100
	d.UpdatedAt = time.Now()
	if d.ExtraMetadata == nil {
		d.ExtraMetadata = map[string]any{}
	}
	d.ExtraMetadata["tiles_count"] = stats.TilesWritten
	if stats.CorruptedTiles > 0 {
		d.ExtraMetadata["corrupted_tiles"] = stats.CorruptedTiles
	}
	if err := p.store.UpdateDataset(ctx, d); err != nil {
		log.Printf("datasetprocessor: persist completion %s: %v", d.ID, err)
	}

	// Preview generation is best-effort: a missing preview never fails an
	// otherwise-completed job.
	if err := tilegenerator.GeneratePreview(d.TileBasePath, p.cfg.DatasetsDir, d.ID); err != nil {
		log.Printf("datasetprocessor: preview %s: %v", d.ID, err)
	} else {
		p.refreshExtra(ctx, d.ID, "preview_url", filepath.Join(p.cfg.DatasetsDir, d.ID+"_preview.jpg"))
	}

	if p.objects != nil && p.objects.Enabled() {
		p.uploadToCloud(ctx, d)
	}
}

// uploadToCloud is the best-effort §4.7 cloud-replication tail: tiles,
// preview, and (for demo datasets only) the durable metadata document.
func (p *Processor) uploadToCloud(ctx context.Context, d *model.Dataset) {
	workers := p.cfg.R2UploadWorkers
	if workers <= 0 {
		workers = 20
	}

	tilePaths := collectTileFiles(d.TileBasePath)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var failed sync.Map

	for _, tp := range tilePaths {
		tp := tp
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			key, data, ct, err := tileUploadArgs(d.TileBasePath, d.ID, tp)
			if err != nil {
				failed.Store(tp, err)
				return
			}
			if err := p.objects.Put(ctx, key, data, ct); err != nil {
				failed.Store(tp, err)
			}
		}()
	}
	wg.Wait()

	failedCount := 0
	failed.Range(func(_, _ any) bool { failedCount++; return true })

	if failedCount > 0 {
		p.refreshExtra(ctx, d.ID, "r2_upload_error", fmt.Sprintf("%d of %d tile uploads failed", failedCount, len(tilePaths)))
	} else {
		p.refreshExtra(ctx, d.ID, "tiles_uploaded_to_cloud", true)
	}

	previewPath := filepath.Join(p.cfg.DatasetsDir, d.ID+"_preview.jpg")
	if data, err := os.ReadFile(previewPath); err == nil {
		if err := p.objects.Put(ctx, objectstore.PreviewKey(d.ID), data, "image/jpeg"); err != nil {
			log.Printf("datasetprocessor: preview upload %s: %v", d.ID, err)
		}
	}

	if d.IsDemo {
		if err := p.objects.PutJSON(ctx, objectstore.DatasetMetadataKey(d.ID), d); err != nil {
			log.Printf("datasetprocessor: demo metadata upload %s: %v", d.ID, err)
		}
	}
}

func (p *Processor) refreshExtra(ctx context.Context, datasetID, key string, value any) {
	d, err := p.store.GetDataset(ctx, datasetID)
	if err != nil {
		return
	}
	if d.ExtraMetadata == nil {
		d.ExtraMetadata = map[string]any{}
	}
	d.ExtraMetadata[key] = value
	d.UpdatedAt = time.Now()
	if err := p.store.UpdateDataset(ctx, d); err != nil {
		log.Printf("datasetprocessor: refresh extra_metadata[%s] for %s: %v", key, datasetID, err)
	}
}

func collectTileFiles(tileBasePath string) []string {
	var out []string
	filepath.Walk(tileBasePath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		out = append(out, path)
		return nil
	})
	return out
}

func tileUploadArgs(tileBasePath, datasetID, localPath string) (key string, data []byte, contentType string, err error) {
	rel, err := filepath.Rel(tileBasePath, localPath)
	if err != nil {
		return "", nil, "", err
	}
	data, err = os.ReadFile(localPath)
	if err != nil {
		return "", nil, "", err
	}
	key = fmt.Sprintf("tiles/%s/%s", datasetID, filepath.ToSlash(rel))
	switch filepath.Ext(localPath) {
	case ".webp":
		contentType = "image/webp"
	default:
		contentType = "image/png"
	}
	return key, data, contentType, nil
}

// Delete implements §4.7's delete: AccessPolicy-gated removal of the
// local tile directory, original upload, preview, the ObjectStore tile
// prefix and metadata key, and the MetadataStore row.
func (p *Processor) Delete(ctx context.Context, datasetID string, caller *model.Identity) error {
	d, err := p.store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	if err := accesspolicy.Check(d, caller, accesspolicy.IntentDelete); err != nil {
		return err
	}

	p.mu.Lock()
	if job, running := p.jobs[datasetID]; running {
		job.cancel()
	}
	p.mu.Unlock()

	os.RemoveAll(d.TileBasePath)
	if d.OriginalFilePath != "" {
		os.Remove(d.OriginalFilePath)
	}
	os.Remove(filepath.Join(p.cfg.DatasetsDir, d.ID+"_preview.jpg"))

	if p.objects != nil && p.objects.Enabled() {
		if _, err := p.objects.DeletePrefix(ctx, objectstore.TilePrefix(d.ID)); err != nil {
			log.Printf("datasetprocessor: delete tile prefix %s: %v", d.ID, err)
		}
		if err := p.objects.Delete(ctx, objectstore.DatasetMetadataKey(d.ID)); err != nil {
			log.Printf("datasetprocessor: delete metadata key %s: %v", d.ID, err)
		}
		if err := p.objects.Delete(ctx, objectstore.PreviewKey(d.ID)); err != nil {
			log.Printf("datasetprocessor: delete preview key %s: %v", d.ID, err)
		}
	}

	return p.store.DeleteDataset(ctx, d.ID)
}

// Reprocess implements §4.7's reprocess: discards the existing tile
// output and reruns StartTileJob from scratch.
func (p *Processor) Reprocess(ctx context.Context, datasetID string, caller *model.Identity) error {
	d, err := p.store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	if err := accesspolicy.Check(d, caller, accesspolicy.IntentModify); err != nil {
		return err
	}

	os.RemoveAll(d.TileBasePath)

	d.ProcessingStatus = model.StatusPending
	d.ProcessingProgress = 0
	d.UpdatedAt = time.Now()
	if err := p.store.UpdateDataset(ctx, d); err != nil {
		return fmt.Errorf("datasetprocessor: reset for reprocess: %w", err)
	}

	return p.StartTileJob(ctx, d.ID)
}

// Get returns a dataset, enforcing the read policy.
func (p *Processor) Get(ctx context.Context, datasetID string, caller *model.Identity) (*model.Dataset, error) {
	d, err := p.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := accesspolicy.Check(d, caller, accesspolicy.IntentRead); err != nil {
		return nil, err
	}
	return d, nil
}

// List implements §4.7's visibility rule: an authenticated caller sees
// only their own datasets (owner_id == caller.id); an unauthenticated
// caller sees only is_demo=true datasets.
func (p *Processor) List(ctx context.Context, caller *model.Identity) ([]*model.Dataset, error) {
	if caller == nil || !caller.IsActive {
		demoTrue := true
		return p.store.ListDatasets(ctx, metadatastore.ListDatasetsOpts{IsDemo: &demoTrue})
	}
	return p.store.ListDatasets(ctx, metadatastore.ListDatasetsOpts{OwnerID: &caller.ID})
}

// Update applies a partial edit to name/description/category, rejecting
// changes to immutable demo datasets per §4.10.
func (p *Processor) Update(ctx context.Context, datasetID string, caller *model.Identity, name, description *string, category *model.Category) (*model.Dataset, error) {
	d, err := p.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := accesspolicy.Check(d, caller, accesspolicy.IntentModify); err != nil {
		return nil, err
	}

	if name != nil && *name != d.Name {
		if existing, err := p.store.GetDatasetByName(ctx, *name); err == nil && existing != nil && existing.ID != d.ID {
			return nil, fmt.Errorf("datasetprocessor: %w: name %q already in use", model.ErrConflict, *name)
		} else if err != nil && err != model.ErrNotFound {
			return nil, fmt.Errorf("datasetprocessor: check name: %w", err)
		}
		d.Name = *name
	}
	if description != nil {
		d.Description = *description
	}
	if category != nil {
		if !model.ValidCategory(*category) {
			return nil, fmt.Errorf("datasetprocessor: %w: invalid category %q", model.ErrBadRequest, *category)
		}
		d.Category = *category
	}
	d.UpdatedAt = time.Now()

	if err := p.store.UpdateDataset(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ReconcileDemoMetadata implements §4.9's startup reconciliation: every
// metadata/datasets/*.json object not already present in MetadataStore is
// inserted as a durable, ownerless demo dataset.
func (p *Processor) ReconcileDemoMetadata(ctx context.Context) error {
	if p.objects == nil || !p.objects.Enabled() {
		return nil
	}
	keys, err := p.objects.ListJSON(ctx, "metadata/datasets/")
	if err != nil {
		return fmt.Errorf("datasetprocessor: list demo metadata: %w", err)
	}

	missing := lo.Filter(keys, func(key string, _ int) bool {
		id := datasetIDFromMetadataKey(key)
		_, err := p.store.GetDataset(ctx, id)
		return err == model.ErrNotFound
	})

	for _, key := range missing {
		data, _, err := p.objects.GetStream(ctx, key)
		if err != nil {
			log.Printf("datasetprocessor: reconcile read %s: %v", key, err)
			continue
		}
		var d model.Dataset
		if err := json.Unmarshal(data, &d); err != nil {
			log.Printf("datasetprocessor: reconcile decode %s: %v", key, err)
			continue
		}
		d.IsDemo = true
		d.OwnerID = nil
		d.ExpiresAt = nil
		if err := p.store.InsertDataset(ctx, &d); err != nil {
			log.Printf("datasetprocessor: reconcile insert %s: %v", key, err)
		}
	}
	return nil
}

func datasetIDFromMetadataKey(key string) string {
	base := filepath.Base(key)
	return base[:len(base)-len(filepath.Ext(base))]
}
