// Package datasetapi is the thin outer-layer façade §4.7 and the §6
// endpoint table describe: upload completion, single-shot upload, and
// dataset CRUD, each a short delegation to UploadAssembler,
// DatasetProcessor, or AccessPolicy. Grounded on the teacher's app.go
// (the Wails-bound RPC façade: exported methods that validate input
// shape and delegate one call deep into a service, nothing more) --
// rewritten headless, for dataset operations instead of imagery-
// download RPCs.
package datasetapi

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"imagerypipeline/internal/config"
	"imagerypipeline/internal/datasetprocessor"
	"imagerypipeline/internal/model"
	"imagerypipeline/internal/uploadassembler"
)

// API is the façade a transport layer (HTTP handlers, a CLI, a test)
// calls into.
type API struct {
	uploads   *uploadassembler.Assembler
	processor *datasetprocessor.Processor
	cfg       *config.Config
}

func New(uploads *uploadassembler.Assembler, processor *datasetprocessor.Processor, cfg *config.Config) *API {
	return &API{uploads: uploads, processor: processor, cfg: cfg}
}

// InitUpload delegates to UploadAssembler.Init.
func (a *API) InitUpload(filename string, filesize int64, totalChunks int) (*uploadassembler.Session, error) {
	return a.uploads.Init(filename, filesize, totalChunks)
}

// AppendChunk delegates to UploadAssembler.AppendChunk.
func (a *API) AppendChunk(uploadID string, index int, data []byte) (uploadassembler.AppendResult, error) {
	return a.uploads.AppendChunk(uploadID, index, bytes.NewReader(data))
}

// CancelUpload delegates to UploadAssembler.Cancel.
func (a *API) CancelUpload(uploadID string) error {
	return a.uploads.Cancel(uploadID)
}

// CompleteUpload implements the §6 "Complete upload" endpoint: assembles
// the chunked upload, creates the Dataset row, and schedules the tile
// job.
func (a *API) CompleteUpload(ctx context.Context, uploadID, name, description string, category model.Category, ownerID *string, isDemo bool) (*model.Dataset, error) {
	result, err := a.uploads.Complete(uploadID)
	if err != nil {
		return nil, err
	}

	d, err := a.processor.CreateEntry(ctx, result, name, description, category, ownerID, isDemo)
	if err != nil {
		return nil, err
	}
	if err := a.processor.StartTileJob(ctx, d.ID); err != nil {
		return nil, fmt.Errorf("datasetapi: schedule tile job: %w", err)
	}
	return d, nil
}

// SingleShotUpload implements the §6 "Single-shot upload" endpoint: for
// files small enough to arrive as one multipart body, it skips the
// chunked-session machinery entirely and hands the bytes straight to
// CreateEntry.
func (a *API) SingleShotUpload(ctx context.Context, filename string, data []byte, name, description string, category model.Category, ownerID *string, isDemo bool) (*model.Dataset, error) {
	if int64(len(data)) > uploadassembler.MaxUploadSize {
		return nil, fmt.Errorf("datasetapi: %w: %d bytes exceeds %d", model.ErrPayloadTooLarge, len(data), uploadassembler.MaxUploadSize)
	}

	path := filepath.Join(a.cfg.UploadDir, uuid.NewString()+filepath.Ext(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("datasetapi: write upload: %w", err)
	}

	result := &uploadassembler.CompleteResult{FilePath: path, Filename: filename, Filesize: int64(len(data))}
	d, err := a.processor.CreateEntry(ctx, result, name, description, category, ownerID, isDemo)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if err := a.processor.StartTileJob(ctx, d.ID); err != nil {
		return nil, fmt.Errorf("datasetapi: schedule tile job: %w", err)
	}
	return d, nil
}

// List, Get, Update, Delete, Reprocess, Status are one-line delegations
// to DatasetProcessor, matching the teacher's app.go RPC-method shape.

func (a *API) List(ctx context.Context, caller *model.Identity) ([]*model.Dataset, error) {
	return a.processor.List(ctx, caller)
}

func (a *API) Get(ctx context.Context, id string, caller *model.Identity) (*model.Dataset, error) {
	return a.processor.Get(ctx, id, caller)
}

func (a *API) Update(ctx context.Context, id string, caller *model.Identity, name, description *string, category *model.Category) (*model.Dataset, error) {
	return a.processor.Update(ctx, id, caller, name, description, category)
}

func (a *API) Delete(ctx context.Context, id string, caller *model.Identity) error {
	return a.processor.Delete(ctx, id, caller)
}

func (a *API) Reprocess(ctx context.Context, id string, caller *model.Identity) error {
	return a.processor.Reprocess(ctx, id, caller)
}

// Status returns the subset of Dataset fields the §6 status endpoint
// needs; it is a Get call at a different granularity, not a distinct
// capability.
func (a *API) Status(ctx context.Context, id string, caller *model.Identity) (model.ProcessingStatus, int, error) {
	d, err := a.processor.Get(ctx, id, caller)
	if err != nil {
		return "", 0, err
	}
	return d.ProcessingStatus, d.ProcessingProgress, nil
}
