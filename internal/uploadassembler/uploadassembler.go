// Package uploadassembler implements the chunked-upload state machine
// (§4.4): init, append_chunk, complete, cancel. Sessions are transient and
// process-local -- never written to MetadataStore. Grounded on the
// teacher's internal/taskqueue/task.go (ExportTask's status-enum +
// CreatedAt field + Mark* mutator shape), restructured from a
// JSON-persisted task record into an in-memory, mutex-guarded session map
// per spec.md's "never persisted" requirement.
package uploadassembler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagerypipeline/internal/model"
	"imagerypipeline/internal/sysinfo"
)

// DefaultChunkSize is the server-chosen chunk size (§4.4).
const DefaultChunkSize = 8 * 1024 * 1024

// MaxUploadSize is the §4.4/§6 ceiling on filesize.
const MaxUploadSize = 40 * 1024 * 1024 * 1024

// allowedExtensions is the §4.4 extension allow-list.
var allowedExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".psb":  true,
	".psd":  true,
}

// SessionStatus mirrors the §4.4 state-machine states.
type SessionStatus string

const (
	StatusInit       SessionStatus = "init"
	StatusPartial    SessionStatus = "partial"
	StatusAssembling SessionStatus = "assembling"
)

// Session is the §3 UploadSession entity: transient, in-memory, never
// persisted to MetadataStore.
type Session struct {
	UploadID       string         `json:"uploadId"`
	Filename       string         `json:"filename"`
	Filesize       int64          `json:"filesize"`
	TotalChunks    int            `json:"totalChunks"`
	ChunkSize      int64          `json:"chunkSize"`
	ReceivedChunks map[int]bool   `json:"-"`
	TempDir        string         `json:"-"`
	Status         SessionStatus  `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// AppendResult is returned by AppendChunk.
type AppendResult struct {
	Received int  `json:"received"`
	Total    int  `json:"total"`
	Complete bool `json:"complete"`
}

// Assembler owns the process-global session table (§5: "a process-global
// map guarded by a mutex; entries are owned by a single upload flow").
type Assembler struct {
	uploadDir string

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(uploadDir string) *Assembler {
	return &Assembler{
		uploadDir: uploadDir,
		sessions:  make(map[string]*Session),
	}
}

// Init validates the extension, allocates a session and its temp
// directory, and returns the upload id + chosen chunk size.
func (a *Assembler) Init(filename string, filesize int64, totalChunks int) (*Session, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("uploadassembler: %w: extension %q not supported", model.ErrUnsupportedType, ext)
	}
	if filesize <= 0 {
		return nil, fmt.Errorf("uploadassembler: %w: filesize must be positive", model.ErrBadRequest)
	}
	if filesize > MaxUploadSize {
		return nil, fmt.Errorf("uploadassembler: %w: filesize %d exceeds %d", model.ErrPayloadTooLarge, filesize, MaxUploadSize)
	}
	if totalChunks <= 0 {
		return nil, fmt.Errorf("uploadassembler: %w: total_chunks must be positive", model.ErrBadRequest)
	}

	if avail := sysinfo.AvailableDisk(a.uploadDir); avail != 0 && avail < uint64(2*filesize) {
		return nil, fmt.Errorf("uploadassembler: %w: need %d bytes free, have %d", model.ErrFailedDependency, 2*filesize, avail)
	}

	id := uuid.NewString()
	tempDir := filepath.Join(a.uploadDir, id)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("uploadassembler: create temp dir: %w", err)
	}

	s := &Session{
		UploadID:       id,
		Filename:       filename,
		Filesize:       filesize,
		TotalChunks:    totalChunks,
		ChunkSize:      DefaultChunkSize,
		ReceivedChunks: make(map[int]bool, totalChunks),
		TempDir:        tempDir,
		Status:         StatusInit,
		CreatedAt:      time.Now(),
	}

	a.mu.Lock()
	a.sessions[id] = s
	a.mu.Unlock()

	return s, nil
}

// AppendChunk writes chunk `index` to the session's temp directory.
// Idempotent: re-uploading an index overwrites the prior bytes. Chunk
// file names are a pure function of index (per §5) so concurrent writes
// to distinct indices never contend.
func (a *Assembler) AppendChunk(uploadID string, index int, data io.Reader) (AppendResult, error) {
	s, err := a.get(uploadID)
	if err != nil {
		return AppendResult{}, err
	}

	if index < 0 || index >= s.TotalChunks {
		return AppendResult{}, fmt.Errorf("uploadassembler: %w: chunk index %d out of range [0,%d)", model.ErrBadRequest, index, s.TotalChunks)
	}

	a.mu.Lock()
	if s.Status == StatusAssembling {
		a.mu.Unlock()
		return AppendResult{}, fmt.Errorf("uploadassembler: %w: upload %s already completing", model.ErrBadRequest, uploadID)
	}
	a.mu.Unlock()

	chunkPath := filepath.Join(s.TempDir, chunkFilename(index))
	f, err := os.Create(chunkPath)
	if err != nil {
		return AppendResult{}, fmt.Errorf("uploadassembler: write chunk %d: %w", index, err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		return AppendResult{}, fmt.Errorf("uploadassembler: write chunk %d: %w", index, err)
	}
	if err := f.Close(); err != nil {
		return AppendResult{}, fmt.Errorf("uploadassembler: write chunk %d: %w", index, err)
	}

	a.mu.Lock()
	s.ReceivedChunks[index] = true
	received := len(s.ReceivedChunks)
	complete := received == s.TotalChunks
	if s.Status == StatusInit {
		s.Status = StatusPartial
	}
	a.mu.Unlock()

	return AppendResult{Received: received, Total: s.TotalChunks, Complete: complete}, nil
}

func chunkFilename(index int) string {
	return fmt.Sprintf("chunk_%06d", index)
}

// CompleteResult is returned by Complete: the finished file's path, ready
// for DatasetProcessor.CreateEntry to take ownership of.
type CompleteResult struct {
	FilePath string
	Filename string
	Filesize int64
}

// Complete requires all N chunks present; it concatenates them in order
// into the final upload path, removes the temp directory, and deletes the
// session. Callers hand the result to DatasetProcessor.
func (a *Assembler) Complete(uploadID string) (*CompleteResult, error) {
	s, err := a.get(uploadID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if len(s.ReceivedChunks) != s.TotalChunks {
		a.mu.Unlock()
		return nil, fmt.Errorf("uploadassembler: %w: missing chunks (%d/%d received)", model.ErrBadRequest, len(s.ReceivedChunks), s.TotalChunks)
	}
	s.Status = StatusAssembling
	a.mu.Unlock()

	finalPath := filepath.Join(a.uploadDir, uploadID+filepath.Ext(s.Filename))
	if err := assembleChunks(s, finalPath); err != nil {
		a.failAndRemove(uploadID)
		return nil, fmt.Errorf("uploadassembler: assemble: %w", err)
	}

	os.RemoveAll(s.TempDir)

	a.mu.Lock()
	delete(a.sessions, uploadID)
	a.mu.Unlock()

	return &CompleteResult{FilePath: finalPath, Filename: s.Filename, Filesize: s.Filesize}, nil
}

func assembleChunks(s *Session, finalPath string) error {
	out, err := os.Create(finalPath)
	if err != nil {
		return fmt.Errorf("create assembled file: %w", err)
	}
	defer out.Close()

	for i := 0; i < s.TotalChunks; i++ {
		chunkPath := filepath.Join(s.TempDir, chunkFilename(i))
		in, err := os.Open(chunkPath)
		if err != nil {
			return fmt.Errorf("open chunk %d: %w", i, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("copy chunk %d: %w", i, err)
		}
	}
	return nil
}

// failAndRemove tears down a session after an assembly failure (session
// deleted, temp removed, per the [assembling] --io/disk error--> [failed]
// transition).
func (a *Assembler) failAndRemove(uploadID string) {
	a.mu.Lock()
	s, ok := a.sessions[uploadID]
	delete(a.sessions, uploadID)
	a.mu.Unlock()
	if ok {
		os.RemoveAll(s.TempDir)
	}
}

// Cancel removes temp chunks and the session, from any state.
func (a *Assembler) Cancel(uploadID string) error {
	a.mu.Lock()
	s, ok := a.sessions[uploadID]
	delete(a.sessions, uploadID)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("uploadassembler: %w: unknown upload %s", model.ErrNotFound, uploadID)
	}
	return os.RemoveAll(s.TempDir)
}

func (a *Assembler) get(uploadID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[uploadID]
	if !ok {
		return nil, fmt.Errorf("uploadassembler: %w: unknown upload %s", model.ErrNotFound, uploadID)
	}
	return s, nil
}

// Status returns a snapshot of the session's state for diagnostics.
func (a *Assembler) Status(uploadID string) (*Session, error) {
	s, err := a.get(uploadID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	cp := *s
	a.mu.Unlock()
	return &cp, nil
}
