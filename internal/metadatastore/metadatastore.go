// Package metadatastore is the relational record of truth for users,
// datasets, annotations and processing jobs (§4.3). Grounded on
// MeKo-Christian-WaterColorMap's internal/mbtiles/writer.go: database/sql
// against modernc.org/sqlite (pure Go, no cgo), the same
// PRAGMA-journal_mode=WAL / synchronous=NORMAL tuning, and
// CREATE-TABLE-IF-NOT-EXISTS schema bootstrap on open.
package metadatastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"imagerypipeline/internal/model"
)

// PoolConfig mirrors §6's connection-pool tuning: 20 persistent
// connections, 40 overflow, 1h recycle, 30s acquisition timeout.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AcquireTimeout  time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    60, // 20 persistent + 40 overflow
		MaxIdleConns:    20,
		ConnMaxLifetime: time.Hour,
		AcquireTimeout:  30 * time.Second,
	}
}

// Store is the metadata relational store.
type Store struct {
	db   *sql.DB
	pool PoolConfig
}

// connDSN carries the WAL/synchronous/foreign_keys/busy_timeout tuning
// in the DSN itself rather than a one-time db.Exec: modernc.org/sqlite
// re-applies `_pragma` query parameters every time it opens a new
// physical connection, so this is what makes the tuning -- in
// particular foreign_keys, which is a per-connection pragma in sqlite
// -- actually hold across the whole database/sql pool instead of just
// whichever single connection ran an ad hoc PRAGMA statement.
func connDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(30000)",
		path)
}

// Open opens (and creates, if absent) the sqlite database at path and
// applies the schema.
func Open(path string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("sqlite", connDSN(path))
	if err != nil {
		return nil, fmt.Errorf("metadatastore: open: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, pool: pool}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL UNIQUE,
			credential_hash TEXT NOT NULL,
			full_name TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_superuser INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_login TEXT
		);

		CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			category TEXT NOT NULL,
			owner_id TEXT REFERENCES users(id),
			is_demo INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT,
			original_file_path TEXT,
			tile_base_path TEXT,
			width INTEGER,
			height INTEGER,
			tile_size INTEGER,
			min_zoom INTEGER,
			max_zoom INTEGER,
			projection TEXT,
			geotransform TEXT,
			bounds TEXT,
			extra_metadata TEXT,
			processing_status TEXT NOT NULL,
			processing_progress INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_datasets_owner ON datasets(owner_id);
		CREATE INDEX IF NOT EXISTS idx_datasets_status ON datasets(processing_status);
		CREATE INDEX IF NOT EXISTS idx_datasets_expires ON datasets(expires_at);

		CREATE TABLE IF NOT EXISTS annotations (
			id TEXT PRIMARY KEY,
			dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
			user_id TEXT REFERENCES users(id),
			annotation_type TEXT,
			label TEXT,
			description TEXT,
			geometry TEXT NOT NULL,
			properties TEXT,
			confidence REAL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_annotations_dataset ON annotations(dataset_id);

		CREATE TABLE IF NOT EXISTS processing_jobs (
			id TEXT PRIMARY KEY,
			dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
			task_id TEXT,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_dataset ON processing_jobs(dataset_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("metadatastore: schema: %w", err)
	}
	return nil
}

// --- Users ---

func (s *Store) InsertUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, credential_hash, full_name, is_active, is_superuser, created_at, last_login)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Username, u.CredentialHash, u.FullName, boolInt(u.IsActive), boolInt(u.IsSuperuser),
		formatTime(u.CreatedAt), formatTimePtr(u.LastLogin))
	if err != nil {
		return fmt.Errorf("metadatastore: insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, credential_hash, full_name, is_active, is_superuser, created_at, last_login
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, credential_hash, full_name, is_active, is_superuser, created_at, last_login
		FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	var isActive, isSuperuser int
	var createdAt string
	var lastLogin sql.NullString
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.CredentialHash, &u.FullName, &isActive, &isSuperuser, &createdAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadatastore: scan user: %w", err)
	}
	u.IsActive = isActive != 0
	u.IsSuperuser = isSuperuser != 0
	u.CreatedAt = parseTime(createdAt)
	if lastLogin.Valid {
		t := parseTime(lastLogin.String)
		u.LastLogin = &t
	}
	return &u, nil
}

// --- Datasets ---

func (s *Store) InsertDataset(ctx context.Context, d *model.Dataset) error {
	geotransform, bounds, extra, err := marshalDatasetJSON(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, name, description, category, owner_id, is_demo, expires_at,
			original_file_path, tile_base_path, width, height, tile_size, min_zoom, max_zoom,
			projection, geotransform, bounds, extra_metadata, processing_status, processing_progress,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Description, string(d.Category), d.OwnerID, boolInt(d.IsDemo), formatTimePtr(d.ExpiresAt),
		d.OriginalFilePath, d.TileBasePath, d.Width, d.Height, d.TileSize, d.MinZoom, d.MaxZoom,
		d.Projection, geotransform, bounds, extra, string(d.ProcessingStatus), d.ProcessingProgress,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		if isUniqueNameViolation(err) {
			return fmt.Errorf("metadatastore: %w: name %q already in use", model.ErrConflict, d.Name)
		}
		return fmt.Errorf("metadatastore: insert dataset: %w", err)
	}
	return nil
}

// isUniqueNameViolation recognizes the datasets.name UNIQUE constraint
// failure so a racing CreateEntry/Update gets model.ErrConflict instead
// of an opaque driver error -- the constraint is the actual race
// closer; GetDatasetByName's pre-check is just the common-case fast
// path.
func isUniqueNameViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed: datasets.name")
}

func (s *Store) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	row := s.db.QueryRowContext(ctx, datasetSelectCols+` FROM datasets WHERE id = ?`, id)
	return scanDataset(row)
}

// GetDatasetByName backs the §3 invariant 5 uniqueness check (name is
// globally unique across all datasets).
func (s *Store) GetDatasetByName(ctx context.Context, name string) (*model.Dataset, error) {
	row := s.db.QueryRowContext(ctx, datasetSelectCols+` FROM datasets WHERE name = ?`, name)
	return scanDataset(row)
}

const datasetSelectCols = `
	SELECT id, name, description, category, owner_id, is_demo, expires_at,
		original_file_path, tile_base_path, width, height, tile_size, min_zoom, max_zoom,
		projection, geotransform, bounds, extra_metadata, processing_status, processing_progress,
		created_at, updated_at`

func scanDataset(row *sql.Row) (*model.Dataset, error) {
	var d model.Dataset
	var category, status string
	var ownerID, expiresAt, geotransform, bounds, extra sql.NullString
	var createdAt, updatedAt string
	var isDemo int
	err := row.Scan(&d.ID, &d.Name, &d.Description, &category, &ownerID, &isDemo, &expiresAt,
		&d.OriginalFilePath, &d.TileBasePath, &d.Width, &d.Height, &d.TileSize, &d.MinZoom, &d.MaxZoom,
		&d.Projection, &geotransform, &bounds, &extra, &status, &d.ProcessingProgress,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadatastore: scan dataset: %w", err)
	}
	d.Category = model.Category(category)
	d.ProcessingStatus = model.ProcessingStatus(status)
	d.IsDemo = isDemo != 0
	if ownerID.Valid {
		v := ownerID.String
		d.OwnerID = &v
	}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		d.ExpiresAt = &t
	}
	if geotransform.Valid {
		json.Unmarshal([]byte(geotransform.String), &d.Geotransform)
	}
	if bounds.Valid {
		json.Unmarshal([]byte(bounds.String), &d.Bounds)
	}
	if extra.Valid {
		json.Unmarshal([]byte(extra.String), &d.ExtraMetadata)
	}
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// ListDatasetsOpts filters ListDatasets.
type ListDatasetsOpts struct {
	OwnerID  *string
	IsDemo   *bool
	Category *model.Category
	Status   *model.ProcessingStatus
	Limit    int
	Offset   int
}

func (s *Store) ListDatasets(ctx context.Context, opts ListDatasetsOpts) ([]*model.Dataset, error) {
	q := datasetSelectCols + ` FROM datasets WHERE 1=1`
	var args []any
	if opts.OwnerID != nil {
		q += ` AND owner_id = ?`
		args = append(args, *opts.OwnerID)
	}
	if opts.IsDemo != nil {
		q += ` AND is_demo = ?`
		args = append(args, boolInt(*opts.IsDemo))
	}
	if opts.Category != nil {
		q += ` AND category = ?`
		args = append(args, string(*opts.Category))
	}
	if opts.Status != nil {
		q += ` AND processing_status = ?`
		args = append(args, string(*opts.Status))
	}
	q += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: list datasets: %w", err)
	}
	defer rows.Close()

	var out []*model.Dataset
	for rows.Next() {
		d, err := scanDatasetRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDatasetRows(rows *sql.Rows) (*model.Dataset, error) {
	var d model.Dataset
	var category, status string
	var ownerID, expiresAt, geotransform, bounds, extra sql.NullString
	var createdAt, updatedAt string
	var isDemo int
	err := rows.Scan(&d.ID, &d.Name, &d.Description, &category, &ownerID, &isDemo, &expiresAt,
		&d.OriginalFilePath, &d.TileBasePath, &d.Width, &d.Height, &d.TileSize, &d.MinZoom, &d.MaxZoom,
		&d.Projection, &geotransform, &bounds, &extra, &status, &d.ProcessingProgress,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: scan dataset row: %w", err)
	}
	d.Category = model.Category(category)
	d.ProcessingStatus = model.ProcessingStatus(status)
	d.IsDemo = isDemo != 0
	if ownerID.Valid {
		v := ownerID.String
		d.OwnerID = &v
	}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		d.ExpiresAt = &t
	}
	if geotransform.Valid {
		json.Unmarshal([]byte(geotransform.String), &d.Geotransform)
	}
	if bounds.Valid {
		json.Unmarshal([]byte(bounds.String), &d.Bounds)
	}
	if extra.Valid {
		json.Unmarshal([]byte(extra.String), &d.ExtraMetadata)
	}
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

func (s *Store) UpdateDataset(ctx context.Context, d *model.Dataset) error {
	geotransform, bounds, extra, err := marshalDatasetJSON(d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasets SET name=?, description=?, category=?, owner_id=?, is_demo=?, expires_at=?,
			original_file_path=?, tile_base_path=?, width=?, height=?, tile_size=?, min_zoom=?, max_zoom=?,
			projection=?, geotransform=?, bounds=?, extra_metadata=?, processing_status=?, processing_progress=?,
			updated_at=?
		WHERE id=?`,
		d.Name, d.Description, string(d.Category), d.OwnerID, boolInt(d.IsDemo), formatTimePtr(d.ExpiresAt),
		d.OriginalFilePath, d.TileBasePath, d.Width, d.Height, d.TileSize, d.MinZoom, d.MaxZoom,
		d.Projection, geotransform, bounds, extra, string(d.ProcessingStatus), d.ProcessingProgress,
		formatTime(d.UpdatedAt), d.ID)
	if err != nil {
		if isUniqueNameViolation(err) {
			return fmt.Errorf("metadatastore: %w: name %q already in use", model.ErrConflict, d.Name)
		}
		return fmt.Errorf("metadatastore: update dataset: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *Store) DeleteDataset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("metadatastore: delete dataset: %w", err)
	}
	return checkRowsAffected(res)
}

// ExpiredDatasets returns non-demo (user-owned) datasets whose expires_at
// has passed, used by the lifecycle sweeper (§4.9). Demo datasets always
// have expires_at = null and are never swept by age.
func (s *Store) ExpiredDatasets(ctx context.Context, asOf time.Time) ([]*model.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, datasetSelectCols+`
		FROM datasets WHERE is_demo = 0 AND expires_at IS NOT NULL AND expires_at <= ?`,
		formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("metadatastore: expired datasets: %w", err)
	}
	defer rows.Close()

	var out []*model.Dataset
	for rows.Next() {
		d, err := scanDatasetRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func marshalDatasetJSON(d *model.Dataset) (geotransform, bounds, extra string, err error) {
	gt, err := json.Marshal(d.Geotransform)
	if err != nil {
		return "", "", "", fmt.Errorf("metadatastore: marshal geotransform: %w", err)
	}
	b, err := json.Marshal(d.Bounds)
	if err != nil {
		return "", "", "", fmt.Errorf("metadatastore: marshal bounds: %w", err)
	}
	e, err := json.Marshal(d.ExtraMetadata)
	if err != nil {
		return "", "", "", fmt.Errorf("metadatastore: marshal extra metadata: %w", err)
	}
	return string(gt), string(b), string(e), nil
}

// --- Annotations ---

func (s *Store) InsertAnnotation(ctx context.Context, a *model.Annotation) error {
	geometry, err := json.Marshal(a.Geometry)
	if err != nil {
		return fmt.Errorf("metadatastore: marshal geometry: %w", err)
	}
	properties, err := json.Marshal(a.Properties)
	if err != nil {
		return fmt.Errorf("metadatastore: marshal properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, dataset_id, user_id, annotation_type, label, description, geometry, properties, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DatasetID, a.UserID, a.AnnotationType, a.Label, a.Description, string(geometry), string(properties), a.Confidence,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("metadatastore: insert annotation: %w", err)
	}
	return nil
}

func (s *Store) ListAnnotations(ctx context.Context, datasetID string) ([]*model.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset_id, user_id, annotation_type, label, description, geometry, properties, confidence, created_at, updated_at
		FROM annotations WHERE dataset_id = ? ORDER BY created_at`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: list annotations: %w", err)
	}
	defer rows.Close()

	var out []*model.Annotation
	for rows.Next() {
		var a model.Annotation
		var userID sql.NullString
		var geometry, properties string
		var createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.DatasetID, &userID, &a.AnnotationType, &a.Label, &a.Description, &geometry, &properties, &a.Confidence, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("metadatastore: scan annotation: %w", err)
		}
		if userID.Valid {
			a.UserID = userID.String
		}
		json.Unmarshal([]byte(geometry), &a.Geometry)
		json.Unmarshal([]byte(properties), &a.Properties)
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAnnotation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("metadatastore: delete annotation: %w", err)
	}
	return checkRowsAffected(res)
}

// --- Processing jobs ---

func (s *Store) InsertJob(ctx context.Context, j *model.ProcessingJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (id, dataset_id, task_id, status, progress, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.DatasetID, j.TaskID, string(j.Status), j.Progress, j.Error,
		formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt), formatTime(j.CreatedAt))
	if err != nil {
		return fmt.Errorf("metadatastore: insert job: %w", err)
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, j *model.ProcessingJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs SET status=?, progress=?, error=?, started_at=?, completed_at=?
		WHERE id=?`,
		string(j.Status), j.Progress, j.Error, formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt), j.ID)
	if err != nil {
		return fmt.Errorf("metadatastore: update job: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, task_id, status, progress, error, started_at, completed_at, created_at
		FROM processing_jobs WHERE id = ?`, id)
	var j model.ProcessingJob
	var status string
	var taskID, errMsg, startedAt, completedAt sql.NullString
	var createdAt string
	err := row.Scan(&j.ID, &j.DatasetID, &taskID, &status, &j.Progress, &errMsg, &startedAt, &completedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadatastore: scan job: %w", err)
	}
	j.Status = model.ProcessingStatus(status)
	if taskID.Valid {
		j.TaskID = taskID.String
	}
	if errMsg.Valid {
		j.Error = errMsg.String
	}
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		j.CompletedAt = &t
	}
	j.CreatedAt = parseTime(createdAt)
	return &j, nil
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metadatastore: rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
