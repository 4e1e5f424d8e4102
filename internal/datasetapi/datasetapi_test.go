package datasetapi

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagerypipeline/internal/config"
	"imagerypipeline/internal/datasetprocessor"
	"imagerypipeline/internal/metadatastore"
	"imagerypipeline/internal/model"
	"imagerypipeline/internal/objectstore"
	"imagerypipeline/internal/uploadassembler"
)

func rawPSDBytes(width, height int) []byte {
	var buf bytes.Buffer
	buf.WriteString("8BPS")
	binary.Write(&buf, binary.BigEndian, uint16(1))
	buf.Write(make([]byte, 6))
	binary.Write(&buf, binary.BigEndian, uint16(3))
	binary.Write(&buf, binary.BigEndian, uint32(height))
	binary.Write(&buf, binary.BigEndian, uint32(width))
	binary.Write(&buf, binary.BigEndian, uint16(8))
	binary.Write(&buf, binary.BigEndian, uint16(3))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, uint16(0))
	plane := make([]byte, width*height)
	buf.Write(plane)
	buf.Write(plane)
	buf.Write(plane)
	return buf.Bytes()
}

func newTestAPI(t *testing.T) (*API, *metadatastore.Store) {
	t.Helper()
	store, err := metadatastore.Open(filepath.Join(t.TempDir(), "test.db"), metadatastore.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.TilesDir = filepath.Join(t.TempDir(), "tiles")
	cfg.UploadDir = filepath.Join(t.TempDir(), "uploads")
	cfg.DatasetsDir = filepath.Join(t.TempDir(), "datasets")
	require.NoError(t, os.MkdirAll(cfg.TilesDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.UploadDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.DatasetsDir, 0o755))

	objects := objectstore.New(objectstore.Config{Enabled: false})
	uploads := uploadassembler.New(cfg.UploadDir)
	processor := datasetprocessor.New(store, objects, cfg)

	return New(uploads, processor, cfg), store
}

func TestCompleteUpload_ChunkedRoundTripCreatesDataset(t *testing.T) {
	a, _ := newTestAPI(t)
	content := rawPSDBytes(64, 64)

	session, err := a.InitUpload("scan.psd", int64(len(content)), 2)
	require.NoError(t, err)

	half := len(content) / 2
	_, err = a.AppendChunk(session.UploadID, 0, content[:half])
	require.NoError(t, err)
	_, err = a.AppendChunk(session.UploadID, 1, content[half:])
	require.NoError(t, err)

	d, err := a.CompleteUpload(context.Background(), session.UploadID, "chunked-ds", "", model.CategoryEarth, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "chunked-ds", d.Name)
	assert.Equal(t, 64, d.Width)
}

func TestSingleShotUpload_CreatesDataset(t *testing.T) {
	a, _ := newTestAPI(t)
	content := rawPSDBytes(32, 32)

	d, err := a.SingleShotUpload(context.Background(), "oneshot.psd", content, "oneshot-ds", "desc", model.CategoryEarth, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "oneshot-ds", d.Name)
	assert.Equal(t, 32, d.Height)
}

func TestSingleShotUpload_RejectsOversizedPayload(t *testing.T) {
	a, _ := newTestAPI(t)
	_, err := a.SingleShotUpload(context.Background(), "big.psd", make([]byte, uploadassembler.MaxUploadSize+1), "big-ds", "", model.CategoryEarth, nil, true)
	assert.ErrorIs(t, err, model.ErrPayloadTooLarge)
}

func TestStatus_ReflectsProcessorState(t *testing.T) {
	a, _ := newTestAPI(t)
	content := rawPSDBytes(16, 16)
	d, err := a.SingleShotUpload(context.Background(), "s.psd", content, "status-ds", "", model.CategoryEarth, nil, true)
	require.NoError(t, err)

	status, progress, err := a.Status(context.Background(), d.ID, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, status)
	assert.GreaterOrEqual(t, progress, 0)
}

func TestCallerScope(t *testing.T) {
	anon, isDemo := callerScope(nil, url.Values{})
	assert.Nil(t, anon)
	assert.True(t, isDemo)

	active := &model.Identity{ID: "u1", IsActive: true}
	owned, isDemo := callerScope(active, url.Values{})
	require.NotNil(t, owned)
	assert.Equal(t, "u1", *owned)
	assert.False(t, isDemo)

	explicitDemo, isDemo := callerScope(active, url.Values{"is_demo": {"true"}})
	assert.Nil(t, explicitDemo)
	assert.True(t, isDemo)

	inactive := &model.Identity{ID: "u2", IsActive: false}
	viaInactive, isDemo := callerScope(inactive, url.Values{})
	assert.Nil(t, viaInactive)
	assert.True(t, isDemo)
}

func newTestServer(t *testing.T, a *API) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	a.RegisterRoutes(mux, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTP_SingleShotUploadThenGetAndDelete(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := newTestServer(t, a)

	content := rawPSDBytes(16, 16)
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "http.psd")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("name", "http-ds"))
	require.NoError(t, w.WriteField("category", "earth"))
	require.NoError(t, w.WriteField("is_demo", "true"))
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/upload", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created model.Dataset
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "http-ds", created.Name)

	getResp, err := http.Get(srv.URL + "/datasets/" + created.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	delReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/datasets/"+created.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	// The test server resolves every request as anonymous, and demo
	// datasets can never be deleted: the DELETE is refused with 401 and
	// the dataset stays readable.
	assert.Equal(t, http.StatusUnauthorized, delResp.StatusCode)

	afterDelResp, err := http.Get(srv.URL + "/datasets/" + created.ID)
	require.NoError(t, err)
	defer afterDelResp.Body.Close()
	assert.Equal(t, http.StatusOK, afterDelResp.StatusCode)
}

func TestHTTP_GetUnknownDatasetReturns404(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := newTestServer(t, a)

	resp, err := http.Get(srv.URL + "/datasets/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_InitUploadRejectsMissingFilesize(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := newTestServer(t, a)

	resp, err := http.Post(srv.URL+"/upload/init?filename=x.psd&total_chunks=1", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_List(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := newTestServer(t, a)

	content := rawPSDBytes(8, 8)
	_, err := a.SingleShotUpload(context.Background(), "l.psd", content, fmt.Sprintf("list-ds-%d", 1), "", model.CategoryEarth, nil, true)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/datasets")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var datasets []model.Dataset
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&datasets))
	assert.NotEmpty(t, datasets)
}
