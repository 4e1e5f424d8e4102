// HTTP transport for the API façade: the §6 endpoint table's upload and
// dataset-CRUD routes. Grounded on the teacher's internal/handlers/
// tileserver/server.go (net/http.ServeMux + corsMiddleware shape), the
// same pattern internal/tileserver already applies to the tile routes.
package datasetapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"imagerypipeline/internal/model"
)

// IdentityResolver resolves the caller identity for a request; nil is
// treated as anonymous.
type IdentityResolver func(r *http.Request) *model.Identity

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RegisterRoutes wires the upload and dataset-CRUD endpoints onto mux.
func (a *API) RegisterRoutes(mux *http.ServeMux, resolve IdentityResolver) {
	if resolve == nil {
		resolve = func(*http.Request) *model.Identity { return nil }
	}
	wrap := func(h func(http.ResponseWriter, *http.Request, *model.Identity)) http.Handler {
		return corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h(w, r, resolve(r))
		}))
	}

	mux.Handle("POST /upload/init", wrap(a.handleInitUpload))
	mux.Handle("POST /upload/chunk", wrap(a.handleAppendChunk))
	mux.Handle("POST /upload/complete", wrap(a.handleCompleteUpload))
	mux.Handle("DELETE /upload/{upload_id}", wrap(a.handleCancelUpload))
	mux.Handle("POST /upload", wrap(a.handleSingleShotUpload))

	mux.Handle("GET /datasets", wrap(a.handleList))
	mux.Handle("GET /datasets/{id}", wrap(a.handleGet))
	mux.Handle("PATCH /datasets/{id}", wrap(a.handleUpdate))
	mux.Handle("DELETE /datasets/{id}", wrap(a.handleDelete))
	mux.Handle("POST /datasets/{id}/reprocess", wrap(a.handleReprocess))
	mux.Handle("GET /datasets/{id}/status", wrap(a.handleStatus))
}

func (a *API) handleInitUpload(w http.ResponseWriter, r *http.Request, _ *model.Identity) {
	q := r.URL.Query()
	filesize, err := strconv.ParseInt(q.Get("filesize"), 10, 64)
	if err != nil {
		writeErr(w, model.ErrBadRequest)
		return
	}
	totalChunks, err := strconv.Atoi(q.Get("total_chunks"))
	if err != nil {
		writeErr(w, model.ErrBadRequest)
		return
	}
	session, err := a.InitUpload(q.Get("filename"), filesize, totalChunks)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleAppendChunk(w http.ResponseWriter, r *http.Request, _ *model.Identity) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, model.ErrBadRequest)
		return
	}
	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		writeErr(w, model.ErrBadRequest)
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeErr(w, model.ErrBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, model.ErrBadRequest)
		return
	}
	result, err := a.AppendChunk(r.FormValue("upload_id"), index, data)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleCancelUpload(w http.ResponseWriter, r *http.Request, _ *model.Identity) {
	if err := a.CancelUpload(r.PathValue("upload_id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleCompleteUpload(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	q := r.URL.Query()
	ownerID, isDemo := callerScope(caller, q)
	d, err := a.CompleteUpload(r.Context(), q.Get("upload_id"), q.Get("name"), q.Get("description"), model.Category(q.Get("category")), ownerID, isDemo)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) handleSingleShotUpload(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeErr(w, model.ErrBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, model.ErrBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, model.ErrBadRequest)
		return
	}
	ownerID, isDemo := callerScope(caller, r.Form)
	d, err := a.SingleShotUpload(r.Context(), header.Filename, data, r.FormValue("name"), r.FormValue("description"), model.Category(r.FormValue("category")), ownerID, isDemo)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	datasets, err := a.List(r.Context(), caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	d, err := a.Get(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	q := r.URL.Query()
	var name, description *string
	var category *model.Category
	if v := q.Get("name"); v != "" {
		name = &v
	}
	if v := q.Get("description"); v != "" {
		description = &v
	}
	if v := q.Get("category"); v != "" {
		c := model.Category(v)
		category = &c
	}
	d, err := a.Update(r.Context(), r.PathValue("id"), caller, name, description, category)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	if err := a.Delete(r.Context(), r.PathValue("id"), caller); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleReprocess(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	if err := a.Reprocess(r.Context(), r.PathValue("id"), caller); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request, caller *model.Identity) {
	status, progress, err := a.Status(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "progress": progress})
}

// callerScope derives the owner_id/is_demo pair CreateEntry needs from
// the resolved caller identity and an explicit is_demo form value: an
// anonymous caller may only create demo datasets, an authenticated one
// owns what it uploads unless it asks for a demo dataset.
func callerScope(caller *model.Identity, form interface{ Get(string) string }) (*string, bool) {
	isDemo := form.Get("is_demo") == "true"
	if caller == nil || !caller.IsActive {
		return nil, true
	}
	if isDemo {
		return nil, true
	}
	id := caller.ID
	return &id, false
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
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrFailedDependency):
		status = http.StatusFailedDependency
	case errors.Is(err, model.ErrUnsupportedType):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, model.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrInsufficientMemory), errors.Is(err, model.ErrInsufficientDisk):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
