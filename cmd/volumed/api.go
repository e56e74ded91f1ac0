package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zacheryvaughn/network-volume-manager/core/chunkstore"
	"github.com/zacheryvaughn/network-volume-manager/core/metadata"
	"github.com/zacheryvaughn/network-volume-manager/core/volume"
)

// Memory ceiling for parsing multipart chunk forms; larger chunks spill to
// temp files.
const multipartMemory = 16 << 20

type API struct {
	Volume   *volume.Volume
	Store    *chunkstore.Store
	Metadata *metadata.Service
	Watcher  *metadata.Watcher
}

func NewAPI(vol *volume.Volume, store *chunkstore.Store, meta *metadata.Service, watcher *metadata.Watcher) *API {
	return &API{
		Volume:   vol,
		Store:    store,
		Metadata: meta,
		Watcher:  watcher,
	}
}

func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/list/", a.handleList)
	mux.HandleFunc("/upload/", a.handleUpload)
	mux.HandleFunc("/upload-chunk/", a.handleUploadChunk)
	mux.HandleFunc("/cancel-upload/", a.handleCancelUpload)
	mux.HandleFunc("/create-folder/", a.handleCreateFolder)
	mux.HandleFunc("/rename/", a.handleRename)
	mux.HandleFunc("/delete/", a.handleDelete)
	mux.HandleFunc("/move/", a.handleMove)
	mux.HandleFunc("/search", a.handleSearch)
	mux.HandleFunc("/change-directory", a.handleChangeDirectory)

	return mux
}

// pathParam extracts the {path} segment that trails the route prefix.
func pathParam(r *http.Request, prefix string) string {
	return volume.CleanRel(strings.TrimPrefix(r.URL.Path, prefix))
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	listing, err := a.Metadata.List(pathParam(r, "/list/"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dir := pathParam(r, "/upload/")

	mr, err := r.MultipartReader()
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "no file uploaded")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}

		if part.FormName() != "file" || part.FileName() == "" {
			continue
		}

		if _, err := a.Store.WriteFile(dir, part.FileName(), part); err != nil {
			writeError(w, err)
			return
		}

		log.Infow("http", "event", "upload", "dir", dir, "file", part.FileName())
		http.Redirect(w, r, "/"+dir, http.StatusSeeOther)
		return
	}

	writeDetail(w, http.StatusBadRequest, "no file uploaded")
}

func (a *API) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	req := chunkstore.ChunkRequest{
		Dir:      pathParam(r, "/upload-chunk/"),
		Filename: r.FormValue("filename"),
	}

	var err error
	if req.Index, err = strconv.Atoi(r.FormValue("chunk_index")); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid chunk_index")
		return
	}
	if req.TotalChunks, err = strconv.Atoi(r.FormValue("total_chunks")); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid total_chunks")
		return
	}
	if req.TotalSize, err = strconv.ParseInt(r.FormValue("total_size"), 10, 64); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid total_size")
		return
	}
	if req.ChunkSize, err = strconv.ParseInt(r.FormValue("chunk_size"), 10, 64); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid chunk_size")
		return
	}
	if cs := r.FormValue("checksum"); cs != "" {
		if req.Checksum, err = strconv.Atoi(cs); err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid checksum")
			return
		}
		req.HasChecksum = true
	}

	if req.Filename == "" {
		writeDetail(w, http.StatusBadRequest, "missing filename")
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "missing chunk")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	complete, err := a.Store.WriteChunk(req, data)
	if err != nil {
		writeError(w, err)
		return
	}

	status := "chunk_received"
	if complete {
		status = "complete"
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (a *API) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dir := pathParam(r, "/cancel-upload/")
	if err := a.Store.Cancel(dir, r.FormValue("filename")); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (a *API) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dir := pathParam(r, "/create-folder/")
	name, err := a.Volume.CreateFolder(dir, r.FormValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	a.refresh(r, dir)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Folder %s created successfully", name),
		"name":    name,
	})
}

func (a *API) handleRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dir := pathParam(r, "/rename/")
	newName := r.FormValue("new_name")
	if err := a.Volume.Rename(dir, r.FormValue("old_name"), newName); err != nil {
		writeError(w, err)
		return
	}

	a.refresh(r, dir)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Renamed successfully to %s", newName),
	})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dir := pathParam(r, "/delete/")
	itemName := r.FormValue("item_name")
	if err := a.Volume.Delete(dir, itemName); err != nil {
		writeError(w, err)
		return
	}

	a.refresh(r, dir)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("%s deleted successfully", itemName),
	})
}

func (a *API) handleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dir := pathParam(r, "/move/")
	itemName := r.FormValue("item_name")
	destination := r.FormValue("destination")
	if err := a.Volume.Move(dir, itemName, destination); err != nil {
		writeError(w, err)
		return
	}

	a.refresh(r, dir)
	a.refresh(r, destination)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("%s moved successfully", itemName),
	})
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	foldersOnly := false
	switch strings.ToLower(r.URL.Query().Get("folders_only")) {
	case "1", "true", "yes":
		foldersOnly = true
	}

	files, folders, err := a.Metadata.Search(r.Context(), r.URL.Query().Get("query"), foldersOnly)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"files":   files,
		"folders": folders,
	})
}

func (a *API) handleChangeDirectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.Volume.ChangeRoot(body.Path); err != nil {
		writeError(w, err)
		return
	}

	if err := a.Metadata.Reindex(r.Context()); err != nil {
		log.Errorw("http", "event", "change-directory reindex failed", "error", err)
	}
	if a.Watcher != nil {
		a.Watcher.Rebind()
	}

	log.Infow("http", "event", "change-directory", "root", a.Volume.Root())
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "volume root changed",
		"path":    a.Volume.Root(),
	})
}

// refresh re-indexes dir after a mutation so listings and search stay
// current.
func (a *API) refresh(r *http.Request, dir string) {
	a.Metadata.Invalidate(dir)
	if err := a.Metadata.Refresh(r.Context(), dir); err != nil {
		log.Errorw("http", "event", "refresh failed", "dir", dir, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeError(w http.ResponseWriter, err error) {
	writeDetail(w, errorStatus(err), err.Error())
}

// errorStatus maps the error taxonomy onto HTTP statuses: traversal 403,
// missing paths 404, validation 400, everything else 500 (retryable from
// the client's point of view).
func errorStatus(err error) int {
	switch {
	case errors.Is(err, volume.ErrPathTraversal):
		return http.StatusForbidden
	case errors.Is(err, volume.ErrNotFound),
		errors.Is(err, volume.ErrNotDirectory):
		return http.StatusNotFound
	case errors.Is(err, volume.ErrNotMounted),
		errors.Is(err, volume.ErrNameTooLong),
		errors.Is(err, volume.ErrItemExists),
		errors.Is(err, chunkstore.ErrInvalidChunkIndex),
		errors.Is(err, chunkstore.ErrChunkSizeMismatch),
		errors.Is(err, chunkstore.ErrChunkCountMismatch),
		errors.Is(err, chunkstore.ErrUploadTooLarge),
		errors.Is(err, chunkstore.ErrTooManyUploads),
		errors.Is(err, chunkstore.ErrUploadNotFound),
		errors.Is(err, chunkstore.ErrUploadNotActive):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
