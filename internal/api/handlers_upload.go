package api

import (
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/cipherdrop/internal/session"
	"github.com/marmos91/cipherdrop/internal/storage"
	"github.com/marmos91/cipherdrop/internal/upload"
)

// headerSessionID carries the pairing code on upload requests.
const headerSessionID = "X-Session-Id"

// chunkFormMemory is the in-memory threshold for chunk multipart parsing;
// larger chunks spill to temp files.
const chunkFormMemory = 32 << 20

// UploadHandler serves the single-shot and chunked upload endpoints.
type UploadHandler struct {
	mgr          *session.Manager
	engine       *upload.Engine
	store        *storage.Backend
	maxFileBytes int64
}

// NewUploadHandler creates an UploadHandler. maxFileBytes caps a single
// file; -1 disables the cap.
func NewUploadHandler(mgr *session.Manager, engine *upload.Engine, store *storage.Backend, maxFileBytes int64) *UploadHandler {
	return &UploadHandler{mgr: mgr, engine: engine, store: store, maxFileBytes: maxFileBytes}
}

// sessionCode extracts and validates the X-Session-Id header. Uploads
// without a session are rejected rather than pooled into a shared
// directory.
func (h *UploadHandler) sessionCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	code := r.Header.Get(headerSessionID)
	if code == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "missing "+headerSessionID+" header")
		return "", false
	}
	if !h.mgr.Exists(code) {
		writeError(w, http.StatusNotFound, "Session not found", "")
		return "", false
	}
	return code, true
}

// Upload handles POST /api/upload - single-shot multipart upload. The file
// part streams straight to its destination; nothing is buffered in memory,
// and an over-budget stream removes the partial file before answering 413.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	code, ok := h.sessionCode(w, r)
	if !ok {
		return
	}

	// Advisory pre-check against the declared length so oversized requests
	// fail before any bytes land.
	if r.ContentLength > 0 {
		if h.maxFileBytes >= 0 && r.ContentLength > h.maxFileBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large",
				"file exceeds the per-file limit of "+strconv.FormatInt(h.maxFileBytes, 10)+" bytes")
			return
		}
		q, err := h.mgr.CheckQuota(code, r.ContentLength)
		if err != nil {
			writeError(w, http.StatusNotFound, "Session not found", "")
			return
		}
		if !q.Allowed {
			writeQuotaExceeded(w, q.Current, q.Limit)
			return
		}
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "expected multipart/form-data")
		return
	}

	var part *multipartFilePart
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Bad Request", "malformed multipart body")
			return
		}
		if p.FormName() == "file" && p.FileName() != "" {
			part = &multipartFilePart{reader: p, fileName: p.FileName(), contentType: p.Header.Get("Content-Type")}
			break
		}
		_ = p.Close()
	}
	if part == nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "missing file field")
		return
	}

	// The tree normally exists from session creation; recreate in case the
	// mint-time attempt failed.
	if err := h.store.CreateSessionTree(code); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error", "storage unavailable")
		return
	}

	destPath, _, downloadURL, err := h.store.AllocateFilePath(code, part.fileName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid file name")
		return
	}

	budget, quotaBound, current, limit := h.writeBudget(code)
	written, err := streamToFile(destPath, part.reader, budget)
	if err != nil {
		os.Remove(destPath)
		if errors.Is(err, errBudgetExceeded) {
			if quotaBound {
				writeQuotaExceeded(w, current, limit)
			} else {
				writeError(w, http.StatusRequestEntityTooLarge, "File too large",
					"file exceeds the per-file limit")
			}
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal server error", "failed to store file")
		return
	}

	h.mgr.AccountStorage(code, written)

	writeJSON(w, http.StatusOK, upload.FileDescriptor{
		Name:        storage.SanitizeFilename(part.fileName),
		Size:        written,
		MimeType:    partMimeType(part.contentType, part.fileName),
		DownloadURL: downloadURL,
	})
}

type multipartFilePart struct {
	reader      io.ReadCloser
	fileName    string
	contentType string
}

// writeBudget computes how many bytes the session may still accept,
// combining the per-file cap with the remaining quota. quotaBound reports
// which constraint is the tighter one so the right 413 body is produced.
func (h *UploadHandler) writeBudget(code string) (budget int64, quotaBound bool, current, limit int64) {
	budget = math.MaxInt64
	if h.maxFileBytes >= 0 {
		budget = h.maxFileBytes
	}

	q, err := h.mgr.CheckQuota(code, 0)
	if err != nil || q.Limit < 0 {
		return budget, false, 0, -1
	}
	remaining := q.Limit - q.Current
	if remaining < 0 {
		remaining = 0
	}
	if remaining < budget {
		return remaining, true, q.Current, q.Limit
	}
	return budget, false, q.Current, q.Limit
}

var errBudgetExceeded = errors.New("write budget exceeded")

// streamToFile copies r into path, failing once more than budget bytes
// arrive. The caller removes the partial file on error.
func streamToFile(path string, r io.Reader, budget int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}

	// One byte past the budget detects overflow without buffering it all;
	// guard the increment against an unlimited (MaxInt64) budget.
	limit := budget
	if limit < math.MaxInt64 {
		limit++
	}
	written, err := io.Copy(f, io.LimitReader(r, limit))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, err
	}
	if written > budget {
		return written, errBudgetExceeded
	}
	return written, nil
}

func partMimeType(declared, fileName string) string {
	if declared != "" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(fileName)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// initRequest is the POST /api/upload/init body.
type initRequest struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
	MimeType    string `json:"mimeType"`
}

// InitChunked handles POST /api/upload/init.
func (h *UploadHandler) InitChunked(w http.ResponseWriter, r *http.Request) {
	code, ok := h.sessionCode(w, r)
	if !ok {
		return
	}

	var req initRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.FileName == "" || req.FileSize < 0 || req.TotalChunks <= 0 {
		writeError(w, http.StatusBadRequest, "Bad Request",
			"fileName, fileSize and totalChunks are required")
		return
	}
	if h.maxFileBytes >= 0 && req.FileSize > h.maxFileBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large",
			"file exceeds the per-file limit of "+strconv.FormatInt(h.maxFileBytes, 10)+" bytes")
		return
	}

	q, err := h.mgr.CheckQuota(code, req.FileSize)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found", "")
		return
	}
	if !q.Allowed {
		writeQuotaExceeded(w, q.Current, q.Limit)
		return
	}

	id, err := h.engine.Init(code, req.FileName, req.FileSize, req.TotalChunks, req.MimeType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "could not initialize upload")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uploadId": id})
}

// PutChunk handles POST /api/upload/chunk - multipart {uploadId,
// chunkIndex, chunk}.
func (h *UploadHandler) PutChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(chunkFormMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "expected multipart/form-data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	id := r.FormValue("uploadId")
	indexStr := r.FormValue("chunkIndex")
	if id == "" || indexStr == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "uploadId and chunkIndex are required")
		return
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "chunkIndex must be an integer")
		return
	}

	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "missing chunk field")
		return
	}
	defer chunk.Close()

	progress, err := h.engine.PutChunk(id, index, chunk)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"progress": progressBody(progress, false),
	})
}

// completeRequest is the POST /api/upload/complete body.
type completeRequest struct {
	UploadID string `json:"uploadId"`
}

// CompleteChunked handles POST /api/upload/complete - assembles the file
// and returns its descriptor.
func (h *UploadHandler) CompleteChunked(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.UploadID == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "uploadId is required")
		return
	}

	code, err := h.engine.Owner(req.UploadID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Upload not found", "")
		return
	}

	desc, written, err := h.engine.Complete(req.UploadID)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	h.mgr.AccountStorage(code, written)
	writeJSON(w, http.StatusOK, desc)
}

// Progress handles GET /api/upload/progress/{uploadID}.
func (h *UploadHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uploadID")
	progress, err := h.engine.GetProgress(id)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progressBody(progress, true))
}

// Cancel handles DELETE /api/upload/{uploadID}. Cancellation of an unknown
// upload still succeeds; the client's goal state is "gone" either way.
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.engine.Cancel(chi.URLParam(r, "uploadID"))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func progressBody(p upload.Progress, includeMissing bool) map[string]any {
	percent := 0.0
	if p.Total > 0 {
		percent = float64(p.Received) / float64(p.Total) * 100
	}
	body := map[string]any{
		"receivedChunks": p.Received,
		"totalChunks":    p.Total,
		"progress":       percent,
	}
	if includeMissing {
		body["missingChunks"] = p.Missing
	}
	return body
}

func (h *UploadHandler) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upload.ErrNotFound):
		writeError(w, http.StatusNotFound, "Upload not found", "")
	case errors.Is(err, upload.ErrInvalidIndex):
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, upload.ErrIncomplete):
		writeError(w, http.StatusBadRequest, "Upload incomplete", err.Error())
	case errors.Is(err, upload.ErrCompleting):
		writeError(w, http.StatusConflict, "Conflict", "upload is already being finalized")
	case errors.Is(err, upload.ErrSizeMismatch):
		writeError(w, http.StatusInternalServerError, "Size mismatch", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
	}
}
