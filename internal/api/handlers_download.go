package api

import (
	"errors"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/cipherdrop/internal/storage"
)

// DownloadHandler streams stored session files back to clients.
type DownloadHandler struct {
	store *storage.Backend
}

// NewDownloadHandler creates a DownloadHandler over store.
func NewDownloadHandler(store *storage.Backend) *DownloadHandler {
	return &DownloadHandler{store: store}
}

// Serve handles GET /downloads/{code}/{filename}. The backend re-validates
// both path components and canonicalizes the target before opening, so a
// crafted request cannot reach outside the session's files directory.
// Range requests are honored so interrupted downloads can resume.
func (h *DownloadHandler) Serve(w http.ResponseWriter, r *http.Request) {
	// chi hands back the escaped segment; unescape before validation so an
	// encoded traversal cannot sneak past the component checks.
	code, cerr := url.PathUnescape(chi.URLParam(r, "code"))
	filename, ferr := url.PathUnescape(chi.URLParam(r, "filename"))
	if cerr != nil || ferr != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid path")
		return
	}

	f, info, err := h.store.Open(code, filename)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrUnsafePath):
			writeError(w, http.StatusBadRequest, "Bad Request", "invalid path")
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "Not Found", "file not found")
		default:
			writeError(w, http.StatusInternalServerError, "Internal server error", "")
		}
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		"attachment; filename="+strconv.Quote(displayName(filename)))

	http.ServeContent(w, r, filename, info.ModTime(), f)
}

// displayName strips the collision-avoidance timestamp prefix the backend
// added at allocation time, restoring the client's original name.
func displayName(storedName string) string {
	i := strings.Index(storedName, "-")
	if i <= 0 {
		return storedName
	}
	if _, err := strconv.ParseInt(storedName[:i], 10, 64); err != nil {
		return storedName
	}
	if i+1 < len(storedName) {
		return storedName[i+1:]
	}
	return storedName
}
