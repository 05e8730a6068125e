// Package api provides the relay's HTTP surface: pairing-code minting,
// single-shot and chunked uploads, downloads, quota and stats endpoints.
package api

import (
	"encoding/json"
	"net/http"
)

// errorBody is the JSON shape of every API error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// quotaBody is the denial shape for storage-quota rejections; clients use
// the raw numbers to render a usage bar.
type quotaBody struct {
	Error        string `json:"error"`
	CurrentUsage int64  `json:"currentUsage"`
	Limit        int64  `json:"limit"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err, message string) {
	writeJSON(w, status, errorBody{Error: err, Message: message})
}

func writeQuotaExceeded(w http.ResponseWriter, current, limit int64) {
	writeJSON(w, http.StatusRequestEntityTooLarge, quotaBody{
		Error:        "Storage quota exceeded",
		CurrentUsage: current,
		Limit:        limit,
	})
}

// decodeJSONBody decodes a JSON request body into v, answering 400 itself
// on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	return true
}
