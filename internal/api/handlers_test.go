package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cipherdrop/internal/session"
	"github.com/marmos91/cipherdrop/internal/storage"
	"github.com/marmos91/cipherdrop/internal/upload"
	"github.com/marmos91/cipherdrop/internal/ws"
)

type testEnv struct {
	router  http.Handler
	manager *session.Manager
	store   *storage.Backend
}

func newTestEnv(t *testing.T, maxSessionBytes, maxFileBytes int64, allowedOrigins []string) *testEnv {
	t.Helper()

	store, err := storage.New(t.TempDir(), "")
	require.NoError(t, err)

	manager := session.NewManager(store, session.Config{
		MaxActive:       -1,
		MaxSessionBytes: maxSessionBytes,
		UnusedGrace:     time.Minute,
		ActiveGrace:     20 * time.Minute,
		SweepInterval:   time.Minute,
	})
	engine := upload.NewEngine(store, 24*time.Hour, 5*time.Minute)
	gateway := ws.NewGateway(manager, allowedOrigins)

	router := NewRouter(RouterOptions{
		Manager:        manager,
		Engine:         engine,
		Store:          store,
		Gateway:        gateway,
		AllowedOrigins: allowedOrigins,
		MaxFileBytes:   maxFileBytes,
	})
	return &testEnv{router: router, manager: manager, store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body
}

func multipartUpload(t *testing.T, fieldName, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(fieldName, fileName)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestMintCode(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/code", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	code, _ := body["code"].(string)
	assert.Len(t, code, 6)
	assert.True(t, env.manager.Exists(code))
}

func TestMintCode_CapReached(t *testing.T) {
	store, err := storage.New(t.TempDir(), "")
	require.NoError(t, err)
	manager := session.NewManager(store, session.Config{
		MaxActive: 1, MaxSessionBytes: -1,
		UnusedGrace: time.Minute, ActiveGrace: time.Minute, SweepInterval: time.Minute,
	})
	router := NewRouter(RouterOptions{
		Manager: manager,
		Engine:  upload.NewEngine(store, time.Hour, time.Hour),
		Store:   store,
		Gateway: ws.NewGateway(manager, nil),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/code", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/code", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestServerStats(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)
	_, err := env.manager.Create()
	require.NoError(t, err)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/server/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["activeSessions"])
	assert.Equal(t, true, body["isUnlimited"])
}

func TestSingleShotUpload(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)
	code, err := env.manager.Create()
	require.NoError(t, err)

	buf, contentType := multipartUpload(t, "file", "hello.txt", "hello world")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerSessionID, code)

	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "hello.txt", body["name"])
	assert.Equal(t, float64(11), body["size"])
	url, _ := body["downloadUrl"].(string)
	assert.True(t, strings.HasPrefix(url, "/downloads/"+code+"/"))

	// Round-trip through the download endpoint.
	w = env.do(httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "hello.txt")
}

func TestSingleShotUpload_Validation(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)
	code, err := env.manager.Create()
	require.NoError(t, err)

	t.Run("missing session header", func(t *testing.T) {
		buf, contentType := multipartUpload(t, "file", "a.txt", "x")
		req := httptest.NewRequest(http.MethodPost, "/api/upload", buf)
		req.Header.Set("Content-Type", contentType)
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		buf, contentType := multipartUpload(t, "file", "a.txt", "x")
		req := httptest.NewRequest(http.MethodPost, "/api/upload", buf)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set(headerSessionID, "NOPE42")
		assert.Equal(t, http.StatusNotFound, env.do(req).Code)
	})

	t.Run("missing file field", func(t *testing.T) {
		buf, contentType := multipartUpload(t, "notfile", "a.txt", "x")
		req := httptest.NewRequest(http.MethodPost, "/api/upload", buf)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set(headerSessionID, code)
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})
}

func TestSingleShotUpload_QuotaDenied(t *testing.T) {
	env := newTestEnv(t, 1000, -1, nil)
	code, err := env.manager.Create()
	require.NoError(t, err)

	// 900 bytes already stored, 200 more must be denied.
	require.NoError(t, os.WriteFile(
		filepath.Join(env.store.Root(), code, "files", "1-existing.bin"), make([]byte, 900), 0o600))

	buf, contentType := multipartUpload(t, "file", "more.bin", strings.Repeat("x", 200))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerSessionID, code)

	w := env.do(req)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "Storage quota exceeded", body["error"])
	assert.Equal(t, float64(900), body["currentUsage"])
	assert.Equal(t, float64(1000), body["limit"])

	// No partial artifact was left behind.
	entries, err := os.ReadDir(filepath.Join(env.store.Root(), code, "files"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSingleShotUpload_PerFileLimit(t *testing.T) {
	env := newTestEnv(t, -1, 10, nil)
	code, err := env.manager.Create()
	require.NoError(t, err)

	buf, contentType := multipartUpload(t, "file", "big.bin", strings.Repeat("x", 50))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerSessionID, code)

	w := env.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	entries, err := os.ReadDir(filepath.Join(env.store.Root(), code, "files"))
	require.NoError(t, err)
	assert.Empty(t, entries, "over-limit upload must not leave a partial file")
}

func TestChunkedUploadCycle(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)
	code, err := env.manager.Create()
	require.NoError(t, err)

	chunks := []string{"alpha-", "beta-", "gamma"}
	var total int64
	for _, c := range chunks {
		total += int64(len(c))
	}

	// init
	initBody, err := json.Marshal(map[string]any{
		"fileName": "joined.txt", "fileSize": total, "totalChunks": len(chunks), "mimeType": "text/plain",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(initBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSessionID, code)
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	uploadID, _ := decodeBody(t, w)["uploadId"].(string)
	require.NotEmpty(t, uploadID)

	// chunks, including a duplicate of index 1
	for _, idx := range []int{0, 1, 1, 2} {
		w := env.do(chunkRequest(t, uploadID, idx, chunks[idx]))
		require.Equal(t, http.StatusOK, w.Code, "chunk %d: %s", idx, w.Body.String())
		body := decodeBody(t, w)
		assert.Equal(t, true, body["success"])
	}

	// progress shows everything received
	w = env.do(httptest.NewRequest(http.MethodGet, "/api/upload/progress/"+uploadID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	progress := decodeBody(t, w)
	assert.Equal(t, float64(len(chunks)), progress["receivedChunks"])
	assert.Equal(t, float64(100), progress["progress"])

	// complete
	completeBody, _ := json.Marshal(map[string]string{"uploadId": uploadID})
	req = httptest.NewRequest(http.MethodPost, "/api/upload/complete", bytes.NewReader(completeBody))
	req.Header.Set("Content-Type", "application/json")
	w = env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	desc := decodeBody(t, w)
	assert.Equal(t, float64(total), desc["size"])
	url, _ := desc["downloadUrl"].(string)

	// assembled bytes equal the in-order concatenation
	w = env.do(httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, strings.Join(chunks, ""), w.Body.String())
}

func TestChunkedUpload_Errors(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)
	code, err := env.manager.Create()
	require.NoError(t, err)

	t.Run("init missing fields", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/upload/init", strings.NewReader(`{"fileName":""}`))
		req.Header.Set(headerSessionID, code)
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("chunk unknown upload", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, env.do(chunkRequest(t, "missing", 0, "x")).Code)
	})

	t.Run("chunk index out of range", func(t *testing.T) {
		initBody, _ := json.Marshal(map[string]any{"fileName": "f", "fileSize": 1, "totalChunks": 1})
		req := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(initBody))
		req.Header.Set(headerSessionID, code)
		w := env.do(req)
		require.Equal(t, http.StatusOK, w.Code)
		id, _ := decodeBody(t, w)["uploadId"].(string)

		assert.Equal(t, http.StatusBadRequest, env.do(chunkRequest(t, id, 5, "x")).Code)
	})

	t.Run("complete incomplete upload", func(t *testing.T) {
		initBody, _ := json.Marshal(map[string]any{"fileName": "f", "fileSize": 2, "totalChunks": 2})
		req := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(initBody))
		req.Header.Set(headerSessionID, code)
		w := env.do(req)
		require.Equal(t, http.StatusOK, w.Code)
		id, _ := decodeBody(t, w)["uploadId"].(string)

		env.do(chunkRequest(t, id, 0, "x"))

		completeBody, _ := json.Marshal(map[string]string{"uploadId": id})
		req = httptest.NewRequest(http.MethodPost, "/api/upload/complete", bytes.NewReader(completeBody))
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("complete size mismatch", func(t *testing.T) {
		initBody, _ := json.Marshal(map[string]any{"fileName": "f", "fileSize": 999, "totalChunks": 1})
		req := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(initBody))
		req.Header.Set(headerSessionID, code)
		w := env.do(req)
		require.Equal(t, http.StatusOK, w.Code)
		id, _ := decodeBody(t, w)["uploadId"].(string)

		env.do(chunkRequest(t, id, 0, "short"))

		completeBody, _ := json.Marshal(map[string]string{"uploadId": id})
		req = httptest.NewRequest(http.MethodPost, "/api/upload/complete", bytes.NewReader(completeBody))
		assert.Equal(t, http.StatusInternalServerError, env.do(req).Code)
	})

	t.Run("cancel", func(t *testing.T) {
		initBody, _ := json.Marshal(map[string]any{"fileName": "f", "fileSize": 1, "totalChunks": 1})
		req := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(initBody))
		req.Header.Set(headerSessionID, code)
		w := env.do(req)
		require.Equal(t, http.StatusOK, w.Code)
		id, _ := decodeBody(t, w)["uploadId"].(string)

		w = env.do(httptest.NewRequest(http.MethodDelete, "/api/upload/"+id, nil))
		assert.Equal(t, http.StatusOK, w.Code)

		w = env.do(httptest.NewRequest(http.MethodGet, "/api/upload/progress/"+id, nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSessionStorageEndpoint(t *testing.T) {
	env := newTestEnv(t, 1000, -1, nil)
	code, err := env.manager.Create()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(
		filepath.Join(env.store.Root(), code, "files", "1-a.bin"), make([]byte, 250), 0o600))

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/session/"+code+"/storage", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(250), body["currentUsage"])
	assert.Equal(t, float64(1000), body["limit"])
	assert.Equal(t, float64(1), body["fileCount"])
	assert.Equal(t, float64(25), body["usagePercentage"])
	assert.Equal(t, false, body["isUnlimited"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/session/NOPE42/storage", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownload_PathTraversal(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)
	code, err := env.manager.Create()
	require.NoError(t, err)

	for _, path := range []string{
		"/downloads/" + code + "/..%2F..%2Fsecret",
		"/downloads/" + code + "/..%5C..%5Csecret",
		"/downloads/" + code + "/%2E%2E",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := env.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "path %s", path)
	}
}

func TestDownload_NotFound(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)
	code, err := env.manager.Create()
	require.NoError(t, err)

	w := env.do(httptest.NewRequest(http.MethodGet, "/downloads/"+code+"/1-missing.txt", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAccessControl_AutomationAgents(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)

	for _, ua := range []string{"curl/8.0.1", "Wget/1.21", "python-requests/2.31", "Go-http-client/1.1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/code", nil)
		req.Header.Set("User-Agent", ua)
		w := env.do(req)
		assert.Equal(t, http.StatusForbidden, w.Code, "user agent %s", ua)
	}
}

func TestAccessControl_OriginAllowList(t *testing.T) {
	env := newTestEnv(t, -1, -1, []string{"https://drop.example.com"})

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/code", nil)
		req.Header.Set("Origin", "https://drop.example.com")
		assert.Equal(t, http.StatusOK, env.do(req).Code)
	})

	t.Run("allowed referer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/code", nil)
		req.Header.Set("Referer", "https://drop.example.com/session/ABC123")
		assert.Equal(t, http.StatusOK, env.do(req).Code)
	})

	t.Run("wrong origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/code", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		assert.Equal(t, http.StatusForbidden, env.do(req).Code)
	})

	t.Run("no origin or referer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/code", nil)
		assert.Equal(t, http.StatusForbidden, env.do(req).Code)
	})

	t.Run("downloads are exempt", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/downloads/NOPE42/1-x.txt", nil)
		assert.Equal(t, http.StatusNotFound, env.do(req).Code)
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, -1, -1, nil)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func chunkRequest(t *testing.T, uploadID string, index int, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("uploadId", uploadID))
	require.NoError(t, mw.WriteField("chunkIndex", fmt.Sprintf("%d", index)))
	fw, err := mw.CreateFormFile("chunk", "blob")
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
