// Package upload implements the resumable chunked upload engine: init,
// idempotent per-chunk ingest, ordered reassembly with size verification,
// and TTL-based reclamation of abandoned uploads.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/cipherdrop/internal/logger"
	"github.com/marmos91/cipherdrop/internal/metrics"
	"github.com/marmos91/cipherdrop/internal/storage"
)

// Sentinel errors surfaced to the transport layer.
var (
	ErrNotFound     = errors.New("upload not found")
	ErrInvalidIndex = errors.New("chunk index out of range")
	ErrIncomplete   = errors.New("upload is missing chunks")
	ErrCompleting   = errors.New("upload is already being finalized")
	ErrSizeMismatch = errors.New("assembled size does not match declared size")
)

// FileDescriptor is handed to the client after a file lands in the session
// tree. The client wraps it with its own key material before announcing the
// file to its peer.
type FileDescriptor struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType"`
	DownloadURL string `json:"downloadUrl"`
}

// Upload tracks one in-flight chunked upload.
//
// received maps chunk index to its on-disk path; an entry is the claim that
// makes duplicate chunk deliveries idempotent. mu guards all mutable state;
// chunk bytes are written outside the lock.
type Upload struct {
	mu sync.Mutex

	id          string
	code        string
	fileName    string
	mimeType    string
	totalSize   int64
	totalChunks int

	received map[int]string
	dir      string

	createdAt    time.Time
	lastActivity time.Time

	// completing blocks further chunk writes once Complete has started.
	completing bool
}

// Progress reports chunk ingest state.
type Progress struct {
	Received int
	Total    int
	Missing  []int
}

// Engine is the chunked upload registry.
type Engine struct {
	mu      sync.Mutex
	uploads map[string]*Upload

	store *storage.Backend
	ttl   time.Duration
	sweep time.Duration
}

// NewEngine creates an Engine backed by store. Uploads idle longer than ttl
// are reclaimed by the sweeper, which runs every sweepInterval.
func NewEngine(store *storage.Backend, ttl, sweepInterval time.Duration) *Engine {
	return &Engine{
		uploads: make(map[string]*Upload),
		store:   store,
		ttl:     ttl,
		sweep:   sweepInterval,
	}
}

// Init registers a chunked upload and creates its staging directory.
func (e *Engine) Init(code, fileName string, totalSize int64, totalChunks int, mimeType string) (string, error) {
	if totalChunks <= 0 || totalSize < 0 {
		return "", fmt.Errorf("%w: totalChunks=%d totalSize=%d", ErrInvalidIndex, totalChunks, totalSize)
	}

	id := uuid.NewString()
	dir, err := e.store.AllocateChunkDir(code, id)
	if err != nil {
		return "", fmt.Errorf("failed to allocate chunk directory: %w", err)
	}

	now := time.Now()
	up := &Upload{
		id:           id,
		code:         code,
		fileName:     fileName,
		mimeType:     mimeType,
		totalSize:    totalSize,
		totalChunks:  totalChunks,
		received:     make(map[int]string),
		dir:          dir,
		createdAt:    now,
		lastActivity: now,
	}

	e.mu.Lock()
	e.uploads[id] = up
	e.mu.Unlock()

	metrics.UploadsInFlight.Inc()
	logger.Debug("chunked upload initialized",
		"upload_id", id, "code", code, "chunks", totalChunks, "size", totalSize)
	return id, nil
}

// PutChunk stores one chunk. Resending an already-received index succeeds
// without rewriting anything and returns the same progress it would have
// before the resend.
func (e *Engine) PutChunk(id string, index int, r io.Reader) (Progress, error) {
	up := e.get(id)
	if up == nil {
		return Progress{}, ErrNotFound
	}

	up.mu.Lock()
	if up.completing {
		up.mu.Unlock()
		return Progress{}, ErrCompleting
	}
	if index < 0 || index >= up.totalChunks {
		up.mu.Unlock()
		return Progress{}, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidIndex, index, up.totalChunks)
	}
	up.lastActivity = time.Now()

	path := filepath.Join(up.dir, fmt.Sprintf("chunk_%d", index))
	if _, done := up.received[index]; done {
		// Idempotent resend.
		p := up.progressLocked()
		up.mu.Unlock()
		return p, nil
	}
	// Claim the index before the write so a concurrent duplicate does not
	// open the same file.
	up.received[index] = path
	up.mu.Unlock()

	if err := writeChunk(path, r); err != nil {
		up.mu.Lock()
		delete(up.received, index)
		up.mu.Unlock()
		return Progress{}, fmt.Errorf("failed to write chunk %d: %w", index, err)
	}

	up.mu.Lock()
	p := up.progressLocked()
	up.mu.Unlock()
	return p, nil
}

func writeChunk(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// Complete assembles the chunks in index order into a session file,
// verifies the final size against the declared size, and retires the
// upload. An upload with missing chunks, or one already being finalized,
// is rejected and left in place, so remaining chunks can still arrive; any
// failure once finalization has started removes both the partial
// destination and the chunk staging directory.
func (e *Engine) Complete(id string) (FileDescriptor, int64, error) {
	up := e.get(id)
	if up == nil {
		return FileDescriptor{}, 0, ErrNotFound
	}

	up.mu.Lock()
	if up.completing {
		up.mu.Unlock()
		return FileDescriptor{}, 0, ErrCompleting
	}
	if len(up.received) != up.totalChunks {
		p := up.progressLocked()
		up.mu.Unlock()
		return FileDescriptor{}, 0, fmt.Errorf("%w: %d/%d received", ErrIncomplete, p.Received, p.Total)
	}
	up.completing = true
	paths := make([]string, up.totalChunks)
	for i := 0; i < up.totalChunks; i++ {
		paths[i] = up.received[i]
	}
	code, fileName, mimeType, declared := up.code, up.fileName, up.mimeType, up.totalSize
	up.mu.Unlock()

	destPath, _, downloadURL, err := e.store.AllocateFilePath(code, fileName)
	if err != nil {
		e.fail(up)
		return FileDescriptor{}, 0, err
	}
	// Re-create in case the tree was swept while the upload idled.
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		e.fail(up)
		return FileDescriptor{}, 0, fmt.Errorf("failed to create files directory: %w", err)
	}

	written, err := assemble(destPath, paths)
	if err != nil {
		os.Remove(destPath)
		e.fail(up)
		return FileDescriptor{}, 0, fmt.Errorf("assembly failed: %w", err)
	}

	if written != declared {
		os.Remove(destPath)
		e.fail(up)
		return FileDescriptor{}, 0, fmt.Errorf("%w: declared %d, assembled %d", ErrSizeMismatch, declared, written)
	}

	e.retire(up)
	logger.Info("chunked upload completed",
		"upload_id", id, "code", code, "file", fileName, "bytes", written)

	return FileDescriptor{
		Name:        fileName,
		Size:        written,
		MimeType:    mimeType,
		DownloadURL: downloadURL,
	}, written, nil
}

// assemble concatenates the chunk files into dest and returns the byte
// count, verifying the result with a final stat.
func assemble(dest string, chunkPaths []string) (int64, error) {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}

	for i, p := range chunkPaths {
		in, err := os.Open(p)
		if err != nil {
			out.Close()
			return 0, fmt.Errorf("chunk %d: %w", i, err)
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return 0, fmt.Errorf("chunk %d: %w", i, err)
		}
		in.Close()
	}

	if err := out.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Cancel removes the upload's staging directory and registry entry.
// Best-effort; unknown ids are ignored.
func (e *Engine) Cancel(id string) {
	up := e.get(id)
	if up == nil {
		return
	}
	e.retire(up)
	logger.Debug("chunked upload cancelled", "upload_id", id)
}

// Owner returns the pairing code an upload belongs to.
func (e *Engine) Owner(id string) (string, error) {
	up := e.get(id)
	if up == nil {
		return "", ErrNotFound
	}
	return up.code, nil
}

// GetProgress reports ingest state including the missing chunk indices.
func (e *Engine) GetProgress(id string) (Progress, error) {
	up := e.get(id)
	if up == nil {
		return Progress{}, ErrNotFound
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	return up.progressLocked(), nil
}

// progressLocked builds a Progress snapshot. Caller holds up.mu.
func (up *Upload) progressLocked() Progress {
	missing := make([]int, 0)
	for i := 0; i < up.totalChunks; i++ {
		if _, ok := up.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return Progress{Received: len(up.received), Total: up.totalChunks, Missing: missing}
}

func (e *Engine) get(id string) *Upload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uploads[id]
}

// retire drops the upload from the registry and removes its staging
// directory.
func (e *Engine) retire(up *Upload) {
	e.mu.Lock()
	_, present := e.uploads[up.id]
	delete(e.uploads, up.id)
	e.mu.Unlock()

	if present {
		metrics.UploadsInFlight.Dec()
	}
	if err := os.RemoveAll(up.dir); err != nil {
		logger.Warn("failed to remove chunk directory", "upload_id", up.id, "error", err)
	}
}

// fail retires the upload after a finalization error and clears the
// completing flag in case a caller still holds a reference.
func (e *Engine) fail(up *Upload) {
	up.mu.Lock()
	up.completing = false
	up.mu.Unlock()
	e.retire(up)
}

// Run drives the TTL sweeper until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

func (e *Engine) sweepExpired() {
	cutoff := time.Now().Add(-e.ttl)

	e.mu.Lock()
	var stale []*Upload
	for _, up := range e.uploads {
		up.mu.Lock()
		idle := up.lastActivity.Before(cutoff) && !up.completing
		up.mu.Unlock()
		if idle {
			stale = append(stale, up)
		}
	}
	e.mu.Unlock()

	for _, up := range stale {
		logger.Info("reclaiming expired upload", "upload_id", up.id, "code", up.code)
		e.retire(up)
	}
}
