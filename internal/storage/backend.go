// Package storage owns the on-disk namespace of the relay.
//
// Every session occupies a disjoint subtree under a single root:
//
//	<root>/<code>/files/<timestamp>-<sanitized-name>
//	<root>/<code>/chunks/<uploadID>/chunk_<index>
//
// The package never interprets file contents; it only allocates paths,
// measures usage, and serves files back after traversal-safe resolution.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/cipherdrop/internal/logger"
)

// ErrUnsafePath is returned when a path component would escape the session
// file tree.
var ErrUnsafePath = errors.New("unsafe path component")

// ErrNotFound is returned when a requested file does not exist.
var ErrNotFound = errors.New("file not found")

// Backend manages per-session directory trees under a configured root.
type Backend struct {
	root    string
	baseURL string
}

// New creates a Backend rooted at root, creating the directory if needed.
// baseURL, when non-empty, is prefixed to generated download URLs.
func New(root, baseURL string) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Backend{root: abs, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Root returns the absolute storage root directory.
func (b *Backend) Root() string { return b.root }

// CreateSessionTree creates the directory layout for a session. Idempotent.
func (b *Backend) CreateSessionTree(code string) error {
	if err := checkComponent(code); err != nil {
		return err
	}
	for _, dir := range []string{
		filepath.Join(b.root, code),
		filepath.Join(b.root, code, "files"),
		filepath.Join(b.root, code, "chunks"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create session directory %q: %w", dir, err)
		}
	}
	return nil
}

// DeleteSessionTree removes a session's entire subtree. Missing trees are
// not an error.
func (b *Backend) DeleteSessionTree(code string) error {
	if err := checkComponent(code); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(b.root, code)); err != nil {
		return fmt.Errorf("failed to delete session tree %q: %w", code, err)
	}
	return nil
}

// AllocateFilePath returns the destination for a new session file. The
// stored name is the sanitized original prefixed with a millisecond
// timestamp to avoid collisions within the session. The file itself is not
// created.
func (b *Backend) AllocateFilePath(code, originalName string) (absPath, storedName, downloadURL string, err error) {
	if err := checkComponent(code); err != nil {
		return "", "", "", err
	}
	storedName = fmt.Sprintf("%d-%s", time.Now().UnixMilli(), SanitizeFilename(originalName))
	absPath = filepath.Join(b.root, code, "files", storedName)
	downloadURL = b.baseURL + path.Join("/downloads", code, storedName)
	return absPath, storedName, downloadURL, nil
}

// AllocateChunkDir creates and returns the chunk directory for an upload.
func (b *Backend) AllocateChunkDir(code, uploadID string) (string, error) {
	if err := checkComponent(code); err != nil {
		return "", err
	}
	if err := checkComponent(uploadID); err != nil {
		return "", err
	}
	dir := filepath.Join(b.root, code, "chunks", uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return dir, nil
}

// SessionUsage walks a session tree and returns total bytes and the number
// of completed files. Chunk staging bytes count toward usage so an
// in-flight upload cannot dodge the quota; the file count covers only the
// files/ directory.
func (b *Backend) SessionUsage(code string) (bytes int64, fileCount int, err error) {
	if err := checkComponent(code); err != nil {
		return 0, 0, err
	}
	base := filepath.Join(b.root, code)
	filesDir := filepath.Join(base, "files")

	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		bytes += info.Size()
		if filepath.Dir(p) == filesDir {
			fileCount++
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to scan session tree %q: %w", code, err)
	}
	return bytes, fileCount, nil
}

// SweepOrphans deletes every child directory of the root whose name is not
// in live. Used after restarts and by the periodic sweeper to reclaim trees
// whose sessions no longer exist. Per-directory failures are logged and
// skipped.
func (b *Backend) SweepOrphans(live map[string]struct{}) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		logger.Warn("orphan sweep failed to read storage root", "root", b.root, "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := live[entry.Name()]; ok {
			continue
		}
		dir := filepath.Join(b.root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove orphan session tree", "dir", dir, "error", err)
			continue
		}
		logger.Info("removed orphan session tree", "code", entry.Name())
	}
}

// Open resolves a stored file for download. Both components are rejected if
// they contain a path separator or a ".." segment, and the final path is
// canonicalized and re-verified to lie under the session's files directory.
func (b *Backend) Open(code, storedName string) (*os.File, os.FileInfo, error) {
	if err := checkComponent(code); err != nil {
		return nil, nil, err
	}
	if err := checkComponent(storedName); err != nil {
		return nil, nil, err
	}

	filesDir := filepath.Join(b.root, code, "files")
	target := filepath.Clean(filepath.Join(filesDir, storedName))
	if !strings.HasPrefix(target, filesDir+string(filepath.Separator)) {
		return nil, nil, ErrUnsafePath
	}

	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to open %q: %w", storedName, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat %q: %w", storedName, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// checkComponent rejects path components that could traverse outside the
// session namespace.
func checkComponent(s string) error {
	if s == "" ||
		strings.ContainsAny(s, "/\\") ||
		strings.Contains(s, "..") {
		return ErrUnsafePath
	}
	return nil
}

// SanitizeFilename strips directory structure and control characters from a
// caller-supplied file name, falling back to "file" when nothing survives.
func SanitizeFilename(name string) string {
	// Take the final element of any path the client sent, handling both
	// separator conventions.
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ReplaceAll(name, "..", "")

	var sb strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		sb.WriteRune(r)
	}
	cleaned := strings.TrimSpace(sb.String())
	if cleaned == "" || cleaned == "." {
		return "file"
	}
	return cleaned
}
