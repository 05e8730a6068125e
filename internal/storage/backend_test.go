package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir(), "")
	require.NoError(t, err)
	return b
}

func TestCreateSessionTree(t *testing.T) {
	b := newTestBackend(t)

	require.NoError(t, b.CreateSessionTree("ABC123"))
	assert.DirExists(t, filepath.Join(b.Root(), "ABC123", "files"))
	assert.DirExists(t, filepath.Join(b.Root(), "ABC123", "chunks"))

	// Idempotent
	require.NoError(t, b.CreateSessionTree("ABC123"))
}

func TestCreateSessionTree_RejectsUnsafeCode(t *testing.T) {
	b := newTestBackend(t)

	for _, code := range []string{"", "../evil", "a/b", `a\b`, ".."} {
		assert.ErrorIs(t, b.CreateSessionTree(code), ErrUnsafePath, "code %q", code)
	}
}

func TestDeleteSessionTree(t *testing.T) {
	b := newTestBackend(t)

	require.NoError(t, b.CreateSessionTree("ABC123"))
	require.NoError(t, b.DeleteSessionTree("ABC123"))
	assert.NoDirExists(t, filepath.Join(b.Root(), "ABC123"))

	// Missing trees are tolerated
	require.NoError(t, b.DeleteSessionTree("ABC123"))
}

func TestAllocateFilePath(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.CreateSessionTree("ABC123"))

	abs, stored, url, err := b.AllocateFilePath("ABC123", "report.pdf")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(abs, filepath.Join(b.Root(), "ABC123", "files")))
	assert.True(t, strings.HasSuffix(stored, "-report.pdf"))
	assert.Equal(t, "/downloads/ABC123/"+stored, url)

	// The file is not created by allocation
	_, statErr := os.Stat(abs)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAllocateFilePath_BaseURL(t *testing.T) {
	b, err := New(t.TempDir(), "https://drop.example.com/")
	require.NoError(t, err)

	_, stored, url, err := b.AllocateFilePath("ABC123", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "https://drop.example.com/downloads/ABC123/"+stored, url)
}

func TestSessionUsage(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.CreateSessionTree("ABC123"))

	writeFile(t, filepath.Join(b.Root(), "ABC123", "files", "1-a.txt"), 100)
	writeFile(t, filepath.Join(b.Root(), "ABC123", "files", "2-b.txt"), 250)

	chunkDir := filepath.Join(b.Root(), "ABC123", "chunks", "up1")
	require.NoError(t, os.MkdirAll(chunkDir, 0o755))
	writeFile(t, filepath.Join(chunkDir, "chunk_0"), 50)

	bytes, files, err := b.SessionUsage("ABC123")
	require.NoError(t, err)
	assert.Equal(t, int64(400), bytes, "chunk staging counts toward usage")
	assert.Equal(t, 2, files, "only completed files are counted")
}

func TestSessionUsage_MissingTree(t *testing.T) {
	b := newTestBackend(t)

	bytes, files, err := b.SessionUsage("NOPE42")
	require.NoError(t, err)
	assert.Zero(t, bytes)
	assert.Zero(t, files)
}

func TestSweepOrphans(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.CreateSessionTree("LIVE01"))
	require.NoError(t, b.CreateSessionTree("DEAD01"))
	require.NoError(t, b.CreateSessionTree("DEAD02"))

	b.SweepOrphans(map[string]struct{}{"LIVE01": {}})

	assert.DirExists(t, filepath.Join(b.Root(), "LIVE01"))
	assert.NoDirExists(t, filepath.Join(b.Root(), "DEAD01"))
	assert.NoDirExists(t, filepath.Join(b.Root(), "DEAD02"))
}

func TestOpen(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.CreateSessionTree("ABC123"))
	writeFile(t, filepath.Join(b.Root(), "ABC123", "files", "1-a.txt"), 10)

	f, info, err := b.Open("ABC123", "1-a.txt")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(10), info.Size())
}

func TestOpen_PathSafety(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.CreateSessionTree("ABC123"))

	// Plant a file outside the files directory that traversal would reach.
	writeFile(t, filepath.Join(b.Root(), "secret.txt"), 5)

	cases := []struct {
		name string
		code string
		file string
	}{
		{"dotdot filename", "ABC123", "../../secret.txt"},
		{"dotdot code", "..", "secret.txt"},
		{"backslash", "ABC123", `..\..\secret.txt`},
		{"slash in name", "ABC123", "sub/secret.txt"},
		{"embedded dotdot", "ABC123", "a..b/../../secret.txt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := b.Open(tc.code, tc.file)
			assert.ErrorIs(t, err, ErrUnsafePath)
		})
	}
}

func TestOpen_NotFound(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.CreateSessionTree("ABC123"))

	_, _, err := b.Open("ABC123", "1-missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":        "report.pdf",
		"dir/report.pdf":    "report.pdf",
		`c:\tmp\report.pdf`: "report.pdf",
		"../../etc/passwd":  "passwd",
		"..":                "file",
		"":                  "file",
		"  ":                "file",
		"a\x00b.txt":        "ab.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
}
