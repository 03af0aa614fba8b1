// Package uploadsession manages the server-side staging directories that
// back a single file's upload attempt: allocation, chunk path derivation,
// metadata lookup, and cleanup.
package uploadsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("upload session not found")
	ErrMismatch = errors.New("upload session dataset mismatch")
)

// Metadata is the session.json record written at Create time.
type Metadata struct {
	Dataset    string    `json:"dataset"`
	Client     string    `json:"client"`
	RelPath    string    `json:"relPath"`
	CreatedUTC time.Time `json:"createdUtc"`
}

// Session pairs an upload ID with its on-disk location and metadata.
type Session struct {
	UploadID string
	Dir      string
	Metadata Metadata
}

// Manager creates, looks up, and garbage-collects sessions under a temp
// root, one subdirectory per dataset.
type Manager struct {
	TempRoot string
}

func New(tempRoot string) *Manager {
	return &Manager{TempRoot: tempRoot}
}

const metadataFile = "session.json"

// Create mints a fresh 128-bit upload ID, creates the session directory,
// and persists its metadata. The returned ID is never reused by this
// process: uuid.NewRandom draws from crypto/rand.
func (m *Manager) Create(ctx context.Context, dataset, client, relPath string) (string, error) {
	id := uuid.NewString()
	dir := m.sessionDir(dataset, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload session dir: %w", err)
	}

	meta := Metadata{Dataset: dataset, Client: client, RelPath: relPath, CreatedUTC: time.Now().UTC()}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0o644); err != nil {
		return "", fmt.Errorf("write session metadata: %w", err)
	}

	return id, nil
}

// Get loads a session's metadata, failing ErrNotFound if the session
// directory or its metadata is absent, and ErrMismatch if the stored
// dataset does not match the caller's.
func (m *Manager) Get(dataset, uploadID string) (*Session, error) {
	dir := m.sessionDir(dataset, uploadID)
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, ErrNotFound
	}
	if meta.Dataset != dataset {
		return nil, ErrMismatch
	}

	return &Session{UploadID: uploadID, Dir: dir, Metadata: meta}, nil
}

// ChunkPath returns the deterministic on-disk name for chunk index within
// session, incorporating the relpath so sessions staged for different
// files never collide even if upload IDs were somehow reused.
func ChunkPath(session *Session, index int) string {
	safeName := strings.ReplaceAll(session.Metadata.RelPath, "/", "_")
	return filepath.Join(session.Dir, fmt.Sprintf("%s.chunk%d", safeName, index))
}

// chunkIndex parses the index out of a chunk filename produced by
// ChunkPath; unparseable suffixes sort to +Inf so a protocol violation is
// caught by the chunk-count check rather than silently reordered.
func chunkIndex(name string) int {
	i := strings.LastIndex(name, ".chunk")
	if i < 0 {
		return int(^uint(0) >> 1) // max int, sorts last
	}
	idx, err := strconv.Atoi(name[i+len(".chunk"):])
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return idx
}

// ChunkFiles lists the chunk files present in the session directory,
// ordered by parsed index ascending.
func ChunkFiles(session *Session) ([]string, error) {
	entries, err := os.ReadDir(session.Dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == metadataFile {
			continue
		}
		files = append(files, e.Name())
	}

	sortByChunkIndex(files)

	full := make([]string, len(files))
	for i, f := range files {
		full[i] = filepath.Join(session.Dir, f)
	}
	return full, nil
}

func sortByChunkIndex(files []string) {
	// insertion sort: chunk counts are small (bounded by file size /
	// configured chunk size), so O(n^2) is not a concern and keeps the
	// "unparseable sorts to +inf" rule easy to read inline.
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && chunkIndex(files[j-1]) > chunkIndex(files[j]); j-- {
			files[j-1], files[j] = files[j], files[j-1]
		}
	}
}

// Cleanup recursively removes the session directory. It is idempotent: a
// missing directory is not an error.
func (m *Manager) Cleanup(dataset, uploadID string) error {
	return os.RemoveAll(m.sessionDir(dataset, uploadID))
}

// GC removes session directories older than horizon, as a best effort
// across the whole temp root: sessions whose directory or metadata cannot
// be read are skipped and removal errors are ignored. Only a failure to
// list the temp root itself is returned.
func (m *Manager) GC(horizon time.Duration) error {
	now := time.Now().UTC()

	datasets, err := os.ReadDir(m.TempRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, ds := range datasets {
		if !ds.IsDir() {
			continue
		}
		datasetDir := filepath.Join(m.TempRoot, ds.Name())
		sessions, err := os.ReadDir(datasetDir)
		if err != nil {
			continue
		}
		for _, sess := range sessions {
			if !sess.IsDir() {
				continue
			}
			dir := filepath.Join(datasetDir, sess.Name())
			data, err := os.ReadFile(filepath.Join(dir, metadataFile))
			if err != nil {
				continue
			}
			var meta Metadata
			if err := json.Unmarshal(data, &meta); err != nil {
				continue
			}
			if now.Sub(meta.CreatedUTC) > horizon {
				os.RemoveAll(dir)
			}
		}
	}
	return nil
}

func (m *Manager) sessionDir(dataset, uploadID string) string {
	return filepath.Join(m.TempRoot, dataset, uploadID)
}
