// Package mergeengine implements the chunked-upload state machine: chunk
// staging, assembly, integrity verification, and atomic publish under the
// Last-Writer-Wins overwrite policy.
package mergeengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/filemirrorsync/internal/protocol"
	"github.com/openmined/filemirrorsync/internal/uploadsession"
	"golang.org/x/sync/semaphore"
)

var (
	ErrSessionMismatch    = errors.New("session relpath or client mismatch")
	ErrChunkCountMismatch = errors.New("chunk count mismatch")
	ErrSizeMismatch       = errors.New("assembled size mismatch")
	ErrHashMismatch       = errors.New("assembled hash mismatch")
)

// DefaultMaxParallelUploads is the fallback when configuration omits it.
const DefaultMaxParallelUploads = 4

// Engine owns the per-path mutex map and the global upload semaphore that
// together gate CompleteUpload, plus the session manager it publishes from.
type Engine struct {
	InboundRoot string
	TempRoot    string
	Sessions    *uploadsession.Manager

	sem       *semaphore.Weighted
	pathLocks sync.Map // map[string]*sync.Mutex, keyed by "dataset/relpath"
}

func New(inboundRoot, tempRoot string, sessions *uploadsession.Manager, maxParallelUploads int) *Engine {
	if maxParallelUploads < 1 {
		maxParallelUploads = DefaultMaxParallelUploads
	}
	return &Engine{
		InboundRoot: inboundRoot,
		TempRoot:    tempRoot,
		Sessions:    sessions,
		sem:         semaphore.NewWeighted(int64(maxParallelUploads)),
	}
}

// SaveChunk writes bytes to the chunk file for (uploadID, index), created
// or truncated so resends overwrite cleanly. SaveChunk checks its own
// preconditions (index >= 0, session existence, client/relpath match)
// before writing, so it can be called directly from a handler.
func (e *Engine) SaveChunk(ctx context.Context, dataset, clientID, uploadID, relPath string, index int, body io.Reader) error {
	if index < 0 {
		return fmt.Errorf("chunk index %d: %w", index, ErrSessionMismatch)
	}

	session, err := e.Sessions.Get(dataset, uploadID)
	if err != nil {
		return err
	}
	if session.Metadata.Client != clientID || !strings.EqualFold(session.Metadata.RelPath, relPath) {
		return ErrSessionMismatch
	}

	path := uploadsession.ChunkPath(session, index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open chunk file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("write chunk body: %w", err)
	}
	return nil
}

func (e *Engine) pathMutex(dataset, relPath string) *sync.Mutex {
	key := dataset + "/" + strings.ToLower(relPath)
	actual, _ := e.pathLocks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// CompleteUpload assembles, verifies, and atomically publishes the staged
// chunks for uploadID, implementing the eleven-step algorithm in spec §4.6.
func (e *Engine) CompleteUpload(ctx context.Context, dataset string, uploadID string, req protocol.CompleteRequest) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	session, err := e.Sessions.Get(dataset, uploadID)
	if err != nil {
		return err
	}
	if session.Metadata.Client != req.ClientID {
		return ErrSessionMismatch
	}

	mu := e.pathMutex(dataset, session.Metadata.RelPath)
	mu.Lock()
	defer mu.Unlock()

	targetPath := filepath.Join(e.InboundRoot, dataset, filepath.FromSlash(session.Metadata.RelPath))

	serverMTime, exists, err := statMTime(targetPath)
	if err != nil {
		return fmt.Errorf("stat target: %w", err)
	}

	if exists && !req.LastWriteUTC.After(serverMTime) {
		// LWW no-op: server already has an equal-or-newer version.
		if cleanupErr := e.Sessions.Cleanup(dataset, uploadID); cleanupErr != nil {
			slog.Warn("mergeengine: cleanup after lww skip failed", "dataset", dataset, "upload_id", uploadID, "error", cleanupErr)
		}
		return nil
	}

	chunkFiles, err := uploadsession.ChunkFiles(session)
	if err != nil {
		return fmt.Errorf("list chunk files: %w", err)
	}
	if req.ChunkCount > 0 && len(chunkFiles) != req.ChunkCount {
		return ErrChunkCountMismatch
	}

	if err := os.MkdirAll(e.TempRoot, 0o755); err != nil {
		return fmt.Errorf("ensure temp root: %w", err)
	}
	assemblyPath := filepath.Join(e.TempRoot, uuid.NewString()+".tmp")

	size, hash, err := assemble(assemblyPath, chunkFiles)
	if err != nil {
		os.Remove(assemblyPath)
		return fmt.Errorf("assemble: %w", err)
	}

	if size != req.ExpectedSize {
		os.Remove(assemblyPath)
		return ErrSizeMismatch
	}
	if req.SHA256 != "" && !strings.EqualFold(hash, req.SHA256) {
		os.Remove(assemblyPath)
		return ErrHashMismatch
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		os.Remove(assemblyPath)
		return fmt.Errorf("ensure target dir: %w", err)
	}
	if err := os.Rename(assemblyPath, targetPath); err != nil {
		os.Remove(assemblyPath)
		return fmt.Errorf("publish rename: %w", err)
	}

	// From here on, the publish is considered successful even if mtime
	// fixup or cleanup fails; both failures are logged, not propagated.
	if err := os.Chtimes(targetPath, req.LastWriteUTC, req.LastWriteUTC); err != nil {
		slog.Error("mergeengine: set mtime failed", "dataset", dataset, "path", session.Metadata.RelPath, "error", err)
	}
	if err := e.Sessions.Cleanup(dataset, uploadID); err != nil {
		slog.Error("mergeengine: session cleanup failed", "dataset", dataset, "upload_id", uploadID, "error", err)
	}

	return nil
}

func statMTime(path string) (mtime time.Time, exists bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}

// assemble stream-copies each chunk file in order into dst, returning the
// total size written and the lowercase hex SHA-256 of the assembled bytes.
func assemble(dst string, chunkFiles []string) (int64, string, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", err
	}
	defer out.Close()

	hasher := sha256.New()
	writer := io.MultiWriter(out, hasher)

	var total int64
	for _, chunkPath := range chunkFiles {
		n, err := copyChunk(writer, chunkPath)
		if err != nil {
			return 0, "", err
		}
		total += n
	}

	if err := out.Sync(); err != nil {
		return 0, "", err
	}

	return total, hex.EncodeToString(hasher.Sum(nil)), nil
}

func copyChunk(dst io.Writer, chunkPath string) (int64, error) {
	f, err := os.Open(chunkPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}
