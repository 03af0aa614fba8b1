// Package syncrunner orchestrates one client sync round: build the
// manifest, diff against the server, upload selected files with bounded
// parallelism, apply deletes, and persist state only on full-round success.
package syncrunner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/filemirrorsync/internal/client"
	"github.com/openmined/filemirrorsync/internal/manifest"
	"github.com/openmined/filemirrorsync/internal/protocol"
	"github.com/openmined/filemirrorsync/internal/statestore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrIntegrityFailure = errors.New("round aborted: integrity failure")
	ErrLocalIO          = errors.New("local io failure")
)

// Runner drives one round at a time against a configured dataset.
type Runner struct {
	cfg   *client.Config
	api   *client.APIClient
	state *statestore.Store
}

func New(cfg *client.Config, api *client.APIClient) *Runner {
	return &Runner{cfg: cfg, api: api, state: statestore.New(cfg.StateFile)}
}

// Run executes exactly one round, returning nil only on full success. A
// failed round leaves the state file untouched so the next round
// recomputes from scratch, per spec §7.
func (r *Runner) Run(ctx context.Context) error {
	// Prior state is advisory only and the round does not use it; a load
	// failure is logged and does not abort the round.
	if _, err := r.state.Load(); err != nil {
		slog.Warn("syncrunner: prior state unreadable, continuing without it", "error", err)
	}

	files, err := manifest.Build(r.cfg.RootPath)
	if err != nil {
		return fmt.Errorf("%w: scan root: %v", ErrLocalIO, err)
	}

	diff, err := r.api.PostManifest(ctx, protocol.ManifestRequest{
		DatasetID: r.cfg.DatasetID,
		ClientID:  r.cfg.ClientID,
		Files:     files,
	})
	if err != nil {
		return err
	}

	byPath := make(map[string]protocol.FileEntry, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	if err := r.uploadAll(ctx, diff.Upload, byPath); err != nil {
		return err
	}

	if r.cfg.EnableDelete && len(diff.Delete) > 0 {
		if err := r.deleteAll(ctx, diff.Delete); err != nil {
			return err
		}
	}

	newState := statestore.Empty()
	newState.LastSyncUTC = time.Now().UTC()
	for _, f := range files {
		newState.Files[f.Path] = f
	}
	if err := r.state.Save(newState); err != nil {
		return fmt.Errorf("%w: save state: %v", ErrLocalIO, err)
	}

	return nil
}

func (r *Runner) uploadAll(ctx context.Context, uploads []protocol.UploadInstruction, byPath map[string]protocol.FileEntry) error {
	if len(uploads) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(r.cfg.MaxParallelUploads))
	eg, egCtx := errgroup.WithContext(ctx)

	for _, instr := range uploads {
		instr := instr
		entry, ok := byPath[instr.Path]
		if !ok {
			continue
		}

		if err := sem.Acquire(egCtx, 1); err != nil {
			return err
		}

		eg.Go(func() error {
			defer sem.Release(1)
			return r.uploadFile(egCtx, instr, entry)
		})
	}

	return eg.Wait()
}

func (r *Runner) uploadFile(ctx context.Context, instr protocol.UploadInstruction, entry protocol.FileEntry) error {
	absPath := filepath.Join(r.cfg.RootPath, filepath.FromSlash(entry.Path))

	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrLocalIO, entry.Path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, r.cfg.ChunkSize)
	index := 0
	totalChunks := (entry.Size + r.cfg.ChunkSize - 1) / r.cfg.ChunkSize

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := buf[:n]
			hasher.Write(chunk)
			if err := r.api.PutChunk(ctx, entry.Path, instr.UploadID, index, bytes.NewReader(chunk)); err != nil {
				slog.Error("sync upload chunk failed", "path", entry.Path, "chunk", index, "error", err)
				return err
			}
			slog.Debug("sync upload progress",
				"path", entry.Path,
				"chunk", index,
				"total", totalChunks,
				"bytes", humanize.Bytes(uint64(n)),
			)
			index++
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: read %s: %v", ErrLocalIO, entry.Path, readErr)
		}
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	err = r.api.PostComplete(ctx, entry.Path, instr.UploadID, protocol.CompleteRequest{
		DatasetID:    r.cfg.DatasetID,
		ClientID:     r.cfg.ClientID,
		ExpectedSize: entry.Size,
		SHA256:       sum,
		ChunkCount:   index,
		LastWriteUTC: entry.LastWriteUTC,
	})
	if err != nil {
		var rejection *client.ServerRejection
		if errors.As(err, &rejection) && rejection.Status == 409 {
			return fmt.Errorf("%w: %s: %v", ErrIntegrityFailure, entry.Path, err)
		}
		return err
	}

	slog.Info("sync file uploaded", "path", entry.Path, "size", humanize.Bytes(uint64(entry.Size)))
	return nil
}

// deleteAll confirms the deletion of the paths the diff round already
// identified as server-only, stamping deletedAtUtc=now so the server's
// LWW check (deletedAtUtc > mtime) can decide whether each one still
// applies by the time the request lands.
func (r *Runner) deleteAll(ctx context.Context, paths []string) error {
	now := time.Now().UTC()
	return r.api.PostDelete(ctx, protocol.DeleteRequest{
		DatasetID:    r.cfg.DatasetID,
		ClientID:     r.cfg.ClientID,
		Paths:        paths,
		DeletedAtUTC: &now,
	})
}
