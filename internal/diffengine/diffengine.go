// Package diffengine computes the upload/delete sets a client must act on,
// under the Last-Writer-Wins policy described in the data model.
package diffengine

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/openmined/filemirrorsync/internal/pathguard"
	"github.com/openmined/filemirrorsync/internal/protocol"
)

// DeletePolicy mirrors the data-model enum governing delete-set computation
// and DeleteEngine behavior.
type DeletePolicy string

const (
	Disabled  DeletePolicy = "Disabled"
	LwwDelete DeletePolicy = "LwwDelete"
)

// SessionAllocator is the subset of UploadSession used by DiffEngine to
// mint a fresh session for every path selected for upload.
type SessionAllocator interface {
	Create(ctx context.Context, dataset, client, relPath string) (uploadID string, err error)
}

// Engine computes DiffResult against a dataset root on disk.
type Engine struct {
	InboundRoot string
	Policy      DeletePolicy
	Sessions    SessionAllocator
}

func New(inboundRoot string, policy DeletePolicy, sessions SessionAllocator) *Engine {
	return &Engine{InboundRoot: inboundRoot, Policy: policy, Sessions: sessions}
}

// serverEntry is the subset of protocol.FileEntry DiffEngine needs from a
// filesystem stat: size and mtime only, since the server never hashes
// published files at diff time.
type serverEntry struct {
	path  string // original-case POSIX relative path, as found on disk
	size  int64
	mtime int64 // unix nanos, for cheap equality/ordering comparisons
}

// enumerateDataset walks datasetRoot (InboundRoot/<dataset>) and returns a case-insensitive
// map of POSIX relative path -> serverEntry.
func enumerateDataset(datasetRoot string) (map[string]serverEntry, error) {
	result := map[string]serverEntry{}

	err := filepath.WalkDir(datasetRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if filepath.Clean(path) == filepath.Clean(datasetRoot) {
				return nil // dataset dir not yet created: empty dataset
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(datasetRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		result[strings.ToLower(rel)] = serverEntry{path: rel, size: info.Size(), mtime: info.ModTime().UTC().UnixNano()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// shouldUpload implements the VersionPolicy.ShouldUpload LWW comparison
// from spec §4.4.
func shouldUpload(s serverEntry, c protocol.FileEntry) bool {
	cMtime := c.LastWriteUTC.UTC().UnixNano()
	switch {
	case cMtime > s.mtime:
		return true
	case cMtime == s.mtime && c.Size != s.size:
		return true
	case cMtime == s.mtime && c.SHA256 != "":
		// Equal mtime and size alone can't prove equal content, and the
		// server does not persist hashes for published files to compare the
		// client's hash against. Treat an unverifiable hash as a possible
		// difference rather than assume equality.
		return true
	default:
		return false
	}
}

// Compute builds the DiffResult for one manifest. Files are processed in
// manifest order, satisfying the "deterministic iteration over C" clause.
func (e *Engine) Compute(ctx context.Context, datasetID, clientID string, files []protocol.FileEntry) (*protocol.DiffResponse, error) {
	datasetRoot := filepath.Join(e.InboundRoot, datasetID)

	server, err := enumerateDataset(datasetRoot)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(files))
	resp := &protocol.DiffResponse{}

	for _, f := range files {
		normalized, err := pathguard.Validate(f.Path)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(normalized)
		seen[key] = true

		s, exists := server[key]
		upload := !exists || shouldUpload(s, f)
		if !upload {
			continue
		}

		uploadID, err := e.Sessions.Create(ctx, datasetID, clientID, normalized)
		if err != nil {
			return nil, err
		}
		resp.Upload = append(resp.Upload, protocol.UploadInstruction{Path: normalized, UploadID: uploadID})
	}

	if e.Policy == LwwDelete {
		for key, entry := range server {
			if !seen[key] {
				resp.Delete = append(resp.Delete, entry.path)
			}
		}
	}

	return resp, nil
}
