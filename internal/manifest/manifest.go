// Package manifest builds the client-side file manifest that SyncRunner
// sends to the server at the start of every round.
package manifest

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openmined/filemirrorsync/internal/pathguard"
	"github.com/openmined/filemirrorsync/internal/protocol"
)

// Build walks root recursively and returns a FileEntry for every regular
// file found, with Path normalized to POSIX form relative to root. Hidden
// files are included; symlinks are not followed (fs.WalkDir does not
// descend into them, and a symlink entry itself is skipped since it is not
// a regular file).
func Build(root string) ([]protocol.FileEntry, error) {
	var entries []protocol.FileEntry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		normalized, err := pathguard.Validate(rel)
		if err != nil {
			// A file whose name fails the wire-path invariants is skipped
			// rather than aborting the whole scan; the server would reject
			// it anyway and the rest of the tree should still sync.
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entries = append(entries, protocol.FileEntry{
			Path:         normalized,
			Size:         info.Size(),
			LastWriteUTC: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Path) < strings.ToLower(entries[j].Path)
	})

	return entries, nil
}
