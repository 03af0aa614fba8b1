package diffengine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/filemirrorsync/internal/diffengine"
	"github.com/openmined/filemirrorsync/internal/protocol"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct{ created []string }

func (f *fakeSessions) Create(ctx context.Context, dataset, client, relPath string) (string, error) {
	id := uuid.NewString()
	f.created = append(f.created, relPath)
	return id, nil
}

func writeFileAt(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestCompute_NewFileIsUploaded(t *testing.T) {
	root := t.TempDir()
	sessions := &fakeSessions{}
	e := diffengine.New(root, diffengine.Disabled, sessions)

	resp, err := e.Compute(context.Background(), "ds1", "c1", []protocol.FileEntry{
		{Path: "a/b.txt", Size: 9, LastWriteUTC: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	require.Len(t, resp.Upload, 1)
	require.Equal(t, "a/b.txt", resp.Upload[0].Path)
	require.Empty(t, resp.Delete)
}

func TestCompute_NewerClientMtimeUploads(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	writeFileAt(t, filepath.Join(root, "ds1", "x.txt"), "OLDSERVER1", base)

	sessions := &fakeSessions{}
	e := diffengine.New(root, diffengine.Disabled, sessions)

	resp, err := e.Compute(context.Background(), "ds1", "c1", []protocol.FileEntry{
		{Path: "x.txt", Size: 3, LastWriteUTC: base.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, resp.Upload, 1)
}

func TestCompute_OlderClientMtimeSkipsEvenIfSizeDiffers(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	writeFileAt(t, filepath.Join(root, "ds1", "x.txt"), "OLDSERVER1", base)

	sessions := &fakeSessions{}
	e := diffengine.New(root, diffengine.Disabled, sessions)

	resp, err := e.Compute(context.Background(), "ds1", "c1", []protocol.FileEntry{
		{Path: "x.txt", Size: 3, LastWriteUTC: base.Add(-time.Hour)},
	})
	require.NoError(t, err)
	require.Empty(t, resp.Upload)
}

func TestCompute_EqualMtimeDifferentSizeUploads(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	writeFileAt(t, filepath.Join(root, "ds1", "x.txt"), "OLDSERVER1", base)

	sessions := &fakeSessions{}
	e := diffengine.New(root, diffengine.Disabled, sessions)

	resp, err := e.Compute(context.Background(), "ds1", "c1", []protocol.FileEntry{
		{Path: "x.txt", Size: 999, LastWriteUTC: base},
	})
	require.NoError(t, err)
	require.Len(t, resp.Upload, 1)
}

func TestCompute_EqualMtimeEqualSizeWithClientHashUploads(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	writeFileAt(t, filepath.Join(root, "ds1", "x.txt"), "OLDSERVER1", base)

	sessions := &fakeSessions{}
	e := diffengine.New(root, diffengine.Disabled, sessions)

	resp, err := e.Compute(context.Background(), "ds1", "c1", []protocol.FileEntry{
		{Path: "x.txt", Size: 10, LastWriteUTC: base, SHA256: "deadbeef"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Upload, 1)
}

func TestCompute_DeleteDisabledNeverDeletes(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	writeFileAt(t, filepath.Join(root, "ds1", "old.txt"), "stale", base)

	sessions := &fakeSessions{}
	e := diffengine.New(root, diffengine.Disabled, sessions)

	resp, err := e.Compute(context.Background(), "ds1", "c1", nil)
	require.NoError(t, err)
	require.Empty(t, resp.Delete)
}

func TestCompute_LwwDeletePolicyMarksMissingFiles(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	writeFileAt(t, filepath.Join(root, "ds1", "old.txt"), "stale", base)

	sessions := &fakeSessions{}
	e := diffengine.New(root, diffengine.LwwDelete, sessions)

	resp, err := e.Compute(context.Background(), "ds1", "c1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"old.txt"}, resp.Delete)
}
