package syncrunner_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	fmclient "github.com/openmined/filemirrorsync/internal/client"
	"github.com/openmined/filemirrorsync/internal/diffengine"
	"github.com/openmined/filemirrorsync/internal/manifest"
	"github.com/openmined/filemirrorsync/internal/protocol"
	"github.com/openmined/filemirrorsync/internal/server"
	"github.com/openmined/filemirrorsync/internal/syncrunner"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	inbound := filepath.Join(root, "inbound")

	cfg := &server.Config{
		InboundRoot:        inbound,
		TempRoot:           filepath.Join(root, "temp"),
		DeleteStrategy:     string(diffengine.LwwDelete),
		MaxParallelUploads: 4,
		ApiKeys: server.ApiKeys{
			DatasetKeys: map[string]string{"ds1": "secret-key"},
		},
	}
	require.NoError(t, cfg.Validate())

	svc := server.NewServices(cfg)
	engine := server.SetupRoutes(svc)
	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)

	return ts, inbound
}

func TestRun_UploadsNewFiles(t *testing.T) {
	ts, inbound := startTestServer(t)

	clientRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(clientRoot, "hello.txt"), []byte("hello world"), 0o644))

	cfg := &fmclient.Config{
		DatasetID:     "ds1",
		ClientID:      "c1",
		ApiKey:        "secret-key",
		ServerBaseURL: ts.URL,
		RootPath:      clientRoot,
		StateFile:     filepath.Join(clientRoot, ".state.json"),
		ChunkSize:     4,
	}
	require.NoError(t, cfg.Validate())

	api := fmclient.NewAPIClient(cfg)
	runner := syncrunner.New(cfg, api)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, runner.Run(ctx))

	data, err := os.ReadFile(filepath.Join(inbound, "ds1", "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	_, err = os.Stat(cfg.StateFile)
	require.NoError(t, err)
}

func TestRun_SecondRoundWithNoChangesUploadsNothing(t *testing.T) {
	ts, _ := startTestServer(t)

	clientRoot := t.TempDir()
	path := filepath.Join(clientRoot, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))
	mtime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	cfg := &fmclient.Config{
		DatasetID:     "ds1",
		ClientID:      "c1",
		ApiKey:        "secret-key",
		ServerBaseURL: ts.URL,
		RootPath:      clientRoot,
		StateFile:     filepath.Join(t.TempDir(), ".state.json"),
	}
	require.NoError(t, cfg.Validate())

	api := fmclient.NewAPIClient(cfg)
	runner := syncrunner.New(cfg, api)

	ctx := context.Background()
	require.NoError(t, runner.Run(ctx))
	// second round: file unchanged, server already has an equal-or-newer
	// copy, so no chunk PUTs should be required for Run to succeed.
	require.NoError(t, runner.Run(ctx))

	files, err := manifest.Build(clientRoot)
	require.NoError(t, err)
	diff, err := api.PostManifest(ctx, protocol.ManifestRequest{DatasetID: "ds1", ClientID: "c1", Files: files})
	require.NoError(t, err)
	require.Empty(t, diff.Upload)
}
