package server_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/filemirrorsync/internal/diffengine"
	"github.com/openmined/filemirrorsync/internal/pathguard"
	"github.com/openmined/filemirrorsync/internal/protocol"
	"github.com/openmined/filemirrorsync/internal/server"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*server.Services, func(method, path string, body []byte, apiKey string) *httptest.ResponseRecorder) {
	t.Helper()
	root := t.TempDir()
	cfg := &server.Config{
		InboundRoot:        filepath.Join(root, "inbound"),
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

	do := func(method, path string, body []byte, apiKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if apiKey != "" {
			req.Header.Set("X-Api-Key", apiKey)
		}
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		return rec
	}

	return svc, do
}

func TestManifest_Unauthorized(t *testing.T) {
	_, do := newTestServer(t)
	body, _ := json.Marshal(protocol.ManifestRequest{DatasetID: "ds1", ClientID: "c1"})
	rec := do(http.MethodPost, "/api/sync/manifest", body, "wrong-key")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestManifest_InvalidPathRejected(t *testing.T) {
	_, do := newTestServer(t)
	body, _ := json.Marshal(protocol.ManifestRequest{
		DatasetID: "ds1", ClientID: "c1",
		Files: []protocol.FileEntry{{Path: "../../etc/passwd", Size: 1, LastWriteUTC: time.Now()}},
	})
	rec := do(http.MethodPost, "/api/sync/manifest", body, "secret-key")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFullRoundTrip_UploadThenDelete(t *testing.T) {
	svc, do := newTestServer(t)
	_ = svc

	content := []byte("hello\nhi\n")
	mtime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	manifestBody, _ := json.Marshal(protocol.ManifestRequest{
		DatasetID: "ds1", ClientID: "c1",
		Files: []protocol.FileEntry{{Path: "a/b.txt", Size: int64(len(content)), LastWriteUTC: mtime}},
	})
	rec := do(http.MethodPost, "/api/sync/manifest", manifestBody, "secret-key")
	require.Equal(t, http.StatusOK, rec.Code)

	var diff protocol.DiffResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diff))
	require.Len(t, diff.Upload, 1)
	uploadID := diff.Upload[0].UploadID
	token := pathguard.EncodeToken("a/b.txt")

	chunks := [][]byte{content[0:4], content[4:8], content[8:9]}
	for i, chunk := range chunks {
		path := "/api/sync/files/" + token + "/uploads/" + uploadID + "/chunks/" + itoa(i) + "?datasetId=ds1&clientId=c1"
		rec := do(http.MethodPut, path, chunk, "secret-key")
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	sum := sha256.Sum256(content)
	completeBody, _ := json.Marshal(protocol.CompleteRequest{
		DatasetID: "ds1", ClientID: "c1",
		ExpectedSize: int64(len(content)),
		SHA256:       hex.EncodeToString(sum[:]),
		ChunkCount:   3,
		LastWriteUTC: mtime,
	})
	rec = do(http.MethodPost, "/api/sync/files/"+token+"/uploads/"+uploadID+"/complete", completeBody, "secret-key")
	require.Equal(t, http.StatusNoContent, rec.Code)

	// A second manifest round that no longer reports the file marks it for
	// deletion under LwwDelete.
	emptyManifest, _ := json.Marshal(protocol.ManifestRequest{DatasetID: "ds1", ClientID: "c1"})
	rec = do(http.MethodPost, "/api/sync/manifest", emptyManifest, "secret-key")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diff))
	require.Equal(t, []string{"a/b.txt"}, diff.Delete)

	deleteAt := mtime.Add(time.Hour)
	deleteBody, _ := json.Marshal(protocol.DeleteRequest{
		DatasetID: "ds1", ClientID: "c1",
		Paths:        []string{"a/b.txt"},
		DeletedAtUTC: &deleteAt,
	})
	rec = do(http.MethodPost, "/api/sync/delete", deleteBody, "secret-key")
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := os.Stat(filepath.Join(svc.Diff.InboundRoot, "ds1", "a", "b.txt"))
	require.True(t, os.IsNotExist(err))
}

func itoa(i int) string {
	return string(rune('0' + i))
}
