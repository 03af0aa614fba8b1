package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/filemirrorsync/internal/pathguard"
	"github.com/openmined/filemirrorsync/internal/protocol"
)

// ServerRejection wraps a non-2xx server response, carrying its status and
// decoded body for the caller to classify per spec §7's client taxonomy.
type ServerRejection struct {
	Status int
	Body   protocol.APIError
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("server rejected request: %d %s: %s", e.Status, e.Body.Code, e.Body.Message)
}

// APIClient is the thin wrapper around the FileMirrorSync HTTP protocol.
type APIClient struct {
	cfg    *Config
	client *req.Client
}

func NewAPIClient(cfg *Config) *APIClient {
	c := req.C().
		SetBaseURL(cfg.ServerBaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetCommonRetryCount(2).
		SetCommonRetryFixedInterval(500 * time.Millisecond).
		SetCommonHeader("X-Api-Key", cfg.ApiKey).
		SetUserAgent("filemirrorsync-client")

	return &APIClient{cfg: cfg, client: c}
}

func (a *APIClient) checkStatus(res *req.Response, wantStatus int) error {
	if res.StatusCode == wantStatus {
		return nil
	}
	var apiErr protocol.APIError
	_ = res.UnmarshalJson(&apiErr)
	return &ServerRejection{Status: res.StatusCode, Body: apiErr}
}

// PostManifest sends the client's manifest and returns the server's diff.
func (a *APIClient) PostManifest(ctx context.Context, req_ protocol.ManifestRequest) (*protocol.DiffResponse, error) {
	var diff protocol.DiffResponse
	res, err := a.client.R().
		SetContext(ctx).
		SetBody(&req_).
		SetSuccessResult(&diff).
		Post("/api/sync/manifest")
	if err != nil {
		return nil, fmt.Errorf("post manifest: %w", err)
	}
	if err := a.checkStatus(res, 200); err != nil {
		return nil, err
	}
	return &diff, nil
}

// PutChunk uploads one chunk body for an active upload session.
func (a *APIClient) PutChunk(ctx context.Context, relPath, uploadID string, index int, body io.Reader) error {
	token := pathguard.EncodeToken(relPath)
	path := fmt.Sprintf("/api/sync/files/%s/uploads/%s/chunks/%d", token, uploadID, index)

	res, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("datasetId", a.cfg.DatasetID).
		SetQueryParam("clientId", a.cfg.ClientID).
		SetBody(body).
		Put(path)
	if err != nil {
		return fmt.Errorf("put chunk %d for %s: %w", index, relPath, err)
	}
	return a.checkStatus(res, 204)
}

// PostComplete finalizes an upload session.
func (a *APIClient) PostComplete(ctx context.Context, relPath, uploadID string, complete protocol.CompleteRequest) error {
	token := pathguard.EncodeToken(relPath)
	path := fmt.Sprintf("/api/sync/files/%s/uploads/%s/complete", token, uploadID)

	res, err := a.client.R().
		SetContext(ctx).
		SetBody(&complete).
		Post(path)
	if err != nil {
		return fmt.Errorf("post complete for %s: %w", relPath, err)
	}
	return a.checkStatus(res, 204)
}

// PostDelete applies the server-side delete policy to the given paths.
func (a *APIClient) PostDelete(ctx context.Context, req_ protocol.DeleteRequest) error {
	res, err := a.client.R().
		SetContext(ctx).
		SetBody(&req_).
		Post("/api/sync/delete")
	if err != nil {
		return fmt.Errorf("post delete: %w", err)
	}
	return a.checkStatus(res, 204)
}
