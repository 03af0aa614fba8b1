package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/openmined/filemirrorsync/internal/deleteengine"
	"github.com/openmined/filemirrorsync/internal/mergeengine"
	"github.com/openmined/filemirrorsync/internal/pathguard"
	"github.com/openmined/filemirrorsync/internal/protocol"
	"github.com/openmined/filemirrorsync/internal/uploadsession"
)

type handlers struct {
	svc *Services
}

func newHandlers(svc *Services) *handlers {
	return &handlers{svc: svc}
}

func (h *handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, protocol.APIError{Code: code, Message: message})
}

func (h *handlers) authorize(c *gin.Context, datasetID, clientID string) bool {
	key := c.GetHeader("X-Api-Key")
	if !h.svc.Auth.Authorize(datasetID, clientID, key) {
		writeError(c, http.StatusUnauthorized, protocol.ErrUnauthorized, "unauthorized")
		return false
	}
	return true
}

// Manifest handles POST /api/sync/manifest.
func (h *handlers) Manifest(c *gin.Context) {
	var req protocol.ManifestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}

	if !h.authorize(c, req.DatasetID, req.ClientID) {
		return
	}

	resp, err := h.svc.Diff.Compute(c.Request.Context(), req.DatasetID, req.ClientID, req.Files)
	if err != nil {
		if errors.Is(err, pathguard.ErrInvalidPath) {
			writeError(c, http.StatusBadRequest, protocol.ErrInvalidPath, "invalid path in manifest")
			return
		}
		slog.Error("manifest diff failed", "dataset", req.DatasetID, "client", req.ClientID, "error", err)
		writeError(c, http.StatusInternalServerError, protocol.ErrIOFailure, "internal error")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// SaveChunk handles PUT /api/sync/files/{b64path}/uploads/{uploadId}/chunks/{index}.
func (h *handlers) SaveChunk(c *gin.Context) {
	datasetID := c.Query("datasetId")
	clientID := c.Query("clientId")

	if !h.authorize(c, datasetID, clientID) {
		return
	}

	relPath, err := pathguard.DecodeToken(c.Param("b64path"))
	if err != nil {
		writeError(c, http.StatusBadRequest, protocol.ErrInvalidPath, "invalid path token")
		return
	}
	if _, err := pathguard.Validate(relPath); err != nil {
		writeError(c, http.StatusBadRequest, protocol.ErrInvalidPath, "invalid path")
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		writeError(c, http.StatusBadRequest, protocol.ErrBadRequest, "invalid chunk index")
		return
	}

	uploadID := c.Param("uploadId")

	err = h.svc.Merge.SaveChunk(c.Request.Context(), datasetID, clientID, uploadID, relPath, index, c.Request.Body)
	if err != nil {
		h.writeMergeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Complete handles POST /api/sync/files/{b64path}/uploads/{uploadId}/complete.
func (h *handlers) Complete(c *gin.Context) {
	var req protocol.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}

	if !h.authorize(c, req.DatasetID, req.ClientID) {
		return
	}

	relPath, err := pathguard.DecodeToken(c.Param("b64path"))
	if err != nil {
		writeError(c, http.StatusBadRequest, protocol.ErrInvalidPath, "invalid path token")
		return
	}
	if _, err := pathguard.Validate(relPath); err != nil {
		writeError(c, http.StatusBadRequest, protocol.ErrInvalidPath, "invalid path")
		return
	}

	uploadID := c.Param("uploadId")

	err = h.svc.Merge.CompleteUpload(c.Request.Context(), req.DatasetID, uploadID, req)
	if err != nil {
		h.writeMergeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *handlers) writeMergeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, uploadsession.ErrNotFound):
		writeError(c, http.StatusBadRequest, protocol.ErrSessionNotFound, "session not found")
	case errors.Is(err, uploadsession.ErrMismatch), errors.Is(err, mergeengine.ErrSessionMismatch):
		writeError(c, http.StatusBadRequest, protocol.ErrSessionMismatch, "session mismatch")
	case errors.Is(err, mergeengine.ErrChunkCountMismatch):
		writeError(c, http.StatusConflict, protocol.ErrChunkCountMismatch, "chunk count mismatch")
	case errors.Is(err, mergeengine.ErrSizeMismatch):
		writeError(c, http.StatusConflict, protocol.ErrSizeMismatch, "assembled size mismatch")
	case errors.Is(err, mergeengine.ErrHashMismatch):
		writeError(c, http.StatusConflict, protocol.ErrHashMismatch, "assembled hash mismatch")
	default:
		slog.Error("merge engine failure", "error", err)
		writeError(c, http.StatusInternalServerError, protocol.ErrIOFailure, "internal error")
	}
}

// Delete handles POST /api/sync/delete.
func (h *handlers) Delete(c *gin.Context) {
	var req protocol.DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}

	if !h.authorize(c, req.DatasetID, req.ClientID) {
		return
	}

	err := h.svc.Delete.Apply(req.DatasetID, req.Paths, req.DeletedAtUTC)
	if err != nil {
		switch {
		case errors.Is(err, pathguard.ErrInvalidPath):
			writeError(c, http.StatusBadRequest, protocol.ErrInvalidPath, "invalid path")
		case errors.Is(err, deleteengine.ErrDeletedAtRequired):
			writeError(c, http.StatusBadRequest, protocol.ErrBadRequest, "deletedAtUtc is required")
		default:
			slog.Error("delete failed", "dataset", req.DatasetID, "error", err)
			writeError(c, http.StatusInternalServerError, protocol.ErrIOFailure, "internal error")
		}
		return
	}

	c.Status(http.StatusNoContent)
}
