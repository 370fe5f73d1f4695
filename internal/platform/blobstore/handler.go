package blobstore

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/assessments/internal/platform/metrics"
)

// BlobHandler serves stored attachments.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts the download and discard routes on g. Upload goes
// through the owning assessment type so the URL lands in the form.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/attachments/:id", h.handleDownload)
	g.DELETE("/attachments/:id", h.handleDelete)
}

// handleDownload redirects to a presigned URL when the backend offers one
// and streams the content otherwise.
func (h *BlobHandler) handleDownload(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if p, ok := h.store.(Presigner); ok {
		url, err := p.PresignDownload(ctx, id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign download")
		}
		return c.Redirect(http.StatusFound, url)
	}

	rc, meta, err := h.store.Download(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename=%q`, meta.FileName))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

// handleDelete discards an attachment, e.g. one uploaded for a form that
// was never submitted.
func (h *BlobHandler) handleDelete(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete attachment")
	}
	metrics.RecordAttachment("deleted")
	return c.NoContent(http.StatusNoContent)
}

// UploadStatus maps an upload error to its HTTP status.
func UploadStatus(err error) int {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidFileType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrMissingFileName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
