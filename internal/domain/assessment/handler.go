package assessment

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/assessments/internal/catalog"
	"github.com/ehr/assessments/internal/engine"
	"github.com/ehr/assessments/internal/platform/auth"
	"github.com/ehr/assessments/internal/platform/blobstore"
	"github.com/ehr/assessments/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.ClinicalRoles...))
	g.GET("/assessment-types", h.ListTypes)
	g.GET("/assessments/:type/form", h.BlankForm)
	g.POST("/assessments/:type/fields", h.UpdateField)
	g.POST("/assessments/:type/evaluate", h.Evaluate)
	g.POST("/assessments/:type/attachments", h.Attach)
	g.POST("/assessments/:type", h.Submit)
	g.GET("/assessments/:type", h.History)
	g.DELETE("/assessments/:type/:id", h.Delete)
}

// httpError maps service errors to responses. Persistence failures get a
// fixed message; details stay in the log.
func httpError(err error) error {
	var pathErr *engine.PathError
	switch {
	case errors.Is(err, catalog.ErrUnknownType):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &pathErr), errors.Is(err, engine.ErrMapping):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrInvalidContext), errors.Is(err, ErrAttachmentsUnsupported):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge),
		errors.Is(err, blobstore.ErrInvalidFileType),
		errors.Is(err, blobstore.ErrMissingFileName):
		return echo.NewHTTPError(blobstore.UploadStatus(err), err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save assessment")
	}
}

func (h *Handler) ListTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Types())
}

func (h *Handler) BlankForm(c echo.Context) error {
	form, err := h.svc.BlankForm(c.Param("type"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, form)
}

type fieldUpdateResponse struct {
	State engine.State `json:"state"`
	Error string       `json:"error,omitempty"`
}

// UpdateField answers 422 with the unchanged state when the path or value
// does not fit the form.
func (h *Handler) UpdateField(c echo.Context) error {
	var req FieldUpdate
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	state, err := h.svc.UpdateField(c.Param("type"), req.State, req.Path, req.Value)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownType) {
			return httpError(err)
		}
		return c.JSON(http.StatusUnprocessableEntity, fieldUpdateResponse{State: state, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, fieldUpdateResponse{State: state})
}

func (h *Handler) Evaluate(c echo.Context) error {
	var req struct {
		State engine.State `json:"state"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	findings, err := h.svc.Evaluate(c.Param("type"), req.State)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"findings": findings})
}

func (h *Handler) Submit(c echo.Context) error {
	who, ok := auth.ClinicianFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated clinician")
	}
	var sub Submission
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Submit(c.Request().Context(), c.Param("type"), who, sub)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) History(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), c.Param("type"), c.QueryParam("patient"), pg.Limit, pg.Offset)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownType) || errors.Is(err, engine.ErrInvalidContext) || errors.Is(err, engine.ErrMapping) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load history")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		if errors.Is(err, catalog.ErrUnknownType) || errors.Is(err, ErrNotFound) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete assessment")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Attach(c echo.Context) error {
	who, ok := auth.ClinicianFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated clinician")
	}
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if file.Size > blobstore.MaxFileSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, blobstore.ErrFileTooLarge.Error())
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	att, err := h.svc.Attach(c.Request().Context(), c.Param("type"), who, c.FormValue("patient"), file.Filename, src)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownType) || errors.Is(err, ErrAttachmentsUnsupported) ||
			errors.Is(err, blobstore.ErrFileTooLarge) || errors.Is(err, blobstore.ErrInvalidFileType) ||
			errors.Is(err, blobstore.ErrMissingFileName) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store attachment")
	}
	return c.JSON(http.StatusCreated, att)
}
