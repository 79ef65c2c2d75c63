package documents

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/platform/fetch"
	"github.com/ehr/docvault/internal/platform/middleware"
	"github.com/ehr/docvault/internal/platform/urlguard"
	"github.com/ehr/docvault/pkg/pagination"
)

const (
	msgFileNotFound = "File not found"
	msgReadError    = "Error reading file"
)

type Handler struct {
	svc      *Service
	resolver *Resolver
	baseDir  string
	logger   zerolog.Logger
}

func NewHandler(svc *Service, resolver *Resolver, baseDir string, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, resolver: resolver, baseDir: baseDir, logger: logger}
}

// RegisterRoutes mounts the document routes on api. store wraps only the
// handlers that query the document store, after path validation. Import is
// left out so no store connection is held during the outbound fetch.
func (h *Handler) RegisterRoutes(api *echo.Group, store ...echo.MiddlewareFunc) {
	wildcard := middleware.ValidatePath(middleware.ValidatePathConfig{
		Param: "path", PathParam: "*", BaseDir: h.baseDir, Logger: h.logger,
	})
	query := middleware.ValidatePath(middleware.ValidatePathConfig{
		Param: "path", BaseDir: h.baseDir, Logger: h.logger,
	})
	withStore := func(mw ...echo.MiddlewareFunc) []echo.MiddlewareFunc {
		return append(mw, store...)
	}

	api.GET("/files/*", h.ServeFile, withStore(wildcard)...)
	api.HEAD("/files/*", h.ServeFile, withStore(wildcard)...)
	api.GET("/files", h.ServeFile, withStore(query)...)
	api.HEAD("/files", h.ServeFile, withStore(query)...)

	api.GET("/documents/:class", h.List, store...)
	api.POST("/documents/:class/:ownerId", h.Upload, store...)
	api.POST("/documents/:class/:ownerId/import", h.Import)
	api.DELETE("/documents/:class/:ownerId", h.Delete, store...)
}

// ServeFile streams a resolved document inline.
func (h *Handler) ServeFile(c echo.Context) error {
	vp, ok := middleware.ValidatedPathFrom(c.Request().Context())
	if !ok {
		// Route registered without ValidatePath.
		return middleware.ErrorJSON(c, http.StatusInternalServerError, middleware.CodeInternal, msgReadError)
	}

	res, err := h.resolver.Resolve(c.Request().Context(), vp.Reference, vp.AbsolutePath)
	if errors.Is(err, ErrNotFound) {
		return middleware.ErrorJSON(c, http.StatusNotFound, middleware.CodeNotFound, msgFileNotFound)
	}
	if err != nil {
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).Str("request_id", rid).Msg("document read failed")
		return middleware.ErrorJSON(c, http.StatusInternalServerError, middleware.CodeInternal, msgReadError)
	}

	c.Set(middleware.AuditReferenceKey, res.Reference)
	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("inline", map[string]string{"filename": res.DisplayName}))
	return c.Blob(http.StatusOK, res.MIMEType, res.Bytes)
}

func (h *Handler) Upload(c echo.Context) error {
	class, ownerID, err := routeTarget(c)
	if err != nil {
		return h.writeError(c, err)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return middleware.ErrorJSON(c, http.StatusBadRequest, middleware.CodeInvalid, "multipart field \"file\" is required")
	}
	if h.svc.maxUpload > 0 && fh.Size > h.svc.maxUpload {
		return h.writeError(c, ErrFileTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return h.writeError(c, err)
	}
	defer f.Close()

	var r io.Reader = f
	if h.svc.maxUpload > 0 {
		r = io.LimitReader(f, h.svc.maxUpload+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return h.writeError(c, err)
	}

	doc, err := h.svc.Upload(c.Request().Context(), UploadInput{
		Class:        class,
		OwnerID:      ownerID,
		Label:        c.FormValue("label"),
		FileName:     fh.Filename,
		DeclaredSize: fh.Size,
		Data:         data,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	c.Set(middleware.AuditReferenceKey, doc.Reference)
	return c.JSON(http.StatusCreated, doc)
}

type importRequest struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

func (h *Handler) Import(c echo.Context) error {
	class, ownerID, err := routeTarget(c)
	if err != nil {
		return h.writeError(c, err)
	}
	var req importRequest
	if err := c.Bind(&req); err != nil {
		return middleware.ErrorJSON(c, http.StatusBadRequest, middleware.CodeInvalid, "invalid request body")
	}

	doc, err := h.svc.Import(c.Request().Context(), class, ownerID, req.URL, req.Label)
	if err != nil {
		return h.writeError(c, err)
	}
	c.Set(middleware.AuditReferenceKey, doc.Reference)
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) List(c echo.Context) error {
	class, err := ParseClass(c.Param("class"))
	if err != nil {
		return h.writeError(c, err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), class, pg.Limit, pg.Offset)
	if err != nil {
		return h.writeError(c, err)
	}
	if items == nil {
		items = []*EncryptedDocument{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Delete(c echo.Context) error {
	class, ownerID, err := routeTarget(c)
	if err != nil {
		return h.writeError(c, err)
	}
	if err := h.svc.Delete(c.Request().Context(), class, ownerID); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func routeTarget(c echo.Context) (Class, uuid.UUID, error) {
	class, err := ParseClass(c.Param("class"))
	if err != nil {
		return "", uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("ownerId"))
	if err != nil {
		return "", uuid.Nil, ErrInvalidUpload
	}
	return class, id, nil
}

// writeError maps service errors onto the JSON error envelope. Unexpected
// errors are logged and reported without detail.
func (h *Handler) writeError(c echo.Context, err error) error {
	var violation *urlguard.Violation
	var upstream *fetch.StatusError

	switch {
	case errors.Is(err, ErrInvalidClass):
		return middleware.ErrorJSON(c, http.StatusBadRequest, middleware.CodeInvalid, "unknown document class")
	case errors.Is(err, ErrInvalidUpload):
		return middleware.ErrorJSON(c, http.StatusBadRequest, middleware.CodeInvalid, "invalid document upload")
	case errors.Is(err, ErrFileTooLarge):
		return middleware.ErrorJSON(c, http.StatusRequestEntityTooLarge, middleware.CodeTooLarge, "document exceeds upload size limit")
	case errors.Is(err, ErrNotFound):
		return middleware.ErrorJSON(c, http.StatusNotFound, middleware.CodeNotFound, "Document not found")
	case errors.As(err, &violation):
		if violation.Blocked() {
			return middleware.ErrorJSON(c, http.StatusForbidden, middleware.CodeForbidden, "Access denied")
		}
		return middleware.ErrorJSON(c, http.StatusBadRequest, middleware.CodeInvalid, "Invalid URL")
	case errors.As(err, &upstream):
		return middleware.ErrorJSON(c, http.StatusBadGateway, middleware.CodeUnavailable, "import source unavailable")
	}

	rid, _ := c.Get("request_id").(string)
	h.logger.Error().Err(err).Str("request_id", rid).Str("path", c.Request().URL.Path).Msg("document request failed")
	return middleware.ErrorJSON(c, http.StatusInternalServerError, middleware.CodeInternal, "Internal server error")
}
