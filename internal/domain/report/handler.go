package report

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalyze/vitalyze/internal/platform/auth"
	"github.com/vitalyze/vitalyze/pkg/pagination"
)

type Handler struct {
	svc       *Service
	uploadDir string
}

func NewHandler(svc *Service, uploadDir string) *Handler {
	return &Handler{svc: svc, uploadDir: uploadDir}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/reports/upload", h.Upload)
	api.POST("/reports/analyze", h.Analyze)
	api.GET("/reports/status/:task_id", h.GetStatus)
	api.GET("/reports", h.ListReports)
	api.GET("/reports/:id", h.GetReport)
}

type submitResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

type analyzeRequest struct {
	Text     string `json:"text"`
	Filename string `json:"filename"`
}

func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	if !isPDF(fh.Header.Get(echo.HeaderContentType)) {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid file type. Only PDFs are allowed.")
	}

	path, err := h.save(fh)
	if err != nil {
		c.Logger().Errorf("saving upload: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store uploaded file")
	}

	ctx := c.Request().Context()
	taskID, err := h.svc.SubmitFile(ctx, auth.UserIDFromContext(ctx), filepath.Base(fh.Filename), path)
	if err != nil {
		_ = os.Remove(path)
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, submitResponse{
		TaskID:  taskID,
		Message: "Report upload successful. Processing has started.",
	})
}

func (h *Handler) Analyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, NoTextMessage)
	}
	ctx := c.Request().Context()
	taskID, err := h.svc.SubmitText(ctx, auth.UserIDFromContext(ctx), req.Filename, req.Text)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, submitResponse{
		TaskID:  taskID,
		Message: "Text accepted. Analysis has started.",
	})
}

// GetStatus answers 202 while the task is in flight and 200 once it is
// COMPLETED or FAILED.
func (h *Handler) GetStatus(c echo.Context) error {
	ctx := c.Request().Context()
	st, err := h.svc.Status(ctx, c.Param("task_id"), auth.UserIDFromContext(ctx))
	if errors.Is(err, ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	code := http.StatusAccepted
	if st.Status == string(StateCompleted) || st.Status == string(StateFailed) {
		code = http.StatusOK
	}
	return c.JSON(code, st)
}

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	results, total, err := h.svc.History(ctx, auth.UserIDFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(results, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	view, err := h.svc.GetResult(ctx, auth.UserIDFromContext(ctx), id)
	if errors.Is(err, ErrReportNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}

// save copies the upload into uploadDir under a unique name.
func (h *Handler) save(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	if err := os.MkdirAll(h.uploadDir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(h.uploadDir, uuid.New().String()+".pdf")
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func isPDF(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/pdf"
}
