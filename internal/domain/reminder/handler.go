package reminder

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vitalyze/vitalyze/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/reminders/daily", h.CreateDaily)
	api.POST("/reminders/refill", h.CreateRefill)
	api.GET("/reminders", h.ListReminders)
	api.PUT("/reminders/contact", h.SetContact)
}

type dailyRequest struct {
	MedicineName string   `json:"medicine_name"`
	Timings      []Timing `json:"timings"`
}

type refillRequest struct {
	MedicineName    string `json:"medicine_name"`
	InitialQuantity int    `json:"initial_quantity"`
	FrequencyPerDay int    `json:"frequency_per_day"`
}

type contactRequest struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
}

func (h *Handler) CreateDaily(c echo.Context) error {
	var req dailyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	d, err := h.svc.CreateDaily(ctx, auth.UserIDFromContext(ctx), req.MedicineName, req.Timings)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message":  "Daily reminders scheduled successfully.",
		"reminder": d,
	})
}

func (h *Handler) CreateRefill(c echo.Context) error {
	var req refillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rf, err := h.svc.CreateRefill(ctx, auth.UserIDFromContext(ctx), req.MedicineName, req.InitialQuantity, req.FrequencyPerDay)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message":     "Refill reminder scheduled successfully",
		"refill_date": rf.RefillDate.Format(time.RFC3339),
		"reminder_id": rf.ID.String(),
	})
}

func (h *Handler) ListReminders(c echo.Context) error {
	ctx := c.Request().Context()
	out, err := h.svc.List(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) SetContact(c echo.Context) error {
	var req contactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	contact, err := h.svc.SetContact(ctx, auth.UserIDFromContext(ctx), req.Name, req.PhoneNumber)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, contact)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrContactRequired):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrInvalidPhone), errors.Is(err, ErrInvalidTiming):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
