package reminder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vitalyze/vitalyze/internal/platform/auth"
)

func newTestHandler() (*Handler, *mockRepo, *echo.Echo) {
	svc, repo := newTestService()
	return NewHandler(svc), repo, echo.New()
}

func jsonRequest(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithUserID(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectCode(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != code {
		t.Errorf("expected %d, got %v", code, err)
	}
}

func TestHandler_SetContact(t *testing.T) {
	h, repo, e := newTestHandler()

	c, rec := jsonRequest(e, http.MethodPut, `{"name":"Asha","phone_number":"+14155550123"}`)
	if err := h.SetContact(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if _, err := repo.GetContact(context.Background(), "u1"); err != nil {
		t.Errorf("expected contact stored: %v", err)
	}

	c, _ = jsonRequest(e, http.MethodPut, `{"name":"Asha","phone_number":"4155550123"}`)
	expectCode(t, h.SetContact(c), http.StatusBadRequest)
}

func TestHandler_CreateDaily(t *testing.T) {
	h, repo, e := newTestHandler()

	c, _ := jsonRequest(e, http.MethodPost, `{"medicine_name":"Metformin","timings":["morning"]}`)
	expectCode(t, h.CreateDaily(c), http.StatusConflict)

	repo.UpsertContact(context.Background(), &Contact{UserID: "u1", Name: "Asha", PhoneNumber: "+14155550123"})

	c, rec := jsonRequest(e, http.MethodPost, `{"medicine_name":"Metformin","timings":["morning","evening"]}`)
	if err := h.CreateDaily(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c, _ = jsonRequest(e, http.MethodPost, `{"medicine_name":"Metformin","timings":["bedtime"]}`)
	expectCode(t, h.CreateDaily(c), http.StatusBadRequest)
}

func TestHandler_CreateRefill(t *testing.T) {
	h, repo, e := newTestHandler()
	repo.UpsertContact(context.Background(), &Contact{UserID: "u1", Name: "Asha", PhoneNumber: "+14155550123"})

	c, rec := jsonRequest(e, http.MethodPost, `{"medicine_name":"Atorvastatin","initial_quantity":30,"frequency_per_day":1}`)
	if err := h.CreateRefill(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["reminder_id"] == "" || resp["message"] == "" {
		t.Errorf("unexpected response %v", resp)
	}
	date, err := time.Parse(time.RFC3339, resp["refill_date"])
	if err != nil {
		t.Fatalf("refill_date not RFC3339: %v", err)
	}
	if want := time.Date(2026, 3, 28, 9, 0, 0, 0, time.UTC); !date.Equal(want) {
		t.Errorf("expected refill date %s, got %s", want, date)
	}

	c, _ = jsonRequest(e, http.MethodPost, `{"medicine_name":"Atorvastatin","initial_quantity":0,"frequency_per_day":1}`)
	expectCode(t, h.CreateRefill(c), http.StatusBadRequest)

	c, _ = jsonRequest(e, http.MethodPost, `{"medicine_name":"Atorvastatin","initial_quantity":200000,"frequency_per_day":1}`)
	expectCode(t, h.CreateRefill(c), http.StatusBadRequest)
}

func TestHandler_ListReminders(t *testing.T) {
	h, repo, e := newTestHandler()
	ctx := context.Background()
	repo.UpsertContact(ctx, &Contact{UserID: "u1", Name: "Asha", PhoneNumber: "+14155550123"})
	h.svc.CreateDaily(ctx, "u1", "Metformin", []Timing{Morning})

	c, rec := jsonRequest(e, http.MethodGet, "")
	if err := h.ListReminders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out Overview
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.Daily) != 1 || out.Daily[0].MedicineName != "Metformin" {
		t.Errorf("unexpected overview %s", rec.Body.String())
	}
}
