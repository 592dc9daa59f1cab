package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithQuery(query string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports"+query, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextWithQuery(""))
	if p.Limit != DefaultLimit {
		t.Errorf("expected limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextWithQuery("?limit=5&offset=10"))
	if p.Limit != 5 {
		t.Errorf("expected limit 5, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(contextWithQuery("?limit=5000"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := FromContext(contextWithQuery("?offset=-3"))
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 10, 2, 0)
	if !resp.HasMore {
		t.Error("expected HasMore to be true")
	}
	resp = NewResponse([]string{"a"}, 3, 2, 2)
	if resp.HasMore {
		t.Error("expected HasMore to be false on the last page")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if p.NextOffset() != 15 {
		t.Errorf("expected 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected 0, got %d", p.PreviousOffset())
	}
	if !p.HasPrevious() {
		t.Error("expected HasPrevious to be true")
	}
	if p.HasNext(15) {
		t.Error("expected HasNext(15) to be false")
	}
}

func TestParams_Links_MiddlePage(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	l := p.Links("/api/v1/reports", 35)
	if l.Self != "/api/v1/reports?limit=10&offset=10" {
		t.Errorf("unexpected self link %q", l.Self)
	}
	if l.Next != "/api/v1/reports?limit=10&offset=20" {
		t.Errorf("unexpected next link %q", l.Next)
	}
	if l.Previous != "/api/v1/reports?limit=10&offset=0" {
		t.Errorf("unexpected previous link %q", l.Previous)
	}
}

func TestParams_Links_FirstAndOnlyPage(t *testing.T) {
	l := Params{Limit: 20}.Links("/api/v1/reports", 3)
	if l.Next != "" || l.Previous != "" {
		t.Errorf("expected no neighbours, got %+v", l)
	}
}

func TestResponse_WithLinksJSON(t *testing.T) {
	resp := NewResponse([]int{1}, 5, 1, 0).WithLinks("/api/v1/reports")
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out map[string]interface{}
	json.Unmarshal(b, &out)
	links, ok := out["links"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected links object, got %v", out["links"])
	}
	if _, ok := links["previous"]; ok {
		t.Error("expected previous to be omitted on first page")
	}
	if links["next"] != "/api/v1/reports?limit=1&offset=1" {
		t.Errorf("unexpected next %v", links["next"])
	}
}
