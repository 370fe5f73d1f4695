package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=500", MaxLimit, 0},
		{"?limit=0", DefaultLimit, 0},
		{"?offset=-5", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	e := echo.New()
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/assessments/dietary"+tt.query, nil)
		c := e.NewContext(req, httptest.NewRecorder())

		p := FromContext(c)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%q: got limit=%d offset=%d, want %d/%d", tt.query, p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	tests := []struct {
		total, limit, offset int
		want                 bool
	}{
		{100, 20, 0, true},
		{100, 20, 80, false},
		{25, 20, 0, true},
		{0, 20, 0, false},
	}
	for _, tt := range tests {
		r := NewResponse([]string{}, tt.total, tt.limit, tt.offset)
		if r.HasMore != tt.want {
			t.Errorf("total=%d limit=%d offset=%d: HasMore=%v, want %v", tt.total, tt.limit, tt.offset, r.HasMore, tt.want)
		}
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 20, Offset: 10}
	if p.NextOffset() != 30 {
		t.Errorf("NextOffset = %d, want 30", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("PreviousOffset = %d, want 0 (clamped)", p.PreviousOffset())
	}
	if !p.HasPrevious() {
		t.Error("expected a previous page at offset 10")
	}
	if (Params{Limit: 20}).HasPrevious() {
		t.Error("expected no previous page at offset 0")
	}
	if !p.HasNext(31) || p.HasNext(30) {
		t.Error("HasNext boundary is wrong")
	}
}

func TestResponse_WithLinks(t *testing.T) {
	query := url.Values{"patient": {"Ana Cruz"}}

	first := NewResponse(nil, 45, 20, 0).WithLinks("/api/v1/assessments/skin", query)
	if first.Previous != "" {
		t.Errorf("first page should have no previous link, got %q", first.Previous)
	}
	if first.Next != "/api/v1/assessments/skin?limit=20&offset=20&patient=Ana+Cruz" {
		t.Errorf("unexpected next link %q", first.Next)
	}

	middle := NewResponse(nil, 45, 20, 20).WithLinks("/api/v1/assessments/skin", query)
	if middle.Previous != "/api/v1/assessments/skin?limit=20&offset=0&patient=Ana+Cruz" {
		t.Errorf("unexpected previous link %q", middle.Previous)
	}
	if middle.Next == "" {
		t.Error("middle page should link to the next page")
	}

	last := NewResponse(nil, 45, 20, 40).WithLinks("/api/v1/assessments/skin", query)
	if last.Next != "" {
		t.Errorf("last page should have no next link, got %q", last.Next)
	}

	if len(query) != 1 || query.Get("limit") != "" {
		t.Errorf("WithLinks modified the caller's query: %v", query)
	}
}
