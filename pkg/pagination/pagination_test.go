package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"/", DefaultLimit, 0},
		{"/?limit=50&offset=10", 50, 10},
		{"/?limit=500", MaxLimit, 0},
		{"/?limit=-3&offset=-7", DefaultLimit, 0},
		{"/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(t, tt.target)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%s: got limit=%d offset=%d, want %d/%d", tt.target, p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	if r := NewResponse([]int{1}, 30, 20, 0); !r.HasMore {
		t.Error("expected has_more on first of two pages")
	}
	if r := NewResponse([]int{1}, 30, 20, 20); r.HasMore {
		t.Error("expected no more results on last page")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 20, Offset: 10}
	if p.NextOffset() != 30 {
		t.Errorf("expected next offset 30, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if !p.HasPrevious() {
		t.Error("expected HasPrevious for non-zero offset")
	}
	if (Params{Limit: 20}).HasPrevious() {
		t.Error("expected no previous page at offset 0")
	}
}

func TestResponse_WithLinks(t *testing.T) {
	u, _ := url.Parse("/api/v1/clinical-notes?subject_id=abc&limit=10&offset=10")
	r := NewResponse(nil, 35, 10, 10).WithLinks(u)

	if r.Links == nil {
		t.Fatal("expected links")
	}
	if r.Links.Self != "/api/v1/clinical-notes?limit=10&offset=10&subject_id=abc" {
		t.Errorf("unexpected self link %q", r.Links.Self)
	}
	if r.Links.Next != "/api/v1/clinical-notes?limit=10&offset=20&subject_id=abc" {
		t.Errorf("unexpected next link %q", r.Links.Next)
	}
	if r.Links.Previous != "/api/v1/clinical-notes?limit=10&offset=0&subject_id=abc" {
		t.Errorf("unexpected previous link %q", r.Links.Previous)
	}
}

func TestResponse_WithLinks_LastPage(t *testing.T) {
	u, _ := url.Parse("/x")
	r := NewResponse(nil, 5, 10, 0).WithLinks(u)
	if r.Links.Next != "" || r.Links.Previous != "" {
		t.Errorf("expected only a self link, got %+v", r.Links)
	}
}
