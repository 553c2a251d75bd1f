package generichttp_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glint-instrument/glintlab/generichttp"
	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
)

func TestSubMuxSanitize(t *testing.T) {
	for _, in := range []string{"scan", "/scan", "scan/", "/scan/*"} {
		if got := generichttp.SubMuxSanitize(in); got != "/scan" {
			t.Errorf("SubMuxSanitize(%q) = %q", in, got)
		}
	}
}

func TestBindAndEndpoints(t *testing.T) {
	v := 1.5
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/value"}:  generichttp.GetFloat(func() (float64, error) { return v, nil }),
		{Method: http.MethodPost, Path: "/value"}: generichttp.SetFloat(func(f float64) error { v = f; return nil }),
		{Method: http.MethodGet, Path: "/broken"}: generichttp.GetBool(func() (bool, error) { return false, errors.New("no") }),
	}
	want := []string{"GET /broken", "GET /value", "POST /value"}
	if diff := cmp.Diff(want, rt.Endpoints()); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/value", strings.NewReader(`{"f64": 2.25}`)))
	if w.Code != http.StatusOK || v != 2.25 {
		t.Fatalf("set failed: code %d, v=%v", w.Code, v)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/value", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"f64":2.25}` {
		t.Errorf("unexpected body %s", got)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/value", strings.NewReader(`not json`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad json, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/broken", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestPlainText(t *testing.T) {
	h := generichttp.GetInt(func() (int, error) { return 37, nil })
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/plain")
	h(w, req)
	if w.Body.String() != "37" {
		t.Errorf("expected plain 37, got %q", w.Body.String())
	}
}
