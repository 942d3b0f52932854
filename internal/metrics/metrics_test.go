package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMiddleware_RecordsStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/markets/{marketID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/markets/abc", nil))
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", w.Code)
	}
}

func TestRoutePattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/markets/{marketID}/settlements/{version}", func(w http.ResponseWriter, req *http.Request) {
		got = routePattern(req)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/markets/abc/settlements/7", nil))
	if got != "/markets/{marketID}/settlements/{version}" {
		t.Errorf("expected route pattern, got %q", got)
	}

	if p := routePattern(httptest.NewRequest("GET", "/x", nil)); p != "unmatched" {
		t.Errorf("expected unmatched outside chi, got %q", p)
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := sw.Hijack(); err == nil {
		t.Error("expected error hijacking a recorder")
	}
}
