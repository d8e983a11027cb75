package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRouteLabel(t *testing.T) {
	router := chi.NewRouter()
	var got string
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			got = routeLabel(r)
		})
	})
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	router.Get("/api/v1/containers", ok)
	router.Get("/api/v1/containers/{name}", ok)
	router.Get("/api/v1/containers/{name}/download", ok)
	router.Post("/api/v1/containers/{name}/step", ok)

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/v1/containers", "/api/v1/containers"},
		{http.MethodGet, "/api/v1/containers/report.pdf.asics", "/api/v1/containers/{name}"},
		{http.MethodGet, "/api/v1/containers/timebag_3.asics/download", "/api/v1/containers/{name}/download"},
		{http.MethodPost, "/api/v1/containers/a.asics/step", "/api/v1/containers/{name}/step"},
		{http.MethodGet, "/wp-admin/setup.php", unmatchedRoute},
	}
	for _, tt := range tests {
		got = ""
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))
		if got != tt.want {
			t.Errorf("%s %s: ожидалось %q, получено %q", tt.method, tt.path, tt.want, got)
		}
	}

	if l := routeLabel(httptest.NewRequest(http.MethodGet, "/x", nil)); l != unmatchedRoute {
		t.Errorf("без chi ожидалось %q, получено %q", unmatchedRoute, l)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestMetricsMiddleware_CountsByRoute(t *testing.T) {
	router := chi.NewRouter()
	router.Use(MetricsMiddleware())
	router.Get("/api/v1/containers/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/containers/{name}", "418")
	before := counterValue(t, counter)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/containers/a.asics", nil))
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/containers/b.asics", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("ожидался статус 418, получен %d", rec.Code)
	}
	if d := counterValue(t, counter) - before; d != 2 {
		t.Errorf("ожидалось +2 запроса, получено %v", d)
	}
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		want   string
	}{
		{"успех", "/api/v1/containers", http.StatusOK, "level=INFO"},
		{"без WriteHeader", "/api/v1/containers", 0, "status=200"},
		{"ошибка клиента", "/api/v1/containers/x.asics", http.StatusNotFound, "level=WARN"},
		{"ошибка сервера", "/api/v1/containers", http.StatusInternalServerError, "level=ERROR"},
		{"проба", "/health/live", http.StatusOK, "level=DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			handler := chimw.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte("ok"))
			})))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			out := buf.String()
			for _, want := range []string{tt.want, "bytes=2", "request_id="} {
				if !strings.Contains(out, want) {
					t.Errorf("ожидалось %s в %q", want, out)
				}
			}
		})
	}
}
