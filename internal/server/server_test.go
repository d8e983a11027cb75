package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/TimeBags/timebags/internal/api/generated"
	"github.com/TimeBags/timebags/internal/config"
)

// stubAPI отвечает только на /health/live; остальные методы не вызываются.
type stubAPI struct {
	generated.ServerInterface
}

func (stubAPI) HealthLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_MiddlewareOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	s := New(&config.Config{}, discard(), stubAPI{}, mark("first"), mark("second"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получен %d", rec.Code)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("неверный порядок middleware: %v", order)
	}
}

func TestExcept(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	h := Except(deny, "/health/", "/metrics")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		path string
		want int
	}{
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/containers", http.StatusUnauthorized},
		{"/healthz", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: ожидался %d, получен %d", tt.path, tt.want, rec.Code)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(&config.Config{Port: 0, ShutdownTimeout: time.Second}, discard(), stubAPI{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ожидалась штатная остановка, получено %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("сервер не остановился")
	}
}

func TestRun_ListenError(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Port:            0,
		ShutdownTimeout: time.Second,
		TLSCert:         filepath.Join(dir, "нет.crt"),
		TLSKey:          filepath.Join(dir, "нет.key"),
	}
	s := New(cfg, discard(), stubAPI{})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("ожидалась ошибка загрузки сертификата")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run не вернул ошибку")
	}
}
