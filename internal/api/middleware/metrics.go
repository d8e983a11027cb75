// metrics.go — Prometheus-метрики HTTP и операций над контейнерами.
// Gauge реестра (tb_containers_total, tb_storage_bytes) обновляет
// service.Registry.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_http_requests_total",
		Help: "HTTP-запросы к TimeBags",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tb_http_request_duration_seconds",
		Help:    "Длительность HTTP-запросов в секундах",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"method", "route"})
)

var (
	// ContainersTotal — контейнеры реестра по фазе.
	ContainersTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_containers_total",
		Help: "Контейнеры в каталоге данных по фазе",
	}, []string{"phase"})

	// StorageBytes — суммарный размер контейнеров.
	StorageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tb_storage_bytes",
		Help: "Суммарный размер контейнеров в байтах",
	})

	// OperationsTotal — операции над контейнерами: upload, download, step.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_operations_total",
		Help: "Операции над контейнерами по результату",
	}, []string{"operation", "result"})
)

// unmatchedRoute — метка запросов мимо маршрутов API.
const unmatchedRoute = "other"

// routeLabel — шаблон маршрута chi (/api/v1/containers/{name}).
// Имена контейнеров в метки не попадают.
func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatchedRoute
}

// MetricsMiddleware считает запросы и их длительность по маршруту.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := wrap(w, r)
			next.ServeHTTP(ww, r)

			// Шаблон известен только после маршрутизации
			route := routeLabel(r)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(statusOf(ww))).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
